package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/albapepper/slotwatch/internal/api/respond"
	"github.com/albapepper/slotwatch/internal/cache"
	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/store"
)

type slotsResponse struct {
	Data            []domain.SlotObservation `json:"data"`
	Count           int                      `json:"count"`
	FreshnessCutoff time.Time                `json:"freshness_cutoff"`
}

// SearchSlots returns live slots: available, not in the past and observed
// within the freshness window.
// Query: test_type, center_id (comma-separated), date_from, date_to.
func (h *Handler) SearchSlots(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f store.SlotFilter

	if tt := q.Get("test_type"); tt != "" {
		f.TestType = domain.TestType(strings.ToLower(tt))
		if !f.TestType.ValidForSlot() {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_TEST_TYPE", "test_type must be 'practical' or 'theory'")
			return
		}
	}
	if ids := q.Get("center_id"); ids != "" {
		for _, part := range strings.Split(ids, ",") {
			id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
			if err != nil || id <= 0 {
				respond.WriteError(w, http.StatusBadRequest, "INVALID_CENTER_ID", "center_id must be a comma-separated list of positive integers")
				return
			}
			f.CenterIDs = append(f.CenterIDs, id)
		}
	}
	for name, dst := range map[string]*string{"date_from": &f.DateFrom, "date_to": &f.DateTo} {
		if v := q.Get(name); v != "" {
			if !domain.ValidDate(v) {
				respond.WriteError(w, http.StatusBadRequest, "INVALID_DATE", name+" must be YYYY-MM-DD")
				return
			}
			*dst = v
		}
	}

	key := fmt.Sprintf("slots:%s:%v:%s:%s", f.TestType, f.CenterIDs, f.DateFrom, f.DateTo)
	if data, etag, ok := h.cache.Get(key); ok {
		if cache.CheckETagMatch(r.Header.Get("If-None-Match"), etag) {
			respond.WriteNotModified(w, etag)
			return
		}
		respond.WriteJSON(w, data, etag, cache.TTLSlots, true)
		return
	}

	f.FreshnessCutoff = h.clock().UTC().Add(-h.freshness)
	slots, err := h.store.FindAvailable(r.Context(), f)
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	if slots == nil {
		slots = []domain.SlotObservation{}
	}

	data, err := json.Marshal(slotsResponse{Data: slots, Count: len(slots), FreshnessCutoff: f.FreshnessCutoff})
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	etag := h.cache.Set(key, data, cache.TTLSlots)
	respond.WriteJSON(w, data, etag, cache.TTLSlots, false)
}
