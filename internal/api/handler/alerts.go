package handler

import (
	"net/http"
	"strconv"

	"github.com/albapepper/slotwatch/internal/api/respond"
)

// ListAlerts returns the caller's alert history, newest first.
// ?sent=true restricts it to delivered alerts.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	sentOnly := false
	if s := r.URL.Query().Get("sent"); s != "" {
		v, err := strconv.ParseBool(s)
		if err != nil {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_SENT", "sent must be true or false")
			return
		}
		sentOnly = v
	}

	page := pageFromQuery(r)
	entries, total, err := h.store.History(r.Context(), UserID(r.Context()), sentOnly, page)
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, respond.NewList(entries, page, total))
}
