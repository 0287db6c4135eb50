package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/albapepper/slotwatch/internal/api/respond"
	"github.com/albapepper/slotwatch/internal/domain"
)

// maxBody bounds request bodies.
const maxBody = 64 << 10

// subscriptionRequest is the writable part of a subscription.
type subscriptionRequest struct {
	TestType         domain.TestType    `json:"test_type"`
	Location         string             `json:"location"`
	Latitude         *float64           `json:"latitude"`
	Longitude        *float64           `json:"longitude"`
	RadiusMiles      *float64           `json:"radius_miles"`
	PreferredCenters []int64            `json:"preferred_centers"`
	DateFrom         *string            `json:"date_from"`
	DateTo           *string            `json:"date_to"`
	PreferredTimes   []domain.TimeRange `json:"preferred_times"`
	IsActive         *bool              `json:"is_active"`
}

func (req subscriptionRequest) apply(sub *domain.AlertSubscription) {
	sub.TestType = req.TestType
	sub.Location = req.Location
	sub.Latitude = req.Latitude
	sub.Longitude = req.Longitude
	sub.RadiusMiles = req.RadiusMiles
	sub.PreferredCenters = req.PreferredCenters
	sub.DateFrom = req.DateFrom
	sub.DateTo = req.DateTo
	sub.PreferredTimes = req.PreferredTimes
	if req.IsActive != nil {
		sub.IsActive = *req.IsActive
	}
}

func decodeSubscription(w http.ResponseWriter, r *http.Request) (subscriptionRequest, bool) {
	var req subscriptionRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		if errors.Is(err, io.EOF) {
			respond.WriteError(w, http.StatusBadRequest, "INVALID_BODY", "Request body is required")
			return req, false
		}
		respond.WriteErrorDetail(w, http.StatusBadRequest, "INVALID_BODY", "Request body is not a valid subscription", err.Error())
		return req, false
	}
	return req, true
}

// ListSubscriptions returns the caller's subscriptions, newest first.
func (h *Handler) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	page := pageFromQuery(r)
	subs, total, err := h.store.List(r.Context(), UserID(r.Context()), page)
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, respond.NewList(subs, page, total))
}

// CreateSubscription validates and stores a new subscription for the caller.
func (h *Handler) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeSubscription(w, r)
	if !ok {
		return
	}
	sub := domain.AlertSubscription{UserID: UserID(r.Context())}
	req.apply(&sub)

	if err := h.store.Create(r.Context(), &sub); err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	h.cache.InvalidatePrefix(statsCacheKey)
	h.logger.Info("Subscription created", "user_id", sub.UserID, "subscription_id", sub.ID, "test_type", sub.TestType)
	respond.WriteJSONObject(w, http.StatusCreated, sub)
}

// GetSubscription returns one of the caller's subscriptions.
func (h *Handler) GetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.store.Get(r.Context(), UserID(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, sub)
}

// UpdateSubscription replaces the writable fields. Omitting is_active keeps
// the current state.
func (h *Handler) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	userID := UserID(r.Context())
	req, ok := decodeSubscription(w, r)
	if !ok {
		return
	}
	sub, err := h.store.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	req.apply(&sub)

	if err := h.store.Update(r.Context(), userID, &sub); err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	h.cache.InvalidatePrefix(statsCacheKey)
	respond.WriteJSONObject(w, http.StatusOK, sub)
}

// PauseSubscription and ResumeSubscription toggle is_active.
func (h *Handler) PauseSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, false)
}

func (h *Handler) ResumeSubscription(w http.ResponseWriter, r *http.Request) {
	h.setActive(w, r, true)
}

func (h *Handler) setActive(w http.ResponseWriter, r *http.Request, active bool) {
	userID, id := UserID(r.Context()), chi.URLParam(r, "id")
	if err := h.store.SetActive(r.Context(), userID, id, active); err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	h.cache.InvalidatePrefix(statsCacheKey)
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{"id": id, "is_active": active})
}

// DeleteSubscription removes one of the caller's subscriptions.
func (h *Handler) DeleteSubscription(w http.ResponseWriter, r *http.Request) {
	userID, id := UserID(r.Context()), chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), userID, id); err != nil {
		respond.WriteDomainError(w, h.logger, err)
		return
	}
	h.cache.InvalidatePrefix(statsCacheKey)
	h.logger.Info("Subscription deleted", "user_id", userID, "subscription_id", id)
	w.WriteHeader(http.StatusNoContent)
}
