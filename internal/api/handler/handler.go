// Package handler provides HTTP handlers for all API endpoints.
// Handlers call the store directly; there is no service layer.
package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/albapepper/slotwatch/internal/api/respond"
	"github.com/albapepper/slotwatch/internal/cache"
	"github.com/albapepper/slotwatch/internal/domain"
	"github.com/albapepper/slotwatch/internal/health"
	"github.com/albapepper/slotwatch/internal/store"
)

// Store is the slice of the backend the API reads and writes.
type Store interface {
	FindAvailable(ctx context.Context, f store.SlotFilter) ([]domain.SlotObservation, error)

	Create(ctx context.Context, sub *domain.AlertSubscription) error
	Get(ctx context.Context, userID, id string) (domain.AlertSubscription, error)
	List(ctx context.Context, userID string, page domain.Page) ([]domain.AlertSubscription, int64, error)
	Update(ctx context.Context, userID string, sub *domain.AlertSubscription) error
	SetActive(ctx context.Context, userID, id string, active bool) error
	Delete(ctx context.Context, userID, id string) error

	History(ctx context.Context, userID string, sentOnly bool, page domain.Page) ([]domain.AlertLedgerEntry, int64, error)
}

// Reporter serves the stats and liveness endpoints.
type Reporter interface {
	Report(ctx context.Context) health.Report
	Liveness(ctx context.Context) health.Liveness
}

// Config holds shared dependencies for all endpoint handlers.
type Config struct {
	Store           Store
	Reporter        Reporter
	Cache           *cache.Cache
	FreshnessWindow time.Duration
	Version         string
	Clock           func() time.Time
	Logger          *slog.Logger
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	store     Store
	reporter  Reporter
	cache     *cache.Cache
	freshness time.Duration
	version   string
	clock     func() time.Time
	logger    *slog.Logger
}

// New creates a Handler with shared dependencies.
func New(cfg Config) *Handler {
	h := &Handler{
		store:     cfg.Store,
		reporter:  cfg.Reporter,
		cache:     cfg.Cache,
		freshness: cfg.FreshnessWindow,
		version:   cfg.Version,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
	if h.cache == nil {
		h.cache = cache.New(false)
	}
	if h.freshness <= 0 {
		h.freshness = 2 * time.Hour
	}
	if h.version == "" {
		h.version = "dev"
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h
}

// Root serves API info at /.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]any{
		"name":    "Slotwatch API",
		"version": h.version,
		"status":  "running",
		"endpoints": []string{
			"/health",
			"/health/db",
			"/stats",
			"/metrics",
			"/api/v1/slots",
			"/api/v1/subscriptions",
			"/api/v1/alerts",
		},
	})
}

// pageFromQuery reads ?page and ?limit; bad values fall back to defaults.
func pageFromQuery(r *http.Request) domain.Page {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	limit, _ := strconv.Atoi(q.Get("limit"))
	return domain.Page{Page: page, Limit: limit}.Normalize()
}
