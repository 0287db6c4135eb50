package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveJob(t *testing.T) {
	base := testutil.ToFloat64(JobRunsTotal.WithLabelValues("test-job", OutcomeSuccess))

	ObserveJob("test-job", OutcomeSuccess, 150*time.Millisecond)

	got := testutil.ToFloat64(JobRunsTotal.WithLabelValues("test-job", OutcomeSuccess))
	if got != base+1 {
		t.Fatalf("job runs = %v; want %v", got, base+1)
	}
}

func TestMiddleware_UsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/api/v1/subscriptions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	base := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v1/subscriptions/{id}", "204"))
	base404 := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404"))

	for _, path := range []string{"/api/v1/subscriptions/abc", "/api/v1/subscriptions/def", "/nope"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/api/v1/subscriptions/{id}", "204")); got != base+2 {
		t.Fatalf("route counter = %v; want %v", got, base+2)
	}
	if got := testutil.ToFloat64(httpReqs.WithLabelValues("GET", "/nope", "404")); got != base404+1 {
		t.Fatalf("fallback counter = %v; want %v", got, base404+1)
	}
	if inflight := testutil.ToFloat64(httpInflight); inflight != 0 {
		t.Fatalf("inflight = %v; want 0", inflight)
	}
}
