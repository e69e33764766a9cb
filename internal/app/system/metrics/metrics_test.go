package metrics_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dalemusser/crewhub/internal/app/system/membership"
	"github.com/dalemusser/crewhub/internal/app/system/metrics"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/dalemusser/crewhub/internal/testutil"
	"github.com/go-chi/chi/v5"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMetrics_CountersAndHandler(t *testing.T) {
	m := metrics.New()
	m.Operation("create_crew", "ok")
	m.Operation("create_crew", "rate_limited")
	m.RateLimitDenied("create_crew")
	m.ExecutorRetry("post", 1, nil)
	m.FanoutJob(models.JobSent)
	m.FanoutDispatch(15 * time.Millisecond)

	n, err := promtestutil.GatherAndCount(m.Registry(), "crewhub_operations_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `crewhub_ratelimit_denied_total{action="create_crew"} 1`)
	assert.Contains(t, body, `crewhub_executor_retries_total{kind="post"} 1`)
	assert.Contains(t, body, `crewhub_fanout_jobs_total{status="sent"} 1`)
	assert.Contains(t, body, "crewhub_fanout_dispatch_seconds_count 1")
}

func TestMetrics_MiddlewareUsesRoutePattern(t *testing.T) {
	m := metrics.New()
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/crews/{crewID}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/crews/localsunited-1", nil))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `route="/api/crews/{crewID}",status="418"`)
}

func TestMetrics_StoreGauges(t *testing.T) {
	ds := testutil.NewMemoryStore(t)
	mgr := membership.New(ds, nil, zap.NewNop())
	_, err := mgr.CreateCrew(context.Background(), "Alpha", "bob", nil)
	require.NoError(t, err)

	m := metrics.New()
	m.RegisterStoreGauges(ds, time.Second)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	assert.Contains(t, body, `crewhub_crews{state="active"} 1`)
	assert.Contains(t, body, "crewhub_members 1")
}
