// internal/app/system/metrics/metrics.go
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	metricsstore "github.com/dalemusser/crewhub/internal/app/store/metrics"
	"github.com/dalemusser/crewhub/internal/app/system/docstore"
	"github.com/dalemusser/crewhub/internal/domain/models"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests and multiple instances in one
// process do not collide.
type Metrics struct {
	reg *prometheus.Registry

	operations      *prometheus.CounterVec
	rateLimitDenied *prometheus.CounterVec
	executorRetries *prometheus.CounterVec
	fanoutJobs      *prometheus.CounterVec
	fanoutDispatch  prometheus.Histogram
	httpDuration    *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewhub_operations_total",
			Help: "Mutations by operation and outcome (ok or error kind).",
		}, []string{"operation", "outcome"}),
		rateLimitDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewhub_ratelimit_denied_total",
			Help: "Requests denied by the rate limiter, by action.",
		}, []string{"action"}),
		executorRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewhub_executor_retries_total",
			Help: "Transient failures retried by the write executor, by operation kind.",
		}, []string{"kind"}),
		fanoutJobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crewhub_fanout_jobs_total",
			Help: "Notification job attempts by resulting status.",
		}, []string{"status"}),
		fanoutDispatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crewhub_fanout_dispatch_seconds",
			Help:    "Duration of one batched transport call.",
			Buckets: prometheus.DefBuckets,
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crewhub_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.operations,
		m.rateLimitDenied,
		m.executorRetries,
		m.fanoutJobs,
		m.fanoutDispatch,
		m.httpDuration,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Operation counts one mutation outcome.
func (m *Metrics) Operation(op, outcome string) {
	m.operations.WithLabelValues(op, outcome).Inc()
}

// RateLimitDenied counts a denial for action.
func (m *Metrics) RateLimitDenied(action string) {
	m.rateLimitDenied.WithLabelValues(action).Inc()
}

// ExecutorRetry matches executor.WithRetryHook.
func (m *Metrics) ExecutorRetry(kind string, _ int, _ error) {
	m.executorRetries.WithLabelValues(kind).Inc()
}

// FanoutJob matches fanout.WithStatusHook.
func (m *Metrics) FanoutJob(status models.JobStatus) {
	m.fanoutJobs.WithLabelValues(string(status)).Inc()
}

// FanoutDispatch matches fanout.WithDispatchHook.
func (m *Metrics) FanoutDispatch(d time.Duration) {
	m.fanoutDispatch.Observe(d.Seconds())
}

// Middleware records request duration labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		m.httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).Observe(time.Since(start).Seconds())
	})
}

// RegisterStoreGauges exports metricsstore.Counts, read from r on every scrape.
func (m *Metrics) RegisterStoreGauges(r docstore.Reader, timeout time.Duration) {
	m.reg.MustRegister(&storeCollector{r: r, timeout: timeout})
}

var (
	crewsDesc       = prometheus.NewDesc("crewhub_crews", "Crews by state.", []string{"state"}, nil)
	membersDesc     = prometheus.NewDesc("crewhub_members", "Member records.", nil, nil)
	invitationsDesc = prometheus.NewDesc("crewhub_pending_invitations", "Pending invitations.", nil, nil)
	jobsDesc        = prometheus.NewDesc("crewhub_notification_jobs", "Notification jobs by status.", []string{"status"}, nil)
)

type storeCollector struct {
	r       docstore.Reader
	timeout time.Duration
}

func (c *storeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- crewsDesc
	ch <- membersDesc
	ch <- invitationsDesc
	ch <- jobsDesc
}

func (c *storeCollector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	n := metricsstore.FetchCounts(ctx, c.r)

	ch <- prometheus.MustNewConstMetric(crewsDesc, prometheus.GaugeValue, float64(n.ActiveCrews), "active")
	ch <- prometheus.MustNewConstMetric(crewsDesc, prometheus.GaugeValue, float64(n.Crews-n.ActiveCrews), "inactive")
	ch <- prometheus.MustNewConstMetric(membersDesc, prometheus.GaugeValue, float64(n.Members))
	ch <- prometheus.MustNewConstMetric(invitationsDesc, prometheus.GaugeValue, float64(n.PendingInvitations))
	ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n.PendingJobs), string(models.JobPending))
	ch <- prometheus.MustNewConstMetric(jobsDesc, prometheus.GaugeValue, float64(n.FailedJobs), string(models.JobFailed))
}
