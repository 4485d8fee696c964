// Package metrics exposes Prometheus instrumentation for the chat pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "coursechat"

// Recorder holds every collector on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	modelCalls         *prometheus.CounterVec
	modelLatency       *prometheus.HistogramVec
	continuationRounds *prometheus.HistogramVec
	boundaryChecks     *prometheus.CounterVec
	redirects          prometheus.Counter
	turns              *prometheus.CounterVec
	turnLatency        *prometheus.HistogramVec
	sessionsSwept      prometheus.Counter
	rateLimited        prometheus.Counter
	activeSessions     prometheus.GaugeFunc
}

// New creates a recorder. sessionCount, when non-nil, backs the active
// sessions gauge.
func New(sessionCount func() float64) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model calls by purpose and outcome.",
		}, []string{"purpose", "outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model call latency by purpose.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}, []string{"purpose"}),
		continuationRounds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "continuation_rounds",
			Help:      "Auto-continuation rounds per turn by context.",
			Buckets:   []float64{0, 1, 2, 3, 4, 5},
		}, []string{"context"}),
		boundaryChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "boundary_checks_total",
			Help:      "Topic boundary validations by result.",
		}, []string{"result"}),
		redirects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redirects_total",
			Help:      "Off-topic replies replaced by a redirect.",
		}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Chat turns by context and outcome.",
		}, []string{"context", "outcome"}),
		turnLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "End-to-end chat turn latency by context.",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
		}, []string{"context"}),
		sessionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_swept_total",
			Help:      "Expired sessions removed by the sweeper.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_requests_total",
			Help:      "Chat requests rejected by the rate limiter.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.modelCalls, r.modelLatency, r.continuationRounds, r.boundaryChecks,
		r.redirects, r.turns, r.turnLatency, r.sessionsSwept, r.rateLimited,
	)

	if sessionCount != nil {
		r.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Sessions currently held by the session store.",
		}, sessionCount)
		r.registry.MustRegister(r.activeSessions)
	}
	return r
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ModelCall records one model call. outcome is "ok" or an error kind.
func (r *Recorder) ModelCall(purpose, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.modelCalls.WithLabelValues(purpose, outcome).Inc()
	r.modelLatency.WithLabelValues(purpose).Observe(d.Seconds())
}

// ContinuationRounds records how many continuation rounds one turn used.
func (r *Recorder) ContinuationRounds(context string, rounds int) {
	if r == nil {
		return
	}
	r.continuationRounds.WithLabelValues(context).Observe(float64(rounds))
}

// BoundaryCheck records a topic boundary result.
func (r *Recorder) BoundaryCheck(valid bool) {
	if r == nil {
		return
	}
	result := "invalid"
	if valid {
		result = "valid"
	}
	r.boundaryChecks.WithLabelValues(result).Inc()
}

// Redirect records a redirect call that replaced the reply.
func (r *Recorder) Redirect() {
	if r == nil {
		return
	}
	r.redirects.Inc()
}

// Turn records a finished chat turn.
func (r *Recorder) Turn(context, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(context, outcome).Inc()
	r.turnLatency.WithLabelValues(context).Observe(d.Seconds())
}

// SessionsSwept records sessions removed by the sweeper.
func (r *Recorder) SessionsSwept(n int) {
	if r == nil {
		return
	}
	r.sessionsSwept.Add(float64(n))
}

// RateLimited records a rejected request.
func (r *Recorder) RateLimited() {
	if r == nil {
		return
	}
	r.rateLimited.Inc()
}
