// Package metrics exposes prometheus collectors for HTTP traffic and charge dispatch.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/cafeledger/pkg/billing"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the collectors of one daemon.
type Registry struct {
	registry        *prometheus.Registry
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	dispatches      *prometheus.CounterVec
	dispatchLatency prometheus.Histogram
	pendingCharges  prometheus.Gauge
	sweeps          *prometheus.CounterVec
	expiredSessions prometheus.Counter
}

// New registers every collector under service as a constant label.
func New(service string) *Registry {
	constLabels := prometheus.Labels{"service": service}
	registry := prometheus.NewRegistry()
	metrics := &Registry{
		registry: registry,
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cafeledger_http_requests_total",
			Help:        "HTTP requests by route, method and status.",
			ConstLabels: constLabels,
		}, []string{"route", "method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "cafeledger_http_request_duration_seconds",
			Help:        "HTTP request latency by route.",
			Buckets:     prometheus.DefBuckets,
			ConstLabels: constLabels,
		}, []string{"route"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cafeledger_charge_dispatch_total",
			Help:        "Charge dispatches by outcome.",
			ConstLabels: constLabels,
		}, []string{"outcome"}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "cafeledger_charge_dispatch_duration_seconds",
			Help:        "Time spent collecting one charge, retries included.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			ConstLabels: constLabels,
		}),
		pendingCharges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "cafeledger_pending_charges",
			Help:        "Charges waiting for the reconciler after the last sweep.",
			ConstLabels: constLabels,
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "cafeledger_reconcile_sweeps_total",
			Help:        "Reconciler passes by result.",
			ConstLabels: constLabels,
		}, []string{"result"}),
		expiredSessions: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "cafeledger_sessions_expired_total",
			Help:        "Sessions closed by the expiry sweeper.",
			ConstLabels: constLabels,
		}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.httpRequests,
		metrics.httpDuration,
		metrics.dispatches,
		metrics.dispatchLatency,
		metrics.pendingCharges,
		metrics.sweeps,
		metrics.expiredSessions,
	)
	return metrics
}

// Handler serves the registry in the prometheus text format.
func (metrics *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{Registry: metrics.registry})
}

// GinMiddleware counts requests and observes latency per route.
func (metrics *Registry) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unknown"
		}
		metrics.httpRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		metrics.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

// ObserveDispatch implements billing.Metrics.
func (metrics *Registry) ObserveDispatch(outcome billing.Outcome, elapsed time.Duration) {
	metrics.dispatches.WithLabelValues(string(outcome)).Inc()
	metrics.dispatchLatency.Observe(elapsed.Seconds())
}

// SetPendingCharges implements billing.Metrics.
func (metrics *Registry) SetPendingCharges(count int64) {
	metrics.pendingCharges.Set(float64(count))
}

// ObserveSweep records one reconciler pass.
func (metrics *Registry) ObserveSweep(report billing.SweepReport, err error) {
	switch {
	case err != nil:
		metrics.sweeps.WithLabelValues("error").Inc()
	case report.Skipped:
		metrics.sweeps.WithLabelValues("skipped").Inc()
	default:
		metrics.sweeps.WithLabelValues("ok").Inc()
	}
}

// AddExpiredSessions records sessions closed by the expiry sweeper.
func (metrics *Registry) AddExpiredSessions(count int) {
	if count > 0 {
		metrics.expiredSessions.Add(float64(count))
	}
}
