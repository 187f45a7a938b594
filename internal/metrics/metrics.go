// Package metrics exposes the pipeline's Prometheus collectors. A single
// Collector implements the recorder interfaces of the auth, ratelimit and
// reconcile packages.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/StricklySoft/clinic-auth/pkg/auth"
	"github.com/StricklySoft/clinic-auth/pkg/ratelimit"
	"github.com/StricklySoft/clinic-auth/pkg/reconcile"
)

// Collector records pipeline metrics.
type Collector struct {
	authOutcomes      *prometheus.CounterVec
	materializations  *prometheus.CounterVec
	rateLimitDecision *prometheus.CounterVec
	reconcileActions  *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	reconcileFailures *prometheus.CounterVec
}

var (
	_ auth.Recorder      = (*Collector)(nil)
	_ ratelimit.Recorder = (*Collector)(nil)
	_ reconcile.Recorder = (*Collector)(nil)
)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_auth_outcomes_total",
			Help: "Authentication attempts by scheme and outcome.",
		}, []string{"scheme", "outcome"}),
		materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_auth_materializations_total",
			Help: "External identities materialized into local identities, by result.",
		}, []string{"result"}),
		rateLimitDecision: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_ratelimit_decisions_total",
			Help: "Rate limiter decisions by route class.",
		}, []string{"route_class", "decision"}),
		reconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_reconcile_actions_total",
			Help: "Reconciliation actions by job.",
		}, []string{"job", "action"}),
		reconcileDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "clinic_reconcile_duration_seconds",
			Help:    "Reconciliation run duration.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
		}, []string{"job"}),
		reconcileFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "clinic_reconcile_failed_runs_total",
			Help: "Reconciliation runs that aborted.",
		}, []string{"job"}),
	}

	reg.MustRegister(
		c.authOutcomes,
		c.materializations,
		c.rateLimitDecision,
		c.reconcileActions,
		c.reconcileDuration,
		c.reconcileFailures,
	)
	return c
}

// AuthOutcome implements auth.Recorder.
func (c *Collector) AuthOutcome(scheme, outcome string) {
	c.authOutcomes.WithLabelValues(scheme, outcome).Inc()
}

// Materialization implements auth.Recorder.
func (c *Collector) Materialization(result string) {
	c.materializations.WithLabelValues(result).Inc()
}

// Decision implements ratelimit.Recorder.
func (c *Collector) Decision(routeClass, decision string) {
	if routeClass == "" {
		routeClass = "none"
	}
	c.rateLimitDecision.WithLabelValues(routeClass, decision).Inc()
}

// Action implements reconcile.Recorder.
func (c *Collector) Action(job, action string) {
	c.reconcileActions.WithLabelValues(job, action).Inc()
}

// RunDuration implements reconcile.Recorder.
func (c *Collector) RunDuration(job string, d time.Duration, err error) {
	c.reconcileDuration.WithLabelValues(job).Observe(d.Seconds())
	if err != nil {
		c.reconcileFailures.WithLabelValues(job).Inc()
	}
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
