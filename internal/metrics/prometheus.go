// Package metrics exposes dispatcher and monitor measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "email_outbox"

// Outbox implements outbox.Observer and worker.StaleGauge.
type Outbox struct {
	registry *prometheus.Registry

	invocations         *prometheus.CounterVec
	messages            *prometheus.CounterVec
	claimDuration       prometheus.Histogram
	claimed             prometheus.Histogram
	sendDuration        *prometheus.HistogramVec
	terminalWriteErrors *prometheus.CounterVec
	staleSending        prometheus.Gauge
}

// NewOutbox registers the outbox collectors on a fresh registry, alongside
// the Go runtime and process collectors.
func NewOutbox() *Outbox {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Outbox{
		registry: reg,
		invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_invocations_total",
			Help:      "Dispatcher invocations by outcome.",
		}, []string{"outcome"}),
		messages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Processed outbox messages by result.",
		}, []string{"result"}),
		claimDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_duration_seconds",
			Help:      "Time spent claiming a batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		claimed: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claimed_batch_size",
			Help:      "Rows claimed per invocation.",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		sendDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Render plus delivery time per message.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"result"}),
		terminalWriteErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_write_errors_total",
			Help:      "Terminal status writes that failed after all attempts.",
		}, []string{"op"}),
		staleSending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_sending",
			Help:      "Rows stuck in sending past the stale threshold at the last check.",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (o *Outbox) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{Registry: o.registry})
}

// Registry returns the underlying registry.
func (o *Outbox) Registry() *prometheus.Registry { return o.registry }

func (o *Outbox) ObserveInvocation(outcome string) {
	o.invocations.WithLabelValues(outcome).Inc()
}

func (o *Outbox) ObserveClaim(d time.Duration, claimed int) {
	o.claimDuration.Observe(d.Seconds())
	o.claimed.Observe(float64(claimed))
}

func (o *Outbox) ObserveMessage(result string, d time.Duration) {
	o.messages.WithLabelValues(result).Inc()
	o.sendDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (o *Outbox) ObserveTerminalWriteError(op string) {
	o.terminalWriteErrors.WithLabelValues(op).Inc()
}

func (o *Outbox) SetStaleSending(n int) {
	o.staleSending.Set(float64(n))
}
