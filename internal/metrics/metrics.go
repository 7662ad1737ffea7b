// Package metrics exposes prometheus collectors for the RPC bridge, the
// state supervisors and the WebSocket transport.
//
// A nil *Collector is valid and records nothing, so components take one
// as an optional dependency.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roach88/twin/internal/transport"
)

const namespace = "twin"

// Call directions.
const (
	Inbound  = "inbound"
	Outbound = "outbound"
)

// Call outcomes.
const (
	OutcomeOK             = "ok"
	OutcomeHandlerError   = "handler_error"
	OutcomeTransportError = "transport_error"
)

// Collector owns a private registry so several engines can run in one
// process without colliding.
type Collector struct {
	registry *prometheus.Registry

	calls        *prometheus.CounterVec
	callDuration *prometheus.HistogramVec
	broadcasts   *prometheus.CounterVec
	stateWrites  *prometheus.CounterVec
	connections  prometheus.Gauge
	rateLimited  prometheus.Counter
}

// New creates a collector with process and Go runtime metrics included.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "calls_total",
				Help:      "RPC calls by direction, method and outcome.",
			},
			[]string{"direction", "method", "outcome"},
		),
		callDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "call_duration_seconds",
				Help:      "Duration of RPC calls.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14), // 0.5ms to ~4s
			},
			[]string{"direction", "method"},
		),
		broadcasts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "broadcasts_total",
				Help:      "State deltas broadcast to clients.",
			},
			[]string{"method"},
		),
		stateWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "state",
				Name:      "writes_total",
				Help:      "Writes applied to state supervisors by tier and origin.",
			},
			[]string{"tier", "origin"},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "connections",
				Help:      "Open WebSocket connections.",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "ws",
				Name:      "rate_limited_total",
				Help:      "Inbound requests rejected by the per-session rate limit.",
			},
		),
	}

	c.registry.MustRegister(
		c.calls,
		c.callDuration,
		c.broadcasts,
		c.stateWrites,
		c.connections,
		c.rateLimited,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveCall records one finished call.
func (c *Collector) ObserveCall(direction, method string, d time.Duration, err error) {
	if c == nil {
		return
	}
	c.calls.WithLabelValues(direction, method, Outcome(err)).Inc()
	c.callDuration.WithLabelValues(direction, method).Observe(d.Seconds())
}

// ObserveBroadcast records one outbound state delta.
func (c *Collector) ObserveBroadcast(method string) {
	if c == nil {
		return
	}
	c.broadcasts.WithLabelValues(method).Inc()
}

// ObserveStateWrite records one applied write. origin is "local" or "remote".
func (c *Collector) ObserveStateWrite(tier, origin string) {
	if c == nil {
		return
	}
	c.stateWrites.WithLabelValues(tier, origin).Inc()
}

// ConnectionOpened increments the open connection gauge.
func (c *Collector) ConnectionOpened() {
	if c == nil {
		return
	}
	c.connections.Inc()
}

// ConnectionClosed decrements the open connection gauge.
func (c *Collector) ConnectionClosed() {
	if c == nil {
		return
	}
	c.connections.Dec()
}

// RateLimited records one rejected inbound request.
func (c *Collector) RateLimited() {
	if c == nil {
		return
	}
	c.rateLimited.Inc()
}

// Outcome classifies a call error for the outcome label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return OutcomeOK
	case transport.IsTransportError(err), transport.IsRefused(err), errors.Is(err, transport.ErrTimeout):
		return OutcomeTransportError
	default:
		return OutcomeHandlerError
	}
}
