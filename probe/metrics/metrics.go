// Package metrics exposes Prometheus collectors for endpoints and services.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "peerprobe"

type Metrics struct {
	connsAccepted *prometheus.CounterVec
	connsRejected *prometheus.CounterVec
	dials         *prometheus.CounterVec
	handlersLive  prometheus.Gauge
	handlerErrors *prometheus.CounterVec
	pingRTT       prometheus.Histogram
	pingFailures  prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		connsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_accepted_total",
			Help:      "Inbound connections handed to a service, by protocol.",
		}, []string{"protocol"}),
		connsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_rejected_total",
			Help:      "Inbound connections dropped before reaching a service, by reason.",
		}, []string{"reason"}),
		dials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dials_total",
			Help:      "Outbound dials, by protocol and result.",
		}, []string{"protocol", "result"}),
		handlersLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "handlers_active",
			Help:      "Service handlers currently running.",
		}),
		handlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handler_errors_total",
			Help:      "Service handlers that ended with an error, by protocol.",
		}, []string{"protocol"}),
		pingRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ping_rtt_seconds",
			Help:      "Round trip time of verified pings.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		pingFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ping_verification_failures_total",
			Help:      "Pings whose response did not match the nonce.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.connsAccepted, m.connsRejected, m.dials, m.handlersLive,
			m.handlerErrors, m.pingRTT, m.pingFailures)
	}
	return m
}

// Rejection reasons.
const (
	ReasonProtocolMismatch = "protocol_mismatch"
	ReasonBusy             = "busy"
	ReasonALPN             = "alpn"
)

func (m *Metrics) ConnAccepted(protocol string) {
	if m == nil {
		return
	}
	m.connsAccepted.WithLabelValues(protocol).Inc()
}

func (m *Metrics) ConnRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) Dial(protocol string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.dials.WithLabelValues(protocol, result).Inc()
}

// HandlerStarted returns a func to call when the handler ends.
func (m *Metrics) HandlerStarted(protocol string) func(err error) {
	if m == nil {
		return func(error) {}
	}
	m.handlersLive.Inc()
	return func(err error) {
		m.handlersLive.Dec()
		if err != nil {
			m.handlerErrors.WithLabelValues(protocol).Inc()
		}
	}
}

func (m *Metrics) PingVerified(rtt time.Duration) {
	if m == nil {
		return
	}
	m.pingRTT.Observe(rtt.Seconds())
}

func (m *Metrics) PingMismatch() {
	if m == nil {
		return
	}
	m.pingFailures.Inc()
}
