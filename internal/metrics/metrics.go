// Package metrics implements corectx.Metrics on top of
// github.com/prometheus/client_golang, per SPEC_FULL.md's domain-stack
// wiring. Counters are registered against a private registry so that
// cmd/socks5d can expose them on its own HTTP handler without colliding
// with the default global registry.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ealireza/socks5d/internal/corectx"
)

// Metrics implements corectx.Metrics and also tracks the plain counters
// the management channel's STATISTICS command reports (spec.md §9
// Supplemented Features), since prometheus counters are write-only and the
// original C statistics command needs readable snapshots.
type Metrics struct {
	registry *prometheus.Registry

	connectsTotal    prometheus.Counter
	disconnectsTotal prometheus.Counter
	bytesTotal       *prometheus.CounterVec

	currentConnections    atomic.Int64
	maxConcurrentConns    atomic.Int64
	totalConnections      atomic.Int64
	totalBytesReceived    atomic.Int64 // client -> origin
	totalBytesSent        atomic.Int64 // origin -> client
}

// New builds a Metrics with its own prometheus registry.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.connectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socks5d_connects_total",
		Help: "Total accepted SOCKS5 client connections.",
	})
	m.disconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "socks5d_disconnects_total",
		Help: "Total closed SOCKS5 client connections.",
	})
	m.bytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "socks5d_bytes_total",
		Help: "Total relayed bytes by direction.",
	}, []string{"direction"})

	m.registry.MustRegister(m.connectsTotal, m.disconnectsTotal, m.bytesTotal)
	return m
}

var _ corectx.Metrics = (*Metrics)(nil)

// OnConnect implements corectx.Metrics.
func (m *Metrics) OnConnect() {
	m.connectsTotal.Inc()
	cur := m.currentConnections.Add(1)
	m.totalConnections.Add(1)
	for {
		mx := m.maxConcurrentConns.Load()
		if cur <= mx || m.maxConcurrentConns.CompareAndSwap(mx, cur) {
			break
		}
	}
}

// OnDisconnect implements corectx.Metrics.
func (m *Metrics) OnDisconnect() {
	m.disconnectsTotal.Inc()
	m.currentConnections.Add(-1)
}

// OnBytes implements corectx.Metrics.
func (m *Metrics) OnBytes(dir corectx.Direction, n int) {
	label := "origin_to_client"
	if dir == corectx.ClientToOrigin {
		label = "client_to_origin"
		m.totalBytesReceived.Add(int64(n))
	} else {
		m.totalBytesSent.Add(int64(n))
	}
	m.bytesTotal.WithLabelValues(label).Add(float64(n))
}

// Snapshot is the point-in-time view the management channel's STATISTICS
// command reports, matching the original C server's field names
// (CONC, MCONC, TBRECV, TBSENT, TCON).
type Snapshot struct {
	CurrentConnections int64
	MaxConcurrent      int64
	TotalBytesReceived int64
	TotalBytesSent     int64
	TotalConnections   int64
}

// GetSnapshot returns the current counters for the management channel.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		CurrentConnections: m.currentConnections.Load(),
		MaxConcurrent:      m.maxConcurrentConns.Load(),
		TotalBytesReceived: m.totalBytesReceived.Load(),
		TotalBytesSent:     m.totalBytesSent.Load(),
		TotalConnections:   m.totalConnections.Load(),
	}
}

// Registry exposes the underlying prometheus registry for wiring an HTTP
// handler in cmd/socks5d.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
