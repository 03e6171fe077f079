package pipeline

import (
	"sync/atomic"
)

// Metrics contains per-pipeline counters. The process-wide Prometheus
// counters live in internal/metrics.
type Metrics struct {
	Packets       atomic.Uint64
	DecodeErrors  atomic.Uint64
	Dispatched    atomic.Uint64
	HandlerErrors atomic.Uint64
}

// Stats is a snapshot of Metrics.
type Stats struct {
	Packets       uint64
	DecodeErrors  uint64
	Dispatched    uint64
	HandlerErrors uint64
}

func (m *Metrics) snapshot() Stats {
	return Stats{
		Packets:       m.Packets.Load(),
		DecodeErrors:  m.DecodeErrors.Load(),
		Dispatched:    m.Dispatched.Load(),
		HandlerErrors: m.HandlerErrors.Load(),
	}
}

// Reset resets all counters to zero.
func (m *Metrics) Reset() {
	m.Packets.Store(0)
	m.DecodeErrors.Store(0)
	m.Dispatched.Store(0)
	m.HandlerErrors.Store(0)
}
