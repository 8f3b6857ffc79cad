// Package bwmeter tracks cumulative inbound/outbound byte counts for the
// node's request/response traffic and received gossip payloads, backing
// spec §6's GetBandwidth. See
// SPEC_FULL.md's "Bandwidth accounting" supplemented feature.
package bwmeter

import "sync/atomic"

// Meter is a pair of monotonic byte counters, safe for concurrent use
// from every stream-handling goroutine.
type Meter struct {
	inbound  atomic.Uint64
	outbound atomic.Uint64
}

// New returns a zeroed Meter.
func New() *Meter {
	return &Meter{}
}

// AddInbound records n bytes received.
func (m *Meter) AddInbound(n int) {
	if n > 0 {
		m.inbound.Add(uint64(n))
	}
}

// AddOutbound records n bytes sent.
func (m *Meter) AddOutbound(n int) {
	if n > 0 {
		m.outbound.Add(uint64(n))
	}
}

// Counters returns the cumulative inbound and outbound byte counts.
func (m *Meter) Counters() (inbound, outbound uint64) {
	return m.inbound.Load(), m.outbound.Load()
}
