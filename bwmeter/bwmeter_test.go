package bwmeter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCountersAccumulate(t *testing.T) {
	m := New()
	m.AddInbound(10)
	m.AddInbound(5)
	m.AddOutbound(7)

	in, out := m.Counters()
	assert.EqualValues(t, 15, in)
	assert.EqualValues(t, 7, out)
}

func TestAddZeroOrNegativeIsNoop(t *testing.T) {
	m := New()
	m.AddInbound(0)
	m.AddOutbound(-5)
	in, out := m.Counters()
	assert.Zero(t, in)
	assert.Zero(t, out)
}
