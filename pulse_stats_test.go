package main

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/cwsl/dcf77rx/dcf77"
)

func widthPulse(bit dcf77.RawBit, ms int) dcf77.Pulse {
	return dcf77.Pulse{Bit: bit, Duration: time.Duration(ms) * time.Millisecond}
}

func TestPulseStatsSummary(t *testing.T) {
	c := qt.New(t)
	ps := NewPulseStats(10)
	for _, ms := range []int{90, 100, 110} {
		ps.Add(widthPulse(dcf77.Zero, ms))
	}
	ps.Add(widthPulse(dcf77.One, 200))
	ps.Add(dcf77.Pulse{Bit: dcf77.FrameDelimiter})

	sum := ps.Summary()
	c.Assert(sum, qt.HasLen, 2)

	zero := sum[dcf77.Zero.String()]
	c.Assert(zero.Count, qt.Equals, 3)
	c.Assert(zero.MeanMS, qt.Equals, 100.0)
	c.Assert(zero.StdDevMS, qt.Equals, 10.0)
	c.Assert(zero.MinMS, qt.Equals, 90.0)
	c.Assert(zero.MaxMS, qt.Equals, 110.0)
	c.Assert(zero.P90MS, qt.Equals, 110.0)

	one := sum[dcf77.One.String()]
	c.Assert(one.Count, qt.Equals, 1)
	c.Assert(one.StdDevMS, qt.Equals, 0.0)
}

func TestPulseStatsWindow(t *testing.T) {
	c := qt.New(t)
	ps := NewPulseStats(3)
	for _, ms := range []int{10, 100, 100, 100} {
		ps.Add(widthPulse(dcf77.Zero, ms))
	}
	zero := ps.Summary()[dcf77.Zero.String()]
	c.Assert(zero.Count, qt.Equals, 3)
	c.Assert(zero.MinMS, qt.Equals, 100.0)
}

func TestPulseStatsNoiseRatio(t *testing.T) {
	c := qt.New(t)
	ps := NewPulseStats(0)
	c.Assert(ps.NoiseRatio(), qt.Equals, 0.0)

	ps.Add(widthPulse(dcf77.Zero, 100))
	ps.Add(widthPulse(dcf77.One, 200))
	ps.Add(widthPulse(dcf77.NoiseShort, 20))
	ps.Add(widthPulse(dcf77.NoiseLong, 400))
	c.Assert(ps.NoiseRatio(), qt.Equals, 0.5)
}
