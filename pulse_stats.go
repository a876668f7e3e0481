package main

import (
	"sort"
	"sync"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
	"gonum.org/v1/gonum/stat"
)

// PulseSummary describes the recent widths of one pulse class
type PulseSummary struct {
	Count    int     `json:"count"`
	MeanMS   float64 `json:"mean_ms"`
	StdDevMS float64 `json:"stddev_ms"`
	MinMS    float64 `json:"min_ms"`
	MaxMS    float64 `json:"max_ms"`
	P90MS    float64 `json:"p90_ms"`
}

// PulseStats keeps a rolling window of pulse widths per classification
type PulseStats struct {
	mu     sync.Mutex
	window int
	widths map[dcf77.RawBit][]float64 // milliseconds, oldest first
	noise  int
	total  int
}

// NewPulseStats creates statistics over the last window pulses of each class
func NewPulseStats(window int) *PulseStats {
	if window <= 0 {
		window = 120
	}
	return &PulseStats{
		window: window,
		widths: make(map[dcf77.RawBit][]float64),
	}
}

// Add records one pulse
func (ps *PulseStats) Add(p dcf77.Pulse) {
	if p.Bit == dcf77.FrameDelimiter {
		return
	}
	ps.mu.Lock()
	defer ps.mu.Unlock()

	w := append(ps.widths[p.Bit], float64(p.Duration)/float64(time.Millisecond))
	if len(w) > ps.window {
		w = w[len(w)-ps.window:]
	}
	ps.widths[p.Bit] = w
	ps.total++
	if p.Bit.IsNoise() {
		ps.noise++
	}
}

// Summary returns the statistics of every class seen so far, keyed by class name
func (ps *PulseStats) Summary() map[string]PulseSummary {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	out := make(map[string]PulseSummary, len(ps.widths))
	for bit, w := range ps.widths {
		if len(w) == 0 {
			continue
		}
		sorted := make([]float64, len(w))
		copy(sorted, w)
		sort.Float64s(sorted)

		mean, std := stat.MeanStdDev(sorted, nil)
		if len(sorted) < 2 {
			std = 0
		}
		out[bit.String()] = PulseSummary{
			Count:    len(sorted),
			MeanMS:   mean,
			StdDevMS: std,
			MinMS:    sorted[0],
			MaxMS:    sorted[len(sorted)-1],
			P90MS:    stat.Quantile(0.9, stat.Empirical, sorted, nil),
		}
	}
	return out
}

// NoiseRatio returns the share of all pulses that were discarded as noise
func (ps *PulseStats) NoiseRatio() float64 {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if ps.total == 0 {
		return 0
	}
	return float64(ps.noise) / float64(ps.total)
}
