package dcf77

import (
	"fmt"
	"time"
)

// Level is the sampled state of the receiver output line.
// The line is active low: Low means the carrier is reduced (a second pulse is in progress).
type Level bool

const (
	Low  Level = false // carrier reduced
	High Level = true  // full carrier
)

func (l Level) String() string {
	if l == High {
		return "high"
	}
	return "low"
}

// RawBit is the classification of one measured carrier reduction
type RawBit uint8

const (
	Zero RawBit = iota
	One
	FrameDelimiter
	NoiseShort     // shorter than the zero band
	NoiseAmbiguous // between the zero and one bands
	NoiseLong      // longer than the one band
)

// IsNoise reports whether the pulse was discarded
func (b RawBit) IsNoise() bool {
	return b >= NoiseShort
}

func (b RawBit) String() string {
	switch b {
	case Zero:
		return "zero"
	case One:
		return "one"
	case FrameDelimiter:
		return "delimiter"
	case NoiseShort:
		return "noise-short"
	case NoiseAmbiguous:
		return "noise-ambiguous"
	case NoiseLong:
		return "noise-long"
	}
	return fmt.Sprintf("RawBit(%d)", uint8(b))
}

// DefaultTickPeriod is the sampling period of the original hardware timer
// (16 MHz / 1024 prescaler / 256 counts).
const DefaultTickPeriod = 16384 * time.Microsecond

// Timing holds the classification thresholds in real time units.
// All thresholds are converted to whole ticks of TickPeriod.
type Timing struct {
	TickPeriod time.Duration
	MinZero    time.Duration // shortest pulse read as a zero
	MaxZero    time.Duration // longest pulse read as a zero
	MinOne     time.Duration // shortest pulse read as a one
	MaxOne     time.Duration // longest pulse read as a one
	LongPause  time.Duration // pause that marks the end of a minute
}

// DefaultTiming returns the thresholds of the reference receiver:
// 3..8 ticks zero, 10..14 ticks one, more than 91 ticks of pause ends the minute.
func DefaultTiming() Timing {
	return Timing{
		TickPeriod: DefaultTickPeriod,
		MinZero:    3 * DefaultTickPeriod,
		MaxZero:    8 * DefaultTickPeriod,
		MinOne:     10 * DefaultTickPeriod,
		MaxOne:     14 * DefaultTickPeriod,
		LongPause:  91 * DefaultTickPeriod,
	}
}

// Bands are the classification thresholds expressed in ticks
type Bands struct {
	MinZero   int
	MaxZero   int
	MinOne    int
	MaxOne    int
	LongPause int
}

// Bands converts the thresholds to ticks, rounding to the nearest tick
func (t Timing) Bands() (Bands, error) {
	if t.TickPeriod <= 0 {
		return Bands{}, fmt.Errorf("tick period must be positive, got %v", t.TickPeriod)
	}
	ticks := func(d time.Duration) int {
		return int((d + t.TickPeriod/2) / t.TickPeriod)
	}
	b := Bands{
		MinZero:   ticks(t.MinZero),
		MaxZero:   ticks(t.MaxZero),
		MinOne:    ticks(t.MinOne),
		MaxOne:    ticks(t.MaxOne),
		LongPause: ticks(t.LongPause),
	}
	if err := b.validate(); err != nil {
		return Bands{}, fmt.Errorf("invalid timing at tick period %v: %w", t.TickPeriod, err)
	}
	return b, nil
}

func (b Bands) validate() error {
	switch {
	case b.MinZero < 1:
		return fmt.Errorf("zero band starts at %d ticks, need at least 1", b.MinZero)
	case b.MaxZero < b.MinZero:
		return fmt.Errorf("zero band is empty (%d..%d ticks)", b.MinZero, b.MaxZero)
	case b.MinOne <= b.MaxZero:
		return fmt.Errorf("one band (from %d ticks) overlaps zero band (to %d ticks)", b.MinOne, b.MaxZero)
	case b.MaxOne < b.MinOne:
		return fmt.Errorf("one band is empty (%d..%d ticks)", b.MinOne, b.MaxOne)
	case b.LongPause <= b.MaxOne:
		return fmt.Errorf("long pause (%d ticks) must exceed the one band (%d ticks)", b.LongPause, b.MaxOne)
	}
	return nil
}

// Classify maps the length of a carrier reduction in ticks to a bit.
// It never returns FrameDelimiter; minute boundaries come from the pause counter.
func (b Bands) Classify(ticks int) RawBit {
	switch {
	case ticks < b.MinZero:
		return NoiseShort
	case ticks <= b.MaxZero:
		return Zero
	case ticks < b.MinOne:
		return NoiseAmbiguous
	case ticks <= b.MaxOne:
		return One
	default:
		return NoiseLong
	}
}
