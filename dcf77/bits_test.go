package dcf77

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestClassifyBoundaries(t *testing.T) {
	c := qt.New(t)
	bands, err := DefaultTiming().Bands()
	c.Assert(err, qt.IsNil)
	c.Assert(bands, qt.Equals, Bands{MinZero: 3, MaxZero: 8, MinOne: 10, MaxOne: 14, LongPause: 91})

	for ticks, want := range map[int]RawBit{
		0:  NoiseShort,
		2:  NoiseShort,
		3:  Zero,
		6:  Zero,
		8:  Zero,
		9:  NoiseAmbiguous,
		10: One,
		12: One,
		14: One,
		15: NoiseLong,
		40: NoiseLong,
	} {
		c.Check(bands.Classify(ticks), qt.Equals, want, qt.Commentf("%d ticks", ticks))
	}
}

var timingTests = []struct {
	testName    string
	timing      Timing
	expect      Bands
	expectError string
}{{
	testName: "10ms-tick",
	timing: Timing{
		TickPeriod: 10 * time.Millisecond,
		MinZero:    50 * time.Millisecond,
		MaxZero:    130 * time.Millisecond,
		MinOne:     160 * time.Millisecond,
		MaxOne:     250 * time.Millisecond,
		LongPause:  1500 * time.Millisecond,
	},
	expect: Bands{MinZero: 5, MaxZero: 13, MinOne: 16, MaxOne: 25, LongPause: 150},
}, {
	testName: "rounds-to-nearest-tick",
	timing: Timing{
		TickPeriod: 16 * time.Millisecond,
		MinZero:    50 * time.Millisecond,
		MaxZero:    130 * time.Millisecond,
		MinOne:     160 * time.Millisecond,
		MaxOne:     230 * time.Millisecond,
		LongPause:  1500 * time.Millisecond,
	},
	expect: Bands{MinZero: 3, MaxZero: 8, MinOne: 10, MaxOne: 14, LongPause: 94},
}, {
	testName:    "zero-tick",
	timing:      Timing{},
	expectError: `tick period must be positive, got 0s`,
}, {
	testName: "overlapping-bands",
	timing: Timing{
		TickPeriod: 10 * time.Millisecond,
		MinZero:    50 * time.Millisecond,
		MaxZero:    200 * time.Millisecond,
		MinOne:     150 * time.Millisecond,
		MaxOne:     250 * time.Millisecond,
		LongPause:  1500 * time.Millisecond,
	},
	expectError: `invalid timing at tick period 10ms: one band \(from 15 ticks\) overlaps zero band \(to 20 ticks\)`,
}, {
	testName: "short-long-pause",
	timing: Timing{
		TickPeriod: 10 * time.Millisecond,
		MinZero:    50 * time.Millisecond,
		MaxZero:    130 * time.Millisecond,
		MinOne:     160 * time.Millisecond,
		MaxOne:     250 * time.Millisecond,
		LongPause:  200 * time.Millisecond,
	},
	expectError: `invalid timing .*: long pause \(20 ticks\) must exceed the one band \(25 ticks\)`,
}}

func TestTimingBands(t *testing.T) {
	c := qt.New(t)
	for _, test := range timingTests {
		c.Run(test.testName, func(c *qt.C) {
			bands, err := test.timing.Bands()
			if test.expectError != "" {
				c.Assert(err, qt.ErrorMatches, test.expectError)
				return
			}
			c.Assert(err, qt.IsNil)
			c.Assert(bands, qt.Equals, test.expect)
		})
	}
}

func TestFrameNeverExceedsLength(t *testing.T) {
	c := qt.New(t)
	var f Frame
	for i := 0; i < FrameLen; i++ {
		c.Assert(f.Append(Zero), qt.IsTrue)
	}
	c.Assert(f.Complete(), qt.IsTrue)
	c.Assert(f.Append(One), qt.IsFalse)
	c.Assert(f.Len(), qt.Equals, FrameLen)
	c.Assert(f.Overflowed(), qt.IsTrue)
	c.Assert(f.Complete(), qt.IsFalse)

	f.Reset()
	c.Assert(f.Len(), qt.Equals, 0)
	c.Assert(f.IsSet(0), qt.IsFalse)
	c.Assert(f.Append(NoiseAmbiguous), qt.IsFalse)
	c.Assert(f.Len(), qt.Equals, 0)
}
