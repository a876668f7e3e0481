package dcf77

import "time"

// Nominal carrier reductions of the transmitter
const (
	ZeroPulse = 100 * time.Millisecond
	OnePulse  = 200 * time.Millisecond
)

// Levels renders the line levels of one broadcast minute sampled every tick,
// starting at the leading edge of second 0. Second 59 has no pulse.
// Unset slots are rendered as zeros.
func Levels(f *Frame, tick time.Duration) []Level {
	n := int(time.Minute / tick)
	out := make([]Level, n)
	for k := range out {
		at := time.Duration(k) * tick
		sec := int(at / time.Second)
		off := at % time.Second
		out[k] = High
		if sec >= FrameLen {
			continue
		}
		width := ZeroPulse
		if f.Bit(sec) {
			width = OnePulse
		}
		if off < width {
			out[k] = Low
		}
	}
	return out
}
