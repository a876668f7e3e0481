package dcf77

import "strings"

// FrameLen is the number of second pulses in a DCF77 minute (seconds 0..58).
// Second 59 carries no pulse; its absence is the minute marker.
const FrameLen = 59

// slot values; the zero value is unset so an empty Frame needs no initialisation
const (
	unset uint8 = iota
	slotZero
	slotOne
)

// Frame is the bit buffer of one minute, indexed by second.
type Frame struct {
	bits     [FrameLen]uint8
	n        int
	overflow bool
}

// Reset clears every slot to unset and rewinds the cursor
func (f *Frame) Reset() {
	for i := range f.bits {
		f.bits[i] = unset
	}
	f.n = 0
	f.overflow = false
}

// Append writes b at the cursor and advances it.
// Only Zero and One are stored; a full frame refuses the bit and is marked overflowed.
func (f *Frame) Append(b RawBit) bool {
	if b != Zero && b != One {
		return false
	}
	if f.n >= FrameLen {
		f.overflow = true
		return false
	}
	if b == One {
		f.bits[f.n] = slotOne
	} else {
		f.bits[f.n] = slotZero
	}
	f.n++
	return true
}

// Set stores a bit at second i. Used when building frames by hand.
func (f *Frame) Set(i int, one bool) {
	f.bits[i] = slotZero
	if one {
		f.bits[i] = slotOne
	}
	if i >= f.n {
		f.n = i + 1
	}
}

// Len returns the number of bits written since the last reset
func (f *Frame) Len() int {
	return f.n
}

// Complete reports whether all 59 seconds were received without overflow
func (f *Frame) Complete() bool {
	return f.n == FrameLen && !f.overflow
}

// Overflowed reports whether more than FrameLen bits were offered
func (f *Frame) Overflowed() bool {
	return f.overflow
}

// IsSet reports whether second i holds a received bit
func (f *Frame) IsSet(i int) bool {
	return f.bits[i] != unset
}

// Bit reports whether second i carried a one. Unset slots read as zero.
func (f *Frame) Bit(i int) bool {
	return f.bits[i] == slotOne
}

// String renders the frame as 0/1 with '-' for unset slots
func (f *Frame) String() string {
	var sb strings.Builder
	sb.Grow(FrameLen)
	for _, v := range f.bits {
		switch v {
		case slotZero:
			sb.WriteByte('0')
		case slotOne:
			sb.WriteByte('1')
		default:
			sb.WriteByte('-')
		}
	}
	return sb.String()
}
