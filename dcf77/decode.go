package dcf77

import (
	"errors"
	"fmt"
)

var (
	ErrIncomplete   = errors.New("frame incomplete")
	ErrMinuteParity = errors.New("minute parity mismatch")
	ErrHourParity   = errors.New("hour parity mismatch")
	ErrDateParity   = errors.New("date parity mismatch")
	ErrOutOfRange   = errors.New("decoded value out of range")
	ErrImplausible  = errors.New("time does not follow the previous minute")
)

// Bit positions of the fields that are not part of the time code proper
const (
	bitSummer    = 17 // CEST in effect
	bitWinter    = 18 // CET in effect
	bitTimeStart = 20 // start of encoded time, always one
)

// bcdField describes a field of weighted bits starting at first
type bcdField struct {
	first   int
	weights []int
}

var (
	minuteField  = bcdField{first: 21, weights: []int{1, 2, 4, 8, 10, 20, 40}}
	hourField    = bcdField{first: 29, weights: []int{1, 2, 4, 8, 10, 20}}
	dayField     = bcdField{first: 36, weights: []int{1, 2, 4, 8, 10, 20}}
	weekdayField = bcdField{first: 42, weights: []int{1, 2, 4}}
	monthField   = bcdField{first: 45, weights: []int{1, 2, 4, 8, 10}}
	yearField    = bcdField{first: 50, weights: []int{1, 2, 4, 8, 10, 20, 40, 80}}
)

const (
	minuteParityBit = 28
	hourParityBit   = 35
	dateParityBit   = 58
)

// read sums the weights of the set bits and returns the value with the number of set bits
func (bf bcdField) read(f *Frame) (value, ones int) {
	for i, w := range bf.weights {
		if f.Bit(bf.first + i) {
			value += w
			ones++
		}
	}
	return value, ones
}

// write stores v in the field and returns the number of set bits
func (bf bcdField) write(f *Frame, v int) int {
	tens, units := v/10, v%10
	ones := 0
	for i, w := range bf.weights {
		var set bool
		if w < 10 {
			set = units&w != 0
		} else {
			set = tens&(w/10) != 0
		}
		f.Set(bf.first+i, set)
		if set {
			ones++
		}
	}
	return ones
}

// parityOK applies even parity: data ones plus the parity bit must be even
func parityOK(f *Frame, ones, parityBit int) bool {
	if f.Bit(parityBit) {
		ones++
	}
	return ones%2 == 0
}

// Fields are the values decoded from one frame
type Fields struct {
	Minute  int
	Hour    int
	Day     int
	Weekday int // 1 = Monday .. 7 = Sunday
	Month   int
	Year    int // two digits as broadcast
	Summer  bool

	MinuteParityOK bool
	HourParityOK   bool
	DateParityOK   bool
}

// Decode extracts the time fields of a complete frame.
// It stops at the first parity group that fails; the returned Fields then
// hold only the groups decoded so far.
func Decode(f *Frame) (Fields, error) {
	var out Fields
	if !f.Complete() {
		return out, fmt.Errorf("%w: %d of %d bits", ErrIncomplete, f.Len(), FrameLen)
	}

	out.Summer = f.Bit(bitSummer) && !f.Bit(bitWinter)

	var ones int
	out.Minute, ones = minuteField.read(f)
	if !parityOK(f, ones, minuteParityBit) {
		return out, ErrMinuteParity
	}
	out.MinuteParityOK = true

	out.Hour, ones = hourField.read(f)
	if !parityOK(f, ones, hourParityBit) {
		return out, ErrHourParity
	}
	out.HourParityOK = true

	// the date parity covers day, weekday, month and year together
	dateOnes := 0
	out.Day, ones = dayField.read(f)
	dateOnes += ones
	out.Weekday, ones = weekdayField.read(f)
	dateOnes += ones
	out.Month, ones = monthField.read(f)
	dateOnes += ones
	out.Year, ones = yearField.read(f)
	dateOnes += ones
	if !parityOK(f, dateOnes, dateParityBit) {
		return out, ErrDateParity
	}
	out.DateParityOK = true

	if err := out.checkRange(); err != nil {
		return out, err
	}
	return out, nil
}

func (fs Fields) checkRange() error {
	switch {
	case fs.Minute > 59:
		return fmt.Errorf("%w: minute %d", ErrOutOfRange, fs.Minute)
	case fs.Hour > 23:
		return fmt.Errorf("%w: hour %d", ErrOutOfRange, fs.Hour)
	case fs.Day < 1 || fs.Day > 31:
		return fmt.Errorf("%w: day %d", ErrOutOfRange, fs.Day)
	case fs.Weekday < 1 || fs.Weekday > 7:
		return fmt.Errorf("%w: weekday %d", ErrOutOfRange, fs.Weekday)
	case fs.Month < 1 || fs.Month > 12:
		return fmt.Errorf("%w: month %d", ErrOutOfRange, fs.Month)
	case fs.Year > 99:
		return fmt.Errorf("%w: year %d", ErrOutOfRange, fs.Year)
	}
	return nil
}

// Time returns the timestamp carried by the fields
func (fs Fields) Time() Time {
	return Time{
		Year:    fs.Year,
		Month:   fs.Month,
		Day:     fs.Day,
		Weekday: fs.Weekday,
		Hour:    fs.Hour,
		Minute:  fs.Minute,
		Summer:  fs.Summer,
	}
}

// Plausible reports whether hour:minute is exactly one minute after prevHour:prevMinute
func Plausible(prevHour, prevMinute, hour, minute int) bool {
	prevMinute++
	if prevMinute == 60 {
		prevMinute = 0
		prevHour++
		if prevHour == 24 {
			prevHour = 0
		}
	}
	return minute == prevMinute && hour == prevHour
}

// Encode builds the frame broadcast for t, with correct parity bits
func Encode(t Time) *Frame {
	f := &Frame{}
	for i := 0; i < FrameLen; i++ {
		f.Set(i, false)
	}
	f.Set(bitSummer, t.Summer)
	f.Set(bitWinter, !t.Summer)
	f.Set(bitTimeStart, true)

	ones := minuteField.write(f, t.Minute)
	f.Set(minuteParityBit, ones%2 == 1)
	ones = hourField.write(f, t.Hour)
	f.Set(hourParityBit, ones%2 == 1)

	ones = dayField.write(f, t.Day)
	ones += weekdayField.write(f, t.Weekday)
	ones += monthField.write(f, t.Month)
	ones += yearField.write(f, t.Year)
	f.Set(dateParityBit, ones%2 == 1)
	return f
}
