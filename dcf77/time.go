package dcf77

import (
	"fmt"
	"time"
)

// Century is added to the two-digit broadcast year
const Century = 2000

var (
	cet  = time.FixedZone("CET", 1*60*60)
	cest = time.FixedZone("CEST", 2*60*60)
)

// Time is a timestamp received from DCF77, in German legal time
type Time struct {
	Year    int // two digits, 0..99
	Month   int
	Day     int
	Weekday int // 1 = Monday .. 7 = Sunday
	Hour    int
	Minute  int
	Summer  bool // CEST rather than CET
}

// FromTime returns the DCF77 representation of t, converted to CEST when
// summer is set and to CET otherwise.
func FromTime(t time.Time, summer bool) Time {
	zone := cet
	if summer {
		zone = cest
	}
	t = t.In(zone)
	wd := int(t.Weekday())
	if wd == 0 {
		wd = 7
	}
	return Time{
		Year:    t.Year() % 100,
		Month:   int(t.Month()),
		Day:     t.Day(),
		Weekday: wd,
		Hour:    t.Hour(),
		Minute:  t.Minute(),
		Summer:  summer,
	}
}

// Location returns the fixed zone the time is expressed in
func (t Time) Location() *time.Location {
	if t.Summer {
		return cest
	}
	return cet
}

// Time converts to a time.Time at second zero of the minute
func (t Time) Time() time.Time {
	return time.Date(Century+t.Year, time.Month(t.Month), t.Day, t.Hour, t.Minute, 0, 0, t.Location())
}

// Next returns the time one minute later, as the next frame would carry it
func (t Time) Next() Time {
	return FromTime(t.Time().Add(time.Minute), t.Summer)
}

func (t Time) String() string {
	return fmt.Sprintf("%04d-%02d-%02d %02d:%02d %s (wd %d)",
		Century+t.Year, t.Month, t.Day, t.Hour, t.Minute, t.Location().String(), t.Weekday)
}
