package main

import (
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/rogpeppe/misc/ds1307"
	"golang.org/x/exp/io/i2c"
)

// HardwareClock is a battery-backed real-time clock
type HardwareClock interface {
	Now() (time.Time, error)
	Set(t time.Time) error
	Close() error
}

// openRTC opens a DS1307 on the given I2C bus device
func openRTC(device string) (HardwareClock, error) {
	rtc, err := ds1307.Open(&i2c.Devfs{Dev: device})
	if err != nil {
		return nil, fmt.Errorf("cannot open RTC on %s: %w", device, err)
	}
	log.Printf("[RTC] DS1307 opened on %s", device)
	return rtc, nil
}

// TimeKeeper distributes accepted time to the RTC and the system clock
type TimeKeeper struct {
	rtc          HardwareClock // nil when no RTC is fitted
	setSystem    bool
	minValidYear int
	metrics      *PrometheusMetrics

	setSystemClock func(time.Time) error
}

// NewTimeKeeper creates a time keeper. rtc may be nil.
func NewTimeKeeper(rtc HardwareClock, setSystem bool, minValidYear int, metrics *PrometheusMetrics) *TimeKeeper {
	return &TimeKeeper{
		rtc:            rtc,
		setSystem:      setSystem,
		minValidYear:   minValidYear,
		metrics:        metrics,
		setSystemClock: setSysTime,
	}
}

// Set stores t in the RTC and, when enabled, steps the system clock
func (tk *TimeKeeper) Set(t time.Time) error {
	var errs []error
	if tk.rtc != nil {
		if err := tk.rtc.Set(t); err != nil {
			errs = append(errs, fmt.Errorf("rtc: %w", err))
			tk.metrics.RecordClockError("rtc")
		} else {
			log.Printf("[RTC] Set to %s", t.UTC().Format(time.RFC3339))
		}
	}
	if tk.setSystem {
		if err := tk.setSystemClock(t); err != nil {
			errs = append(errs, fmt.Errorf("system clock: %w", err))
			tk.metrics.RecordClockError("system")
		} else {
			log.Printf("[Clock] System clock set to %s", t.UTC().Format(time.RFC3339))
		}
	}
	return errors.Join(errs...)
}

// RTCTime returns the RTC time if an RTC is fitted and holds a plausible time
func (tk *TimeKeeper) RTCTime() (time.Time, bool) {
	if tk.rtc == nil {
		return time.Time{}, false
	}
	t, err := tk.rtc.Now()
	if err != nil {
		log.Printf("[RTC] Read failed: %v", err)
		tk.metrics.RecordClockError("rtc")
		return time.Time{}, false
	}
	if t.Year() < tk.minValidYear {
		log.Printf("[RTC] Holds %s, treating as unset", t.Format(time.RFC3339))
		return t, false
	}
	return t, true
}

// SyncSystemFromRTC copies a valid RTC time to the system clock
func (tk *TimeKeeper) SyncSystemFromRTC() bool {
	if !tk.setSystem {
		return false
	}
	t, ok := tk.RTCTime()
	if !ok {
		return false
	}
	if err := tk.setSystemClock(t); err != nil {
		log.Printf("[Clock] Cannot set system time from RTC: %v", err)
		tk.metrics.RecordClockError("system")
		return false
	}
	log.Printf("[Clock] System clock set from RTC to %s", t.Format(time.RFC3339))
	return true
}

// Close releases the RTC
func (tk *TimeKeeper) Close() error {
	if tk.rtc == nil {
		return nil
	}
	return tk.rtc.Close()
}
