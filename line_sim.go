package main

import (
	"log"
	"math/rand"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
)

var berlin = loadBerlin()

func loadBerlin() *time.Location {
	loc, err := time.LoadLocation("Europe/Berlin")
	if err != nil {
		log.Printf("Warning: no zone data for Europe/Berlin, assuming CET all year: %v", err)
		return time.FixedZone("CET", 60*60)
	}
	return loc
}

// germanTime returns t as DCF77 would broadcast it
func germanTime(t time.Time) dcf77.Time {
	name, _ := t.In(berlin).Zone()
	return dcf77.FromTime(t, name == "CEST")
}

// simulatedLine renders the transmitter signal from the host clock
type simulatedLine struct {
	offset     time.Duration
	glitchRate float64
	tick       time.Duration
	now        func() time.Time
	rng        *rand.Rand

	minute time.Time
	frame  *dcf77.Frame

	glitchSecond int64
	glitchAt     time.Duration
}

func newSimulatedLine(cfg SimulatorConfig, tick time.Duration) *simulatedLine {
	log.Printf("[Receiver] Simulated transmitter (offset %ds, glitch rate %.2f)", cfg.OffsetSeconds, cfg.GlitchRate)
	return &simulatedLine{
		offset:       time.Duration(cfg.OffsetSeconds) * time.Second,
		glitchRate:   cfg.GlitchRate,
		tick:         tick,
		now:          time.Now,
		rng:          rand.New(rand.NewSource(time.Now().UnixNano())),
		glitchSecond: -1,
	}
}

// Read returns the level the receiver would output at this instant
func (l *simulatedLine) Read() (dcf77.Level, error) {
	return l.levelAt(l.now().Add(l.offset)), nil
}

func (l *simulatedLine) levelAt(t time.Time) dcf77.Level {
	minute := t.Truncate(time.Minute)
	if !minute.Equal(l.minute) {
		// the frame sent during a minute announces the following one
		l.minute = minute
		l.frame = dcf77.Encode(germanTime(minute.Add(time.Minute)))
	}

	sec := t.Second()
	off := t.Sub(minute) - time.Duration(sec)*time.Second
	if sec >= dcf77.FrameLen {
		return dcf77.High
	}

	width := dcf77.ZeroPulse
	if l.frame.Bit(sec) {
		width = dcf77.OnePulse
	}
	if off < width {
		return dcf77.Low
	}

	if l.glitchRate > 0 {
		abs := t.Unix()
		if abs != l.glitchSecond {
			l.glitchSecond = abs
			l.glitchAt = -1
			if l.rng.Float64() < l.glitchRate {
				l.glitchAt = width + time.Duration(l.rng.Int63n(int64(time.Second-width-2*l.tick)))
			}
		}
		if l.glitchAt >= 0 && off >= l.glitchAt && off < l.glitchAt+2*l.tick {
			return dcf77.Low
		}
	}
	return dcf77.High
}

func (l *simulatedLine) Close() error {
	return nil
}
