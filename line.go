package main

import (
	"fmt"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
)

// LineSource delivers the level of the receiver output line
type LineSource interface {
	Read() (dcf77.Level, error)
	Close() error
}

// EdgeSource is a LineSource that can block until the line falls.
// The receiver feeds its falls to the decoder as edge events.
type EdgeSource interface {
	LineSource
	WaitForFall(timeout time.Duration) bool
}

// Enabler switches the receiver module on and off
type Enabler interface {
	Enable(on bool) error
}

// invertedLine flips the level of a receiver whose output is active high
type invertedLine struct {
	LineSource
}

func (l invertedLine) Read() (dcf77.Level, error) {
	level, err := l.LineSource.Read()
	return !level, err
}

// openLineSource opens the configured receiver line. The enabler is nil when
// the source cannot switch the receiver.
func openLineSource(rc *ReceiverConfig) (LineSource, Enabler, error) {
	var (
		src LineSource
		err error
	)
	switch rc.Source {
	case SourceGPIO:
		src, err = openGPIOLine(rc.GPIO)
	case SourceSerial:
		src, err = openSerialLine(rc.Serial)
	case SourceReplay:
		src, err = openReplayLine(rc.Replay.File, rc.Replay.Loop)
	case SourceSimulator:
		src = newSimulatedLine(rc.Simulator, rc.Timing.Timing().TickPeriod)
	default:
		return nil, nil, fmt.Errorf("unknown line source %q", rc.Source)
	}
	if err != nil {
		return nil, nil, err
	}
	en, _ := src.(Enabler)
	// an inverted line hides WaitForFall and is polled
	if rc.Invert {
		src = invertedLine{src}
	}
	return src, en, nil
}
