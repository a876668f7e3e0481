package main

import (
	"fmt"
	"log"

	"github.com/cwsl/dcf77rx/dcf77"
	"go.bug.st/serial"
)

// serialLine reads the receiver output from a modem status line of a serial port.
// Simple receiver modules hang off CTS/DSR/DCD/RI and take power from DTR.
type serialLine struct {
	port      serial.Port
	name      string
	line      string
	enableRTS bool
}

func openSerialLine(cfg SerialConfig) (*serialLine, error) {
	mode := &serial.Mode{
		BaudRate: 9600,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(cfg.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", cfg.Port, err)
	}

	if err := port.SetDTR(cfg.PowerDTR); err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to set DTR on %s: %w", cfg.Port, err)
	}
	if cfg.EnableRTS {
		// RTS high holds the active-low enable input off
		if err := port.SetRTS(true); err != nil {
			port.Close()
			return nil, fmt.Errorf("failed to set RTS on %s: %w", cfg.Port, err)
		}
	}

	log.Printf("[Receiver] Serial line %s on %s (DTR power %v)", cfg.Line, cfg.Port, cfg.PowerDTR)
	return &serialLine{
		port:      port,
		name:      cfg.Port,
		line:      cfg.Line,
		enableRTS: cfg.EnableRTS,
	}, nil
}

func (l *serialLine) Read() (dcf77.Level, error) {
	bits, err := l.port.GetModemStatusBits()
	if err != nil {
		return dcf77.High, fmt.Errorf("failed to read modem status of %s: %w", l.name, err)
	}
	var asserted bool
	switch l.line {
	case "cts":
		asserted = bits.CTS
	case "dsr":
		asserted = bits.DSR
	case "ri":
		asserted = bits.RI
	default:
		asserted = bits.DCD
	}
	return dcf77.Level(asserted), nil
}

// Enable drives the receiver enable input through RTS when wired
func (l *serialLine) Enable(on bool) error {
	if !l.enableRTS {
		return nil
	}
	return l.port.SetRTS(!on)
}

func (l *serialLine) Close() error {
	return l.port.Close()
}
