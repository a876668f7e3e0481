package main

import (
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

// gpioLine reads the receiver output from a GPIO pin
type gpioLine struct {
	pin    gpio.PinIO
	enable gpio.PinIO // active low, nil when not wired
}

// openGPIOLine configures the input pin for falling-edge detection
func openGPIOLine(cfg GPIOConfig) (*gpioLine, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}

	pin := gpioreg.ByName(cfg.Pin)
	if pin == nil {
		return nil, fmt.Errorf("invalid GPIO pin: %s", cfg.Pin)
	}
	pull := gpio.PullUp
	switch cfg.Pull {
	case "down":
		pull = gpio.PullDown
	case "none":
		pull = gpio.Float
	}
	if err := pin.In(pull, gpio.FallingEdge); err != nil {
		return nil, fmt.Errorf("failed to configure receiver pin %s: %w", cfg.Pin, err)
	}

	l := &gpioLine{pin: pin}
	if cfg.EnablePin != "" {
		en := gpioreg.ByName(cfg.EnablePin)
		if en == nil {
			return nil, fmt.Errorf("invalid GPIO enable pin: %s", cfg.EnablePin)
		}
		// powered down until acquisition starts
		if err := en.Out(gpio.High); err != nil {
			return nil, fmt.Errorf("failed to configure enable pin %s: %w", cfg.EnablePin, err)
		}
		l.enable = en
	}

	log.Printf("[Receiver] GPIO line on %s (pull %s, enable pin %q)", cfg.Pin, cfg.Pull, cfg.EnablePin)
	return l, nil
}

func (l *gpioLine) Read() (dcf77.Level, error) {
	return dcf77.Level(l.pin.Read() == gpio.High), nil
}

// WaitForFall blocks until a falling edge or the timeout
func (l *gpioLine) WaitForFall(timeout time.Duration) bool {
	return l.pin.WaitForEdge(timeout) && l.pin.Read() == gpio.Low
}

// Enable drives the active-low power-down input of the receiver
func (l *gpioLine) Enable(on bool) error {
	if l.enable == nil {
		return nil
	}
	return l.enable.Out(gpio.Level(!on))
}

func (l *gpioLine) Close() error {
	if l.enable != nil {
		if err := l.enable.Out(gpio.High); err != nil {
			log.Printf("[Receiver] Failed to power down receiver: %v", err)
		}
	}
	return l.pin.Halt()
}

// gpioLED mirrors the carrier reductions on an LED and blinks it on lock
type gpioLED struct {
	pin    gpio.PinIO
	failed atomic.Bool // a write error was logged
}

func openGPIOLED(name string) (*gpioLED, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize periph host: %w", err)
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, fmt.Errorf("invalid GPIO LED pin: %s", name)
	}
	if err := pin.Out(gpio.Low); err != nil {
		return nil, fmt.Errorf("failed to configure LED pin %s: %w", name, err)
	}
	return &gpioLED{pin: pin}, nil
}

// set drives the LED, logging the first failure only
func (l *gpioLED) set(level gpio.Level) {
	if err := l.pin.Out(level); err != nil && l.failed.CompareAndSwap(false, true) {
		log.Printf("[LED] Failed to drive %s: %v (further errors not logged)", l.pin, err)
	}
}

// Pulse lights the LED while the carrier is reduced
func (l *gpioLED) Pulse(active bool) {
	l.set(gpio.Level(active))
}

// Distortion is not shown on the LED
func (l *gpioLED) Distortion() {}

// Locked blinks the LED three times
func (l *gpioLED) Locked() {
	go func() {
		for i := 0; i < 3; i++ {
			l.set(gpio.High)
			time.Sleep(100 * time.Millisecond)
			l.set(gpio.Low)
			time.Sleep(100 * time.Millisecond)
		}
	}()
}

func (l *gpioLED) Close() error {
	l.set(gpio.Low)
	return l.pin.Halt()
}
