package main

import (
	"bytes"
	"errors"
	"log"
	"os"
	"strings"
	"testing"

	qt "github.com/frankban/quicktest"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpiotest"
)

// brokenPin is a test pin whose output writes fail
type brokenPin struct {
	*gpiotest.Pin
}

func (p brokenPin) Out(gpio.Level) error {
	return errors.New("pin not exported")
}

func TestGPIOLEDLogsWriteFailureOnce(t *testing.T) {
	c := qt.New(t)
	var buf bytes.Buffer
	log.SetOutput(&buf)
	c.Cleanup(func() { log.SetOutput(os.Stderr) })

	led := &gpioLED{pin: brokenPin{&gpiotest.Pin{N: "GPIO22"}}}
	led.Pulse(true)
	led.Pulse(false)
	c.Assert(strings.Count(buf.String(), "pin not exported"), qt.Equals, 1)
}

func TestGPIOLEDFollowsPulses(t *testing.T) {
	c := qt.New(t)
	pin := &gpiotest.Pin{N: "GPIO22"}
	led := &gpioLED{pin: pin}

	led.Pulse(true)
	c.Assert(pin.Read(), qt.Equals, gpio.High)
	led.Pulse(false)
	c.Assert(pin.Read(), qt.Equals, gpio.Low)
}
