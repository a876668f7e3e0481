package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/cwsl/dcf77rx/dcf77"
)

func TestConfigDefaults(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig([]byte("receiver:\n  gpio:\n    pin: GPIO17\n"))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Validate(), qt.IsNil)

	c.Assert(cfg.Receiver.Source, qt.Equals, SourceGPIO)
	c.Assert(cfg.Receiver.GPIO.Pull, qt.Equals, "up")
	c.Assert(cfg.Boot.Start, qt.Equals, BootAuto)
	c.Assert(cfg.Server.Listen, qt.Equals, ":8077")
	c.Assert(cfg.MQTT.TopicPrefix, qt.Equals, "dcf77rx")
	c.Assert(cfg.RTC.MinValidYear, qt.Equals, 2024)

	// default thresholds reproduce the reference tick bands
	bands, err := cfg.Receiver.Timing.Timing().Bands()
	c.Assert(err, qt.IsNil)
	want, err := dcf77.DefaultTiming().Bands()
	c.Assert(err, qt.IsNil)
	c.Assert(bands, qt.Equals, want)

	dc := cfg.Receiver.DecoderConfig(false)
	c.Assert(dc.NoSignalTimeout, qt.Equals, 3*time.Second)
	c.Assert(dc.Timing.TickPeriod, qt.Equals, dcf77.DefaultTickPeriod)
}

var validateTests = []struct {
	about string
	yaml  string
	err   string
}{{
	about: "gpio without pin",
	yaml:  "receiver: {source: gpio}",
	err:   "receiver.gpio.pin is required for the gpio source",
}, {
	about: "unknown source",
	yaml:  "receiver: {source: radio}",
	err:   `unknown receiver.source "radio"`,
}, {
	about: "bad serial line",
	yaml:  "receiver: {source: serial, serial: {port: /dev/ttyS0, line: rts}}",
	err:   `receiver.serial.line must be cts, dsr, dcd or ri, got "rts"`,
}, {
	about: "replay without file",
	yaml:  "receiver: {source: replay}",
	err:   "receiver.replay.file is required for the replay source",
}, {
	about: "overlapping bands",
	yaml:  "receiver: {source: simulator, timing: {max_zero_ms: 170}}",
	err:   "receiver.timing: .*",
}, {
	about: "bad boot policy",
	yaml:  "receiver: {source: simulator}\nboot: {start: sometimes}",
	err:   `boot.start must be auto, always or never, got "sometimes"`,
}, {
	about: "bad resync weekday",
	yaml:  "receiver: {source: simulator}\nresync: {enabled: true, weekday: funday}",
	err:   `resync: invalid weekday "funday"`,
}, {
	about: "mqtt without broker",
	yaml:  "receiver: {source: simulator}\nmqtt: {enabled: true}",
	err:   "mqtt.broker is required when mqtt is enabled",
}, {
	about: "bad log level",
	yaml:  "receiver: {source: simulator}\nlogging: {level: trace}",
	err:   `logging.level must be info or debug, got "trace"`,
}}

func TestConfigValidate(t *testing.T) {
	c := qt.New(t)
	for _, test := range validateTests {
		c.Run(test.about, func(c *qt.C) {
			cfg, err := ParseConfig([]byte(test.yaml))
			c.Assert(err, qt.IsNil)
			c.Assert(cfg.Validate(), qt.ErrorMatches, test.err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "config.yaml")
	err := os.WriteFile(path, []byte(`
receiver:
  source: serial
  serial:
    port: /dev/ttyUSB0
    line: cts
  continuous: true
prometheus:
  enabled: true
  allowed_hosts: ["127.0.0.1", "10.0.0.0/8"]
`), 0644)
	c.Assert(err, qt.IsNil)

	cfg, err := LoadConfig(path)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Validate(), qt.IsNil)
	c.Assert(cfg.Receiver.Serial.Line, qt.Equals, "cts")
	c.Assert(cfg.Receiver.DecoderConfig(false).Continuous, qt.IsTrue)

	c.Assert(cfg.Prometheus.IsIPAllowed("127.0.0.1"), qt.IsTrue)
	c.Assert(cfg.Prometheus.IsIPAllowed("10.1.2.3"), qt.IsTrue)
	c.Assert(cfg.Prometheus.IsIPAllowed("192.168.1.1"), qt.IsFalse)
	c.Assert(cfg.Prometheus.IsIPAllowed("not-an-ip"), qt.IsFalse)

	_, err = LoadConfig(filepath.Join(c.TempDir(), "missing.yaml"))
	c.Assert(err, qt.ErrorMatches, "failed to read config file: .*")
}

func TestConfigBadAllowedHost(t *testing.T) {
	c := qt.New(t)
	_, err := ParseConfig([]byte("prometheus: {enabled: true, allowed_hosts: [nonsense]}"))
	c.Assert(err, qt.ErrorMatches, "failed to parse prometheus.allowed_hosts: invalid IP or CIDR: nonsense")
}

func TestResyncSchedule(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig([]byte("resync: {enabled: true}"))
	c.Assert(err, qt.IsNil)
	ws, err := cfg.Resync.Schedule()
	c.Assert(err, qt.IsNil)
	c.Assert(ws.Weekday, qt.Equals, time.Monday)
	c.Assert(ws.String(), qt.Equals, "Monday 02:12:12")
	c.Assert(ws.Location.String(), qt.Equals, "Europe/Berlin")

	cfg.Resync.Time = "2:12"
	_, err = cfg.Resync.Schedule()
	c.Assert(err, qt.ErrorMatches, `invalid time format '2:12' .*`)
}

func TestAdminAllowedHosts(t *testing.T) {
	c := qt.New(t)
	cfg, err := ParseConfig(nil)
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.IsAdminAllowed("127.0.0.1"), qt.IsTrue)
	c.Assert(cfg.Server.IsAdminAllowed("::1"), qt.IsTrue)
	c.Assert(cfg.Server.IsAdminAllowed("192.168.1.10"), qt.IsFalse)

	cfg, err = ParseConfig([]byte("server: {admin_allowed_hosts: [192.168.1.0/24, 10.0.0.5]}"))
	c.Assert(err, qt.IsNil)
	c.Assert(cfg.Server.IsAdminAllowed("192.168.1.10"), qt.IsTrue)
	c.Assert(cfg.Server.IsAdminAllowed("10.0.0.5"), qt.IsTrue)
	c.Assert(cfg.Server.IsAdminAllowed("127.0.0.1"), qt.IsFalse)
	c.Assert(cfg.Server.IsAdminAllowed(""), qt.IsFalse)

	_, err = ParseConfig([]byte("server: {admin_allowed_hosts: [nonsense]}"))
	c.Assert(err, qt.ErrorMatches, "failed to parse server.admin_allowed_hosts: invalid IP or CIDR: nonsense")
}
