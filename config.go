package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Receiver    ReceiverConfig    `yaml:"receiver"`
	Boot        BootConfig        `yaml:"boot"`
	Resync      ResyncConfig      `yaml:"resync"`
	RTC         RTCConfig         `yaml:"rtc"`
	SystemClock SystemClockConfig `yaml:"system_clock"`
	Server      ServerConfig      `yaml:"server"`
	Prometheus  PrometheusConfig  `yaml:"prometheus"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	FrameLog    FrameLogConfig    `yaml:"frame_log"`
	Recording   RecordingConfig   `yaml:"recording"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Line sources
const (
	SourceGPIO      = "gpio"
	SourceSerial    = "serial"
	SourceReplay    = "replay"
	SourceSimulator = "simulator"
)

// ReceiverConfig contains the receiver line and decoder settings
type ReceiverConfig struct {
	Source          string          `yaml:"source"`            // gpio, serial, replay or simulator
	Invert          bool            `yaml:"invert"`            // Line is active high (carrier reduction reads high)
	Continuous      bool            `yaml:"continuous"`        // Keep decoding after the time was acquired
	NoSignalTimeout int             `yaml:"no_signal_timeout"` // Seconds without a valid pulse before no-signal is flagged (default: 3)
	Timing          TimingConfig    `yaml:"timing"`
	GPIO            GPIOConfig      `yaml:"gpio"`
	Serial          SerialConfig    `yaml:"serial"`
	Replay          ReplayConfig    `yaml:"replay"`
	Simulator       SimulatorConfig `yaml:"simulator"`
}

// TimingConfig contains the pulse classification thresholds
type TimingConfig struct {
	TickUS      int     `yaml:"tick_us"`       // Sampling period in microseconds (default: 16384)
	MinZeroMS   float64 `yaml:"min_zero_ms"`   // Shortest pulse read as a zero
	MaxZeroMS   float64 `yaml:"max_zero_ms"`   // Longest pulse read as a zero
	MinOneMS    float64 `yaml:"min_one_ms"`    // Shortest pulse read as a one
	MaxOneMS    float64 `yaml:"max_one_ms"`    // Longest pulse read as a one
	LongPauseMS float64 `yaml:"long_pause_ms"` // Pause that marks the minute boundary
}

// GPIOConfig contains settings for a receiver wired to a GPIO pin
type GPIOConfig struct {
	Pin       string `yaml:"pin"`        // Receiver output pin, e.g. GPIO17
	Pull      string `yaml:"pull"`       // up, down or none (default: up)
	EnablePin string `yaml:"enable_pin"` // Optional active-low receiver power-down pin
	LEDPin    string `yaml:"led_pin"`    // Optional LED that follows pulses and flashes on lock
}

// SerialConfig contains settings for a receiver wired to serial modem lines
type SerialConfig struct {
	Port      string `yaml:"port"`       // e.g. /dev/ttyUSB0
	Line      string `yaml:"line"`       // cts, dsr, dcd or ri (default: dcd)
	PowerDTR  bool   `yaml:"power_dtr"`  // Receiver is powered from DTR
	EnableRTS bool   `yaml:"enable_rts"` // RTS drives the active-low receiver enable input
}

// ReplayConfig contains settings for replaying a recorded line
type ReplayConfig struct {
	File     string `yaml:"file"`     // zstd level recording
	Loop     bool   `yaml:"loop"`     // Restart at end of file
	Realtime bool   `yaml:"realtime"` // Pace samples at the tick period instead of as fast as possible
}

// SimulatorConfig contains settings for the built-in signal generator
type SimulatorConfig struct {
	OffsetSeconds int     `yaml:"offset_seconds"` // Shift of the simulated transmitter clock
	GlitchRate    float64 `yaml:"glitch_rate"`    // Probability of a noise spike per second (0-1)
}

// Boot start policies
const (
	BootAuto   = "auto"
	BootAlways = "always"
	BootNever  = "never"
)

// BootConfig controls acquisition at start-up
type BootConfig struct {
	Start string `yaml:"start"` // auto (only when the RTC is not valid), always or never
}

// ResyncConfig contains the weekly resynchronisation schedule
type ResyncConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Weekday  string `yaml:"weekday"`  // Day name (default: monday)
	Time     string `yaml:"time"`     // HH:MM:SS (default: 02:12:12)
	Timezone string `yaml:"timezone"` // IANA zone the schedule is expressed in (default: Europe/Berlin)
}

// RTCConfig contains the DS1307 real-time clock settings
type RTCConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Device       string `yaml:"device"`         // I2C bus device (default: /dev/i2c-1)
	MinValidYear int    `yaml:"min_valid_year"` // RTC times before this year are treated as unset (default: 2024)
}

// SystemClockConfig controls setting the host clock from accepted frames
type SystemClockConfig struct {
	Set bool `yaml:"set"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Listen            string   `yaml:"listen"`
	EnableCORS        bool     `yaml:"enable_cors"`
	AdminPassword     string   `yaml:"admin_password"`      // X-Admin-Password for acquisition and time changes (empty = not required)
	AdminAllowedHosts []string `yaml:"admin_allowed_hosts"` // IPs/CIDRs allowed to change acquisition and time (empty = loopback only)

	adminNets []*net.IPNet
}

// PrometheusConfig contains Prometheus metrics settings
type PrometheusConfig struct {
	Enabled      bool              `yaml:"enabled"`       // Enable/disable Prometheus metrics endpoint
	AllowedHosts []string          `yaml:"allowed_hosts"` // List of IPs/CIDRs allowed to access metrics (empty = allow all)
	Pushgateway  PushgatewayConfig `yaml:"pushgateway"`   // Pushgateway configuration

	allowedNets []*net.IPNet // Parsed CIDR networks (internal use)
}

// PushgatewayConfig contains Prometheus Pushgateway settings
type PushgatewayConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`      // Pushgateway URL (e.g., http://pushgateway:9091)
	Instance string `yaml:"instance"` // Instance label
	Interval int    `yaml:"interval"` // Push interval in seconds (default: 60)
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Enabled         bool          `yaml:"enabled"`          // Enable/disable MQTT publishing
	Broker          string        `yaml:"broker"`           // MQTT broker URL (e.g., tcp://mqtt.example.com:1883)
	Username        string        `yaml:"username"`         // MQTT authentication username
	Password        string        `yaml:"password"`         // MQTT authentication password
	TopicPrefix     string        `yaml:"topic_prefix"`     // Topic prefix for all messages
	PublishInterval int           `yaml:"publish_interval"` // Publishing interval for metrics in seconds
	QoS             byte          `yaml:"qos"`              // MQTT Quality of Service level (0, 1, or 2)
	Retain          bool          `yaml:"retain"`           // Retain flag for MQTT messages
	TLS             MQTTTLSConfig `yaml:"tls"`              // TLS/SSL settings
}

// MQTTTLSConfig contains MQTT TLS/SSL settings
type MQTTTLSConfig struct {
	Enabled    bool   `yaml:"enabled"`     // Enable/disable TLS
	CACert     string `yaml:"ca_cert"`     // Path to CA certificate file
	ClientCert string `yaml:"client_cert"` // Path to client certificate file (optional)
	ClientKey  string `yaml:"client_key"`  // Path to client key file (optional)
}

// FrameLogConfig contains settings for the CSV log of decoded frames
type FrameLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Dir        string `yaml:"dir"`          // Base directory (default: data/frames)
	MaxAgeDays int    `yaml:"max_age_days"` // Files older than this are removed (default: 90)
}

// RecordingConfig contains settings for recording the sampled line
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"` // Directory for .zst recordings (default: data/recordings)
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level string `yaml:"level"` // info or debug
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML configuration and applies defaults
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Parse Prometheus allowed hosts IPs/CIDRs
	if config.Prometheus.Enabled {
		if err := config.Prometheus.parseAllowedHosts(); err != nil {
			return nil, fmt.Errorf("failed to parse prometheus.allowed_hosts: %w", err)
		}
	}
	nets, err := parseIPNets(config.Server.AdminAllowedHosts)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server.admin_allowed_hosts: %w", err)
	}
	config.Server.adminNets = nets

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	rc := &c.Receiver
	if rc.Source == "" {
		rc.Source = SourceGPIO
	}
	if rc.NoSignalTimeout == 0 {
		rc.NoSignalTimeout = 3
	}

	// Default thresholds are whole ticks of the reference receiver
	tick := float64(dcf77.DefaultTickPeriod) / float64(time.Millisecond)
	if rc.Timing.TickUS == 0 {
		rc.Timing.TickUS = int(dcf77.DefaultTickPeriod / time.Microsecond)
	}
	if rc.Timing.MinZeroMS == 0 {
		rc.Timing.MinZeroMS = 3 * tick
	}
	if rc.Timing.MaxZeroMS == 0 {
		rc.Timing.MaxZeroMS = 8 * tick
	}
	if rc.Timing.MinOneMS == 0 {
		rc.Timing.MinOneMS = 10 * tick
	}
	if rc.Timing.MaxOneMS == 0 {
		rc.Timing.MaxOneMS = 14 * tick
	}
	if rc.Timing.LongPauseMS == 0 {
		rc.Timing.LongPauseMS = 91 * tick
	}
	if rc.GPIO.Pull == "" {
		rc.GPIO.Pull = "up"
	}
	if rc.Serial.Line == "" {
		rc.Serial.Line = "dcd"
	}

	if c.Boot.Start == "" {
		c.Boot.Start = BootAuto
	}

	if c.Resync.Weekday == "" {
		c.Resync.Weekday = "monday"
	}
	if c.Resync.Time == "" {
		c.Resync.Time = "02:12:12"
	}
	if c.Resync.Timezone == "" {
		c.Resync.Timezone = "Europe/Berlin"
	}

	if c.RTC.Device == "" {
		c.RTC.Device = "/dev/i2c-1"
	}
	if c.RTC.MinValidYear == 0 {
		c.RTC.MinValidYear = 2024
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8077"
	}

	if c.Prometheus.Pushgateway.Interval == 0 {
		c.Prometheus.Pushgateway.Interval = 60
	}
	if c.Prometheus.Pushgateway.Instance == "" {
		if host, err := os.Hostname(); err == nil {
			c.Prometheus.Pushgateway.Instance = host
		}
	}

	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "dcf77rx"
	}
	if c.MQTT.PublishInterval == 0 {
		c.MQTT.PublishInterval = 60
	}

	if c.FrameLog.Dir == "" {
		c.FrameLog.Dir = "data/frames"
	}
	if c.FrameLog.MaxAgeDays == 0 {
		c.FrameLog.MaxAgeDays = 90
	}
	if c.Recording.Dir == "" {
		c.Recording.Dir = "data/recordings"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	rc := &c.Receiver
	switch rc.Source {
	case SourceGPIO:
		if rc.GPIO.Pin == "" {
			return fmt.Errorf("receiver.gpio.pin is required for the gpio source")
		}
		switch rc.GPIO.Pull {
		case "up", "down", "none":
		default:
			return fmt.Errorf("receiver.gpio.pull must be up, down or none, got %q", rc.GPIO.Pull)
		}
	case SourceSerial:
		if rc.Serial.Port == "" {
			return fmt.Errorf("receiver.serial.port is required for the serial source")
		}
		switch rc.Serial.Line {
		case "cts", "dsr", "dcd", "ri":
		default:
			return fmt.Errorf("receiver.serial.line must be cts, dsr, dcd or ri, got %q", rc.Serial.Line)
		}
	case SourceReplay:
		if rc.Replay.File == "" {
			return fmt.Errorf("receiver.replay.file is required for the replay source")
		}
	case SourceSimulator:
		if rc.Simulator.GlitchRate < 0 || rc.Simulator.GlitchRate > 1 {
			return fmt.Errorf("receiver.simulator.glitch_rate must be between 0 and 1")
		}
	default:
		return fmt.Errorf("unknown receiver.source %q", rc.Source)
	}
	if rc.NoSignalTimeout < 0 {
		return fmt.Errorf("receiver.no_signal_timeout must not be negative")
	}
	if _, err := rc.Timing.Timing().Bands(); err != nil {
		return fmt.Errorf("receiver.timing: %w", err)
	}

	switch c.Boot.Start {
	case BootAuto, BootAlways, BootNever:
	default:
		return fmt.Errorf("boot.start must be auto, always or never, got %q", c.Boot.Start)
	}

	if c.Resync.Enabled {
		if _, err := c.Resync.Schedule(); err != nil {
			return fmt.Errorf("resync: %w", err)
		}
	}

	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if c.Prometheus.Pushgateway.Enabled && c.Prometheus.Pushgateway.URL == "" {
		return fmt.Errorf("prometheus.pushgateway.url is required when the pushgateway is enabled")
	}

	switch c.Logging.Level {
	case "info", "debug":
	default:
		return fmt.Errorf("logging.level must be info or debug, got %q", c.Logging.Level)
	}
	return nil
}

// Timing converts the millisecond thresholds to decoder timing
func (tc TimingConfig) Timing() dcf77.Timing {
	ms := func(v float64) time.Duration {
		return time.Duration(v * float64(time.Millisecond))
	}
	return dcf77.Timing{
		TickPeriod: time.Duration(tc.TickUS) * time.Microsecond,
		MinZero:    ms(tc.MinZeroMS),
		MaxZero:    ms(tc.MaxZeroMS),
		MinOne:     ms(tc.MinOneMS),
		MaxOne:     ms(tc.MaxOneMS),
		LongPause:  ms(tc.LongPauseMS),
	}
}

// DecoderConfig builds the decoder configuration
func (rc ReceiverConfig) DecoderConfig(debug bool) dcf77.Config {
	return dcf77.Config{
		Timing:          rc.Timing.Timing(),
		Continuous:      rc.Continuous,
		NoSignalTimeout: time.Duration(rc.NoSignalTimeout) * time.Second,
		Debug:           debug,
	}
}

// Schedule parses the weekly resync time
func (rc ResyncConfig) Schedule() (WeeklySchedule, error) {
	var ws WeeklySchedule
	wd, ok := weekdays[strings.ToLower(rc.Weekday)]
	if !ok {
		return ws, fmt.Errorf("invalid weekday %q", rc.Weekday)
	}
	at, err := time.Parse("15:04:05", rc.Time)
	if err != nil {
		return ws, fmt.Errorf("invalid time format '%s' (expected HH:MM:SS): %w", rc.Time, err)
	}
	loc, err := time.LoadLocation(rc.Timezone)
	if err != nil {
		return ws, fmt.Errorf("invalid timezone %q: %w", rc.Timezone, err)
	}
	return WeeklySchedule{
		Weekday:  wd,
		Hour:     at.Hour(),
		Minute:   at.Minute(),
		Second:   at.Second(),
		Location: loc,
	}, nil
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// parseAllowedHosts parses the allowed_hosts list into CIDR networks
func (pc *PrometheusConfig) parseAllowedHosts() error {
	nets, err := parseIPNets(pc.AllowedHosts)
	if err != nil {
		return err
	}
	pc.allowedNets = nets
	return nil
}

// parseIPNets parses IPs and CIDRs; a bare IP becomes a single-host network
func parseIPNets(hosts []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(hosts))
	for _, ipStr := range hosts {
		// Check if it's a CIDR notation
		if _, ipNet, err := net.ParseCIDR(ipStr); err == nil {
			nets = append(nets, ipNet)
			continue
		}
		ip := net.ParseIP(ipStr)
		if ip == nil {
			return nil, fmt.Errorf("invalid IP or CIDR: %s", ipStr)
		}
		bits := 128
		if ip.To4() != nil {
			ip = ip.To4()
			bits = 32
		}
		nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return nets, nil
}

// IsAdminAllowed checks if an IP address may start/stop acquisition or set the time
func (sc *ServerConfig) IsAdminAllowed(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	if len(sc.AdminAllowedHosts) == 0 {
		return ip.IsLoopback()
	}
	for _, ipNet := range sc.adminNets {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// IsIPAllowed checks if an IP address may read the metrics endpoint
func (pc *PrometheusConfig) IsIPAllowed(ipStr string) bool {
	if len(pc.AllowedHosts) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}

	for _, ipNet := range pc.allowedNets {
		if ipNet.Contains(ip) {
			return true
		}
	}

	return false
}
