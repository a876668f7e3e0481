package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// PrometheusMetrics holds all Prometheus metric collectors for the receiver
type PrometheusMetrics struct {
	// Decoder metrics
	pulsesTotal        *prometheus.CounterVec   // Classified pulses (by bit)
	pulseWidth         *prometheus.HistogramVec // Carrier reduction length (by bit)
	pulseWidthMean     *prometheus.GaugeVec     // Rolling mean pulse width (by bit)
	pulseWidthStdDev   *prometheus.GaugeVec     // Rolling pulse width deviation (by bit)
	framesTotal        *prometheus.CounterVec   // Completed frames (by result)
	resyncsTotal       prometheus.Counter       // Minutes that ended with a partial frame
	acquisitionsTotal  *prometheus.CounterVec   // Acquisitions started (by trigger)
	acquisitionSeconds prometheus.Histogram     // Time from start to accepted frame
	lastAcceptTime     prometheus.Gauge         // Unix timestamp of the last accepted frame
	bitIndex           prometheus.Gauge         // Slot of the next bit
	state              prometheus.Gauge         // Decoder state
	timeAvailable      prometheus.Gauge         // 1 once a frame was accepted
	searching          prometheus.Gauge         // 1 while acquisition runs
	noSignal           prometheus.Gauge         // 1 while no valid pulses arrive

	// Hardware metrics
	lineErrors  prometheus.Counter     // Failed line reads
	clockErrors *prometheus.CounterVec // Failed clock writes (by clock)
	tickLag     prometheus.Histogram   // Delay of tick processing behind the ticker

	// WebSocket metrics
	wsConnectionsTotal  prometheus.Counter
	wsDisconnectsTotal  prometheus.Counter
	wsActiveConnections prometheus.Gauge
	wsMessagesSentTotal prometheus.Counter

	// Pushgateway metrics
	pushgatewayPushesTotal   prometheus.Counter
	pushgatewayFailuresTotal prometheus.Counter
	pushgatewayLastPushTime  prometheus.Gauge

	// Resource metrics
	goroutineCount   prometheus.Gauge
	memoryAllocBytes prometheus.Gauge
	memoryHeapBytes  prometheus.Gauge
	gcPauseSeconds   prometheus.Gauge
}

// NewPrometheusMetrics creates and registers all collectors
func NewPrometheusMetrics() *PrometheusMetrics {
	return newPrometheusMetrics(prometheus.DefaultRegisterer)
}

func newPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	factory := promauto.With(reg)
	return &PrometheusMetrics{
		pulsesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcf77_pulses_total",
				Help: "Carrier reductions classified by the decoder",
			},
			[]string{"bit"},
		),
		pulseWidth: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dcf77_pulse_width_seconds",
				Help:    "Length of carrier reductions",
				Buckets: prometheus.LinearBuckets(0.02, 0.02, 14),
			},
			[]string{"bit"},
		),
		pulseWidthMean: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcf77_pulse_width_mean_seconds",
				Help: "Mean pulse width over the recent window",
			},
			[]string{"bit"},
		),
		pulseWidthStdDev: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dcf77_pulse_width_stddev_seconds",
				Help: "Standard deviation of the pulse width over the recent window",
			},
			[]string{"bit"},
		),
		framesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcf77_frames_total",
				Help: "Complete frames by validation result",
			},
			[]string{"result"},
		),
		resyncsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77_resyncs_total",
			Help: "Minutes that ended before all 59 bits were received",
		}),
		acquisitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcf77_acquisitions_total",
				Help: "Acquisitions started",
			},
			[]string{"trigger"},
		),
		acquisitionSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcf77_acquisition_duration_seconds",
			Help:    "Time from acquisition start to an accepted frame",
			Buckets: []float64{60, 120, 180, 300, 600, 1200, 1800, 3600, 7200},
		}),
		lastAcceptTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_last_accept_timestamp_seconds",
			Help: "Unix timestamp of the last accepted frame",
		}),
		bitIndex: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_bit_index",
			Help: "Second slot the next bit will be written to",
		}),
		state: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_state",
			Help: "Decoder state (0 idle, 1 listening, 2 frame ready, 3 resync)",
		}),
		timeAvailable: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_time_available",
			Help: "1 once a frame has been accepted",
		}),
		searching: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_searching",
			Help: "1 while acquisition is running",
		}),
		noSignal: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77_no_signal",
			Help: "1 while no valid pulse arrives within the timeout",
		}),
		lineErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77_line_errors_total",
			Help: "Failed reads of the receiver line",
		}),
		clockErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dcf77_clock_errors_total",
				Help: "Failed clock accesses",
			},
			[]string{"clock"},
		),
		tickLag: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "dcf77_tick_lag_seconds",
			Help:    "Delay between the sampling tick and its processing",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 10),
		}),
		wsConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77rx_websocket_connections_total",
			Help: "WebSocket connections established",
		}),
		wsDisconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77rx_websocket_disconnects_total",
			Help: "WebSocket disconnections",
		}),
		wsActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_websocket_active_connections",
			Help: "Currently open WebSocket connections",
		}),
		wsMessagesSentTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77rx_websocket_messages_sent_total",
			Help: "Event messages sent to WebSocket clients",
		}),
		pushgatewayPushesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77rx_pushgateway_pushes_total",
			Help: "Pushgateway push attempts",
		}),
		pushgatewayFailuresTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "dcf77rx_pushgateway_failures_total",
			Help: "Failed Pushgateway pushes",
		}),
		pushgatewayLastPushTime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_pushgateway_last_push_timestamp_seconds",
			Help: "Unix timestamp of the last successful push",
		}),
		goroutineCount: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_goroutines",
			Help: "Number of goroutines",
		}),
		memoryAllocBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_memory_alloc_bytes",
			Help: "Bytes of allocated heap objects",
		}),
		memoryHeapBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_memory_heap_bytes",
			Help: "Bytes of heap in use",
		}),
		gcPauseSeconds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "dcf77rx_gc_pause_seconds",
			Help: "Most recent garbage collection pause",
		}),
	}
}

// frameResultLabel maps a frame outcome to its metric label
func frameResultLabel(res dcf77.FrameResult) string {
	switch {
	case res.Accepted:
		return "accepted"
	case errors.Is(res.Err, dcf77.ErrMinuteParity):
		return "minute_parity"
	case errors.Is(res.Err, dcf77.ErrHourParity):
		return "hour_parity"
	case errors.Is(res.Err, dcf77.ErrDateParity):
		return "date_parity"
	case errors.Is(res.Err, dcf77.ErrOutOfRange):
		return "out_of_range"
	case errors.Is(res.Err, dcf77.ErrImplausible):
		return "implausible"
	case dcf77.IsRejection(res.Err):
		return "rejected"
	}
	return "error"
}

// RecordPulse records one classified pulse
func (pm *PrometheusMetrics) RecordPulse(p dcf77.Pulse) {
	if pm == nil {
		return
	}
	if p.Bit == dcf77.FrameDelimiter {
		return
	}
	pm.pulsesTotal.WithLabelValues(p.Bit.String()).Inc()
	pm.pulseWidth.WithLabelValues(p.Bit.String()).Observe(p.Duration.Seconds())
}

// UpdatePulseStats publishes the rolling pulse statistics
func (pm *PrometheusMetrics) UpdatePulseStats(summary map[string]PulseSummary) {
	if pm == nil {
		return
	}
	for bit, s := range summary {
		if s.Count == 0 {
			continue
		}
		pm.pulseWidthMean.WithLabelValues(bit).Set(s.MeanMS / 1000)
		pm.pulseWidthStdDev.WithLabelValues(bit).Set(s.StdDevMS / 1000)
	}
}

// RecordFrame records the outcome of a complete frame
func (pm *PrometheusMetrics) RecordFrame(res dcf77.FrameResult) {
	if pm == nil {
		return
	}
	pm.framesTotal.WithLabelValues(frameResultLabel(res)).Inc()
}

func (pm *PrometheusMetrics) RecordResync() {
	if pm == nil {
		return
	}
	pm.resyncsTotal.Inc()
}

func (pm *PrometheusMetrics) RecordAcquisitionStart(trigger string) {
	if pm == nil {
		return
	}
	pm.acquisitionsTotal.WithLabelValues(trigger).Inc()
}

// RecordAccept records an accepted frame and the time it took to get it
func (pm *PrometheusMetrics) RecordAccept(at time.Time, acquisition time.Duration) {
	if pm == nil {
		return
	}
	pm.lastAcceptTime.Set(float64(at.Unix()))
	if acquisition > 0 {
		pm.acquisitionSeconds.Observe(acquisition.Seconds())
	}
}

// UpdateDecoder mirrors the decoder state and status flags
func (pm *PrometheusMetrics) UpdateDecoder(state dcf77.State, status dcf77.Status, bitIndex int) {
	if pm == nil {
		return
	}
	pm.state.Set(float64(state))
	pm.bitIndex.Set(float64(bitIndex))
	pm.timeAvailable.Set(boolGauge(status.Has(dcf77.StatusTimeAvailable)))
	pm.searching.Set(boolGauge(status.Has(dcf77.StatusSearching)))
	pm.noSignal.Set(boolGauge(status.Has(dcf77.StatusNoSignal)))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

func (pm *PrometheusMetrics) RecordLineError() {
	if pm == nil {
		return
	}
	pm.lineErrors.Inc()
}

func (pm *PrometheusMetrics) RecordClockError(clock string) {
	if pm == nil {
		return
	}
	pm.clockErrors.WithLabelValues(clock).Inc()
}

func (pm *PrometheusMetrics) RecordTickLag(lag time.Duration) {
	if pm == nil {
		return
	}
	pm.tickLag.Observe(lag.Seconds())
}

// WebSocket connection tracking methods
func (pm *PrometheusMetrics) RecordWSConnection() {
	if pm == nil {
		return
	}
	pm.wsConnectionsTotal.Inc()
	pm.wsActiveConnections.Inc()
}

func (pm *PrometheusMetrics) RecordWSDisconnect() {
	if pm == nil {
		return
	}
	pm.wsDisconnectsTotal.Inc()
	pm.wsActiveConnections.Dec()
}

func (pm *PrometheusMetrics) RecordWSMessageSent() {
	if pm == nil {
		return
	}
	pm.wsMessagesSentTotal.Inc()
}

// updateResourceMetrics updates runtime resource metrics
func (pm *PrometheusMetrics) updateResourceMetrics() {
	if pm == nil {
		return
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	pm.goroutineCount.Set(float64(runtime.NumGoroutine()))
	pm.memoryAllocBytes.Set(float64(m.Alloc))
	pm.memoryHeapBytes.Set(float64(m.HeapAlloc))

	// Get the most recent GC pause (nanoseconds to seconds)
	if m.NumGC > 0 {
		pm.gcPauseSeconds.Set(float64(m.PauseNs[(m.NumGC+255)%256]) / 1e9)
	}
}

// StartResourceUpdater refreshes the runtime metrics periodically
func (pm *PrometheusMetrics) StartResourceUpdater(ctx context.Context) {
	if pm == nil {
		return
	}
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()
		pm.updateResourceMetrics()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pm.updateResourceMetrics()
			}
		}
	}()
}

// StartPushgatewayWorker pushes all metrics to a Pushgateway at the configured interval
func (pm *PrometheusMetrics) StartPushgatewayWorker(ctx context.Context, config *Config) {
	if pm == nil || !config.Prometheus.Pushgateway.Enabled {
		return
	}

	pgConfig := config.Prometheus.Pushgateway
	const jobName = "dcf77rx"

	log.Printf("Starting Pushgateway worker: URL=%s, Job=%s, Instance=%s, Interval=%ds",
		pgConfig.URL, jobName, pgConfig.Instance, pgConfig.Interval)

	pushOnce := func() {
		pm.pushgatewayPushesTotal.Inc()
		pusher := push.New(pgConfig.URL, jobName).
			Gatherer(prometheus.DefaultGatherer).
			Grouping("instance", pgConfig.Instance).
			Grouping("source", config.Receiver.Source)
		if err := pusher.Push(); err != nil {
			pm.pushgatewayFailuresTotal.Inc()
			log.Printf("ERROR: Failed to push metrics to Pushgateway: %v", err)
			return
		}
		pm.pushgatewayLastPushTime.Set(float64(time.Now().Unix()))
		if DebugMode {
			log.Printf("DEBUG: Successfully pushed metrics to Pushgateway")
		}
	}

	go func() {
		ticker := time.NewTicker(time.Duration(pgConfig.Interval) * time.Second)
		defer ticker.Stop()

		// Push immediately on start
		pushOnce()

		for {
			select {
			case <-ctx.Done():
				log.Println("Pushgateway worker stopped")
				return
			case <-ticker.C:
				pushOnce()
			}
		}
	}()
}

// StartMQTTPublisher starts the MQTT publisher worker if enabled
func (pm *PrometheusMetrics) StartMQTTPublisher(ctx context.Context, config *Config, receiver *Receiver) (*MQTTPublisher, error) {
	if !config.MQTT.Enabled {
		return nil, nil
	}
	if pm == nil {
		log.Println("Warning: MQTT publishing needs prometheus.enabled, publisher not started")
		return nil, nil
	}

	log.Printf("Starting MQTT publisher: Broker=%s, Topic=%s, Interval=%ds",
		config.MQTT.Broker, config.MQTT.TopicPrefix, config.MQTT.PublishInterval)

	publisher, err := NewMQTTPublisher(&config.MQTT, prometheus.DefaultGatherer)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT publisher: %w", err)
	}
	receiver.AddListener(publisher)

	go publisher.StartPublisher(ctx)
	return publisher, nil
}
