package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
)

// Event types published by the receiver
const (
	EventPulse     = "pulse"
	EventFrame     = "frame"
	EventState     = "state"
	EventAccept    = "accept"
	EventIndicator = "indicator"
)

// Event is one notification from the receiver to its listeners
type Event struct {
	Type string      `json:"type"`
	Time time.Time   `json:"time"`
	Data interface{} `json:"data"`
}

// EventListener receives receiver events. Calls happen on a single dispatch goroutine.
type EventListener interface {
	HandleEvent(ev Event)
}

// PulseEvent is the payload of a pulse event
type PulseEvent struct {
	Ticks   int     `json:"ticks"`
	WidthMS float64 `json:"width_ms"`
	Bit     string  `json:"bit"`
	Index   int     `json:"index"`
}

// FrameRecord describes one completed frame and its validation outcome
type FrameRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Bits      string    `json:"bits"`
	Result    string    `json:"result"`
	Error     string    `json:"error,omitempty"`
	Minute    int       `json:"minute"`
	Hour      int       `json:"hour"`
	Day       int       `json:"day"`
	Weekday   int       `json:"weekday"`
	Month     int       `json:"month"`
	Year      int       `json:"year"`
	Summer    bool      `json:"summer"`
}

func newFrameRecord(at time.Time, res dcf77.FrameResult) FrameRecord {
	rec := FrameRecord{
		Timestamp: at,
		Bits:      res.Bits,
		Result:    frameResultLabel(res),
		Minute:    res.Fields.Minute,
		Hour:      res.Fields.Hour,
		Day:       res.Fields.Day,
		Weekday:   res.Fields.Weekday,
		Month:     res.Fields.Month,
		Year:      res.Fields.Year,
		Summer:    res.Fields.Summer,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

// AcceptEvent is the payload of an accept event
type AcceptEvent struct {
	Time               time.Time  `json:"time"`
	Local              string     `json:"local"`
	DCF77              dcf77.Time `json:"dcf77"`
	AcquisitionSeconds float64    `json:"acquisition_seconds,omitempty"`
}

// ReceiverStatus is a snapshot of the receiver for the status API
type ReceiverStatus struct {
	Source             string       `json:"source"`
	State              string       `json:"state"`
	TimeAvailable      bool         `json:"time_available"`
	Searching          bool         `json:"searching"`
	NoSignal           bool         `json:"no_signal"`
	BitIndex           int          `json:"bit_index"`
	Frame              string       `json:"frame"`
	Distortions        uint64       `json:"distortions"`
	Committed          *time.Time   `json:"committed,omitempty"`
	AcquisitionStarted *time.Time   `json:"acquisition_started,omitempty"`
	LastFrame          *FrameRecord `json:"last_frame,omitempty"`
	DroppedEvents      uint64       `json:"dropped_events"`
}

type commandOp int

const (
	cmdStart commandOp = iota
	cmdStop
	cmdSetTime
)

type receiverCommand struct {
	op      commandOp
	trigger string
	at      time.Time
	reply   chan error
}

// Receiver owns the decoder and drives it from the line source
type Receiver struct {
	config    *Config
	decoder   *dcf77.Decoder
	source    LineSource
	enabler   Enabler
	led       dcf77.Indicator
	keeper    *TimeKeeper
	metrics   *PrometheusMetrics
	stats     *PulseStats
	recorder  *levelRecorder
	tick      time.Duration
	paced     bool
	edgeWatch EdgeSource

	cmds   chan receiverCommand
	events chan Event
	done   <-chan struct{}

	listenersMu sync.RWMutex
	listeners   []EventListener
	dropped     atomic.Uint64

	mu     sync.RWMutex
	status ReceiverStatus

	acqStarted time.Time
	lineErrors int
	now        func() time.Time
}

// NewReceiver creates a receiver. keeper and metrics may be nil.
func NewReceiver(config *Config, source LineSource, enabler Enabler, keeper *TimeKeeper, metrics *PrometheusMetrics) (*Receiver, error) {
	debug := DebugMode || config.Logging.Level == "debug"
	decoder, err := dcf77.NewDecoder(config.Receiver.DecoderConfig(debug))
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	r := &Receiver{
		config:  config,
		decoder: decoder,
		source:  source,
		enabler: enabler,
		keeper:  keeper,
		metrics: metrics,
		stats:   NewPulseStats(120),
		tick:    config.Receiver.Timing.Timing().TickPeriod,
		paced:   true,
		cmds:    make(chan receiverCommand),
		events:  make(chan Event, 256),
		now:     time.Now,
	}
	r.status.Source = config.Receiver.Source

	if rl, ok := source.(*replayLine); ok {
		if rl.TickPeriod() != r.tick {
			log.Printf("Warning: recording was sampled every %v, decoder expects %v", rl.TickPeriod(), r.tick)
		}
		r.paced = config.Receiver.Replay.Realtime
	}
	if es, ok := source.(EdgeSource); ok {
		r.edgeWatch = es
	}

	decoder.SetPulseCallback(r.onPulse)
	decoder.SetFrameCallback(r.onFrame)
	decoder.SetStateCallback(r.onState)
	decoder.SetAcceptCallback(r.onAccept)
	decoder.SetIndicator(r)
	if keeper != nil {
		decoder.SetRTC(keeper)
	}
	return r, nil
}

// AddListener registers a listener for receiver events
func (r *Receiver) AddListener(l EventListener) {
	r.listenersMu.Lock()
	defer r.listenersMu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetLED sets a hardware indicator that mirrors the decoder feedback
func (r *Receiver) SetLED(led dcf77.Indicator) {
	r.led = led
}

// SetRecorder records every sample the decoder sees
func (r *Receiver) SetRecorder(rec *levelRecorder) {
	r.recorder = rec
}

// Status returns the latest snapshot
func (r *Receiver) Status() ReceiverStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.status
	s.DroppedEvents = r.dropped.Load()
	return s
}

// PulseStats returns the rolling pulse statistics
func (r *Receiver) PulseStats() *PulseStats {
	return r.stats
}

// StartAcquisition asks the receiver goroutine to start acquisition
func (r *Receiver) StartAcquisition(ctx context.Context, trigger string) error {
	return r.command(ctx, receiverCommand{op: cmdStart, trigger: trigger})
}

// StopAcquisition asks the receiver goroutine to stop acquisition
func (r *Receiver) StopAcquisition(ctx context.Context) error {
	return r.command(ctx, receiverCommand{op: cmdStop})
}

// SetTime sets the clocks by hand. Running acquisition is stopped.
func (r *Receiver) SetTime(ctx context.Context, t time.Time) error {
	return r.command(ctx, receiverCommand{op: cmdSetTime, at: t})
}

func (r *Receiver) command(ctx context.Context, cmd receiverCommand) error {
	cmd.reply = make(chan error, 1)
	select {
	case r.cmds <- cmd:
	case <-ctx.Done():
		return fmt.Errorf("receiver not responding: %w", ctx.Err())
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return fmt.Errorf("receiver not responding: %w", ctx.Err())
	}
}

// Run drives the decoder until ctx is cancelled or a replay ends
func (r *Receiver) Run(ctx context.Context) error {
	r.done = ctx.Done()
	go r.dispatch(ctx)
	defer r.shutdown()

	r.boot()

	if !r.paced {
		for {
			select {
			case <-ctx.Done():
				return nil
			case cmd := <-r.cmds:
				r.handle(cmd)
			default:
				if err := r.step(time.Time{}); err != nil {
					return r.finish(err)
				}
			}
		}
	}

	var edges chan struct{}
	if r.edgeWatch != nil {
		edges = make(chan struct{}, 1)
		go r.watchEdges(ctx, edges)
	}

	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	log.Printf("[Receiver] Sampling every %v (edge interrupts: %v)", r.tick, edges != nil)

	for {
		select {
		case <-ctx.Done():
			return nil
		case cmd := <-r.cmds:
			r.handle(cmd)
		case <-edges:
			r.decoder.Edge()
		case t := <-ticker.C:
			if err := r.step(t); err != nil {
				return r.finish(err)
			}
		}
	}
}

func (r *Receiver) finish(err error) error {
	if errors.Is(err, io.EOF) {
		log.Println("[Receiver] End of recording")
		return nil
	}
	return err
}

func (r *Receiver) shutdown() {
	r.decoder.Stop()
	r.updateSnapshot()
	if r.recorder != nil {
		if err := r.recorder.Close(); err != nil {
			log.Printf("[Recording] Close failed: %v", err)
		}
		r.recorder = nil
	}
}

// boot applies the start-up policy
func (r *Receiver) boot() {
	var (
		rtcTime time.Time
		valid   bool
	)
	if r.keeper != nil {
		rtcTime, valid = r.keeper.RTCTime()
		if valid {
			r.keeper.SyncSystemFromRTC()
		}
	}

	switch r.config.Boot.Start {
	case BootNever:
		log.Println("[Receiver] Boot policy never: waiting for a start request")
	case BootAlways:
		r.start("boot")
	default:
		if valid {
			log.Printf("[Receiver] RTC holds %s, acquisition deferred", rtcTime.Format(time.RFC3339))
			return
		}
		r.start("boot")
	}
}

// start begins acquisition, seeding the plausibility gate from a valid RTC
func (r *Receiver) start(trigger string) {
	if r.decoder.State() != dcf77.StateIdle {
		log.Printf("[Receiver] Acquisition already running (%s request ignored)", trigger)
		return
	}
	r.enable(true)
	r.acqStarted = r.now()
	r.metrics.RecordAcquisitionStart(trigger)

	if r.keeper != nil {
		if t, ok := r.keeper.RTCTime(); ok {
			// the first complete frame ends the minute after the current one
			ref := germanTime(t.Add(time.Minute))
			log.Printf("[Receiver] Starting acquisition (%s), reference %02d:%02d from RTC", trigger, ref.Hour, ref.Minute)
			r.decoder.StartSeeded(ref.Hour, ref.Minute)
			r.updateSnapshot()
			return
		}
	}
	log.Printf("[Receiver] Starting acquisition (%s) without reference", trigger)
	r.decoder.Start()
	r.updateSnapshot()
}

func (r *Receiver) handle(cmd receiverCommand) {
	var err error
	switch cmd.op {
	case cmdStart:
		r.start(cmd.trigger)
	case cmdStop:
		r.decoder.Stop()
	case cmdSetTime:
		r.decoder.Stop()
		if r.keeper == nil {
			err = errors.New("no clock configured")
			break
		}
		log.Printf("[Receiver] Manual time set to %s", cmd.at.Format(time.RFC3339))
		err = r.keeper.Set(cmd.at)
	}
	r.updateSnapshot()
	cmd.reply <- err
}

// step processes one sample
func (r *Receiver) step(tickAt time.Time) error {
	level, err := r.source.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		r.metrics.RecordLineError()
		if !r.paced {
			// nothing paces an unpaced replay between retries
			return fmt.Errorf("replay failed: %w", err)
		}
		if r.lineErrors%1000 == 0 {
			log.Printf("[Receiver] Line read failed (%d so far): %v", r.lineErrors+1, err)
		}
		r.lineErrors++
		return nil
	}

	if r.recorder != nil {
		if err := r.recorder.Record(level); err != nil {
			log.Printf("[Recording] Write failed, recording stopped: %v", err)
			r.recorder.Close()
			r.recorder = nil
		}
	}

	if r.edgeWatch != nil {
		r.decoder.Tick(level)
	} else {
		r.decoder.Sample(level)
	}

	if !tickAt.IsZero() {
		r.metrics.RecordTickLag(r.now().Sub(tickAt))
	}
	return nil
}

func (r *Receiver) watchEdges(ctx context.Context, edges chan<- struct{}) {
	for ctx.Err() == nil {
		if r.edgeWatch.WaitForFall(time.Second) {
			select {
			case edges <- struct{}{}:
			default:
			}
		}
	}
}

func (r *Receiver) enable(on bool) {
	if r.enabler == nil {
		return
	}
	if err := r.enabler.Enable(on); err != nil {
		log.Printf("[Receiver] Failed to switch receiver power: %v", err)
	}
}

func (r *Receiver) updateSnapshot() {
	st := r.decoder.Status()
	frame := r.decoder.Frame()

	r.mu.Lock()
	r.status.State = r.decoder.State().String()
	r.status.TimeAvailable = st.Has(dcf77.StatusTimeAvailable)
	r.status.Searching = st.Has(dcf77.StatusSearching)
	r.status.NoSignal = st.Has(dcf77.StatusNoSignal)
	r.status.BitIndex = frame.Len()
	r.status.Frame = frame.String()
	r.status.Distortions = r.decoder.Distortions()
	if committed, ok := r.decoder.Committed(); ok {
		t := committed.Time()
		r.status.Committed = &t
	}
	if r.status.Searching && !r.acqStarted.IsZero() {
		started := r.acqStarted
		r.status.AcquisitionStarted = &started
	} else {
		r.status.AcquisitionStarted = nil
	}
	r.mu.Unlock()

	r.metrics.UpdateDecoder(r.decoder.State(), st, frame.Len())
}

func (r *Receiver) emit(typ string, data interface{}) {
	ev := Event{Type: typ, Time: r.now(), Data: data}
	if !r.paced && r.done != nil {
		// replays run faster than real time and must not lose events
		select {
		case r.events <- ev:
		case <-r.done:
			r.dropped.Add(1)
		}
		return
	}
	select {
	case r.events <- ev:
	default:
		r.dropped.Add(1)
	}
}

// dispatch delivers events to listeners off the sampling goroutine
func (r *Receiver) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.listenersMu.RLock()
			listeners := make([]EventListener, len(r.listeners))
			copy(listeners, r.listeners)
			r.listenersMu.RUnlock()
			for _, l := range listeners {
				l.HandleEvent(ev)
			}
		}
	}
}

func (r *Receiver) onPulse(p dcf77.Pulse) {
	r.metrics.RecordPulse(p)
	if p.Bit == dcf77.FrameDelimiter {
		r.updateSnapshot()
		return
	}
	r.stats.Add(p)
	r.updateSnapshot()
	r.emit(EventPulse, PulseEvent{
		Ticks:   p.Ticks,
		WidthMS: float64(p.Duration) / float64(time.Millisecond),
		Bit:     p.Bit.String(),
		Index:   p.Index,
	})
}

func (r *Receiver) onFrame(res dcf77.FrameResult) {
	r.metrics.RecordFrame(res)
	r.metrics.UpdatePulseStats(r.stats.Summary())
	rec := newFrameRecord(r.now(), res)
	r.mu.Lock()
	r.status.LastFrame = &rec
	r.mu.Unlock()
	r.emit(EventFrame, rec)
}

func (r *Receiver) onState(s dcf77.State) {
	switch s {
	case dcf77.StateResync:
		r.metrics.RecordResync()
		r.metrics.UpdatePulseStats(r.stats.Summary())
	case dcf77.StateIdle:
		r.enable(false)
	}
	r.updateSnapshot()
	r.emit(EventState, s.String())
}

func (r *Receiver) onAccept(t dcf77.Time) {
	at := t.Time()
	var took time.Duration
	if !r.acqStarted.IsZero() {
		took = r.now().Sub(r.acqStarted)
		r.acqStarted = time.Time{}
	}
	r.metrics.RecordAccept(at, took)
	r.emit(EventAccept, AcceptEvent{
		Time:               at.UTC(),
		Local:              t.String(),
		DCF77:              t,
		AcquisitionSeconds: took.Seconds(),
	})
}

// Pulse mirrors a carrier reduction on the LED
func (r *Receiver) Pulse(active bool) {
	if r.led != nil {
		r.led.Pulse(active)
	}
}

// Distortion reports a discarded pulse to the LED and listeners
func (r *Receiver) Distortion() {
	if r.led != nil {
		r.led.Distortion()
	}
	r.emit(EventIndicator, "distortion")
}

// Locked reports an accepted frame to the LED and listeners
func (r *Receiver) Locked() {
	if r.led != nil {
		r.led.Locked()
	}
	r.emit(EventIndicator, "locked")
}
