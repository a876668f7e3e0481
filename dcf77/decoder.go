// Package dcf77 decodes the DCF77 longwave time signal from a sampled receiver output line.
//
// The decoder is driven by two events, mirroring the interrupt sources of a
// microcontroller: Edge, raised when the line falls at the start of a second
// pulse, and Tick, raised at a fixed period with the current line level. All
// classification, frame assembly and validation happens inside Tick.
//
// A Decoder is not safe for concurrent use. The owner must serialise calls.
package dcf77

import (
	"errors"
	"fmt"
	"log"
	"time"
)

// State is the acquisition state of the decoder
type State int

const (
	StateIdle       State = iota // acquisition stopped
	StateListening               // collecting bits of the current minute
	StateFrameReady              // a full minute was received and is being validated
	StateResync                  // a minute ended early; the buffer is discarded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateListening:
		return "listening"
	case StateFrameReady:
		return "frame-ready"
	case StateResync:
		return "resync"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Status flags reported to the host
type Status uint8

const (
	StatusTimeAvailable Status = 1 << iota // a frame was accepted since start-up
	StatusSearching                        // acquisition is running
	StatusNoSignal                         // no valid pulse within the no-signal timeout
)

// Has reports whether flag is set
func (s Status) Has(flag Status) bool {
	return s&flag != 0
}

// Indicator receives visual feedback events. Calls must not block.
type Indicator interface {
	Pulse(active bool) // carrier reduction started or ended
	Distortion()       // a pulse was discarded as noise
	Locked()           // a frame was accepted
}

// TimeSetter is the real-time clock collaborator
type TimeSetter interface {
	Set(t time.Time) error
}

// Pulse describes one classified carrier reduction
type Pulse struct {
	Ticks    int
	Duration time.Duration
	Bit      RawBit
	Index    int // slot written, or -1 when the pulse was discarded
}

// FrameResult is reported for every minute boundary that had a full frame
type FrameResult struct {
	Bits     string // frame contents, see Frame.String
	Fields   Fields
	Accepted bool
	Err      error // nil when accepted
}

// Config configures a Decoder
type Config struct {
	Timing Timing

	// Continuous keeps acquisition running after a frame is accepted.
	// By default the decoder stops itself once the time is acquired.
	Continuous bool

	// NoSignalTimeout raises StatusNoSignal when no valid pulse arrives for this long.
	// Zero disables the flag.
	NoSignalTimeout time.Duration

	// Debug logs every classified pulse
	Debug bool
}

// DefaultConfig returns the configuration of the reference receiver
func DefaultConfig() Config {
	return Config{
		Timing:          DefaultTiming(),
		NoSignalTimeout: 3 * time.Second,
	}
}

// hm is an hour and minute pair used by the plausibility gate
type hm struct {
	hour, minute int
	valid        bool
}

// acquisition is the state that lives between Start and Stop
type acquisition struct {
	listening   bool
	pulseActive bool
	lowTicks    int
	pauseTicks  int
	silentTicks int

	reference    hm // compared against by the plausibility gate
	lastAccepted hm
}

// Decoder is the DCF77 frame decoder
type Decoder struct {
	config        Config
	bands         Bands
	noSignalTicks int

	acq         acquisition
	frame       Frame
	state       State
	status      Status
	committed   Time
	distortions uint64
	prevLevel   Level

	indicator Indicator
	rtc       TimeSetter

	acceptCB func(Time)
	frameCB  func(FrameResult)
	stateCB  func(State)
	pulseCB  func(Pulse)
}

// NewDecoder creates an idle decoder
func NewDecoder(config Config) (*Decoder, error) {
	bands, err := config.Timing.Bands()
	if err != nil {
		return nil, err
	}
	if config.NoSignalTimeout < 0 {
		return nil, fmt.Errorf("no-signal timeout must not be negative, got %v", config.NoSignalTimeout)
	}
	d := &Decoder{
		config:    config,
		bands:     bands,
		indicator: nopIndicator{},
		prevLevel: High,
	}
	if config.NoSignalTimeout > 0 {
		d.noSignalTicks = int(config.NoSignalTimeout / config.Timing.TickPeriod)
	}
	return d, nil
}

// SetAcceptCallback sets the callback for accepted time stamps
func (d *Decoder) SetAcceptCallback(cb func(Time)) {
	d.acceptCB = cb
}

// SetFrameCallback sets the callback invoked for every completed frame
func (d *Decoder) SetFrameCallback(cb func(FrameResult)) {
	d.frameCB = cb
}

// SetStateCallback sets the callback for state changes
func (d *Decoder) SetStateCallback(cb func(State)) {
	d.stateCB = cb
}

// SetPulseCallback sets the callback for every classified pulse
func (d *Decoder) SetPulseCallback(cb func(Pulse)) {
	d.pulseCB = cb
}

// SetIndicator sets the visual feedback sink. nil disables feedback.
func (d *Decoder) SetIndicator(ind Indicator) {
	if ind == nil {
		ind = nopIndicator{}
	}
	d.indicator = ind
}

// SetRTC sets the clock that receives every accepted time
func (d *Decoder) SetRTC(rtc TimeSetter) {
	d.rtc = rtc
}

// Bands returns the classification thresholds in ticks
func (d *Decoder) Bands() Bands {
	return d.bands
}

// State returns the current acquisition state
func (d *Decoder) State() State {
	return d.state
}

// Status returns the status flags
func (d *Decoder) Status() Status {
	return d.status
}

// Distortions returns the number of pulses discarded as noise since creation
func (d *Decoder) Distortions() uint64 {
	return d.distortions
}

// Committed returns the last accepted time, if any
func (d *Decoder) Committed() (Time, bool) {
	return d.committed, d.status.Has(StatusTimeAvailable)
}

// LastAccepted returns the hour and minute accepted during the running acquisition
func (d *Decoder) LastAccepted() (hour, minute int, ok bool) {
	return d.acq.lastAccepted.hour, d.acq.lastAccepted.minute, d.acq.lastAccepted.valid
}

// BitIndex returns the slot the next valid bit will be written to
func (d *Decoder) BitIndex() int {
	return d.frame.Len()
}

// Frame returns a copy of the frame being assembled
func (d *Decoder) Frame() Frame {
	return d.frame
}

// Start begins acquisition with no plausibility reference;
// the first time is accepted after two consecutive minutes agree.
func (d *Decoder) Start() {
	d.start(hm{})
}

// StartSeeded begins acquisition using hour:minute (usually read from the RTC)
// as the previous minute for the plausibility gate.
func (d *Decoder) StartSeeded(hour, minute int) {
	d.start(hm{hour: hour, minute: minute, valid: true})
}

func (d *Decoder) start(ref hm) {
	if d.acq.listening {
		if ref.valid {
			d.acq.reference = ref
		}
		return
	}
	d.acq = acquisition{listening: true, reference: ref}
	d.frame.Reset()
	d.status |= StatusSearching
	d.status &^= StatusNoSignal
	log.Printf("[DCF77] Acquisition started (bands: zero %d-%d, one %d-%d, long pause >%d ticks)",
		d.bands.MinZero, d.bands.MaxZero, d.bands.MinOne, d.bands.MaxOne, d.bands.LongPause)
	d.setState(StateListening)
}

// Stop ends acquisition and discards any partial frame
func (d *Decoder) Stop() {
	if !d.acq.listening {
		return
	}
	wasPulse := d.acq.pulseActive
	d.acq = acquisition{}
	d.frame.Reset()
	d.status &^= StatusSearching | StatusNoSignal
	if wasPulse {
		d.indicator.Pulse(false)
	}
	log.Printf("[DCF77] Acquisition stopped")
	d.setState(StateIdle)
}

// Edge handles the start of a carrier reduction. It is ignored while a
// pulse is already being measured.
func (d *Decoder) Edge() {
	if !d.acq.listening || d.acq.pulseActive {
		return
	}
	d.acq.pulseActive = true
	d.acq.lowTicks = 0
	d.indicator.Pulse(true)
}

// Sample feeds a polled line: a fall since the previous sample raises Edge before the tick
func (d *Decoder) Sample(level Level) {
	if d.prevLevel == High && level == Low {
		d.Edge()
	}
	d.prevLevel = level
	d.Tick(level)
}

// Tick handles one period of the sampling timer with the current line level
func (d *Decoder) Tick(level Level) {
	if !d.acq.listening {
		return
	}

	d.acq.silentTicks++
	if d.noSignalTicks > 0 && d.acq.silentTicks > d.noSignalTicks {
		d.status |= StatusNoSignal
	}

	// pause longer than a second gap: the missing pulse of second 59
	if d.acq.pauseTicks > d.bands.LongPause {
		d.endOfMinute()
		return
	}

	if !d.acq.pulseActive {
		d.acq.pauseTicks++
		return
	}

	if level == Low {
		d.acq.lowTicks++
		return
	}
	d.endOfPulse()
}

// endOfPulse classifies the carrier reduction that just ended
func (d *Decoder) endOfPulse() {
	ticks := d.acq.lowTicks
	d.acq.lowTicks = 0
	d.acq.pulseActive = false
	d.indicator.Pulse(false)

	bit := d.bands.Classify(ticks)
	p := Pulse{
		Ticks:    ticks,
		Duration: time.Duration(ticks) * d.config.Timing.TickPeriod,
		Bit:      bit,
		Index:    -1,
	}

	if bit.IsNoise() {
		d.distortions++
		d.acq.pauseTicks++
		d.indicator.Distortion()
		if d.config.Debug {
			log.Printf("[DCF77] Pulse %d ticks discarded (%s), index stays %d", ticks, bit, d.frame.Len())
		}
		d.reportPulse(p)
		return
	}

	d.acq.pauseTicks = 0
	d.acq.silentTicks = 0
	d.status &^= StatusNoSignal
	if d.frame.Append(bit) {
		p.Index = d.frame.Len() - 1
	}
	if d.config.Debug {
		log.Printf("[DCF77] Pulse %d ticks -> %s at index %d", ticks, bit, p.Index)
	}
	d.reportPulse(p)
}

// endOfMinute dispatches a full frame to validation or resynchronises on a partial one
func (d *Decoder) endOfMinute() {
	d.acq.pauseTicks = 0
	if d.pulseCB != nil {
		d.pulseCB(Pulse{Bit: FrameDelimiter, Index: -1})
	}

	if d.frame.Complete() {
		d.setState(StateFrameReady)
		d.validate()
	} else {
		if d.frame.Len() > 0 || d.frame.Overflowed() {
			log.Printf("[DCF77] Resync: minute ended after %d bits (overflow=%v)", d.frame.Len(), d.frame.Overflowed())
		}
		d.setState(StateResync)
	}

	// validation may have stopped acquisition
	if !d.acq.listening {
		return
	}
	d.frame.Reset()
	d.setState(StateListening)
}

// validate decodes the frame and applies the plausibility gate
func (d *Decoder) validate() {
	res := FrameResult{Bits: d.frame.String()}
	fields, err := Decode(&d.frame)
	res.Fields = fields
	if err != nil {
		// parity and range failures leave the plausibility reference untouched
		res.Err = err
		log.Printf("[DCF77] Frame rejected: %v", err)
		d.reportFrame(res)
		return
	}

	ref := d.acq.reference
	if !ref.valid || !Plausible(ref.hour, ref.minute, fields.Hour, fields.Minute) {
		if ref.valid {
			res.Err = fmt.Errorf("%w: expected minute after %02d:%02d, got %02d:%02d",
				ErrImplausible, ref.hour, ref.minute, fields.Hour, fields.Minute)
		} else {
			res.Err = fmt.Errorf("%w: no previous minute to compare %02d:%02d with",
				ErrImplausible, fields.Hour, fields.Minute)
		}
		d.acq.reference = hm{hour: fields.Hour, minute: fields.Minute, valid: true}
		log.Printf("[DCF77] Frame rejected: %v", res.Err)
		d.reportFrame(res)
		return
	}

	d.accept(fields, res)
}

func (d *Decoder) accept(fields Fields, res FrameResult) {
	t := fields.Time()
	d.committed = t
	d.status |= StatusTimeAvailable
	d.acq.reference = hm{hour: fields.Hour, minute: fields.Minute, valid: true}
	d.acq.lastAccepted = d.acq.reference

	res.Accepted = true
	log.Printf("[DCF77] Time accepted: %s", t)
	d.reportFrame(res)
	d.indicator.Locked()

	if d.rtc != nil {
		if err := d.rtc.Set(t.Time()); err != nil {
			log.Printf("[DCF77] Failed to set RTC: %v", err)
		}
	}
	if d.acceptCB != nil {
		d.acceptCB(t)
	}
	if !d.config.Continuous {
		d.Stop()
	}
}

// setState changes the decoder state
func (d *Decoder) setState(s State) {
	if s != d.state {
		d.state = s
		if d.stateCB != nil {
			d.stateCB(s)
		}
	}
}

func (d *Decoder) reportPulse(p Pulse) {
	if d.pulseCB != nil {
		d.pulseCB(p)
	}
}

func (d *Decoder) reportFrame(res FrameResult) {
	if d.frameCB != nil {
		d.frameCB(res)
	}
}

// IsRejection reports whether err is one of the decoder's frame rejections
func IsRejection(err error) bool {
	return errors.Is(err, ErrMinuteParity) || errors.Is(err, ErrHourParity) ||
		errors.Is(err, ErrDateParity) || errors.Is(err, ErrOutOfRange) ||
		errors.Is(err, ErrImplausible) || errors.Is(err, ErrIncomplete)
}

type nopIndicator struct{}

func (nopIndicator) Pulse(bool)  {}
func (nopIndicator) Distortion() {}
func (nopIndicator) Locked()     {}
