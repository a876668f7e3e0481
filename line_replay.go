package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cwsl/dcf77rx/dcf77"
	"github.com/klauspost/compress/zstd"
)

// Recordings are zstd streams of one ASCII byte per tick, '0' for low and
// '1' for high, preceded by a header line carrying the tick period.
const recordingMagic = "dcf77rx-levels"

// levelRecorder writes every sampled level to a compressed recording
type levelRecorder struct {
	file    *os.File
	encoder *zstd.Encoder
	w       *bufio.Writer
	path    string
	samples int64
}

// newLevelRecorder creates dir/levels-<timestamp>.zst
func newLevelRecorder(dir string, tick time.Duration, now time.Time) (*levelRecorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("levels-%s.zst", now.UTC().Format("20060102-150405")))
	return createLevelRecording(path, tick)
}

func createLevelRecording(path string, tick time.Duration) (*levelRecorder, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	encoder, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	r := &levelRecorder{
		file:    file,
		encoder: encoder,
		w:       bufio.NewWriter(encoder),
		path:    path,
	}
	if _, err := fmt.Fprintf(r.w, "%s tick_us=%d\n", recordingMagic, tick/time.Microsecond); err != nil {
		r.Close()
		return nil, err
	}
	log.Printf("[Recording] Writing line levels to %s", path)
	return r, nil
}

// Record appends one sample
func (r *levelRecorder) Record(level dcf77.Level) error {
	b := byte('0')
	if level == dcf77.High {
		b = '1'
	}
	r.samples++
	return r.w.WriteByte(b)
}

// Close flushes the stream and closes the file
func (r *levelRecorder) Close() error {
	errFlush := r.w.Flush()
	errEnc := r.encoder.Close()
	errFile := r.file.Close()
	log.Printf("[Recording] Closed %s after %d samples", r.path, r.samples)
	return errors.Join(errFlush, errEnc, errFile)
}

// replayLine plays a recording back as a line source
type replayLine struct {
	file    *os.File
	decoder *zstd.Decoder
	r       *bufio.Reader
	tick    time.Duration
	loop    bool
	path    string
	samples int64 // since the last rewind
}

func openReplayLine(path string, loop bool) (*replayLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	decoder, err := zstd.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}
	l := &replayLine{
		file:    file,
		decoder: decoder,
		r:       bufio.NewReader(decoder),
		loop:    loop,
		path:    path,
	}
	if err := l.readHeader(); err != nil {
		l.Close()
		return nil, err
	}
	log.Printf("[Receiver] Replaying %s (tick %v, loop %v)", path, l.tick, loop)
	return l, nil
}

func (l *replayLine) readHeader() error {
	header, err := l.r.ReadString('\n')
	if err != nil {
		return fmt.Errorf("failed to read recording header: %w", err)
	}
	fields := strings.Fields(header)
	if len(fields) != 2 || fields[0] != recordingMagic || !strings.HasPrefix(fields[1], "tick_us=") {
		return fmt.Errorf("%s is not a level recording", l.path)
	}
	us, err := strconv.Atoi(strings.TrimPrefix(fields[1], "tick_us="))
	if err != nil || us <= 0 {
		return fmt.Errorf("invalid tick period in recording header %q", strings.TrimSpace(header))
	}
	l.tick = time.Duration(us) * time.Microsecond
	return nil
}

// TickPeriod returns the sampling period the recording was made with
func (l *replayLine) TickPeriod() time.Duration {
	return l.tick
}

// Read returns the next sample. At the end of the recording it returns io.EOF,
// or starts over when looping.
func (l *replayLine) Read() (dcf77.Level, error) {
	for {
		b, err := l.r.ReadByte()
		if err == io.EOF && l.loop {
			if l.samples == 0 {
				return dcf77.High, fmt.Errorf("%s holds no samples to loop", l.path)
			}
			if err := l.rewind(); err != nil {
				return dcf77.High, err
			}
			continue
		}
		if err != nil {
			return dcf77.High, err
		}
		switch b {
		case '0':
			l.samples++
			return dcf77.Low, nil
		case '1':
			l.samples++
			return dcf77.High, nil
		case '\n', '\r':
			continue
		default:
			return dcf77.High, fmt.Errorf("invalid sample byte %q in %s", b, l.path)
		}
	}
}

func (l *replayLine) rewind() error {
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind recording: %w", err)
	}
	if err := l.decoder.Reset(l.file); err != nil {
		return fmt.Errorf("failed to rewind recording: %w", err)
	}
	l.r.Reset(l.decoder)
	l.samples = 0
	return l.readHeader()
}

func (l *replayLine) Close() error {
	l.decoder.Close()
	return l.file.Close()
}
