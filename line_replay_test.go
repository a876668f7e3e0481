package main

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/cwsl/dcf77rx/dcf77"
)

func writeLevels(c *qt.C, levels []dcf77.Level) string {
	path := filepath.Join(c.TempDir(), "levels.zst")
	rec, err := createLevelRecording(path, dcf77.DefaultTickPeriod)
	c.Assert(err, qt.IsNil)
	for _, l := range levels {
		c.Assert(rec.Record(l), qt.IsNil)
	}
	c.Assert(rec.Close(), qt.IsNil)
	return path
}

func readLevels(c *qt.C, l *replayLine, n int) []dcf77.Level {
	out := make([]dcf77.Level, 0, n)
	for i := 0; i < n; i++ {
		level, err := l.Read()
		c.Assert(err, qt.IsNil)
		out = append(out, level)
	}
	return out
}

func TestReplayRoundTrip(t *testing.T) {
	c := qt.New(t)
	f := dcf77.Encode(dcf77.Time{Year: 24, Month: 6, Day: 5, Weekday: 3, Hour: 14, Minute: 23, Summer: true})
	levels := dcf77.Levels(f, dcf77.DefaultTickPeriod)
	path := writeLevels(c, levels)

	l, err := openReplayLine(path, false)
	c.Assert(err, qt.IsNil)
	defer l.Close()
	c.Assert(l.TickPeriod(), qt.Equals, dcf77.DefaultTickPeriod)

	c.Assert(readLevels(c, l, len(levels)), qt.DeepEquals, levels)
	_, err = l.Read()
	c.Assert(err, qt.Equals, io.EOF)
}

func TestReplayLoop(t *testing.T) {
	c := qt.New(t)
	levels := []dcf77.Level{dcf77.Low, dcf77.High, dcf77.High}
	path := writeLevels(c, levels)

	l, err := openReplayLine(path, true)
	c.Assert(err, qt.IsNil)
	defer l.Close()

	got := readLevels(c, l, 7)
	c.Assert(got, qt.DeepEquals, []dcf77.Level{
		dcf77.Low, dcf77.High, dcf77.High,
		dcf77.Low, dcf77.High, dcf77.High,
		dcf77.Low,
	})
}

func TestReplayRejectsForeignFile(t *testing.T) {
	c := qt.New(t)
	path := filepath.Join(c.TempDir(), "plain.txt")
	c.Assert(os.WriteFile(path, []byte("hello\n"), 0644), qt.IsNil)

	_, err := openReplayLine(path, false)
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestNewLevelRecorderName(t *testing.T) {
	c := qt.New(t)
	dir := filepath.Join(c.TempDir(), "rec")
	rec, err := newLevelRecorder(dir, dcf77.DefaultTickPeriod, time.Date(2024, 3, 10, 11, 4, 5, 0, time.UTC))
	c.Assert(err, qt.IsNil)
	c.Assert(rec.Close(), qt.IsNil)

	_, err = os.Stat(filepath.Join(dir, "levels-20240310-110405.zst"))
	c.Assert(err, qt.IsNil)
}

func TestReplayLoopWithoutSamples(t *testing.T) {
	c := qt.New(t)
	path := writeLevels(c, nil)

	l, err := openReplayLine(path, true)
	c.Assert(err, qt.IsNil)
	defer l.Close()

	_, err = l.Read()
	c.Assert(err, qt.ErrorMatches, ".* holds no samples to loop")
}
