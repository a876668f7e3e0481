package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

func TestFrameLogWriteRead(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	fl, err := NewFrameLogger(dir, 0)
	c.Assert(err, qt.IsNil)
	defer fl.Close()

	at := time.Date(2024, 3, 10, 12, 2, 0, 0, time.Local)
	recs := []FrameRecord{{
		Timestamp: at,
		Bits:      "00000000000000000000110001010010100",
		Result:    "accepted",
		Minute:    2, Hour: 12, Day: 10, Weekday: 7, Month: 3, Year: 24,
	}, {
		Timestamp: at.Add(time.Minute),
		Bits:      "0000",
		Result:    "minute_parity",
		Error:     "minute parity error",
	}}
	for _, rec := range recs {
		fl.HandleEvent(Event{Type: EventFrame, Data: rec})
	}
	// other events are ignored
	fl.HandleEvent(Event{Type: EventState, Data: "idle"})

	got, err := fl.ReadFrames(at)
	c.Assert(err, qt.IsNil)
	c.Assert(got, qt.HasLen, 2)
	for i := range got {
		c.Assert(got[i].Timestamp.Equal(recs[i].Timestamp), qt.IsTrue)
		got[i].Timestamp = recs[i].Timestamp
	}
	c.Assert(got, qt.DeepEquals, recs)

	_, err = os.Stat(filepath.Join(dir, "2024", "03", "10", "frames.csv"))
	c.Assert(err, qt.IsNil)

	none, err := fl.ReadFrames(at.AddDate(0, 0, 1))
	c.Assert(err, qt.IsNil)
	c.Assert(none, qt.HasLen, 0)
}

func TestFrameLogRollsOverAtMidnight(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	fl, err := NewFrameLogger(dir, 0)
	c.Assert(err, qt.IsNil)
	defer fl.Close()

	day := time.Date(2024, 3, 10, 23, 59, 0, 0, time.Local)
	c.Assert(fl.LogFrame(FrameRecord{Timestamp: day, Result: "accepted"}), qt.IsNil)
	c.Assert(fl.LogFrame(FrameRecord{Timestamp: day.Add(time.Minute), Result: "accepted"}), qt.IsNil)

	first, err := fl.ReadFrames(day)
	c.Assert(err, qt.IsNil)
	c.Assert(first, qt.HasLen, 1)
	second, err := fl.ReadFrames(day.Add(time.Minute))
	c.Assert(err, qt.IsNil)
	c.Assert(second, qt.HasLen, 1)
}

func TestFrameLogCleanup(t *testing.T) {
	c := qt.New(t)
	dir := c.TempDir()
	fl, err := NewFrameLogger(dir, 0)
	c.Assert(err, qt.IsNil)
	defer fl.Close()
	fl.maxAgeDays = 30

	now := time.Date(2024, 3, 10, 12, 0, 0, 0, time.Local)
	old := now.AddDate(0, 0, -40)
	recent := now.AddDate(0, 0, -5)
	c.Assert(fl.LogFrame(FrameRecord{Timestamp: old}), qt.IsNil)
	c.Assert(fl.LogFrame(FrameRecord{Timestamp: recent}), qt.IsNil)

	c.Assert(fl.cleanupOldFiles(now), qt.Equals, 1)

	_, err = os.Stat(filepath.Join(dir, "2024", "01"))
	c.Assert(os.IsNotExist(err), qt.IsTrue)
	_, err = os.Stat(fl.dayDir(recent))
	c.Assert(err, qt.IsNil)
}
