package main

import (
	"context"
	"log"
	"time"
)

// WeeklySchedule is a fixed time of week
type WeeklySchedule struct {
	Weekday  time.Weekday
	Hour     int
	Minute   int
	Second   int
	Location *time.Location
}

// Next returns the first scheduled time strictly after t
func (ws WeeklySchedule) Next(t time.Time) time.Time {
	loc := ws.Location
	if loc == nil {
		loc = time.Local
	}
	lt := t.In(loc)
	days := (int(ws.Weekday) - int(lt.Weekday()) + 7) % 7
	next := time.Date(lt.Year(), lt.Month(), lt.Day()+days, ws.Hour, ws.Minute, ws.Second, 0, loc)
	if !next.After(t) {
		next = time.Date(lt.Year(), lt.Month(), lt.Day()+days+7, ws.Hour, ws.Minute, ws.Second, 0, loc)
	}
	return next
}

func (ws WeeklySchedule) String() string {
	return ws.Weekday.String() + " " + time.Date(0, 1, 1, ws.Hour, ws.Minute, ws.Second, 0, time.UTC).Format("15:04:05")
}

// ResyncScheduler restarts acquisition once a week
type ResyncScheduler struct {
	schedule WeeklySchedule
	trigger  func()
	now      func() time.Time
}

// NewResyncScheduler creates a scheduler that calls trigger at every scheduled time
func NewResyncScheduler(schedule WeeklySchedule, trigger func()) *ResyncScheduler {
	return &ResyncScheduler{
		schedule: schedule,
		trigger:  trigger,
		now:      time.Now,
	}
}

// Run waits for scheduled times until ctx is cancelled
func (rs *ResyncScheduler) Run(ctx context.Context) {
	log.Printf("[Resync] Weekly resync scheduled for %s (%s)", rs.schedule, rs.schedule.Location)

	for {
		next := rs.schedule.Next(rs.now())
		log.Printf("[Resync] Next resync at %s", next.Format(time.RFC3339))

		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Println("[Resync] Scheduler stopped")
			return
		case <-timer.C:
			log.Println("[Resync] Starting scheduled acquisition")
			rs.trigger()
		}
	}
}
