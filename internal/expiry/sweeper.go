package expiry

import (
	"context"
	"fmt"
	"log"

	"github.com/robfig/cron/v3"
)

// ReasonExpired is the teardown reason recorded for swept sessions.
const ReasonExpired = "expired"

// Trigger schedules an asynchronous teardown. Implementations must tolerate
// repeated calls for the same session.
type Trigger interface {
	Schedule(sessionID, reason string)
}

// Sweeper periodically scans Timers and hands expired sessions to a Trigger.
// It never tears anything down itself; exactly-once release is the trigger's
// job.
type Sweeper struct {
	timers  *Timers
	trigger Trigger
	cron    *cron.Cron
}

// NewSweeper registers a sweep on the given cron schedule, e.g. "@every 15s".
func NewSweeper(timers *Timers, trigger Trigger, schedule string) (*Sweeper, error) {
	s := &Sweeper{
		timers:  timers,
		trigger: trigger,
		cron:    cron.New(),
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.Sweep() }); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins running sweeps in the background.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop halts future sweeps and returns a context that is done once any
// running sweep has finished.
func (s *Sweeper) Stop() context.Context {
	return s.cron.Stop()
}

// Sweep runs one pass and returns how many sessions were handed off.
func (s *Sweeper) Sweep() int {
	expired := s.timers.Expired()
	for _, id := range expired {
		log.Printf("[expiry] session %s passed its deadline, scheduling teardown", id)
		s.trigger.Schedule(id, ReasonExpired)
	}
	return len(expired)
}
