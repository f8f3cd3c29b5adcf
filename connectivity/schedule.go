package connectivity

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
)

// Schedule notifies subscribers on a cron schedule. It is the daemon's counterpart of a
// browser tab regaining visibility: an opportunistic retry that relies on other signals
// to report whether the backend is actually reachable.
type Schedule struct {
	cron *cron.Cron
	subs subscribers
}

// NewSchedule accepts standard five-field expressions and descriptors such as
// "@every 1m".
func NewSchedule(spec string) (*Schedule, error) {
	s := &Schedule{cron: cron.New()}
	if _, err := s.cron.AddFunc(spec, s.subs.fire); err != nil {
		return nil, fmt.Errorf("invalid sync schedule %q: %w", spec, err)
	}
	return s, nil
}

func (s *Schedule) Start() {
	s.cron.Start()
}

// Stop stops the scheduler and returns a context that is done once running
// notifications have finished.
func (s *Schedule) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Schedule) IsOnline() bool {
	return true
}

func (s *Schedule) OnBecameReachable(fn func()) func() {
	return s.subs.add(fn)
}
