package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "calpull/internal/log"
)

// Scheduler runs a cycle on a cron schedule. A tick that fires while the
// previous cycle still runs is skipped.
type Scheduler struct {
	cron  *cron.Cron
	coord *Coordinator
	spec  string
}

// NewScheduler parses spec as a standard five-field cron expression (or a
// descriptor such as "@every 15m") evaluated in loc.
func NewScheduler(coord *Coordinator, spec string, loc *time.Location) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	logger := appLog.CronLogger()
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, fmt.Errorf("parse refresh schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, coord: coord, spec: spec}, nil
}

// Run starts the schedule and blocks until ctx ends and every cycle it
// started has returned. When immediate is set a first cycle runs right away.
func (s *Scheduler) Run(ctx context.Context, immediate bool) error {
	if _, err := s.cron.AddFunc(s.spec, func() { s.cycle(ctx) }); err != nil {
		return fmt.Errorf("add refresh job: %w", err)
	}
	s.cron.Start()
	appLog.Info("scheduler started", "spec", s.spec)

	var wg sync.WaitGroup
	if immediate {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cycle(ctx)
		}()
	}

	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	wg.Wait()
	appLog.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) cycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.coord.RunCycle(ctx); err != nil {
		if errors.Is(err, ErrCycleInProgress) {
			appLog.Debug("cycle skipped, previous still running")
			return
		}
		appLog.Warn("cycle finished with failures", "err", err.Error())
	}
}
