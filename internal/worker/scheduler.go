package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/denis201520182022/Bot-HH-tg/internal/domain"
	"github.com/denis201520182022/Bot-HH-tg/internal/repository"
	"golang.org/x/sync/errgroup"
)

// Stage is one per-recruiter step of a cycle.
type Stage interface {
	Run(ctx context.Context, recruiter domain.Recruiter) error
}

type SchedulerConfig struct {
	Pause                 time.Duration
	CrashPause            time.Duration
	MaxParallelRecruiters int
}

// Scheduler runs Intake, Responder and Reminders for every tracked recruiter,
// cycle after cycle, then relays pending notifications.
type Scheduler struct {
	store       repository.Store
	intake      Stage
	responder   Stage
	reminders   Stage
	relay       *Relay
	logger      *log.Logger
	pause       time.Duration
	crashPause  time.Duration
	maxParallel int
}

func NewScheduler(
	store repository.Store,
	intake Stage,
	responder Stage,
	reminders Stage,
	relay *Relay,
	logger *log.Logger,
	config SchedulerConfig,
) *Scheduler {
	if config.Pause <= 0 {
		config.Pause = 15 * time.Second
	}
	if config.CrashPause <= 0 {
		config.CrashPause = 120 * time.Second
	}
	if config.MaxParallelRecruiters <= 0 {
		config.MaxParallelRecruiters = 10
	}
	return &Scheduler{
		store:       store,
		intake:      intake,
		responder:   responder,
		reminders:   reminders,
		relay:       relay,
		logger:      logger,
		pause:       config.Pause,
		crashPause:  config.CrashPause,
		maxParallel: config.MaxParallelRecruiters,
	}
}

// Run loops until ctx is cancelled. Cancellation is only observed between
// cycles and between one-second sleep slices: a running cycle finishes first.
func (s *Scheduler) Run(ctx context.Context) error {
	work := context.WithoutCancel(ctx)
	logf(s.logger, "scheduler started pause=%s crash_pause=%s", s.pause, s.crashPause)
	for {
		if ctx.Err() != nil {
			logf(s.logger, "scheduler stopped")
			return nil
		}

		started := time.Now()
		pause := s.pause
		if err := s.RunCycle(work); err != nil {
			logf(s.logger, "cycle failed, pausing %s: %v", s.crashPause, err)
			pause = s.crashPause
		} else {
			logf(s.logger, "cycle finished duration=%s", time.Since(started).Round(time.Millisecond))
		}

		if !sleepSlices(ctx, pause) {
			logf(s.logger, "scheduler stopped")
			return nil
		}
	}
}

// RunCycle processes every recruiter once. Recruiter failures are logged and
// do not fail the cycle; a panic or an unreadable recruiter list does.
func (s *Scheduler) RunCycle(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("cycle panic: %v", recovered)
		}
	}()

	var recruiters []domain.Recruiter
	err = s.store.InTx(ctx, func(tx repository.Tx) error {
		var listErr error
		recruiters, listErr = tx.ListRecruiters(ctx)
		return listErr
	})
	if err != nil {
		return fmt.Errorf("list recruiters: %w", err)
	}

	var group errgroup.Group
	group.SetLimit(s.maxParallel)
	for _, recruiter := range recruiters {
		group.Go(func() error {
			s.runRecruiter(ctx, recruiter)
			return nil
		})
	}
	_ = group.Wait()

	if s.relay != nil {
		if _, relayErr := s.relay.Run(ctx); relayErr != nil {
			logf(s.logger, "notification relay failed: %v", relayErr)
		}
	}
	return nil
}

func (s *Scheduler) runRecruiter(ctx context.Context, recruiter domain.Recruiter) {
	defer func() {
		if recovered := recover(); recovered != nil {
			logf(s.logger, "panic in recruiter pipeline recruiter_id=%d: %v", recruiter.ID, recovered)
		}
	}()

	stages := []struct {
		name  string
		stage Stage
	}{
		{name: "intake", stage: s.intake},
		{name: "responder", stage: s.responder},
		{name: "reminders", stage: s.reminders},
	}
	for _, step := range stages {
		if step.stage == nil {
			continue
		}
		err := step.stage.Run(ctx, recruiter)
		if err == nil {
			continue
		}
		if IsAuthFailure(err) {
			logf(s.logger, "recruiter skipped for this cycle recruiter_id=%d stage=%s err=%v", recruiter.ID, step.name, err)
			return
		}
		logf(s.logger, "stage failed recruiter_id=%d stage=%s err=%v", recruiter.ID, step.name, err)
	}
}

// sleepSlices sleeps d in one-second slices and reports false when ctx ended first.
func sleepSlices(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		step := min(d, time.Second)
		if err := sleepContext(ctx, step); err != nil {
			return false
		}
		d -= step
	}
	return ctx.Err() == nil
}
