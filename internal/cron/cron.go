// Package cron runs periodic maintenance jobs such as the storage usage
// check.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// Job defines a periodic task.
// Schedule supports only the form "@every <duration>" (e.g., "@every 1h").
// Delay postpones the first run; zero means the first run happens after one
// full period. With Singleton set a tick is skipped while the previous run
// of the same job is still going.
//
// Name must be unique across jobs inside the same Scheduler.
type Job struct {
	Name      string
	Schedule  string
	Delay     time.Duration
	Singleton bool
	Run       func(ctx context.Context) error

	// internal (guarded via atomic)
	running atomic.Bool
	runs    atomic.Int64
}

// Runs reports how many times the job has been started.
func (j *Job) Runs() int64 { return j.runs.Load() }

// parseEvery parses schedules of the form "@every <duration>".
func parseEvery(expr string) (time.Duration, error) {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "@every ") {
		return 0, fmt.Errorf("unsupported schedule: %s (only @every <duration> supported)", expr)
	}
	durStr := strings.TrimSpace(strings.TrimPrefix(expr, "@every "))
	d, err := time.ParseDuration(durStr)
	if err != nil {
		return 0, fmt.Errorf("invalid @every duration: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("@every duration must be > 0")
	}
	return d, nil
}

func (j *Job) validate() error {
	if j.Name == "" {
		return errors.New("cron job requires a name")
	}
	if j.Schedule == "" {
		return errors.New("cron job requires a schedule")
	}
	if j.Run == nil {
		return fmt.Errorf("cron job %s has no run function", j.Name)
	}
	if j.Delay < 0 {
		return fmt.Errorf("cron job %s has a negative delay", j.Name)
	}
	_, err := parseEvery(j.Schedule)
	return err
}

// Scheduler runs jobs on their own goroutines.
// Use Start to launch the loops, and Stop to cancel them.
type Scheduler struct {
	clock clockwork.Clock
	log   *slog.Logger
	jobs  []*Job
	names map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(clock clockwork.Clock, log *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{clock: clock, log: log, names: map[string]bool{}}
}

func (s *Scheduler) Add(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	if s.names[job.Name] {
		return fmt.Errorf("duplicate cron job %s", job.Name)
	}
	s.names[job.Name] = true
	s.jobs = append(s.jobs, job)
	return nil
}

// Start launches all job loops. Call Stop to cancel.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	for _, j := range s.jobs {
		d, _ := parseEvery(j.Schedule)
		s.wg.Add(1)
		go s.runJob(ctx, j, d)
	}
	return nil
}

func (s *Scheduler) runJob(ctx context.Context, j *Job, period time.Duration) {
	defer s.wg.Done()
	if j.Delay > 0 {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(j.Delay):
			s.fire(ctx, j)
		}
	}
	t := s.clock.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.Chan():
			s.fire(ctx, j)
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *Job) {
	if j.Singleton {
		// attempt to mark running; if already true, skip this tick
		if !j.running.CompareAndSwap(false, true) {
			s.log.Debug("cron job still running, skipping tick", "job", j.Name)
			return
		}
	} else {
		j.running.Store(true)
	}
	j.runs.Add(1)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.running.Store(false)
		if err := j.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("cron job failed", "job", j.Name, "error", err)
		}
	}()
}

// Stop cancels all jobs and waits for running ones to return.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.wg.Wait()
}
