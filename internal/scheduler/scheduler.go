package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"coldchain/internal/metrics"
)

// parser accepts standard 5-field expressions, an optional leading seconds
// field and descriptors such as "@every 30s".
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

var ErrUnknownJob = errors.New("scheduler: unknown job")

// Job is a periodic background task. A run that fails or panics is logged
// and counted; later runs are still scheduled.
type Job struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

// Scheduler runs jobs on their own timers. A job never overlaps with itself.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]Job
}

func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := cron.PrintfLogger(log.New(os.Stderr, "scheduler: ", log.LstdFlags))
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithLocation(loc),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		ctx:    ctx,
		cancel: cancel,
		jobs:   map[string]Job{},
	}
}

// Add registers a job. Jobs with an empty spec are accepted but only run
// through RunNow.
func (s *Scheduler) Add(j Job) error {
	if j.Name == "" || j.Run == nil {
		return errors.New("scheduler: job needs a name and a run func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.Name]; ok {
		return fmt.Errorf("scheduler: job %q already registered", j.Name)
	}
	if j.Spec != "" {
		if _, err := parser.Parse(j.Spec); err != nil {
			return fmt.Errorf("scheduler: job %q: %w", j.Name, err)
		}
		if _, err := s.cron.AddFunc(j.Spec, func() { s.run(j) }); err != nil {
			return fmt.Errorf("scheduler: job %q: %w", j.Name, err)
		}
	}
	s.jobs[j.Name] = j
	return nil
}

func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts the timers, cancels running jobs and waits for them to return
// or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	s.cancel()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow runs a registered job synchronously and returns its error.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	j, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownJob, name)
	}
	return s.run(j)
}

// Jobs lists registered job names with their next fire time, zero for
// jobs without a schedule.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	now := time.Now()
	for name, j := range s.jobs {
		var next time.Time
		if j.Spec != "" {
			if sched, err := parser.Parse(j.Spec); err == nil {
				next = sched.Next(now)
			}
		}
		out[name] = next
	}
	return out
}

func (s *Scheduler) run(j Job) (err error) {
	start := time.Now()
	outcome := "ok"
	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err = fmt.Errorf("scheduler: job %s panicked: %v", j.Name, r)
		}
		if err != nil {
			log.Printf("job=%s outcome=%s dur=%dms err=%v", j.Name, outcome, time.Since(start).Milliseconds(), err)
		}
		metrics.SchedulerRuns.WithLabelValues(j.Name, outcome).Inc()
	}()
	ctx := s.ctx
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	if err = j.Run(ctx); err != nil {
		outcome = "error"
	}
	return err
}
