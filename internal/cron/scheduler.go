package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"
)

var (
	// ErrUnknownJob is returned by Trigger for names never registered.
	ErrUnknownJob = errors.New("cron: unknown job")

	// ErrJobRunning is returned by Trigger when the job is already running.
	ErrJobRunning = errors.New("cron: job already running")
)

// Scheduler manages periodic job execution using cron expressions.
// A job never runs in parallel with itself: a tick that finds the
// previous run still going is skipped.
type Scheduler struct {
	mu     sync.Mutex
	cron   *cron.Cron
	jobs   map[string]Job
	order  []string
	locks  map[string]*sync.Mutex
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Jobs must be registered before Start().
func NewScheduler(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		jobs:   make(map[string]Job),
		locks:  make(map[string]*sync.Mutex),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterJob adds a job to the scheduler. Must be called before Start().
// Returns an error if a job with the same name is already registered.
func (s *Scheduler) RegisterJob(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := j.Name()
	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("cron: duplicate job name %q", name)
	}

	s.jobs[name] = j
	s.order = append(s.order, name)
	s.locks[name] = &sync.Mutex{}
	return nil
}

// Start begins executing registered jobs on their schedules.
// Returns an error if any job has an invalid schedule expression.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cron.New(cron.WithParser(parser))
	for _, name := range s.order {
		job := s.jobs[name]
		if _, err := c.AddFunc(job.Schedule(), func() { s.tick(job) }); err != nil {
			return fmt.Errorf("cron: invalid schedule for job %q: %w", name, err)
		}
	}

	s.cron = c
	s.cron.Start()
	s.logger.Info("cron: scheduler started", "jobs", len(s.order))
	return nil
}

// Trigger runs a registered job now, outside its schedule.
func (s *Scheduler) Trigger(ctx context.Context, name string) error {
	s.mu.Lock()
	job, ok := s.jobs[name]
	lock := s.locks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}
	if !lock.TryLock() {
		return fmt.Errorf("%w: %q", ErrJobRunning, name)
	}
	defer lock.Unlock()
	return job.Run(ctx)
}

func (s *Scheduler) tick(job Job) {
	lock := s.locks[job.Name()]
	if !lock.TryLock() {
		s.logger.Warn("cron: job still running, skipping tick", "job", job.Name())
		return
	}
	defer lock.Unlock()

	s.logger.Debug("cron: job started", "job", job.Name())
	if err := job.Run(s.ctx); err != nil {
		s.logger.Error("cron: job failed", "job", job.Name(), "error", err)
		return
	}
	s.logger.Debug("cron: job completed", "job", job.Name())
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	if s.cron == nil {
		return nil
	}
	select {
	case <-s.cron.Stop().Done():
		s.logger.Info("cron: scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("cron: stopping scheduler: %w", ctx.Err())
	}
}
