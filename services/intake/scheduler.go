package intake

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"kioskd/pkg/locks"
)

// Locker is the distributed lease the scheduler takes before each job run.
// Backed by pkg/locks in production; tests use an in-memory fake.
type Locker interface {
	Acquire(ctx context.Context, job, holder string, ttl time.Duration) error
	Renew(ctx context.Context, job, holder string, ttl time.Duration) error
	Release(ctx context.Context, job, holder string) error
}

// Job is a named periodic task coordinated through the job lock, so exactly
// one worker in a horizontally scaled fleet runs it at a time.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// TriggerStatus is the immediate answer to an ad-hoc trigger request.
type TriggerStatus string

const (
	TriggerStarted        TriggerStatus = "started"
	TriggerAlreadyRunning TriggerStatus = "already_running"
	TriggerError          TriggerStatus = "error"
)

// ErrUnknownJob is returned by Trigger for a job name the scheduler does not own.
var ErrUnknownJob = errors.New("unknown job")

// Scheduler fires each job on its own cadence. Every firing acquires the
// job's lease first; a lease held elsewhere means another instance is already
// running the job and the firing is skipped silently.
type Scheduler struct {
	locker Locker
	holder string
	ttl    time.Duration
	logger *log.Logger
	jobs   []Job

	wg sync.WaitGroup
}

// NewScheduler wires the periodic jobs. holder identifies this process in
// lease ownership checks; ttl is the lease duration, renewed at ttl/3.
func NewScheduler(locker Locker, holder string, ttl time.Duration, logger *log.Logger, jobs ...Job) (*Scheduler, error) {
	if locker == nil {
		return nil, errors.New("locker is required")
	}
	if holder == "" {
		return nil, errors.New("holder is required")
	}
	if ttl <= 0 {
		return nil, errors.New("ttl must be positive")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	for _, job := range jobs {
		if job.Name == "" || job.Every <= 0 || job.Run == nil {
			return nil, fmt.Errorf("job %q is incomplete", job.Name)
		}
	}

	return &Scheduler{
		locker: locker,
		holder: holder,
		ttl:    ttl,
		logger: logger,
		jobs:   jobs,
	}, nil
}

// Start launches one ticker goroutine per job and returns immediately. The
// goroutines exit when ctx is cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	for _, job := range s.jobs {
		s.wg.Add(1)
		go func(job Job) {
			defer s.wg.Done()

			ticker := time.NewTicker(job.Every)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					s.fire(ctx, job)
				}
			}
		}(job)
	}
}

// Wait blocks until all job goroutines have stopped.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// Trigger runs one ad-hoc firing of the named job outside its cadence. It
// answers immediately: the job body runs in the background once the lease is
// acquired.
func (s *Scheduler) Trigger(ctx context.Context, name string) (TriggerStatus, error) {
	var job *Job
	for i := range s.jobs {
		if s.jobs[i].Name == name {
			job = &s.jobs[i]
			break
		}
	}
	if job == nil {
		return TriggerError, fmt.Errorf("%w: %q", ErrUnknownJob, name)
	}

	if err := s.locker.Acquire(ctx, job.Name, s.holder, s.ttl); err != nil {
		if errors.Is(err, locks.ErrAlreadyHeld) {
			return TriggerAlreadyRunning, nil
		}
		return TriggerError, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runLocked(context.WithoutCancel(ctx), *job)
	}()

	return TriggerStarted, nil
}

// fire attempts one scheduled firing: acquire, run under renewal, release.
func (s *Scheduler) fire(ctx context.Context, job Job) {
	if err := s.locker.Acquire(ctx, job.Name, s.holder, s.ttl); err != nil {
		if errors.Is(err, locks.ErrAlreadyHeld) {
			// Another instance is running this job. Expected, not an error.
			return
		}
		s.logger.Printf("ERROR acquire %s lock: %v", job.Name, err)
		return
	}

	s.runLocked(ctx, job)
}

// runLocked runs the job body while holding its lease. The lease is renewed
// at ttl/3; a failed renewal cancels the body's context, which is the job's
// only cancellation signal. The lease is released on every exit path,
// including a panicking body.
func (s *Scheduler) runLocked(ctx context.Context, job Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)

		ticker := time.NewTicker(s.ttl / 3)
		defer ticker.Stop()

		for {
			select {
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := s.locker.Renew(jobCtx, job.Name, s.holder, s.ttl); err != nil {
					s.logger.Printf("WARN %s lock renewal failed, cancelling run: %v", job.Name, err)
					cancel()
					return
				}
			}
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("ERROR job %s panicked: %v", job.Name, r)
		}
		cancel()
		<-renewDone

		releaseCtx, releaseCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer releaseCancel()
		if err := s.locker.Release(releaseCtx, job.Name, s.holder); err != nil {
			// Losing the release race to expiry is harmless; the lease
			// self-heals.
			s.logger.Printf("WARN release %s lock: %v", job.Name, err)
		}
	}()

	if err := job.Run(jobCtx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Printf("ERROR job %s: %v", job.Name, err)
	}
}
