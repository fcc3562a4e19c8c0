package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"cronhook/internal/domain"
	"cronhook/internal/executor"
	"cronhook/internal/worker"
)

const (
	DefaultInterval = 60 * time.Second
	DefaultWorkers  = 8
)

var ErrAlreadyRunning = errors.New("scheduler already running")

type TaskLister interface {
	ListActiveTasks(ctx context.Context) ([]domain.Task, error)
}

// Runner executes one firing of a due task.
type Runner interface {
	RunWithRetry(ctx context.Context, task domain.Task) executor.Outcome
	// CloseIdleConnections drops pooled connections between ticks.
	CloseIdleConnections()
}

// Locker guards a tick across scheduler replicas.
type Locker interface {
	TryLock(ctx context.Context) (release func(context.Context), acquired bool, err error)
}

type Service struct {
	tasks    TaskLister
	runner   Runner
	locker   Locker
	interval time.Duration
	workers  int
	now      func() time.Time

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	lastCheck time.Time
	inFlight  map[string]struct{} // task ids with a firing still running
}

type Option func(*Service)

func WithInterval(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithWorkers bounds how many due tasks run at the same time.
func WithWorkers(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.workers = n
		}
	}
}

func WithLocker(l Locker) Option {
	return func(s *Service) { s.locker = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(tasks TaskLister, runner Runner, opts ...Option) *Service {
	s := &Service{
		tasks:    tasks,
		runner:   runner,
		interval: DefaultInterval,
		workers:  DefaultWorkers,
		now:      func() time.Time { return time.Now().UTC() },
		inFlight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Start records the current time as the last check and launches the loop in
// the background. Cancelling ctx stops the loop like Stop does.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrAlreadyRunning
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.lastCheck = s.now()

	go s.run(loopCtx, s.done)

	log.Info().Dur("interval", s.interval).Int("workers", s.workers).Msg("task scheduler started")
	return nil
}

// Stop asks the loop to exit and waits until it has, or until ctx expires.
// Pending backoff waits are interrupted; in-flight deliveries complete.
// Calling Stop on a stopped scheduler is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Done is closed when the current loop exits.
func (s *Service) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

func (s *Service) LastCheck() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCheck
}

func (s *Service) run(ctx context.Context, done chan struct{}) {
	pool := worker.NewPool(s.workers)
	defer func() {
		pool.Wait()
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
		close(done)
		log.Info().Msg("task scheduler stopped")
	}()

	timer := time.NewTimer(s.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		now := s.now()
		last := s.LastCheck()
		log.Debug().Time("last_check", last).Time("current", now).Msg("scheduler check")
		if s.tick(ctx, pool, last, now) {
			s.mu.Lock()
			s.lastCheck = now
			s.mu.Unlock()
		}
		timer.Reset(s.interval)
	}
}

// tick dispatches every active task due in (last, now] and returns without
// waiting for the firings. A task whose previous firing is still running is
// skipped, as is one that finds the pool full. tick reports whether the
// interval was handled; when it was not, the next tick covers it again.
func (s *Service) tick(ctx context.Context, pool *worker.Pool, last, now time.Time) bool {
	defer s.runner.CloseIdleConnections()

	if s.locker != nil {
		release, acquired, err := s.locker.TryLock(ctx)
		if err != nil {
			log.Error().Err(err).Msg("failed to acquire scheduler lock")
			return false
		}
		if !acquired {
			log.Debug().Msg("scheduler lock held by another instance, skipping tick")
			return true
		}
		defer release(context.WithoutCancel(ctx))
	}

	tasks, err := s.tasks.ListActiveTasks(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list active tasks")
		return false
	}
	if len(tasks) > 0 {
		log.Debug().Int("count", len(tasks)).Int("busy_workers", pool.Busy()).Msg("checking active tasks")
	}

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		if !task.Active() {
			continue
		}
		due, err := IsDue(task.Schedule, last, now)
		if err != nil {
			log.Error().Err(err).Str("task_id", task.ID).Str("schedule", task.Schedule).Msg("invalid cron expression")
			continue
		}
		if !due {
			continue
		}
		if !s.claim(task.ID) {
			log.Warn().Str("task_id", task.ID).Msg("previous firing still running, skipping")
			continue
		}

		task := task
		started := pool.TryGo(task.ID, func() {
			defer s.release(task.ID)
			out := s.runner.RunWithRetry(ctx, task)
			log.Debug().Str("task_id", task.ID).Stringer("outcome", out).Msg("firing finished")
		})
		if !started {
			s.release(task.ID)
			log.Warn().Str("task_id", task.ID).Int("workers", pool.Size()).Msg("all workers busy, firing skipped")
			continue
		}
		log.Info().Str("task_id", task.ID).Str("task_name", task.Name).Msg("executing task")
	}
	return true
}

func (s *Service) claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.inFlight[id]; busy {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Service) release(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}
