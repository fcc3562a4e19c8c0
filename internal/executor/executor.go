package executor

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"cronhook/internal/delivery"
	"cronhook/internal/domain"
	"cronhook/internal/store"
)

// Store is the part of the task store a firing touches.
type Store interface {
	GetTask(ctx context.Context, id string) (domain.Task, error)
	SetTaskStatus(ctx context.Context, id string, status domain.TaskStatus) error
	AppendTaskLog(ctx context.Context, l domain.TaskLog) (string, error)
}

// Deliverer sends one attempt. ctx may only abort the attempt before the
// request goes out, reported as Result.Skipped.
type Deliverer interface {
	Deliver(ctx context.Context, url string, payload json.RawMessage) delivery.Result
	CloseIdleConnections()
}

type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeExhausted
	// OutcomeCanceled means a backoff wait was interrupted by shutdown.
	OutcomeCanceled
)

func (o Outcome) Success() bool { return o == OutcomeSucceeded }

func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeCanceled:
		return "canceled"
	}
	return "unknown"
}

const DefaultBackoffUnit = time.Second

type Executor struct {
	store     Store
	deliverer Deliverer
	unit      time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) bool
}

type Option func(*Executor)

// WithBackoffUnit sets the base of the exponential backoff.
func WithBackoffUnit(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.unit = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

// WithSleeper replaces the backoff wait. The function reports false when the
// wait was interrupted.
func WithSleeper(fn func(ctx context.Context, d time.Duration) bool) Option {
	return func(e *Executor) { e.sleep = fn }
}

func New(s Store, d Deliverer, opts ...Option) *Executor {
	e := &Executor{
		store:     s,
		deliverer: d,
		unit:      DefaultBackoffUnit,
		now:       func() time.Time { return time.Now().UTC() },
		sleep:     sleepCtx,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// RunWithRetry delivers one firing of task, retrying with exponential backoff
// until it succeeds or max_retry attempts have failed. An exhausted task is
// deactivated. Cancelling ctx interrupts backoff and rate limit waits; a sent
// attempt and its log row always complete.
func (e *Executor) RunWithRetry(ctx context.Context, task domain.Task) Outcome {
	lg := log.With().Str("task_id", task.ID).Str("task_name", task.Name).Int("max_retry", task.MaxRetry).Logger()
	effects := context.WithoutCancel(ctx)

	if task.MaxRetry <= 0 {
		lg.Error().Msg("task has no retry budget, deactivating without attempts")
		e.deactivate(effects, task.ID)
		return OutcomeExhausted
	}

	n := 1
	for {
		res := e.deliverer.Deliver(ctx, task.WebhookURL, task.Payload)
		if res.Skipped {
			lg.Warn().Int("attempt", n).Str("reason", res.Reason).Msg("attempt canceled before sending")
			return OutcomeCanceled
		}
		e.appendLog(effects, task.ID, n, res)

		d := Decide(n, task.MaxRetry, res.OK, e.unit)
		switch d.State {
		case Succeeded:
			lg.Info().Int("attempt", n).Int("status_code", res.StatusCode).Msg("task executed successfully")
			return OutcomeSucceeded
		case Exhausted:
			lg.Error().Int("attempt", n).Str("reason", res.Reason).Msg("task failed after max retries")
			e.deactivate(effects, task.ID)
			return OutcomeExhausted
		}

		lg.Warn().
			Int("attempt", n).
			Str("reason", res.Reason).
			Dur("wait", d.Wait).
			Msg("task failed, retrying")
		if !e.sleep(ctx, d.Wait) {
			lg.Warn().Int("attempt", n).Msg("retry canceled")
			return OutcomeCanceled
		}
		n = d.NextAttempt
	}
}

func (e *Executor) appendLog(ctx context.Context, taskID string, n int, res delivery.Result) {
	status := domain.LogFailed
	if res.OK {
		status = domain.LogSuccess
	}
	_, err := e.store.AppendTaskLog(ctx, domain.TaskLog{
		TaskID:        taskID,
		ExecutionTime: e.now(),
		Status:        status,
		RetryCount:    n,
		Message:       res.Reason,
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Int("attempt", n).Msg("failed to append task log")
	}
}

// deactivate re-reads the task and marks it inactive only if it is still active.
func (e *Executor) deactivate(ctx context.Context, id string) {
	current, err := e.store.GetTask(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("task_id", id).Msg("task not found for deactivation")
		return
	}
	if err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to load task for deactivation")
		return
	}
	if !current.Active() {
		log.Warn().Str("task_id", id).Str("status", string(current.Status)).Msg("task no longer active, skipping deactivation")
		return
	}

	err = e.store.SetTaskStatus(ctx, id, domain.TaskInactive)
	switch {
	case errors.Is(err, store.ErrNotFound):
		log.Warn().Str("task_id", id).Msg("task vanished before deactivation")
	case err != nil:
		log.Error().Err(err).Str("task_id", id).Msg("failed to deactivate task")
	default:
		log.Info().Str("task_id", id).Msg("task deactivated after exceeding max retry attempts")
	}
}

// CloseIdleConnections releases pooled connections held by the deliverer.
func (e *Executor) CloseIdleConnections() {
	e.deliverer.CloseIdleConnections()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
