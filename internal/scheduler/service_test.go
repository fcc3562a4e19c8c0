package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cronhook/internal/domain"
	"cronhook/internal/executor"
	"cronhook/internal/worker"
)

type fakeLister struct {
	mu    sync.Mutex
	tasks []domain.Task
	errs  []error // consumed one per call before tasks are returned
	calls int
}

func (f *fakeLister) ListActiveTasks(context.Context) ([]domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return append([]domain.Task(nil), f.tasks...), nil
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRunner struct {
	mu     sync.Mutex
	runs   []string
	closes int
	block  func(ctx context.Context, task domain.Task)
}

func (r *fakeRunner) RunWithRetry(ctx context.Context, task domain.Task) executor.Outcome {
	r.mu.Lock()
	r.runs = append(r.runs, task.ID)
	block := r.block
	r.mu.Unlock()
	if block != nil {
		block(ctx, task)
	}
	return executor.OutcomeSucceeded
}

func (r *fakeRunner) CloseIdleConnections() {
	r.mu.Lock()
	r.closes++
	r.mu.Unlock()
}

func (r *fakeRunner) ran() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.runs...)
}

func (r *fakeRunner) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.runs {
		if got == id {
			n++
		}
	}
	return n
}

// stepClock advances one minute per call, starting at 12:00:30.
func stepClock() func() time.Time {
	base := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	var n int64
	return func() time.Time {
		i := atomic.AddInt64(&n, 1) - 1
		return base.Add(time.Duration(i)*time.Minute + 30*time.Second)
	}
}

func task(id, schedule string, status domain.TaskStatus) domain.Task {
	return domain.Task{ID: id, Name: id, Schedule: schedule, WebhookURL: "http://example.invalid", MaxRetry: 3, Status: status}
}

func newTestService(l TaskLister, r Runner, opts ...Option) *Service {
	base := []Option{WithInterval(5 * time.Millisecond), WithClock(stepClock())}
	return NewService(l, r, append(base, opts...)...)
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
}

func TestInactiveTasksAreNeverDispatched(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{
		task("active", "* * * * *", domain.TaskActive),
		task("inactive", "* * * * *", domain.TaskInactive),
		task("deleted", "* * * * *", domain.TaskDeleted),
	}}
	runner := &fakeRunner{}
	s := newTestService(lister, runner)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(runner.ran()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	stop(t, s)

	for _, id := range runner.ran() {
		assert.Equal(t, "active", id)
	}
}

func TestStoreFailureDoesNotStopLoop(t *testing.T) {
	lister := &fakeLister{
		tasks: []domain.Task{task("t1", "* * * * *", domain.TaskActive)},
		errs:  []error{errors.New("database is locked"), errors.New("database is locked")},
	}
	runner := &fakeRunner{}
	s := newTestService(lister, runner)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return len(runner.ran()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	stop(t, s)

	assert.GreaterOrEqual(t, lister.callCount(), 3)
	assert.True(t, s.LastCheck().After(time.Date(2023, 1, 1, 12, 0, 30, 0, time.UTC)))
}

func TestFailedTickKeepsLastCheck(t *testing.T) {
	lister := &fakeLister{errs: []error{errors.New("boom")}}
	s := NewService(lister, &fakeRunner{}, WithClock(stepClock()))
	pool := worker.NewPool(DefaultWorkers)

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.False(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
}

func TestMalformedScheduleIsSkipped(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{
		task("broken", "every tuesday", domain.TaskActive),
		task("ok", "* * * * *", domain.TaskActive),
	}}
	runner := &fakeRunner{}
	s := NewService(lister, runner)

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	pool := worker.NewPool(DefaultWorkers)
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(90*time.Second)))
	pool.Wait()
	assert.Equal(t, []string{"ok"}, runner.ran())
}

func TestTaskNotDueIsNotDispatched(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{task("midnight", "0 0 * * *", domain.TaskActive)}}
	runner := &fakeRunner{}
	s := NewService(lister, runner)

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	pool := worker.NewPool(DefaultWorkers)
	s.tick(context.Background(), pool, last, last.Add(90*time.Second))
	pool.Wait()
	assert.Empty(t, runner.ran())
}

func TestDueTasksRunConcurrently(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{
		task("a", "* * * * *", domain.TaskActive),
		task("b", "* * * * *", domain.TaskActive),
	}}
	var started sync.WaitGroup
	started.Add(2)
	both := make(chan struct{})
	go func() { started.Wait(); close(both) }()

	runner := &fakeRunner{block: func(ctx context.Context, _ domain.Task) {
		started.Done()
		select {
		case <-both:
		case <-time.After(time.Second):
		}
	}}
	s := NewService(lister, runner, WithWorkers(2))

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	begin := time.Now()
	pool := worker.NewPool(2)
	s.tick(context.Background(), pool, last, last.Add(time.Minute))
	pool.Wait()
	assert.Less(t, time.Since(begin), 900*time.Millisecond, "firings were serialized")
	assert.ElementsMatch(t, []string{"a", "b"}, runner.ran())
}

func TestStartStopLifecycle(t *testing.T) {
	s := newTestService(&fakeLister{}, &fakeRunner{})
	assert.False(t, s.IsRunning())
	assert.NoError(t, s.Stop(context.Background()), "stop before start")

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsRunning())
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyRunning)

	stop(t, s)
	stop(t, s)
	assert.False(t, s.IsRunning())
	select {
	case <-s.Done():
	default:
		t.Fatal("done channel not closed after stop")
	}

	require.NoError(t, s.Start(context.Background()), "restart after stop")
	stop(t, s)
}

func TestStopInterruptsBackoff(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{task("slow", "* * * * *", domain.TaskActive)}}
	inBackoff := make(chan struct{})
	var once sync.Once
	runner := &fakeRunner{block: func(ctx context.Context, _ domain.Task) {
		once.Do(func() { close(inBackoff) })
		<-ctx.Done()
	}}
	s := newTestService(lister, runner)

	require.NoError(t, s.Start(context.Background()))
	select {
	case <-inBackoff:
	case <-time.After(2 * time.Second):
		t.Fatal("task never dispatched")
	}

	begin := time.Now()
	stop(t, s)
	assert.Less(t, time.Since(begin), time.Second)
	assert.False(t, s.IsRunning())
}

func TestParentContextStopsLoop(t *testing.T) {
	s := newTestService(&fakeLister{}, &fakeRunner{})
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, s.Start(ctx))
	cancel()

	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit")
	}
	assert.False(t, s.IsRunning())
}

func TestSlowFiringDoesNotHoldUpOtherTasks(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{
		task("slow", "* * * * *", domain.TaskActive),
		task("fast", "* * * * *", domain.TaskActive),
	}}
	release := make(chan struct{})
	runner := &fakeRunner{block: func(ctx context.Context, tk domain.Task) {
		if tk.ID != "slow" {
			return
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
	}}
	s := newTestService(lister, runner)

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return runner.count("fast") >= 4 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, runner.count("slow"), "slow task overlapped itself")
	close(release)
	stop(t, s)
}

func TestTickSkipsTaskStillRunning(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{task("t1", "* * * * *", domain.TaskActive)}}
	release := make(chan struct{})
	runner := &fakeRunner{block: func(context.Context, domain.Task) { <-release }}
	s := NewService(lister, runner)
	pool := worker.NewPool(DefaultWorkers)

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	assert.True(t, s.tick(context.Background(), pool, last.Add(time.Minute), last.Add(2*time.Minute)))
	close(release)
	pool.Wait()
	assert.Equal(t, []string{"t1"}, runner.ran())

	// once the firing is over the task is eligible again
	assert.True(t, s.tick(context.Background(), pool, last.Add(2*time.Minute), last.Add(3*time.Minute)))
	pool.Wait()
	assert.Equal(t, []string{"t1", "t1"}, runner.ran())
}

func TestTickSkipsWhenWorkersBusy(t *testing.T) {
	lister := &fakeLister{tasks: []domain.Task{
		task("a", "* * * * *", domain.TaskActive),
		task("b", "* * * * *", domain.TaskActive),
	}}
	release := make(chan struct{})
	runner := &fakeRunner{block: func(context.Context, domain.Task) { <-release }}
	s := NewService(lister, runner, WithWorkers(1))
	pool := worker.NewPool(1)

	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	begin := time.Now()
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	assert.Less(t, time.Since(begin), 500*time.Millisecond, "tick waited for a worker")
	close(release)
	pool.Wait()

	assert.Equal(t, []string{"a"}, runner.ran())
	assert.True(t, s.claim("b"), "skipped task left marked in flight")
}

func TestTickReleasesIdleConnections(t *testing.T) {
	runner := &fakeRunner{}
	s := NewService(&fakeLister{errs: []error{errors.New("boom")}}, runner)
	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)

	s.tick(context.Background(), worker.NewPool(1), last, last.Add(time.Minute))
	s.tick(context.Background(), worker.NewPool(1), last, last.Add(time.Minute))
	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 2, runner.closes)
}

type fakeLocker struct {
	acquired bool
	err      error
	released int32
}

func (l *fakeLocker) TryLock(context.Context) (func(context.Context), bool, error) {
	if l.err != nil || !l.acquired {
		return nil, false, l.err
	}
	return func(context.Context) { atomic.AddInt32(&l.released, 1) }, true, nil
}

func TestTickLock(t *testing.T) {
	last := time.Date(2023, 1, 1, 12, 0, 0, 0, time.UTC)
	tasks := []domain.Task{task("t1", "* * * * *", domain.TaskActive)}

	held := &fakeLocker{acquired: false}
	runner := &fakeRunner{}
	s := NewService(&fakeLister{tasks: tasks}, runner, WithLocker(held))
	pool := worker.NewPool(DefaultWorkers)
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	pool.Wait()
	assert.Empty(t, runner.ran())

	broken := &fakeLocker{err: errors.New("redis down")}
	s = NewService(&fakeLister{tasks: tasks}, runner, WithLocker(broken))
	assert.False(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	pool.Wait()
	assert.Empty(t, runner.ran())

	free := &fakeLocker{acquired: true}
	s = NewService(&fakeLister{tasks: tasks}, runner, WithLocker(free))
	assert.True(t, s.tick(context.Background(), pool, last, last.Add(time.Minute)))
	pool.Wait()
	assert.Equal(t, []string{"t1"}, runner.ran())
	assert.Equal(t, int32(1), atomic.LoadInt32(&free.released))
}
