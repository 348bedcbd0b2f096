package taskqueue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu       sync.Mutex
	outcomes []Outcome
	ch       chan Outcome
}

func newCollector() *collector {
	return &collector{ch: make(chan Outcome, 64)}
}

func (c *collector) Report(_ context.Context, outcome Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, outcome)
	c.mu.Unlock()
	c.ch <- outcome
}

func (c *collector) next(t *testing.T) Outcome {
	t.Helper()
	select {
	case outcome := <-c.ch:
		return outcome
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for task outcome")
		return Outcome{}
	}
}

func echoHandler() Handler {
	return HandlerFunc(func(_ context.Context, task Task) (any, error) {
		return task.ID, nil
	})
}

func TestQueueRunsTasksInArrivalOrder(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	q.Register("echo", echoHandler())

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, q.AddTask(Task{ID: id, ConnID: "c", Command: "echo"}))
	}
	q.Start(context.Background())
	defer q.Stop(context.Background())

	for _, want := range []string{"1", "2", "3", "4", "5"} {
		outcome := out.next(t)
		require.NoError(t, outcome.Err)
		assert.Equal(t, want, outcome.Value)
		assert.False(t, outcome.Task.CreatedAt.IsZero())
	}
}

func TestQueueReportsMissingHandler(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	q.Start(context.Background())
	defer q.Stop(context.Background())

	require.NoError(t, q.AddTask(Task{ID: "1", Command: "teleport"}))
	outcome := out.next(t)
	assert.Equal(t, apperrors.CodeUnknownCommand, apperrors.CodeOf(outcome.Err))
	assert.Equal(t, "unknown command: teleport", outcome.Err.Error())
}

func TestQueueRecoversFromHandlerPanic(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	q.Register("boom", HandlerFunc(func(context.Context, Task) (any, error) { panic("kaboom") }))
	q.Register("echo", echoHandler())
	q.Start(context.Background())
	defer q.Stop(context.Background())

	require.NoError(t, q.AddTask(Task{ID: "1", Command: "boom"}))
	require.NoError(t, q.AddTask(Task{ID: "2", Command: "echo"}))

	first := out.next(t)
	assert.Equal(t, apperrors.CodeHandlerFailed, apperrors.CodeOf(first.Err))
	assert.Contains(t, first.Err.Error(), "kaboom")

	second := out.next(t)
	require.NoError(t, second.Err)
	assert.Equal(t, "2", second.Value)
}

func TestQueueWrapsPlainHandlerErrors(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	cause := errors.New("page not found")
	q.Register("fail", HandlerFunc(func(context.Context, Task) (any, error) { return nil, cause }))
	q.Register("coded", HandlerFunc(func(context.Context, Task) (any, error) { return nil, apperrors.ErrNoActiveConnections }))
	q.Start(context.Background())
	defer q.Stop(context.Background())

	require.NoError(t, q.AddTask(Task{ID: "1", Command: "fail"}))
	require.NoError(t, q.AddTask(Task{ID: "2", Command: "coded"}))

	plain := out.next(t)
	assert.Equal(t, apperrors.CodeHandlerFailed, apperrors.CodeOf(plain.Err))
	assert.True(t, errors.Is(plain.Err, cause))

	coded := out.next(t)
	assert.True(t, errors.Is(coded.Err, apperrors.ErrNoActiveConnections))
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := New(WithCapacity(1))
	q.Register("echo", echoHandler())

	require.NoError(t, q.AddTask(Task{ID: "1", Command: "echo"}))
	err := q.AddTask(Task{ID: "2", Command: "echo"})
	assert.True(t, errors.Is(err, apperrors.ErrQueueFull))
	assert.Equal(t, 1, q.Len())
}

func TestQueueRejectsEmptyCommand(t *testing.T) {
	err := New().AddTask(Task{ID: "1"})
	assert.Equal(t, apperrors.CodeInvalidArgument, apperrors.CodeOf(err))
}

func TestStopDrainsQueuedTasks(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	q.Register("echo", echoHandler())
	for _, id := range []string{"1", "2", "3"} {
		require.NoError(t, q.AddTask(Task{ID: id, Command: "echo"}))
	}
	q.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx))

	out.mu.Lock()
	defer out.mu.Unlock()
	require.Len(t, out.outcomes, 3)
	for _, outcome := range out.outcomes {
		assert.NoError(t, outcome.Err)
	}
}

func TestAddTaskAfterStopFailsFast(t *testing.T) {
	q := New()
	q.Start(context.Background())
	require.NoError(t, q.Stop(context.Background()))
	require.NoError(t, q.Stop(context.Background()))

	err := q.AddTask(Task{ID: "1", Command: "echo"})
	assert.True(t, errors.Is(err, apperrors.ErrShutdown))
}

func TestStopAbortsAfterDeadline(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	started := make(chan struct{})
	q.Register("block", HandlerFunc(func(ctx context.Context, _ Task) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	q.Register("echo", echoHandler())
	q.Start(context.Background())

	require.NoError(t, q.AddTask(Task{ID: "1", Command: "block"}))
	<-started
	require.NoError(t, q.AddTask(Task{ID: "2", Command: "echo"}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := q.Stop(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	blocked := out.next(t)
	assert.Equal(t, "1", blocked.Task.ID)
	assert.True(t, errors.Is(blocked.Err, context.Canceled))

	aborted := out.next(t)
	assert.Equal(t, "2", aborted.Task.ID)
	assert.True(t, errors.Is(aborted.Err, apperrors.ErrShutdown))
}

func TestStopBeforeStartAbortsQueued(t *testing.T) {
	out := newCollector()
	q := New(WithReporter(out))
	q.Register("echo", echoHandler())
	require.NoError(t, q.AddTask(Task{ID: "1", Command: "echo"}))

	require.NoError(t, q.Stop(context.Background()))
	aborted := out.next(t)
	assert.True(t, errors.Is(aborted.Err, apperrors.ErrShutdown))
}

func TestWorkersBoundConcurrency(t *testing.T) {
	out := newCollector()
	q := New(WithWorkers(3), WithReporter(out))

	var running, peak atomic.Int32
	release := make(chan struct{})
	q.Register("slow", HandlerFunc(func(context.Context, Task) (any, error) {
		n := running.Add(1)
		for {
			current := peak.Load()
			if n <= current || peak.CompareAndSwap(current, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil, nil
	}))
	q.Start(context.Background())
	defer q.Stop(context.Background())

	for i := 0; i < 6; i++ {
		require.NoError(t, q.AddTask(Task{ID: "t", Command: "slow"}))
	}
	require.Eventually(t, func() bool { return running.Load() == 3 }, 2*time.Second, 10*time.Millisecond)
	close(release)
	for i := 0; i < 6; i++ {
		out.next(t)
	}
	assert.Equal(t, int32(3), peak.Load())
}

func TestCommandsAreSorted(t *testing.T) {
	q := New()
	q.Register("screenshot", echoHandler())
	q.Register("add", echoHandler())
	assert.Equal(t, []string{"add", "screenshot"}, q.Commands())
	assert.True(t, q.Has("add"))
	assert.False(t, q.Has("extract"))
}
