package async

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestQueueProcessesEveryJobBeforeShutdownReturns(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]bool{}
	q := NewQueue(HandlerFunc(func(_ context.Context, job Job) error {
		time.Sleep(5 * time.Millisecond)
		mu.Lock()
		seen[job.ReceiptID] = true
		mu.Unlock()
		return nil
	}), quiet(), WithWorkers(2), WithQueueSize(2))

	ids := []string{"r-1", "r-2", "r-3", "r-4", "r-5"}
	for _, id := range ids {
		require.NoError(t, q.Enqueue(context.Background(), Job{ReceiptID: id}))
	}
	require.NoError(t, q.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		assert.True(t, seen[id], id)
	}
}

func TestEnqueueAfterShutdown(t *testing.T) {
	q := NewQueue(HandlerFunc(func(context.Context, Job) error { return nil }), quiet())
	require.NoError(t, q.Shutdown(context.Background()))
	assert.ErrorIs(t, q.Enqueue(context.Background(), Job{ReceiptID: "r-1"}), ErrClosed)
	assert.NoError(t, q.Shutdown(context.Background()))
}

func TestEnqueueHonoursContextWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	q := NewQueue(HandlerFunc(func(context.Context, Job) error {
		started <- struct{}{}
		<-release
		return nil
	}), quiet(), WithWorkers(1), WithQueueSize(1))

	require.NoError(t, q.Enqueue(context.Background(), Job{ReceiptID: "busy"}))
	<-started
	require.NoError(t, q.Enqueue(context.Background(), Job{ReceiptID: "queued"}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, q.Enqueue(ctx, Job{ReceiptID: "overflow"}), context.DeadlineExceeded)

	close(release)
	require.NoError(t, q.Shutdown(context.Background()))
}

func TestWorkerSurvivesFailuresAndPanics(t *testing.T) {
	var calls atomic.Int32
	q := NewQueue(HandlerFunc(func(_ context.Context, job Job) error {
		calls.Add(1)
		switch job.ReceiptID {
		case "boom":
			panic("extractor crashed")
		case "bad":
			return errors.New("unreadable")
		}
		return nil
	}), quiet(), WithWorkers(1))

	for _, id := range []string{"boom", "bad", "ok"} {
		require.NoError(t, q.Enqueue(context.Background(), Job{ReceiptID: id}))
	}
	require.NoError(t, q.Shutdown(context.Background()))
	assert.Equal(t, int32(3), calls.Load())
}

func TestJobsGetTheProcessTimeout(t *testing.T) {
	errs := make(chan error, 1)
	q := NewQueue(HandlerFunc(func(ctx context.Context, _ Job) error {
		<-ctx.Done()
		errs <- ctx.Err()
		return ctx.Err()
	}), quiet(), WithProcessTimeout(10*time.Millisecond))

	require.NoError(t, q.Enqueue(context.Background(), Job{ReceiptID: "slow"}))
	require.NoError(t, q.Shutdown(context.Background()))
	assert.ErrorIs(t, <-errs, context.DeadlineExceeded)
}
