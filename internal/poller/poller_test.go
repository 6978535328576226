package poller

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/cache"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// fakeClock advances only when the poller waits, so a 60 second ceiling runs instantly.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

type fetchFunc func(ctx context.Context, id string) (boundary.Normalized, error)

func (f fetchFunc) Status(ctx context.Context, id string) (boundary.Normalized, error) {
	return f(ctx, id)
}

func processing(id string) boundary.Normalized {
	return boundary.Normalized{Record: entity.ReceiptRecord{ID: id, Status: constants.ReceiptStatusProcessing}}
}

func acme(id string) boundary.Normalized {
	vendor := "Acme Market"
	total := decimal.RequireFromString("42.50")
	return boundary.Normalized{Record: entity.ReceiptRecord{
		ID: id, Status: constants.ReceiptStatusCompleted, OCRCompleted: true, Vendor: &vendor, Total: &total,
	}}
}

func wait(t *testing.T, s *Session) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	o, err := s.Wait(ctx)
	require.NoError(t, err)
	return o
}

func TestCompletesAfterFourSeconds(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	var offsets []time.Duration
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		assert.Equal(t, "r-1", id)
		elapsed := clock.Now().Sub(start)
		offsets = append(offsets, elapsed)
		if elapsed >= 4*time.Second {
			return acme(id), nil
		}
		return processing(id), nil
	})
	c, err := cache.New(8, nil, nil)
	require.NoError(t, err)
	p := New(fetch, c, nil, WithClock(clock))

	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)
	o := wait(t, s)

	assert.Equal(t, constants.PollStateCompleted, o.State)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 4 * time.Second}, offsets)
	assert.Equal(t, 3, o.Attempts)
	require.NotNil(t, o.Draft)
	assert.Equal(t, "Acme Market", o.Draft.Values().Vendor)
	assert.Equal(t, "42.50", o.Draft.Values().Amount)

	cached, ok := c.Get("r-1")
	require.True(t, ok)
	assert.Equal(t, "Acme Market", *cached.Vendor)
	assert.False(t, p.Active("r-1"))
}

func TestTimesOutAtCeiling(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	var lastAttempt time.Duration
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		lastAttempt = clock.Now().Sub(start)
		return processing(id), nil
	})
	p := New(fetch, nil, nil, WithClock(clock), WithTimeout(60*time.Second))

	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)
	o := wait(t, s)

	assert.Equal(t, constants.PollStateTimedOut, o.State)
	assert.NoError(t, o.Err, "a timeout does not assert the record failed")
	assert.Equal(t, 30, o.Attempts)
	assert.Equal(t, 58*time.Second, lastAttempt)
	assert.Equal(t, 60*time.Second, o.Elapsed)
	require.NotNil(t, o.Draft)
	assert.True(t, o.Draft.ManualEntry())
	assert.Equal(t, draft.Values{}, o.Draft.Values())
}

func TestCeilingBoundsHangingRequest(t *testing.T) {
	fetch := fetchFunc(func(ctx context.Context, _ string) (boundary.Normalized, error) {
		select {
		case <-ctx.Done():
			return boundary.Normalized{}, &boundary.TransportError{Op: "status", Cause: ctx.Err()}
		case <-time.After(5 * time.Second):
			return processing("r-1"), nil
		}
	})
	p := New(fetch, nil, nil, WithInterval(50*time.Millisecond), WithTimeout(200*time.Millisecond))
	defer p.Close()

	start := time.Now()
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)
	o := wait(t, s)

	assert.Equal(t, constants.PollStateTimedOut, o.State)
	assert.Less(t, time.Since(start), time.Second)
	require.NotNil(t, o.Draft)
	assert.True(t, o.Draft.ManualEntry())
	assert.Equal(t, 1, s.Attempts())
}

func TestCompletedStatusWithoutFlagIsNotCompletion(t *testing.T) {
	clock := newFakeClock()
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		return boundary.Normalized{Record: entity.ReceiptRecord{ID: id, Status: constants.ReceiptStatusCompleted}}, nil
	})
	p := New(fetch, nil, nil, WithClock(clock), WithTimeout(10*time.Second))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)
	assert.Equal(t, constants.PollStateTimedOut, wait(t, s).State)
}

func TestFailedStatus(t *testing.T) {
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		return boundary.Normalized{Record: entity.ReceiptRecord{ID: id, Status: constants.ReceiptStatusFailed}}, nil
	})
	p := New(fetch, nil, nil, WithClock(newFakeClock()))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	o := wait(t, s)
	assert.Equal(t, constants.PollStateFailed, o.State)
	assert.ErrorIs(t, o.Err, ErrExtractionFailed)
	assert.Equal(t, 1, o.Attempts)
	assert.True(t, o.Draft.ManualEntry())
}

func TestTransportErrorsDoNotTransition(t *testing.T) {
	var calls int
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		calls++
		switch calls {
		case 1:
			return boundary.Normalized{}, &boundary.TransportError{Op: "status", Cause: errors.New("connection reset")}
		case 2:
			return boundary.Normalized{}, &boundary.FaultError{Op: "status", StatusCode: http.StatusBadGateway}
		case 3:
			return boundary.Normalized{}, &boundary.RejectedError{Op: "status", StatusCode: http.StatusUnauthorized}
		}
		return acme(id), nil
	})
	p := New(fetch, nil, nil, WithClock(newFakeClock()))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	o := wait(t, s)
	assert.Equal(t, constants.PollStateCompleted, o.State)
	assert.Equal(t, 4, o.Attempts)
}

func TestNotFoundFailsSession(t *testing.T) {
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		return boundary.Normalized{}, &boundary.RejectedError{Op: "status", StatusCode: http.StatusNotFound, Code: "NOT_FOUND"}
	})
	p := New(fetch, nil, nil, WithClock(newFakeClock()))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	o := wait(t, s)
	assert.Equal(t, constants.PollStateFailed, o.State)
	var rej *boundary.RejectedError
	assert.True(t, errors.As(o.Err, &rej))
}

func TestCancelStopsNetworkCalls(t *testing.T) {
	var calls atomic.Int32
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		calls.Add(1)
		return processing(id), nil
	})
	p := New(fetch, nil, nil, WithInterval(5*time.Millisecond), WithTimeout(time.Minute))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return calls.Load() >= 2 }, 2*time.Second, time.Millisecond)
	s.Cancel()
	after := calls.Load()

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, calls.Load(), "no request after teardown")
	assert.Equal(t, constants.PollStateCancelled, s.State())
	o := wait(t, s)
	assert.Nil(t, o.Draft)
	assert.False(t, p.Active("r-1"))
}

func TestParentContextCancellation(t *testing.T) {
	release := make(chan struct{})
	fetch := fetchFunc(func(ctx context.Context, id string) (boundary.Normalized, error) {
		close(release)
		<-ctx.Done()
		return boundary.Normalized{}, &boundary.TransportError{Op: "status", Cause: ctx.Err()}
	})
	ctx, cancel := context.WithCancel(context.Background())
	p := New(fetch, nil, nil)
	s, err := p.Start(ctx, "r-1")
	require.NoError(t, err)

	<-release
	cancel()
	assert.Equal(t, constants.PollStateCancelled, wait(t, s).State)
}

func TestStartReplacesExistingSession(t *testing.T) {
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		return processing(id), nil
	})
	p := New(fetch, nil, nil, WithInterval(5*time.Millisecond))
	ctx := context.Background()

	first, err := p.Start(ctx, "r-1")
	require.NoError(t, err)
	second, err := p.Start(ctx, "r-1")
	require.NoError(t, err)

	select {
	case <-first.Done():
	default:
		t.Fatal("first session must be stopped before the second starts")
	}
	assert.Equal(t, constants.PollStateCancelled, first.State())
	assert.Equal(t, constants.PollStatePolling, second.State())
	assert.Equal(t, 1, p.ActiveCount())

	require.NoError(t, p.Close())
	assert.Equal(t, constants.PollStateCancelled, second.State())
	_, err = p.Start(ctx, "r-2")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCommitDuringInFlightPollWins(t *testing.T) {
	c, err := cache.New(8, nil, nil)
	require.NoError(t, err)
	committedVendor := "Acme Market (corrected)"
	fetch := fetchFunc(func(ctx context.Context, id string) (boundary.Normalized, error) {
		total := decimal.RequireFromString("45.00")
		c.ApplyCommit(ctx, entity.ReceiptRecord{ID: id, Status: constants.ReceiptStatusReviewed, OCRCompleted: true, Vendor: &committedVendor, Total: &total, ManuallyEdited: true})
		return acme(id), nil
	})
	p := New(fetch, c, nil, WithClock(newFakeClock()))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	o := wait(t, s)
	assert.Equal(t, constants.PollStateCompleted, o.State)
	assert.Equal(t, committedVendor, *o.Record.Vendor)

	cached, _ := c.Get("r-1")
	assert.True(t, cached.ManuallyEdited)
	assert.Equal(t, committedVendor, *cached.Vendor)
}

func TestExponentialBackoffRespectsCeiling(t *testing.T) {
	clock := newFakeClock()
	start := clock.Now()
	var offsets []time.Duration
	fetch := fetchFunc(func(_ context.Context, id string) (boundary.Normalized, error) {
		offsets = append(offsets, clock.Now().Sub(start))
		return processing(id), nil
	})
	p := New(fetch, nil, nil, WithClock(clock), WithExponentialBackoff(2, time.Minute))
	s, err := p.Start(context.Background(), "r-1")
	require.NoError(t, err)

	o := wait(t, s)
	assert.Equal(t, constants.PollStateTimedOut, o.State)
	assert.Equal(t, []time.Duration{0, 2 * time.Second, 6 * time.Second, 14 * time.Second, 30 * time.Second}, offsets)
	assert.Equal(t, 60*time.Second, o.Elapsed)
}

func TestInvalidTransition(t *testing.T) {
	s := newSession("r-1", time.Now(), func() {})
	require.NoError(t, s.transition(constants.PollStatePolling))
	require.NoError(t, s.transition(constants.PollStateCompleted))
	err := s.transition(constants.PollStateCancelled)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, constants.PollStateCompleted, te.From)
}
