// Package poller waits for asynchronous OCR extraction to finish.
//
// Each record has at most one live Session. A session issues strictly sequential status
// requests (the next one is scheduled only after the previous resolved) until the boundary
// reports completion or failure, the ceiling elapses, or the session is cancelled.
package poller

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/boundary"
	"github.com/joseph-ayodele/receipts-reconcile/internal/cache"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

const (
	DefaultInterval = 2 * time.Second
	DefaultTimeout  = 60 * time.Second
)

var (
	ErrClosed           = errors.New("poller is closed")
	ErrExtractionFailed = errors.New("extraction failed")
)

// StatusFetcher queries the extraction status of a record.
type StatusFetcher interface {
	Status(ctx context.Context, id string) (boundary.Normalized, error)
}

// Clock abstracts time so tests can run a 60 second ceiling instantly.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Poller struct {
	fetcher    StatusFetcher
	cache      *cache.Cache
	logger     *slog.Logger
	clock      Clock
	interval   time.Duration
	timeout    time.Duration
	newBackoff func() backoff.BackOff

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
	wg       sync.WaitGroup
}

type Option func(*Poller)

func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithTimeout sets the ceiling on wall time from session start.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.timeout = d
		}
	}
}

func WithClock(c Clock) Option {
	return func(p *Poller) {
		if c != nil {
			p.clock = c
		}
	}
}

// WithExponentialBackoff replaces the fixed cadence with an exponential one starting at
// the configured interval. The ceiling still applies.
func WithExponentialBackoff(multiplier float64, maxInterval time.Duration) Option {
	return func(p *Poller) {
		p.newBackoff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = p.interval
			b.Multiplier = multiplier
			b.RandomizationFactor = 0
			b.MaxInterval = maxInterval
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		}
	}
}

// New builds a poller. c may be nil, in which case completed records are not cached.
func New(fetcher StatusFetcher, c *cache.Cache, logger *slog.Logger, opts ...Option) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Poller{
		fetcher:  fetcher,
		cache:    c,
		logger:   logger.With(slog.String("component", "poller")),
		clock:    realClock{},
		interval: DefaultInterval,
		timeout:  DefaultTimeout,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(p)
	}
	if p.newBackoff == nil {
		p.newBackoff = func() backoff.BackOff { return backoff.NewConstantBackOff(p.interval) }
	}
	return p
}

// Start begins polling recordID. Any existing session for the same record is cancelled,
// and has fully stopped, before the new one starts.
func (p *Poller) Start(ctx context.Context, recordID string) (*Session, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrClosed
		}
		existing, ok := p.sessions[recordID]
		if !ok {
			break
		}
		p.mu.Unlock()
		p.logger.Info("poller.session.replace", "receipt_id", recordID)
		existing.Cancel()
	}
	defer p.mu.Unlock()

	sctx, cancel := context.WithCancel(ctx)
	s := newSession(recordID, p.clock.Now(), cancel)
	if err := s.transition(constants.PollStatePolling); err != nil {
		cancel()
		return nil, err
	}
	p.sessions[recordID] = s
	p.wg.Add(1)
	go p.run(sctx, s)
	p.logger.Info("poller.session.start", "receipt_id", recordID, "interval_ms", p.interval.Milliseconds(), "timeout_ms", p.timeout.Milliseconds())
	return s, nil
}

// Cancel stops the session for recordID, if any.
func (p *Poller) Cancel(recordID string) bool {
	p.mu.Lock()
	s, ok := p.sessions[recordID]
	p.mu.Unlock()
	if ok {
		s.Cancel()
	}
	return ok
}

// Active reports whether a session is live for recordID.
func (p *Poller) Active(recordID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[recordID]
	return ok
}

// ActiveCount returns the number of live sessions.
func (p *Poller) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Close cancels every session and waits for all of them to exit. Start fails afterwards.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.closed = true
	live := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		live = append(live, s)
	}
	p.mu.Unlock()

	for _, s := range live {
		s.cancel()
	}
	p.wg.Wait()
	return nil
}

func (p *Poller) run(ctx context.Context, s *Session) {
	defer p.wg.Done()
	defer close(s.done)
	defer func() {
		p.mu.Lock()
		if p.sessions[s.recordID] == s {
			delete(p.sessions, s.recordID)
		}
		p.mu.Unlock()
	}()

	logger := p.logger.With(slog.String("receipt_id", s.recordID))
	b := p.newBackoff()
	deadline := s.startedAt.Add(p.timeout)
	var last entity.ReceiptRecord

	end := func(o Outcome) {
		o.Elapsed = p.clock.Now().Sub(s.startedAt)
		if o.Record.ID == "" {
			o.Record = last
			o.Record.ID = s.recordID
		}
		if s.finish(o) {
			logger.Info("poller.session.end", "state", string(o.State), "attempts", s.Attempts(), "elapsed_ms", o.Elapsed.Milliseconds())
		}
	}

	for {
		if ctx.Err() != nil {
			end(Outcome{State: constants.PollStateCancelled})
			return
		}
		if !p.clock.Now().Before(deadline) {
			end(Outcome{State: constants.PollStateTimedOut, Draft: draft.Blank(s.recordID)})
			return
		}

		var ticket cache.Ticket
		if p.cache != nil {
			ticket = p.cache.Ticket(s.recordID)
		}
		attempt := s.attempt()
		// the ceiling also bounds a request that is still in flight
		actx, cancelAttempt := context.WithTimeout(ctx, deadline.Sub(p.clock.Now()))
		n, err := p.fetcher.Status(actx, s.recordID)
		expired := errors.Is(actx.Err(), context.DeadlineExceeded)
		cancelAttempt()
		if ctx.Err() != nil {
			end(Outcome{State: constants.PollStateCancelled})
			return
		}
		if err != nil && expired {
			logger.Warn("poller.attempt.ceiling", "attempt", attempt, "error", err)
			end(Outcome{State: constants.PollStateTimedOut, Draft: draft.Blank(s.recordID)})
			return
		}

		if err != nil {
			if permanent(err) {
				logger.Warn("poller.attempt.rejected", "attempt", attempt, "error", err)
				end(Outcome{State: constants.PollStateFailed, Draft: draft.Blank(s.recordID), Err: err})
				return
			}
			logger.Warn("poller.attempt.transient_error", "attempt", attempt, "kind", boundary.Kind(err), "error", err)
		} else {
			rec := n.Record
			if rec.ID == "" {
				rec.ID = s.recordID
			}
			last = rec
			logger.Debug("poller.attempt", "attempt", attempt, "status", string(rec.Status), "ocr_completed", rec.OCRCompleted)

			if rec.OCRCompleted {
				if p.cache != nil && !p.cache.ApplyPoll(ctx, ticket, rec) {
					// A commit landed while this request was in flight; it is the newer truth.
					if cached, ok := p.cache.Get(rec.ID); ok {
						rec = cached
					}
				}
				end(Outcome{State: constants.PollStateCompleted, Record: rec, Draft: draft.Seed(rec)})
				return
			}
			switch rec.Status {
			case constants.ReceiptStatusFailed:
				end(Outcome{State: constants.PollStateFailed, Record: rec, Draft: draft.Blank(s.recordID), Err: ErrExtractionFailed})
				return
			case constants.ReceiptStatusPending, constants.ReceiptStatusProcessing,
				constants.ReceiptStatusCompleted, constants.ReceiptStatusReviewed:
				// Completed/reviewed without the ocr_completed flag is not yet usable.
			}
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			end(Outcome{State: constants.PollStateTimedOut, Draft: draft.Blank(s.recordID)})
			return
		}
		if remaining := deadline.Sub(p.clock.Now()); wait > remaining {
			wait = remaining
		}
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			end(Outcome{State: constants.PollStateCancelled})
			return
		case <-p.clock.After(wait):
		}
	}
}

// permanent reports whether a status error means the record will never complete. Auth and
// rate-limit rejections are left to their collaborators and retried.
func permanent(err error) bool {
	var rej *boundary.RejectedError
	if !errors.As(err, &rej) {
		return false
	}
	switch rej.StatusCode {
	case http.StatusUnauthorized, http.StatusTooManyRequests, http.StatusRequestTimeout:
		return false
	}
	return true
}
