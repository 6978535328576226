package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/joseph-ayodele/receipts-reconcile/constants"
	"github.com/joseph-ayodele/receipts-reconcile/internal/draft"
	"github.com/joseph-ayodele/receipts-reconcile/internal/entity"
)

// validTransitions is the poll state machine. Terminal states have no exits.
var validTransitions = map[constants.PollState]map[constants.PollState]bool{
	constants.PollStateIdle: {constants.PollStatePolling: true, constants.PollStateCancelled: true},
	constants.PollStatePolling: {
		constants.PollStateCompleted: true,
		constants.PollStateFailed:    true,
		constants.PollStateTimedOut:  true,
		constants.PollStateCancelled: true,
	},
	constants.PollStateCompleted: {},
	constants.PollStateFailed:    {},
	constants.PollStateTimedOut:  {},
	constants.PollStateCancelled: {},
}

// TransitionError reports a transition the state machine does not allow.
type TransitionError struct {
	From, To constants.PollState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid poll transition %s -> %s", e.From, e.To)
}

// Outcome is the terminal result of a session.
type Outcome struct {
	State    constants.PollState
	Record   entity.ReceiptRecord
	Attempts int
	Elapsed  time.Duration
	// Draft is seeded from the record on completion and blank for manual entry on
	// failure or timeout. It is nil when the session was cancelled.
	Draft *draft.Draft
	Err   error
}

// Session is one outstanding wait for extraction of a record.
type Session struct {
	recordID  string
	startedAt time.Time
	cancel    context.CancelFunc
	done      chan struct{}

	mu       sync.Mutex
	state    constants.PollState
	attempts int
	outcome  Outcome
}

func newSession(recordID string, startedAt time.Time, cancel context.CancelFunc) *Session {
	return &Session{
		recordID:  recordID,
		startedAt: startedAt,
		cancel:    cancel,
		done:      make(chan struct{}),
		state:     constants.PollStateIdle,
	}
}

func (s *Session) RecordID() string     { return s.recordID }
func (s *Session) StartedAt() time.Time { return s.startedAt }

// Done is closed once the session reached a terminal state and its goroutine exited.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) State() constants.PollState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Cancel stops the session and returns once no further request can be issued by it.
func (s *Session) Cancel() {
	s.cancel()
	<-s.done
}

// Wait blocks until the session ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.outcome, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

func (s *Session) transition(to constants.PollState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !validTransitions[s.state][to] {
		return &TransitionError{From: s.state, To: to}
	}
	s.state = to
	return nil
}

func (s *Session) attempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	return s.attempts
}

// finish records the terminal outcome. Only the first terminal transition sticks.
func (s *Session) finish(o Outcome) bool {
	if err := s.transition(o.State); err != nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o.Attempts = s.attempts
	s.outcome = o
	return true
}
