package constants

import "fmt"

// ReceiptStatus is the lifecycle status of a receipt record as reported by the boundary.
type ReceiptStatus string

// Stable values (these exact strings travel over the wire and are stored in the DB).
const (
	ReceiptStatusPending    ReceiptStatus = "pending"    // accepted, extraction not started
	ReceiptStatusProcessing ReceiptStatus = "processing" // extraction running
	ReceiptStatusCompleted  ReceiptStatus = "completed"  // extraction finished
	ReceiptStatusFailed     ReceiptStatus = "failed"     // extraction failed
	ReceiptStatusReviewed   ReceiptStatus = "reviewed"   // operator committed corrections
)

var allReceiptStatuses = []ReceiptStatus{
	ReceiptStatusPending,
	ReceiptStatusProcessing,
	ReceiptStatusCompleted,
	ReceiptStatusFailed,
	ReceiptStatusReviewed,
}

// ReceiptStatuses returns every known status in lifecycle order.
func ReceiptStatuses() []ReceiptStatus {
	out := make([]ReceiptStatus, len(allReceiptStatuses))
	copy(out, allReceiptStatuses)
	return out
}

// ParseReceiptStatus maps a wire value onto the closed set. Unknown values are an error,
// never a silent default.
func ParseReceiptStatus(s string) (ReceiptStatus, error) {
	st := ReceiptStatus(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown receipt status %q", s)
	}
	return st, nil
}

func (s ReceiptStatus) Valid() bool {
	switch s {
	case ReceiptStatusPending, ReceiptStatusProcessing, ReceiptStatusCompleted,
		ReceiptStatusFailed, ReceiptStatusReviewed:
		return true
	}
	return false
}

// ExtractionDone reports whether OCR has produced field values for the record.
func (s ReceiptStatus) ExtractionDone() bool {
	switch s {
	case ReceiptStatusCompleted, ReceiptStatusReviewed:
		return true
	case ReceiptStatusPending, ReceiptStatusProcessing, ReceiptStatusFailed:
		return false
	}
	panic(fmt.Sprintf("constants: unhandled receipt status %q", string(s)))
}

// InFlight reports whether the boundary is still working on the record.
func (s ReceiptStatus) InFlight() bool {
	switch s {
	case ReceiptStatusPending, ReceiptStatusProcessing:
		return true
	case ReceiptStatusCompleted, ReceiptStatusFailed, ReceiptStatusReviewed:
		return false
	}
	panic(fmt.Sprintf("constants: unhandled receipt status %q", string(s)))
}

// PollState is the state of one extraction poll session.
type PollState string

const (
	PollStateIdle      PollState = "idle"
	PollStatePolling   PollState = "polling"
	PollStateCompleted PollState = "completed"
	PollStateFailed    PollState = "failed"
	PollStateTimedOut  PollState = "timed_out"
	PollStateCancelled PollState = "cancelled"
)

// Terminal reports whether the poller will not transition out of s.
func (s PollState) Terminal() bool {
	switch s {
	case PollStateCompleted, PollStateFailed, PollStateTimedOut, PollStateCancelled:
		return true
	case PollStateIdle, PollStatePolling:
		return false
	}
	panic(fmt.Sprintf("constants: unhandled poll state %q", string(s)))
}
