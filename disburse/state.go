package disburse

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"fundmgr/chain"
)

// State is a disbursement's position in its lifecycle:
// Built -> Submitted -> {Confirmed, Failed, TimedOut}. TimedOut is only final
// for one poll; it may later become Confirmed or Failed.
type State string

const (
	StateBuilt     State = "built"
	StateSubmitted State = "submitted"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
)

// Final reports whether no further transition is allowed.
func (s State) Final() bool {
	return s == StateConfirmed || s == StateFailed
}

// CanTransition reports whether from -> to is a legal step. Repeating a
// state is always legal.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	switch from {
	case StateBuilt:
		return to == StateSubmitted || to == StateFailed
	case StateSubmitted, StateTimedOut:
		return to == StateConfirmed || to == StateFailed || to == StateTimedOut
	default:
		return false
	}
}

// StateFor maps a poll result to the lifecycle state.
func StateFor(status Status) State {
	switch status {
	case StatusConfirmed:
		return StateConfirmed
	case StatusFailed:
		return StateFailed
	default:
		return StateTimedOut
	}
}

// Entry is the durable record of one disbursement.
type Entry struct {
	ID          string      `json:"id"`
	Related     []string    `json:"related,omitempty"`
	Chain       string      `json:"chain"`
	Kind        chain.Kind  `json:"kind"`
	State       State       `json:"state"`
	Recipients  []Recipient `json:"recipients"`
	Total       *big.Int    `json:"total"`
	SubmittedAt time.Time   `json:"submitted_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	// Escalated marks entries an operator must reconcile by hand.
	Escalated bool   `json:"escalated,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Pending rebuilds the handle for the entry.
func (e Entry) Pending() PendingTransaction {
	return PendingTransaction{
		ID:          e.ID,
		Related:     append([]string(nil), e.Related...),
		Chain:       e.Chain,
		Kind:        e.Kind,
		SubmittedAt: e.SubmittedAt,
		Recipients:  cloneRecipients(e.Recipients),
		Total:       cloneInt(e.Total),
	}
}

// Unresolved reports whether reconciliation still has work for the entry.
func (e Entry) Unresolved() bool {
	return !e.State.Final() || e.Escalated
}

// Clone deep-copies the entry.
func (e Entry) Clone() Entry {
	out := e
	out.Related = append([]string(nil), e.Related...)
	out.Recipients = cloneRecipients(e.Recipients)
	out.Total = cloneInt(e.Total)
	return out
}

// Ledger records every submitted identifier so none is ever reused and
// unresolved disbursements can be reconciled.
type Ledger interface {
	// Record stores a new entry. A known ID yields ErrDuplicateTransaction.
	Record(ctx context.Context, entry Entry) error
	// Transition moves the entry to state. Illegal moves yield
	// ErrInvalidTransition and leave the entry unchanged.
	Transition(ctx context.Context, id string, to State, detail string, at time.Time) (Entry, error)
	Get(ctx context.Context, id string) (Entry, error)
	// Acknowledge clears the escalation flag once an operator has reconciled
	// the entry by hand.
	Acknowledge(ctx context.Context, id, note string, at time.Time) (Entry, error)
	// Unresolved lists entries that are not final or are escalated, oldest first.
	Unresolved(ctx context.Context) ([]Entry, error)
}

// ApplyTransition validates and applies a transition to e in place. Ledger
// implementations share it.
func ApplyTransition(e *Entry, to State, detail string, at time.Time) error {
	if !CanTransition(e.State, to) {
		return fmt.Errorf("%w: %s -> %s for %s", ErrInvalidTransition, e.State, to, e.ID)
	}
	e.State = to
	if detail != "" {
		e.Detail = detail
	}
	e.UpdatedAt = at
	return nil
}

// AcknowledgeEntry clears the escalation flag and records the operator note.
func AcknowledgeEntry(e *Entry, note string, at time.Time) {
	e.Escalated = false
	if note != "" {
		e.Detail = note
	}
	e.UpdatedAt = at
}
