// Package disburse coordinates paying recipients on heterogeneous settlement
// backends. A Coordinator serialises access to shared resources, applies the
// fee and quota guards, and hands submitted work to the caller as a
// PendingTransaction to be polled with IsConfirmed.
package disburse

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"fundmgr/chain"
)

// Recipient is one payee and the amount owed in the chain's base unit.
// Address is a hex address, base58 public key or BOLT11 invoice depending on
// the backend.
type Recipient struct {
	Address string   `json:"address"`
	Amount  *big.Int `json:"amount"`
}

// Request is an ordered, non-empty set of recipients on one chain.
type Request struct {
	Recipients []Recipient
}

// NewRequest builds a request from address/amount pairs.
func NewRequest(recipients ...Recipient) Request {
	return Request{Recipients: recipients}
}

// Validate enforces a non-empty list with positive amounts.
func (r Request) Validate() error {
	if len(r.Recipients) == 0 {
		return fmt.Errorf("%w: at least one recipient required", ErrInvalidRequest)
	}
	for i, rc := range r.Recipients {
		if strings.TrimSpace(rc.Address) == "" {
			return fmt.Errorf("%w: recipient %d address required", ErrInvalidRequest, i)
		}
		if rc.Amount == nil || rc.Amount.Sign() <= 0 {
			return fmt.Errorf("%w: recipient %d amount must be positive", ErrInvalidRequest, i)
		}
	}
	return nil
}

// Total sums every recipient amount.
func (r Request) Total() *big.Int {
	total := new(big.Int)
	for _, rc := range r.Recipients {
		if rc.Amount != nil {
			total.Add(total, rc.Amount)
		}
	}
	return total
}

// Clone deep-copies the request.
func (r Request) Clone() Request {
	return Request{Recipients: cloneRecipients(r.Recipients)}
}

// PendingTransaction is the handle returned by a successful submission.
type PendingTransaction struct {
	// ID is the backend-native identifier: tx hash, signature or lnTx id.
	ID string `json:"id"`
	// Related lists further identifiers belonging to the same disbursement,
	// such as per-recipient transfer signatures.
	Related     []string    `json:"related,omitempty"`
	Chain       string      `json:"chain"`
	Kind        chain.Kind  `json:"kind"`
	SubmittedAt time.Time   `json:"submitted_at"`
	Recipients  []Recipient `json:"recipients"`
	Total       *big.Int    `json:"total"`
}

// IDs returns ID followed by Related.
func (p PendingTransaction) IDs() []string {
	out := make([]string, 0, 1+len(p.Related))
	if p.ID != "" {
		out = append(out, p.ID)
	}
	return append(out, p.Related...)
}

// Status is the outcome of one confirmation query. Timeout is a valid
// answer, not an error: the caller keeps polling or escalates.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Submission is what a backend reports after sending.
type Submission struct {
	ID      string
	Related []string
}

func cloneRecipients(in []Recipient) []Recipient {
	if in == nil {
		return nil
	}
	out := make([]Recipient, len(in))
	for i, rc := range in {
		out[i] = Recipient{Address: rc.Address, Amount: cloneInt(rc.Amount)}
	}
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
