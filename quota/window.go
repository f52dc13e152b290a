// Package quota tracks a capped disbursement allowance over fixed time
// periods. A Window is only mutated while the caller holds the lock that
// guards its key.
package quota

import (
	"errors"
	"math/big"
	"time"
)

var (
	// ErrNotConfigured indicates that no window exists for the key.
	ErrNotConfigured = errors.New("quota: window not configured")
	// ErrInvalidWindow indicates a non-positive period or missing cap.
	ErrInvalidWindow = errors.New("quota: invalid window")
)

// Window is the accounting state of one quota key.
type Window struct {
	PeriodLength time.Duration
	Cap          *big.Int
	Cumulative   *big.Int
	// PeriodIndex is floor(unix_ms / period_ms) of the period Cumulative
	// belongs to.
	PeriodIndex int64
}

// NewWindow returns an empty window.
func NewWindow(period time.Duration, limit *big.Int) (Window, error) {
	w := Window{PeriodLength: period, Cap: cloneInt(limit), Cumulative: new(big.Int)}
	if err := w.Validate(); err != nil {
		return Window{}, err
	}
	return w, nil
}

// Validate rejects windows that cannot be reserved against.
func (w Window) Validate() error {
	if w.PeriodLength.Milliseconds() <= 0 || w.Cap == nil || w.Cap.Sign() < 0 {
		return ErrInvalidWindow
	}
	return nil
}

// Index returns the period index that now falls into.
func (w Window) Index(now time.Time) int64 {
	period := w.PeriodLength.Milliseconds()
	if period <= 0 {
		return 0
	}
	ms := now.UnixMilli()
	idx := ms / period
	if ms < 0 && ms%period != 0 {
		idx--
	}
	return idx
}

// Reserve debits amount if it fits under the cap for the period containing
// now. A period rollover resets the cumulative total first. A rejected
// reservation leaves the window untouched.
func (w *Window) Reserve(amount *big.Int, now time.Time) bool {
	if w == nil || amount == nil || amount.Sign() <= 0 || w.Validate() != nil {
		return false
	}
	idx := w.Index(now)
	cumulative := w.Cumulative
	if cumulative == nil || idx != w.PeriodIndex {
		cumulative = new(big.Int)
	}
	next := new(big.Int).Add(cumulative, amount)
	if next.Cmp(w.Cap) > 0 {
		return false
	}
	w.PeriodIndex = idx
	w.Cumulative = next
	return true
}

// Refund returns amount to the window if the period it was reserved in is
// still current.
func (w *Window) Refund(amount *big.Int, reservedAt time.Time) {
	if w == nil || amount == nil || w.Cumulative == nil {
		return
	}
	if w.Index(reservedAt) != w.PeriodIndex {
		return
	}
	w.Cumulative = new(big.Int).Sub(w.Cumulative, amount)
	if w.Cumulative.Sign() < 0 {
		w.Cumulative.SetInt64(0)
	}
}

// Remaining reports the allowance left at now.
func (w Window) Remaining(now time.Time) *big.Int {
	if w.Cap == nil {
		return new(big.Int)
	}
	spent := new(big.Int)
	if w.Cumulative != nil && w.Index(now) == w.PeriodIndex {
		spent.Set(w.Cumulative)
	}
	remaining := new(big.Int).Sub(w.Cap, spent)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	return remaining
}

// Clone returns a deep copy.
func (w Window) Clone() Window {
	out := w
	out.Cap = cloneInt(w.Cap)
	out.Cumulative = cloneInt(w.Cumulative)
	return out
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
