package quotations

import (
	"fmt"
	"strings"

	"github.com/voyageos/voyageos/internal/shared"
)

var transitions = map[Status][]Status{
	StatusDraft:     {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusBooked, StatusCancelled},
	StatusBooked:    nil,
	StatusCancelled: nil,
}

// TransitionError reports an illegal status change together with the states
// that would have been accepted.
type TransitionError struct {
	From  Status
	To    Status
	Valid []Status
}

func (e *TransitionError) Error() string {
	if len(e.Valid) == 0 {
		return fmt.Sprintf("quotation cannot move from %s to %s: %s is terminal", e.From, e.To, e.From)
	}
	valid := make([]string, len(e.Valid))
	for i, s := range e.Valid {
		valid[i] = string(s)
	}
	return fmt.Sprintf("quotation cannot move from %s to %s; valid next states: %s", e.From, e.To, strings.Join(valid, ", "))
}

// Unwrap lets errors.Is match shared.ErrInvalidTransition.
func (e *TransitionError) Unwrap() error { return shared.ErrInvalidTransition }

// ValidNext lists the states reachable from s.
func ValidNext(s Status) []Status {
	next := transitions[s]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// Transition checks whether from may move to to.
func Transition(from, to Status) error {
	if !to.Valid() {
		return shared.Invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	for _, s := range transitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{From: from, To: to, Valid: ValidNext(from)}
}

// CanEditItems reports whether the items of q may change. An invoiced
// quotation is frozen whatever its status.
func CanEditItems(q Quotation) error {
	if q.Invoiced {
		return shared.Immutable(fmt.Sprintf("quotation %s is linked to an invoice", q.Number))
	}
	if q.Status != StatusDraft {
		return fmt.Errorf("%w: items of a %s quotation cannot change", shared.ErrInvalidTransition, q.Status)
	}
	return nil
}
