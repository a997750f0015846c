// Package sequence allocates human-readable business document numbers such as
// QT-0001, INV-0002 and RCP-0003.
//
// The visible format is PREFIX-dddd. Uniqueness comes from an atomic counter
// (a PostgreSQL row or a Redis key per document type) combined with unique
// constraints on the document tables; an insert that still collides is retried
// with a freshly allocated number.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/voyageos/voyageos/internal/shared"
)

// DocType identifies a numbering series.
type DocType string

const (
	DocQuotation DocType = "QT"
	DocInvoice   DocType = "INV"
	DocReceipt   DocType = "RCP"
)

// DefaultMaxAttempts bounds allocate-then-insert retries.
const DefaultMaxAttempts = 3

// Valid reports whether t is a known series.
func (t DocType) Valid() bool {
	switch t {
	case DocQuotation, DocInvoice, DocReceipt:
		return true
	}
	return false
}

// Format renders n in the PREFIX-dddd form.
func Format(t DocType, n int64) string {
	return fmt.Sprintf("%s-%04d", t, n)
}

// ParseSuffix extracts the numeric part after the last dash.
func ParseSuffix(number string) (int64, error) {
	idx := strings.LastIndex(number, "-")
	if idx < 0 || idx == len(number)-1 {
		return 0, fmt.Errorf("sequence: %q has no numeric suffix", number)
	}
	n, err := strconv.ParseInt(number[idx+1:], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("sequence: parse %q: %w", number, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("sequence: negative suffix in %q", number)
	}
	return n, nil
}

// NextFromLast derives the next number from the highest existing identifier.
// An empty history starts at 1; a foreign or corrupt identifier falls back to
// count+1 so seeding never fails.
func NextFromLast(last string, count int64) int64 {
	if n, err := ParseSuffix(last); err == nil {
		return n + 1
	}
	return count + 1
}

// Counter hands out strictly increasing values per series.
type Counter interface {
	Next(ctx context.Context, t DocType) (int64, error)
}

// Seeder reports the highest issued identifier and the record count of a
// series, used once to initialise a counter over pre-existing data.
type Seeder interface {
	LastIssued(ctx context.Context, t DocType) (last string, count int64, err error)
}

// Observer receives allocation events.
type Observer interface {
	ObserveAllocation(docType string)
	ObserveRetry(docType string)
}

// Allocator formats counter values and drives allocate-then-insert retries.
type Allocator struct {
	counter     Counter
	logger      *slog.Logger
	observer    Observer
	maxAttempts int
}

// Option customises an Allocator.
type Option func(*Allocator)

// WithObserver attaches metrics.
func WithObserver(o Observer) Option {
	return func(a *Allocator) { a.observer = o }
}

// WithMaxAttempts overrides DefaultMaxAttempts.
func WithMaxAttempts(n int) Option {
	return func(a *Allocator) {
		if n > 0 {
			a.maxAttempts = n
		}
	}
}

// NewAllocator builds an Allocator over counter.
func NewAllocator(counter Counter, logger *slog.Logger, opts ...Option) *Allocator {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Allocator{counter: counter, logger: logger, maxAttempts: DefaultMaxAttempts}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Allocate returns the next formatted number of series t.
func (a *Allocator) Allocate(ctx context.Context, t DocType) (string, error) {
	if !t.Valid() {
		return "", fmt.Errorf("sequence: unknown document type %q", t)
	}
	n, err := a.counter.Next(ctx, t)
	if err != nil {
		return "", fmt.Errorf("sequence: next %s: %w", t, err)
	}
	if a.observer != nil {
		a.observer.ObserveAllocation(string(t))
	}
	return Format(t, n), nil
}

// Issue allocates a number and passes it to insert. When insert reports
// shared.ErrConflict the number is discarded and a new one is allocated, up to
// the configured attempts. Other errors are returned unchanged.
func (a *Allocator) Issue(ctx context.Context, t DocType, insert func(ctx context.Context, number string) error) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		number, err := a.Allocate(ctx, t)
		if err != nil {
			return "", err
		}
		err = insert(ctx, number)
		if err == nil {
			return number, nil
		}
		if !errors.Is(err, shared.ErrConflict) {
			return "", err
		}
		lastErr = err
		a.logger.Warn("document number collision",
			slog.String("doc_type", string(t)),
			slog.String("number", number),
			slog.Int("attempt", attempt))
		if a.observer != nil {
			a.observer.ObserveRetry(string(t))
		}
	}
	return "", fmt.Errorf("sequence: %s still colliding after %d attempts: %w", t, a.maxAttempts, lastErr)
}
