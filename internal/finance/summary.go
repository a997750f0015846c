// Package finance aggregates invoice balances into a receivables summary.
package finance

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/voyageos/voyageos/internal/invoices"
	"github.com/voyageos/voyageos/internal/pricing"
)

// BalanceRow is one (client, payment status) aggregate over invoices.
type BalanceRow struct {
	ClientID int64
	Status   invoices.PaymentStatus
	Count    int
	Total    decimal.Decimal
	Paid     decimal.Decimal
	Due      decimal.Decimal
}

// Source supplies grouped invoice balances.
type Source interface {
	Balances(ctx context.Context, clientID *int64) ([]BalanceRow, error)
}

// ClientBalance is the receivables position of a single client.
type ClientBalance struct {
	ClientID    int64           `json:"client_id"`
	Invoiced    decimal.Decimal `json:"invoiced"`
	Paid        decimal.Decimal `json:"paid"`
	Outstanding decimal.Decimal `json:"outstanding"`
}

// Summary reports revenue and collection figures. Revenue, paid and
// outstanding amounts exclude cancelled invoices; cancelled invoices still
// appear in StatusCounts.
type Summary struct {
	TotalRevenue     decimal.Decimal `json:"total_revenue"`
	TotalPaid        decimal.Decimal `json:"total_paid"`
	TotalOutstanding decimal.Decimal `json:"total_outstanding"`
	CollectionRate   decimal.Decimal `json:"collection_rate"`
	InvoiceCount     int             `json:"invoice_count"`
	StatusCounts     map[string]int  `json:"status_counts"`
	Clients          []ClientBalance `json:"clients"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

// Filter narrows the summary to one client when ClientID is set.
type Filter struct {
	ClientID *int64
}

// Service builds summaries through the versioned cache. Concurrent misses
// for the same key share one load.
type Service struct {
	source Source
	cache  *Cache
	group  singleflight.Group
	logger *slog.Logger
	now    func() time.Time
}

// NewService wires a Source with a Cache helper. A nil cache disables caching.
func NewService(source Source, cache *Cache, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{source: source, cache: cache, logger: logger, now: time.Now}
}

// Summary returns the receivables summary for the filter.
func (s *Service) Summary(ctx context.Context, filter Filter) (Summary, error) {
	key, err := s.cache.BuildKey(ctx, "summary", clientToken(filter.ClientID))
	if err != nil {
		return Summary{}, fmt.Errorf("finance summary key: %w", err)
	}
	ch := s.group.DoChan(key, func() (any, error) {
		var out Summary
		err := s.cache.FetchJSON(ctx, key, &out, func(ctx context.Context) (any, error) {
			rows, err := s.source.Balances(ctx, filter.ClientID)
			if err != nil {
				return nil, err
			}
			return Aggregate(rows, s.now().UTC()), nil
		})
		return out, err
	})
	select {
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Summary{}, fmt.Errorf("finance summary: %w", res.Err)
		}
		return res.Val.(Summary), nil
	}
}

// Invalidate drops every cached summary.
func (s *Service) Invalidate(ctx context.Context) error {
	if err := s.cache.Bump(ctx); err != nil {
		return fmt.Errorf("bump finance cache: %w", err)
	}
	s.logger.Debug("finance cache invalidated")
	return nil
}

// Aggregate folds grouped balances into a Summary.
func Aggregate(rows []BalanceRow, at time.Time) Summary {
	out := Summary{
		TotalRevenue:     decimal.Zero,
		TotalPaid:        decimal.Zero,
		TotalOutstanding: decimal.Zero,
		CollectionRate:   decimal.Zero,
		StatusCounts:     make(map[string]int, len(invoices.PaymentStatuses)),
		Clients:          []ClientBalance{},
		GeneratedAt:      at,
	}
	for _, st := range invoices.PaymentStatuses {
		out.StatusCounts[string(st)] = 0
	}

	clients := make(map[int64]*ClientBalance)
	for _, row := range rows {
		out.StatusCounts[string(row.Status)] += row.Count
		out.InvoiceCount += row.Count
		if row.Status == invoices.StatusCancelled {
			continue
		}
		out.TotalRevenue = out.TotalRevenue.Add(row.Total)
		out.TotalPaid = out.TotalPaid.Add(row.Paid)
		out.TotalOutstanding = out.TotalOutstanding.Add(row.Due)

		cb, ok := clients[row.ClientID]
		if !ok {
			cb = &ClientBalance{ClientID: row.ClientID, Invoiced: decimal.Zero, Paid: decimal.Zero, Outstanding: decimal.Zero}
			clients[row.ClientID] = cb
		}
		cb.Invoiced = cb.Invoiced.Add(row.Total)
		cb.Paid = cb.Paid.Add(row.Paid)
		cb.Outstanding = cb.Outstanding.Add(row.Due)
	}

	for _, cb := range clients {
		out.Clients = append(out.Clients, *cb)
	}
	sort.Slice(out.Clients, func(i, j int) bool {
		a, b := out.Clients[i], out.Clients[j]
		if !a.Outstanding.Equal(b.Outstanding) {
			return a.Outstanding.GreaterThan(b.Outstanding)
		}
		return a.ClientID < b.ClientID
	})

	if out.TotalRevenue.IsPositive() {
		// Overpayments can push the rate past 100.
		out.CollectionRate = out.TotalPaid.Mul(decimal.NewFromInt(100)).
			Div(out.TotalRevenue).Round(pricing.MoneyScale)
	}
	return out
}

func clientToken(clientID *int64) string {
	if clientID == nil {
		return "all"
	}
	return strconv.FormatInt(*clientID, 10)
}
