package quotations

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/catalog"
	"github.com/voyageos/voyageos/internal/pricing"
	"github.com/voyageos/voyageos/internal/sequence"
	"github.com/voyageos/voyageos/internal/shared"
)

// Catalog validates the references carried by quotation items.
type Catalog interface {
	ClientExists(ctx context.Context, id int64) (bool, error)
	GetService(ctx context.Context, id int64) (catalog.Service, error)
	VendorExists(ctx context.Context, id int64) (bool, error)
}

// Metrics counts quotation events.
type Metrics interface {
	QuotationCreated()
}

type nopMetrics struct{}

func (nopMetrics) QuotationCreated() {}

// Service orchestrates quotation pricing and lifecycle.
type Service struct {
	repo      Repository
	catalog   Catalog
	allocator *sequence.Allocator
	audit     shared.AuditRecorder
	metrics   Metrics
	logger    *slog.Logger
}

// NewService constructs the quotation service. audit and metrics may be nil.
func NewService(repo Repository, cat Catalog, allocator *sequence.Allocator, audit shared.AuditRecorder, metrics Metrics, logger *slog.Logger) *Service {
	if audit == nil {
		audit = shared.NopAudit{}
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:      repo,
		catalog:   cat,
		allocator: allocator,
		audit:     audit,
		metrics:   metrics,
		logger:    logger,
	}
}

// Create prices the requested items and stores a DRAFT quotation under a
// freshly allocated number.
func (s *Service) Create(ctx context.Context, req CreateQuotationRequest) (Quotation, error) {
	if req.ClientID <= 0 {
		return Quotation{}, shared.Invalid("client_id", "is required")
	}
	ok, err := s.catalog.ClientExists(ctx, req.ClientID)
	if err != nil {
		return Quotation{}, fmt.Errorf("verify client: %w", err)
	}
	if !ok {
		return Quotation{}, shared.NotFound("client", req.ClientID)
	}

	margin := decimal.Zero
	if req.MarginPercentage != nil {
		margin = *req.MarginPercentage
	}
	if margin.IsNegative() {
		return Quotation{}, shared.Invalid("margin_percentage", "must not be negative")
	}

	q := Quotation{
		ClientID:         req.ClientID,
		MarginPercentage: margin,
		Status:           StatusDraft,
		Items:            make([]Item, 0, len(req.Items)),
	}
	for i, itemReq := range req.Items {
		item, err := s.buildItem(ctx, fmt.Sprintf("items[%d]", i), itemReq)
		if err != nil {
			return Quotation{}, err
		}
		item.LineOrder = i + 1
		q.Items = append(q.Items, item)
	}
	if err := q.reprice(); err != nil {
		return Quotation{}, err
	}

	number, err := s.allocator.Issue(ctx, sequence.DocQuotation, func(ctx context.Context, number string) error {
		q.Number = number
		return s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
			return tx.Insert(ctx, &q)
		})
	})
	if err != nil {
		return Quotation{}, fmt.Errorf("create quotation: %w", err)
	}
	q.Number = number

	s.metrics.QuotationCreated()
	s.record(ctx, "quotation.created", q, map[string]any{
		"client_id":  q.ClientID,
		"total_sell": q.TotalSell.StringFixed(pricing.MoneyScale),
	})
	s.logger.Info("quotation created",
		slog.String("number", q.Number),
		slog.Int64("client_id", q.ClientID),
		slog.Int("items", len(q.Items)))
	return q, nil
}

// AddItem appends a priced item to a DRAFT quotation and refreshes its totals.
func (s *Service) AddItem(ctx context.Context, id int64, req ItemRequest) (Quotation, error) {
	item, err := s.buildItem(ctx, "item", req)
	if err != nil {
		return Quotation{}, err
	}

	var q Quotation
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := CanEditItems(q); err != nil {
			return err
		}
		item.QuotationID = q.ID
		item.LineOrder = nextLineOrder(q.Items)
		q.Items = append(q.Items, item)
		if err := q.reprice(); err != nil {
			return err
		}
		last := len(q.Items) - 1
		if err := tx.InsertItem(ctx, &q.Items[last]); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		if err := tx.UpdateItemPrices(ctx, q.Items[:last]); err != nil {
			return fmt.Errorf("update item prices: %w", err)
		}
		return tx.UpdateTotals(ctx, q)
	})
	if err != nil {
		return Quotation{}, err
	}
	s.record(ctx, "quotation.item_added", q, map[string]any{"service_id": item.ServiceID})
	return s.repo.Get(ctx, id)
}

// Recompute re-prices every item of a DRAFT quotation from its stored inputs.
// Running it on an unchanged quotation leaves every figure identical.
func (s *Service) Recompute(ctx context.Context, id int64) (Quotation, error) {
	var q Quotation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := CanEditItems(q); err != nil {
			return err
		}
		if err := q.reprice(); err != nil {
			return err
		}
		if err := tx.UpdateItemPrices(ctx, q.Items); err != nil {
			return fmt.Errorf("update item prices: %w", err)
		}
		return tx.UpdateTotals(ctx, q)
	})
	if err != nil {
		return Quotation{}, err
	}
	return s.repo.Get(ctx, id)
}

// SetStatus moves a quotation through its lifecycle. Totals are never touched.
func (s *Service) SetStatus(ctx context.Context, id int64, to Status) (Quotation, error) {
	if !to.Valid() {
		return Quotation{}, shared.Invalid("status", fmt.Sprintf("unknown status %q", to))
	}
	var from Status
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		q, err := tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		from = q.Status
		if err := Transition(q.Status, to); err != nil {
			return err
		}
		return tx.UpdateStatus(ctx, id, to)
	})
	if err != nil {
		return Quotation{}, err
	}
	q, err := s.repo.Get(ctx, id)
	if err != nil {
		return Quotation{}, err
	}
	s.record(ctx, "quotation.status_changed", q, map[string]any{"from": string(from), "to": string(to)})
	return q, nil
}

// Delete removes a DRAFT quotation that has not been invoiced, with its items.
func (s *Service) Delete(ctx context.Context, id int64) error {
	var q Quotation
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		var err error
		q, err = tx.Lock(ctx, id)
		if err != nil {
			return err
		}
		if err := CanEditItems(q); err != nil {
			return err
		}
		return tx.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	s.record(ctx, "quotation.deleted", q, nil)
	return nil
}

// Get returns the stored quotation with items. Figures are returned as
// persisted and never recomputed.
func (s *Service) Get(ctx context.Context, id int64) (Quotation, error) {
	return s.repo.Get(ctx, id)
}

// List returns a page of quotations and the total match count.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Quotation, int, error) {
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, 0, shared.Invalid("status", fmt.Sprintf("unknown status %q", *filter.Status))
	}
	if filter.From != nil && filter.To != nil && filter.To.Before(*filter.From) {
		return nil, 0, shared.Invalid("to", "must not be before from")
	}
	return s.repo.List(ctx, filter)
}

func (s *Service) buildItem(ctx context.Context, field string, req ItemRequest) (Item, error) {
	if _, err := s.catalog.GetService(ctx, req.ServiceID); err != nil {
		return Item{}, fmt.Errorf("%s.service_id: %w", field, err)
	}
	if req.VendorID != nil {
		ok, err := s.catalog.VendorExists(ctx, *req.VendorID)
		if err != nil {
			return Item{}, fmt.Errorf("verify vendor: %w", err)
		}
		if !ok {
			return Item{}, shared.NotFound("vendor", *req.VendorID)
		}
	}

	qty := req.Quantity
	if req.StartDate != nil {
		derived, err := pricing.QuantityFromDates(*req.StartDate, req.EndDate)
		if err != nil {
			return Item{}, shared.Invalid(field+".end_date", "must not be before start_date")
		}
		if qty == 0 {
			qty = derived
		}
	}

	return Item{
		ServiceID:              req.ServiceID,
		VendorID:               req.VendorID,
		Quantity:               qty,
		StartDate:              req.StartDate,
		EndDate:                req.EndDate,
		CostPrice:              req.CostPrice,
		ManualMarginPercentage: req.ManualMarginPercentage,
	}, nil
}

func (s *Service) record(ctx context.Context, action string, q Quotation, meta map[string]any) {
	if meta == nil {
		meta = map[string]any{}
	}
	meta["number"] = q.Number
	err := s.audit.Record(ctx, shared.AuditLog{
		Action:   action,
		Entity:   "quotation",
		EntityID: strconv.FormatInt(q.ID, 10),
		Meta:     meta,
	})
	if err != nil {
		s.logger.Warn("audit quotation", slog.String("action", action), slog.Any("error", err))
	}
}

func nextLineOrder(items []Item) int {
	highest := 0
	for _, item := range items {
		if item.LineOrder > highest {
			highest = item.LineOrder
		}
	}
	return highest + 1
}
