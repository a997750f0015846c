package quotations

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/catalog"
	"github.com/voyageos/voyageos/internal/shared"
)

// memoryRepo serialises every transaction behind one mutex, which matches
// the row locks the PostgreSQL repository takes.
type memoryRepo struct {
	mu         sync.Mutex
	quotations map[int64]*Quotation
	numbers    map[string]int64
	invoiced   map[int64]bool
	nextID     int64
	nextItemID int64
	// taken numbers are rejected with ErrConflict to simulate foreign writers.
	taken map[string]bool
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		quotations: make(map[int64]*Quotation),
		numbers:    make(map[string]int64),
		invoiced:   make(map[int64]bool),
		taken:      make(map[string]bool),
	}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Get(ctx context.Context, id int64) (Quotation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(id)
}

func (r *memoryRepo) load(id int64) (Quotation, error) {
	q, ok := r.quotations[id]
	if !ok {
		return Quotation{}, shared.NotFound("quotation", id)
	}
	out := *q
	out.Items = append([]Item(nil), q.Items...)
	out.Invoiced = r.invoiced[id]
	return out, nil
}

func (r *memoryRepo) List(ctx context.Context, filter ListFilter) ([]Quotation, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []Quotation
	for id := range r.quotations {
		q, _ := r.load(id)
		if filter.ClientID != nil && q.ClientID != *filter.ClientID {
			continue
		}
		if filter.Status != nil && q.Status != *filter.Status {
			continue
		}
		if filter.From != nil && q.CreatedAt.Before(*filter.From) {
			continue
		}
		if filter.To != nil && !q.CreatedAt.Before(*filter.To) {
			continue
		}
		all = append(all, q)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })
	total := len(all)
	if filter.Offset >= len(all) {
		return []Quotation{}, total, nil
	}
	all = all[filter.Offset:]
	if filter.Limit > 0 && filter.Limit < len(all) {
		all = all[:filter.Limit]
	}
	return all, total, nil
}

type memoryTx struct {
	repo *memoryRepo
}

func (t *memoryTx) Insert(ctx context.Context, q *Quotation) error {
	r := t.repo
	if _, dup := r.numbers[q.Number]; dup || r.taken[q.Number] {
		return fmt.Errorf("quotation number %s: %w", q.Number, shared.ErrConflict)
	}
	r.nextID++
	now := time.Now()
	q.ID = r.nextID
	q.CreatedAt, q.UpdatedAt = now, now
	for i := range q.Items {
		r.nextItemID++
		q.Items[i].ID = r.nextItemID
		q.Items[i].QuotationID = q.ID
	}
	stored := *q
	stored.MarginPercentage = columnScale(q.MarginPercentage)
	stored.Items = make([]Item, len(q.Items))
	for i, item := range q.Items {
		stored.Items[i] = storedItem(item)
	}
	r.quotations[q.ID] = &stored
	r.numbers[q.Number] = q.ID
	return nil
}

func (t *memoryTx) Lock(ctx context.Context, id int64) (Quotation, error) {
	return t.repo.load(id)
}

func (t *memoryTx) InsertItem(ctx context.Context, item *Item) error {
	q, ok := t.repo.quotations[item.QuotationID]
	if !ok {
		return shared.NotFound("quotation", item.QuotationID)
	}
	t.repo.nextItemID++
	item.ID = t.repo.nextItemID
	q.Items = append(q.Items, storedItem(*item))
	return nil
}

// columnScale mirrors the NUMERIC(_,2) columns, which round on write.
func columnScale(v decimal.Decimal) decimal.Decimal {
	return v.Round(2)
}

func storedItem(item Item) Item {
	item.CostPrice = columnScale(item.CostPrice)
	if item.ManualMarginPercentage != nil {
		m := columnScale(*item.ManualMarginPercentage)
		item.ManualMarginPercentage = &m
	}
	item.SellPrice = columnScale(item.SellPrice)
	item.TotalCost = columnScale(item.TotalCost)
	item.TotalSell = columnScale(item.TotalSell)
	return item
}

func (t *memoryTx) UpdateItemPrices(ctx context.Context, items []Item) error {
	for _, item := range items {
		q, ok := t.repo.quotations[item.QuotationID]
		if !ok {
			return shared.NotFound("quotation", item.QuotationID)
		}
		for i := range q.Items {
			if q.Items[i].ID == item.ID {
				q.Items[i].SellPrice = item.SellPrice
				q.Items[i].TotalCost = item.TotalCost
				q.Items[i].TotalSell = item.TotalSell
			}
		}
	}
	return nil
}

func (t *memoryTx) UpdateTotals(ctx context.Context, q Quotation) error {
	stored, ok := t.repo.quotations[q.ID]
	if !ok {
		return shared.NotFound("quotation", q.ID)
	}
	stored.TotalCost, stored.TotalSell, stored.TotalProfit = q.TotalCost, q.TotalSell, q.TotalProfit
	stored.UpdatedAt = time.Now()
	return nil
}

func (t *memoryTx) UpdateStatus(ctx context.Context, id int64, status Status) error {
	stored, ok := t.repo.quotations[id]
	if !ok {
		return shared.NotFound("quotation", id)
	}
	stored.Status = status
	return nil
}

func (t *memoryTx) Delete(ctx context.Context, id int64) error {
	stored, ok := t.repo.quotations[id]
	if !ok {
		return shared.NotFound("quotation", id)
	}
	delete(t.repo.numbers, stored.Number)
	delete(t.repo.quotations, id)
	return nil
}

type fakeCatalog struct {
	clients  map[int64]bool
	services map[int64]bool
	vendors  map[int64]bool
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		clients:  map[int64]bool{1: true, 2: true},
		services: map[int64]bool{10: true, 11: true},
		vendors:  map[int64]bool{100: true},
	}
}

func (c *fakeCatalog) ClientExists(ctx context.Context, id int64) (bool, error) {
	return c.clients[id], nil
}

func (c *fakeCatalog) GetService(ctx context.Context, id int64) (catalog.Service, error) {
	if !c.services[id] {
		return catalog.Service{}, shared.NotFound("service", id)
	}
	return catalog.Service{ID: id, Name: fmt.Sprintf("service-%d", id)}, nil
}

func (c *fakeCatalog) VendorExists(ctx context.Context, id int64) (bool, error) {
	return c.vendors[id], nil
}

type recordingAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *recordingAudit) Record(ctx context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

func (a *recordingAudit) actions() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, len(a.logs))
	for i, l := range a.logs {
		out[i] = l.Action
	}
	return out
}
