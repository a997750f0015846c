package quotations

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voyageos/voyageos/internal/sequence"
	"github.com/voyageos/voyageos/internal/shared"
)

type serviceFixture struct {
	svc     *Service
	repo    *memoryRepo
	audit   *recordingAudit
	catalog *fakeCatalog
}

func newServiceFixture(t *testing.T) serviceFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	repo := newMemoryRepo()
	audit := &recordingAudit{}
	cat := newFakeCatalog()
	allocator := sequence.NewAllocator(sequence.NewRedisCounter(client, nil), nil)
	return serviceFixture{
		svc:     NewService(repo, cat, allocator, audit, nil, nil),
		repo:    repo,
		audit:   audit,
		catalog: cat,
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func decPtr(s string) *decimal.Decimal {
	d := dec(s)
	return &d
}

func sampleRequest() CreateQuotationRequest {
	return CreateQuotationRequest{
		ClientID:         1,
		MarginPercentage: decPtr("25"),
		Items: []ItemRequest{
			{ServiceID: 10, Quantity: 2, CostPrice: dec("100")},
			{ServiceID: 11, Quantity: 1, CostPrice: dec("100"), ManualMarginPercentage: decPtr("0")},
		},
	}
}

func TestCreatePricesItemsAndNumbersQuotation(t *testing.T) {
	f := newServiceFixture(t)

	q, err := f.svc.Create(context.Background(), sampleRequest())
	require.NoError(t, err)

	require.Equal(t, "QT-0001", q.Number)
	require.Equal(t, StatusDraft, q.Status)
	require.Len(t, q.Items, 2)
	assert.Equal(t, "125.00", q.Items[0].SellPrice.StringFixed(2))
	assert.Equal(t, "250.00", q.Items[0].TotalSell.StringFixed(2))
	assert.Equal(t, "100.00", q.Items[1].SellPrice.StringFixed(2))
	assert.Equal(t, "300.00", q.TotalCost.StringFixed(2))
	assert.Equal(t, "350.00", q.TotalSell.StringFixed(2))
	assert.Equal(t, "50.00", q.TotalProfit.StringFixed(2))
	assert.Equal(t, []string{"quotation.created"}, f.audit.actions())

	stored, err := f.svc.Get(context.Background(), q.ID)
	require.NoError(t, err)
	require.True(t, stored.TotalProfit.Equal(q.TotalProfit))
}

func TestCreateDefaultsMarginToZero(t *testing.T) {
	f := newServiceFixture(t)
	req := sampleRequest()
	req.MarginPercentage = nil

	q, err := f.svc.Create(context.Background(), req)
	require.NoError(t, err)
	require.True(t, q.TotalProfit.IsZero())
}

func TestCreateDerivesQuantityFromDates(t *testing.T) {
	f := newServiceFixture(t)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 0, 3)

	q, err := f.svc.Create(context.Background(), CreateQuotationRequest{
		ClientID: 1,
		Items:    []ItemRequest{{ServiceID: 10, StartDate: &start, EndDate: &end, CostPrice: dec("80")}},
	})
	require.NoError(t, err)
	require.Equal(t, 3, q.Items[0].Quantity)
	require.Equal(t, "240.00", q.TotalCost.StringFixed(2))

	q, err = f.svc.Create(context.Background(), CreateQuotationRequest{
		ClientID: 1,
		Items:    []ItemRequest{{ServiceID: 10, StartDate: &start, CostPrice: dec("80")}},
	})
	require.NoError(t, err)
	require.Equal(t, 1, q.Items[0].Quantity)
	require.Equal(t, "80.00", q.TotalCost.StringFixed(2))
}

func TestCreateRejectsInvalidInput(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, CreateQuotationRequest{ClientID: 99})
	require.ErrorIs(t, err, shared.ErrNotFound)

	req := sampleRequest()
	req.Items[0].ServiceID = 404
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrNotFound)

	req = sampleRequest()
	vendor := int64(7)
	req.Items[0].VendorID = &vendor
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrNotFound)

	req = sampleRequest()
	req.Items[1].Quantity = 0
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = sampleRequest()
	req.Items[0].CostPrice = dec("-1")
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = sampleRequest()
	req.MarginPercentage = decPtr("-3")
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = sampleRequest()
	req.MarginPercentage = decPtr("12.345")
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = sampleRequest()
	req.Items[0].CostPrice = dec("10.005")
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	req = sampleRequest()
	req.Items[1].ManualMarginPercentage = decPtr("7.125")
	_, err = f.svc.Create(ctx, req)
	require.ErrorIs(t, err, shared.ErrValidation)

	// Rejected requests never consume a stored quotation.
	list, total, err := f.svc.List(ctx, ListFilter{Limit: 10})
	require.NoError(t, err)
	require.Zero(t, total)
	require.Empty(t, list)
}

func TestConcurrentCreateYieldsContiguousNumbers(t *testing.T) {
	f := newServiceFixture(t)

	const callers = 100
	numbers := make(chan string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			q, err := f.svc.Create(context.Background(), sampleRequest())
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			numbers <- q.Number
		}()
	}
	wg.Wait()
	close(numbers)

	seen := make(map[string]bool, callers)
	for n := range numbers {
		require.False(t, seen[n], "duplicate number %s", n)
		seen[n] = true
	}
	require.Len(t, seen, callers)
	for i := 1; i <= callers; i++ {
		require.True(t, seen[fmt.Sprintf("QT-%04d", i)], "missing QT-%04d", i)
	}
}

func TestCreateRetriesPastTakenNumbers(t *testing.T) {
	f := newServiceFixture(t)
	f.repo.taken["QT-0001"] = true

	q, err := f.svc.Create(context.Background(), sampleRequest())
	require.NoError(t, err)
	require.Equal(t, "QT-0002", q.Number)
}

func TestCreateSurfacesConflictAfterRetries(t *testing.T) {
	f := newServiceFixture(t)
	for i := 1; i <= sequence.DefaultMaxAttempts; i++ {
		f.repo.taken[fmt.Sprintf("QT-%04d", i)] = true
	}

	_, err := f.svc.Create(context.Background(), sampleRequest())
	require.ErrorIs(t, err, shared.ErrConflict)
}

func TestAddItemRepricesDraft(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)

	vendor := int64(100)
	updated, err := f.svc.AddItem(ctx, q.ID, ItemRequest{ServiceID: 10, VendorID: &vendor, Quantity: 4, CostPrice: dec("12.50")})
	require.NoError(t, err)
	require.Len(t, updated.Items, 3)
	require.Equal(t, 3, updated.Items[2].LineOrder)
	assert.Equal(t, "15.63", updated.Items[2].SellPrice.StringFixed(2))
	assert.Equal(t, "350.00", updated.TotalCost.StringFixed(2))
	assert.Equal(t, "412.52", updated.TotalSell.StringFixed(2))
	assert.Equal(t, "62.52", updated.TotalProfit.StringFixed(2))
}

func TestItemsFrozenOutsideDraft(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, q.ID, StatusConfirmed)
	require.NoError(t, err)

	_, err = f.svc.AddItem(ctx, q.ID, ItemRequest{ServiceID: 10, Quantity: 1, CostPrice: dec("1")})
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.svc.Recompute(ctx, q.ID)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	require.ErrorIs(t, f.svc.Delete(ctx, q.ID), shared.ErrInvalidTransition)
}

func TestInvoicedQuotationIsImmutable(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)
	f.repo.invoiced[q.ID] = true

	_, err = f.svc.AddItem(ctx, q.ID, ItemRequest{ServiceID: 10, Quantity: 1, CostPrice: dec("1")})
	require.ErrorIs(t, err, shared.ErrImmutableRecord)
	require.ErrorIs(t, f.svc.Delete(ctx, q.ID), shared.ErrImmutableRecord)
}

func TestRecomputeIsIdempotent(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)

	first, err := f.svc.Recompute(ctx, q.ID)
	require.NoError(t, err)
	second, err := f.svc.Recompute(ctx, q.ID)
	require.NoError(t, err)

	require.Equal(t, q.TotalSell.String(), first.TotalSell.String())
	require.Equal(t, first.TotalSell.String(), second.TotalSell.String())
	require.Equal(t, first.TotalProfit.String(), second.TotalProfit.String())
}

func TestRecomputeMatchesCreateAfterStorage(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, CreateQuotationRequest{
		ClientID:         1,
		MarginPercentage: decPtr("12.34"),
		Items: []ItemRequest{
			{ServiceID: 10, Quantity: 3, CostPrice: dec("1000")},
			{ServiceID: 11, Quantity: 2, CostPrice: dec("10.01"), ManualMarginPercentage: decPtr("33.33")},
		},
	})
	require.NoError(t, err)
	require.Equal(t, "3370.20", q.Items[0].TotalSell.StringFixed(2))
	require.True(t, q.Items[1].TotalCost.Equal(q.Items[1].CostPrice.Mul(decimal.NewFromInt(2))))

	recomputed, err := f.svc.Recompute(ctx, q.ID)
	require.NoError(t, err)
	require.True(t, q.TotalCost.Equal(recomputed.TotalCost), "cost %s -> %s", q.TotalCost, recomputed.TotalCost)
	require.True(t, q.TotalSell.Equal(recomputed.TotalSell), "sell %s -> %s", q.TotalSell, recomputed.TotalSell)
	require.True(t, q.TotalProfit.Equal(recomputed.TotalProfit))
	for i := range q.Items {
		require.True(t, q.Items[i].SellPrice.Equal(recomputed.Items[i].SellPrice))
	}
}

func TestSetStatusFollowsLifecycle(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)

	_, err = f.svc.SetStatus(ctx, q.ID, StatusBooked)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	confirmed, err := f.svc.SetStatus(ctx, q.ID, StatusConfirmed)
	require.NoError(t, err)
	require.Equal(t, StatusConfirmed, confirmed.Status)
	require.True(t, confirmed.TotalSell.Equal(q.TotalSell))

	cancelled, err := f.svc.SetStatus(ctx, q.ID, StatusCancelled)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, cancelled.Status)

	_, err = f.svc.SetStatus(ctx, q.ID, StatusConfirmed)
	require.ErrorIs(t, err, shared.ErrInvalidTransition)

	_, err = f.svc.SetStatus(ctx, 404, StatusConfirmed)
	require.ErrorIs(t, err, shared.ErrNotFound)

	require.Contains(t, f.audit.actions(), "quotation.status_changed")
}

func TestDeleteDraft(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	q, err := f.svc.Create(ctx, sampleRequest())
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, q.ID))
	_, err = f.svc.Get(ctx, q.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestListFilters(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	for _, client := range []int64{1, 2, 1} {
		req := sampleRequest()
		req.ClientID = client
		_, err := f.svc.Create(ctx, req)
		require.NoError(t, err)
	}

	client := int64(1)
	list, total, err := f.svc.List(ctx, ListFilter{ClientID: &client, Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Len(t, list, 2)

	bad := Status("NOPE")
	_, _, err = f.svc.List(ctx, ListFilter{Status: &bad})
	require.ErrorIs(t, err, shared.ErrValidation)

	from := time.Now().Add(time.Hour)
	to := time.Now()
	_, _, err = f.svc.List(ctx, ListFilter{From: &from, To: &to})
	require.ErrorIs(t, err, shared.ErrValidation)
}
