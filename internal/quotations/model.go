package quotations

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/pricing"
)

type Status string

const (
	StatusDraft     Status = "DRAFT"
	StatusConfirmed Status = "CONFIRMED"
	StatusBooked    Status = "BOOKED"
	StatusCancelled Status = "CANCELLED"
)

// Statuses lists every quotation status.
var Statuses = []Status{StatusDraft, StatusConfirmed, StatusBooked, StatusCancelled}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusConfirmed, StatusBooked, StatusCancelled:
		return true
	}
	return false
}

// Quotation is a priced proposal for a client. Totals are derived from Items
// and are only ever written by the pricing engine.
type Quotation struct {
	ID               int64           `json:"id"`
	Number           string          `json:"quotation_number"`
	ClientID         int64           `json:"client_id"`
	MarginPercentage decimal.Decimal `json:"margin_percentage"`
	Status           Status          `json:"status"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	TotalSell        decimal.Decimal `json:"total_sell"`
	TotalProfit      decimal.Decimal `json:"total_profit"`
	Invoiced         bool            `json:"invoiced"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Items            []Item          `json:"items"`
}

// Item is one priced service line of a quotation.
type Item struct {
	ID                     int64            `json:"id"`
	QuotationID            int64            `json:"quotation_id"`
	ServiceID              int64            `json:"service_id"`
	VendorID               *int64           `json:"vendor_id,omitempty"`
	Quantity               int              `json:"quantity"`
	StartDate              *time.Time       `json:"start_date,omitempty"`
	EndDate                *time.Time       `json:"end_date,omitempty"`
	CostPrice              decimal.Decimal  `json:"cost_price"`
	ManualMarginPercentage *decimal.Decimal `json:"manual_margin_percentage,omitempty"`
	SellPrice              decimal.Decimal  `json:"sell_price"`
	TotalCost              decimal.Decimal  `json:"total_cost"`
	TotalSell              decimal.Decimal  `json:"total_sell"`
	LineOrder              int              `json:"line_order"`
}

// Profit returns the item's total sell minus total cost.
func (i Item) Profit() decimal.Decimal {
	return i.TotalSell.Sub(i.TotalCost)
}

func (i Item) pricingInput() pricing.ItemInput {
	return pricing.ItemInput{
		CostPrice:    i.CostPrice,
		Quantity:     i.Quantity,
		ManualMargin: i.ManualMarginPercentage,
	}
}

func (i *Item) applyPrice(p pricing.ItemPrice) {
	i.SellPrice = p.SellPrice
	i.TotalCost = p.TotalCost
	i.TotalSell = p.TotalSell
}

// reprice runs the pricing engine over every item and replaces the derived
// figures of q in place.
func (q *Quotation) reprice() error {
	inputs := make([]pricing.ItemInput, len(q.Items))
	for i, item := range q.Items {
		inputs[i] = item.pricingInput()
	}
	quote, err := pricing.PriceQuotation(q.MarginPercentage, inputs)
	if err != nil {
		return err
	}
	for i := range q.Items {
		q.Items[i].applyPrice(quote.Items[i])
	}
	q.TotalCost = quote.TotalCost
	q.TotalSell = quote.TotalSell
	q.TotalProfit = quote.TotalProfit
	return nil
}

// ListFilter narrows quotation listings.
type ListFilter struct {
	ClientID *int64
	Status   *Status
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}
