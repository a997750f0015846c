// Package pricing computes cost, sell and profit figures for quotation items
// under the layered margin model: an item's manual margin wins over the
// quotation's global margin.
//
// All arithmetic is decimal. Unit sell prices are rounded half-up to two
// fraction digits before they are multiplied by quantity, so every total is
// an exact sum of two-digit amounts and re-pricing an unchanged item set
// always yields identical figures.
package pricing

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/shared"
)

// MoneyScale is the number of fraction digits kept for monetary values.
const MoneyScale = 2

var hundred = decimal.NewFromInt(100)

// ItemInput carries the pricing inputs of a single quotation item.
type ItemInput struct {
	CostPrice    decimal.Decimal
	Quantity     int
	ManualMargin *decimal.Decimal
}

// ItemPrice is the priced form of an ItemInput.
type ItemPrice struct {
	Margin    decimal.Decimal `json:"margin_percentage"`
	SellPrice decimal.Decimal `json:"sell_price"`
	TotalCost decimal.Decimal `json:"total_cost"`
	TotalSell decimal.Decimal `json:"total_sell"`
	Profit    decimal.Decimal `json:"profit"`
}

// Quote aggregates priced items.
type Quote struct {
	Items       []ItemPrice     `json:"items"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	TotalSell   decimal.Decimal `json:"total_sell"`
	TotalProfit decimal.Decimal `json:"total_profit"`
}

// EffectiveMargin returns manual when present, otherwise global.
func EffectiveMargin(manual *decimal.Decimal, global decimal.Decimal) decimal.Decimal {
	if manual != nil {
		return *manual
	}
	return global
}

// SellPrice applies margin (a percentage) to cost.
func SellPrice(cost, margin decimal.Decimal) decimal.Decimal {
	return cost.Add(cost.Mul(margin).Div(hundred)).Round(MoneyScale)
}

// PriceItem prices one item. field prefixes validation error paths, e.g.
// "items[2]".
func PriceItem(field string, in ItemInput, globalMargin decimal.Decimal) (ItemPrice, error) {
	if in.Quantity <= 0 {
		return ItemPrice{}, shared.Invalid(join(field, "quantity"), "must be greater than zero")
	}
	if in.CostPrice.IsNegative() {
		return ItemPrice{}, shared.Invalid(join(field, "cost_price"), "must not be negative")
	}
	if !fitsScale(in.CostPrice) {
		return ItemPrice{}, shared.Invalid(join(field, "cost_price"), "must have at most two decimal places")
	}
	if in.ManualMargin != nil {
		if in.ManualMargin.IsNegative() {
			return ItemPrice{}, shared.Invalid(join(field, "manual_margin_percentage"), "must not be negative")
		}
		if !fitsScale(*in.ManualMargin) {
			return ItemPrice{}, shared.Invalid(join(field, "manual_margin_percentage"), "must have at most two decimal places")
		}
	}

	cost := in.CostPrice
	margin := EffectiveMargin(in.ManualMargin, globalMargin)
	sell := SellPrice(cost, margin)
	qty := decimal.NewFromInt(int64(in.Quantity))

	totalCost := cost.Mul(qty)
	totalSell := sell.Mul(qty)
	return ItemPrice{
		Margin:    margin,
		SellPrice: sell,
		TotalCost: totalCost,
		TotalSell: totalSell,
		Profit:    totalSell.Sub(totalCost),
	}, nil
}

// PriceQuotation prices every item and sums the results. An empty item list
// yields zero totals.
func PriceQuotation(globalMargin decimal.Decimal, items []ItemInput) (Quote, error) {
	if globalMargin.IsNegative() {
		return Quote{}, shared.Invalid("margin_percentage", "must not be negative")
	}
	if !fitsScale(globalMargin) {
		return Quote{}, shared.Invalid("margin_percentage", "must have at most two decimal places")
	}
	quote := Quote{
		Items:       make([]ItemPrice, 0, len(items)),
		TotalCost:   decimal.Zero,
		TotalSell:   decimal.Zero,
		TotalProfit: decimal.Zero,
	}
	for i, item := range items {
		price, err := PriceItem(fmt.Sprintf("items[%d]", i), item, globalMargin)
		if err != nil {
			return Quote{}, err
		}
		quote.Items = append(quote.Items, price)
		quote.TotalCost = quote.TotalCost.Add(price.TotalCost)
		quote.TotalSell = quote.TotalSell.Add(price.TotalSell)
	}
	quote.TotalProfit = quote.TotalSell.Sub(quote.TotalCost)
	return quote, nil
}

// QuantityFromDates derives a quantity from a service date span: the number
// of whole days between start and end, never less than one. A missing end
// date counts as a single day.
func QuantityFromDates(start time.Time, end *time.Time) (int, error) {
	if end == nil {
		return 1, nil
	}
	s := truncateDay(start)
	e := truncateDay(*end)
	if e.Before(s) {
		return 0, shared.Invalid("end_date", "must not be before start_date")
	}
	days := int(e.Sub(s).Hours() / 24)
	if days < 1 {
		days = 1
	}
	return days, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// fitsScale reports whether v is stored without loss in a two-digit column.
func fitsScale(v decimal.Decimal) bool {
	return v.Equal(v.Round(MoneyScale))
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}
