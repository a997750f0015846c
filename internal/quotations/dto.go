package quotations

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/voyageos/voyageos/internal/shared"
)

// CreateQuotationRequest is the createQuotation payload.
type CreateQuotationRequest struct {
	ClientID         int64            `json:"client_id" validate:"required,gt=0"`
	MarginPercentage *decimal.Decimal `json:"margin_percentage,omitempty"`
	Items            []ItemRequest    `json:"items" validate:"dive"`
}

// ItemRequest describes one quotation line. Quantity may be omitted when a
// start date is given; it is then derived from the date span, and a missing
// end date counts as one day.
type ItemRequest struct {
	ServiceID              int64            `json:"service_id" validate:"required,gt=0"`
	VendorID               *int64           `json:"vendor_id,omitempty" validate:"omitempty,gt=0"`
	Quantity               int              `json:"quantity" validate:"gte=0"`
	StartDate              *time.Time       `json:"start_date,omitempty"`
	EndDate                *time.Time       `json:"end_date,omitempty"`
	CostPrice              decimal.Decimal  `json:"cost_price"`
	ManualMarginPercentage *decimal.Decimal `json:"manual_margin_percentage,omitempty"`
}

// SetStatusRequest is the setQuotationStatus payload.
type SetStatusRequest struct {
	Status Status `json:"status" validate:"required"`
}

// ListResponse wraps a page of quotations.
type ListResponse struct {
	Data       []Quotation       `json:"data"`
	Pagination shared.Pagination `json:"pagination"`
}
