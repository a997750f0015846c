package invoices

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/voyageos/voyageos/internal/platform/httpx"
	"github.com/voyageos/voyageos/internal/shared"
)

// IdempotencyHeader carries the client supplied key for payment requests.
const IdempotencyHeader = "Idempotency-Key"

// Handler exposes invoice and payment endpoints as JSON.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: httpx.NewValidator()}
}

// MountRoutes registers invoice routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/quotations/{id}/invoice", h.createFromQuotation)
	r.Get("/invoices", h.list)
	r.Get("/invoices/{id}", h.show)
	r.Put("/invoices/{id}/cancel", h.cancel)
	r.Get("/invoices/{id}/payments", h.listPayments)
	r.Post("/invoices/{id}/payments", h.recordPayment)
	r.Get("/receipts/{number}", h.showReceipt)
}

func (h *Handler) createFromQuotation(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	inv, err := h.service.CreateFromQuotation(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, inv)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return
	}
	inv, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	var filter ListFilter
	if v := query.Get("client_id"); v != "" {
		clientID, err := strconv.ParseInt(v, 10, 64)
		if err != nil || clientID <= 0 {
			httpx.RespondError(w, h.logger, shared.Invalid("client_id", "must be a positive integer"))
			return
		}
		filter.ClientID = &clientID
	}
	if v := query.Get("status"); v != "" {
		status := PaymentStatus(v)
		filter.Status = &status
	}
	page := shared.PageFromQuery(query)
	filter.Limit, filter.Offset = page.Limit(), page.Offset()

	list, total, err := h.service.List(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, ListResponse{
		Data:       list,
		Pagination: shared.NewPagination(page.Page, page.PerPage, total),
	})
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return
	}
	inv, err := h.service.Cancel(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, inv)
}

func (h *Handler) listPayments(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return
	}
	payments, err := h.service.ListPayments(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payments)
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid invoice id")
		return
	}
	var req RecordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	result, err := h.service.RecordPayment(r.Context(), id, req, r.Header.Get(IdempotencyHeader))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, result)
}

func (h *Handler) showReceipt(w http.ResponseWriter, r *http.Request) {
	receipt, err := h.service.GetReceipt(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, receipt)
}
