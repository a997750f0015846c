package quotations

import (
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/voyageos/voyageos/internal/platform/httpx"
	"github.com/voyageos/voyageos/internal/shared"
)

// Handler exposes quotation endpoints as JSON.
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

// MountRoutes registers quotation routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/quotations", h.list)
	r.Post("/quotations", h.create)
	r.Get("/quotations/{id}", h.show)
	r.Delete("/quotations/{id}", h.delete)
	r.Post("/quotations/{id}/items", h.addItem)
	r.Post("/quotations/{id}/recompute", h.recompute)
	r.Put("/quotations/{id}/status", h.setStatus)
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req CreateQuotationRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	q, err := h.service.Create(r.Context(), req)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, q)
}

func (h *Handler) show(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	q, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	filter, err := filterFromQuery(query)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
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

func (h *Handler) addItem(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	var req ItemRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	q, err := h.service.AddItem(r.Context(), id, req)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) recompute(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	q, err := h.service.Recompute(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) setStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	var req SetStatusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.RespondValidation(w, err)
		return
	}
	q, err := h.service.SetStatus(r.Context(), id, req.Status)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, q)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := httpx.IDParam(r, "id")
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Bad Request", "invalid quotation id")
		return
	}
	if err := h.service.Delete(r.Context(), id); err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func filterFromQuery(q url.Values) (ListFilter, error) {
	var filter ListFilter
	if v := q.Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			return filter, shared.Invalid("client_id", "must be a positive integer")
		}
		filter.ClientID = &id
	}
	if v := q.Get("status"); v != "" {
		status := Status(v)
		filter.Status = &status
	}
	if v := q.Get("from"); v != "" {
		from, _, err := parseDay(v)
		if err != nil {
			return filter, shared.Invalid("from", "must be YYYY-MM-DD or RFC3339")
		}
		filter.From = &from
	}
	if v := q.Get("to"); v != "" {
		to, dateOnly, err := parseDay(v)
		if err != nil {
			return filter, shared.Invalid("to", "must be YYYY-MM-DD or RFC3339")
		}
		// A bare date includes the whole day.
		if dateOnly {
			to = to.AddDate(0, 0, 1)
		}
		filter.To = &to
	}
	return filter, nil
}

func parseDay(v string) (time.Time, bool, error) {
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, true, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	return t, false, err
}
