package finance

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/voyageos/voyageos/internal/platform/httpx"
	"github.com/voyageos/voyageos/internal/shared"
)

// Handler serves the finance summary.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers finance routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/finance/summary", h.summary)
}

func (h *Handler) summary(w http.ResponseWriter, r *http.Request) {
	var filter Filter
	if v := r.URL.Query().Get("client_id"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			httpx.RespondError(w, h.logger, shared.Invalid("client_id", "must be a positive integer"))
			return
		}
		filter.ClientID = &id
	}
	out, err := h.service.Summary(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, h.logger, err)
		return
	}
	httpx.JSON(w, http.StatusOK, out)
}
