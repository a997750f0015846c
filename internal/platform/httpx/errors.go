// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/voyageos/voyageos/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
// Unclassified errors are logged and returned without detail.
func RespondError(w http.ResponseWriter, logger *slog.Logger, err error) {
	var verr *shared.ValidationError
	switch {
	case errors.As(err, &verr):
		writeProblem(w, ProblemDetail{
			Title:  "Validation Failed",
			Status: http.StatusUnprocessableEntity,
			Detail: err.Error(),
			Errors: map[string]string{verr.Field: verr.Reason},
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusUnprocessableEntity, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid Transition", err.Error())
	case errors.Is(err, shared.ErrImmutableRecord):
		Problem(w, http.StatusConflict, "Immutable Record", err.Error())
	case errors.Is(err, shared.ErrIdempotencyConflict):
		Problem(w, http.StatusConflict, "Duplicate Request", err.Error())
	case errors.Is(err, shared.ErrConflict):
		w.Header().Set("Retry-After", "1")
		Problem(w, http.StatusServiceUnavailable, "Conflict", "document numbering contention, retry the request")
	default:
		if logger == nil {
			logger = slog.Default()
		}
		logger.Error("unhandled request error", slog.Any("error", err))
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// RespondValidation renders validator failures keyed by JSON field path.
func RespondValidation(w http.ResponseWriter, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		Problem(w, http.StatusBadRequest, "Bad Request", err.Error())
		return
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fieldPath(fe)] = fe.Tag()
	}
	writeProblem(w, ProblemDetail{
		Title:  "Validation Failed",
		Status: http.StatusUnprocessableEntity,
		Errors: fields,
	})
}

func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[i+1:]
		}
	}
	return ns
}
