package http

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/rental-reservations/internal/domain"
	"github.com/robertarktes/rental-reservations/internal/observability"
)

type errorBody struct {
	Code    domain.Kind    `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidWindow, domain.KindInvalidBody:
		return http.StatusBadRequest
	case domain.KindInvalidPayment, domain.KindNoPricing:
		return http.StatusUnprocessableEntity
	case domain.KindUnavailable, domain.KindInvalidState, domain.KindAmountMismatch:
		return http.StatusConflict
	case domain.KindForbidden:
		return http.StatusForbidden
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// writeError renders an expected failure by kind. Anything else is logged and
// reported as INTERNAL without its message.
func writeError(w http.ResponseWriter, r *http.Request, logger observability.Logger, err error) {
	var de *domain.Error
	if errors.As(err, &de) {
		writeJSON(w, statusFor(de.Kind), errorBody{Code: de.Kind, Message: de.Message, Details: de.Details})
		return
	}
	if errors.Is(err, domain.ErrSerializationFailure) || errors.Is(err, domain.ErrConflict) {
		writeJSON(w, http.StatusConflict, errorBody{Code: domain.KindUnavailable, Message: "concurrent update, try again"})
		return
	}
	observability.LoggerFrom(r.Context(), logger).WithError(err).
		WithField("path", r.URL.Path).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: domain.KindInternal, Message: "internal error"})
}
