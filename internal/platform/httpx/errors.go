// Package httpx provides HTTP response utilities.
package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/finance-engine/internal/shared"
)

// ErrValidation marks a request body that failed decoding or DTO validation.
var ErrValidation = errors.New("validation failed")

// StatusFor maps the shared error taxonomy onto an HTTP status and title.
func StatusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest, "Validation Failed"
	case errors.Is(err, shared.ErrInvalidVoucher):
		return http.StatusBadRequest, "Invalid Voucher"
	case errors.Is(err, shared.ErrInvalidAmount):
		return http.StatusBadRequest, "Invalid Amount"
	case errors.Is(err, shared.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, shared.ErrInvalidTransition):
		return http.StatusConflict, "Invalid Transition"
	case errors.Is(err, shared.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, shared.ErrUnauthenticated):
		return http.StatusUnauthorized, "Unauthorized"
	case errors.Is(err, shared.ErrForbidden):
		return http.StatusForbidden, "Forbidden"
	case errors.Is(err, shared.ErrConfiguration):
		return http.StatusPreconditionFailed, "Finance Configuration Incomplete"
	case errors.Is(err, shared.ErrTransientStore):
		return http.StatusServiceUnavailable, "Temporarily Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Error"
	}
}

// RespondError maps domain errors to HTTP responses using RFC7807. Client errors carry
// the error text; store and internal failures never leak detail.
func RespondError(w http.ResponseWriter, err error) {
	status, title := StatusFor(err)
	detail := ""
	if status < http.StatusInternalServerError && status != http.StatusPreconditionFailed {
		detail = err.Error()
	}
	Problem(w, status, title, detail)
}
