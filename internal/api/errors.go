package api

import (
	"errors"
	"net/http"

	"github.com/signalsfoundry/qkd-kms/core"
	"github.com/signalsfoundry/qkd-kms/internal/kms"
)

// httpStatusFor maps manager and simulator errors onto HTTP status codes.
// Security rejections never reach this mapping; they are result values, not
// errors.
func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, kms.ErrEmptyDeviceID),
		errors.Is(err, core.ErrInvalidParams):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrInsufficientKeyMaterial),
		errors.Is(err, core.ErrEmptySample):
		// Sizing failures are retryable; the caller may simply try again.
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrNoRandomSource):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
