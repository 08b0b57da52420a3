package pricewatch

import (
	"errors"

	"github.com/overtonx/pricewatch/internal/validation"
)

var (
	// ErrMalformedPayload is returned for message bodies that are not JSON.
	ErrMalformedPayload = validation.ErrMalformedPayload

	// ErrAlertAlreadyFired is returned when the conditional active to fired
	// update matched no row.
	ErrAlertAlreadyFired = errors.New("alert already fired")
)

// ValidationError describes a JSON body that breaks the price event schema.
type ValidationError = validation.Error

// rejectReason classifies a decode error for logs and metrics.
func rejectReason(err error) string {
	var verr *ValidationError
	switch {
	case errors.Is(err, ErrMalformedPayload):
		return "malformed"
	case errors.As(err, &verr):
		return "invalid"
	default:
		return "unknown"
	}
}
