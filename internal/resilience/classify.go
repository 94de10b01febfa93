package resilience

import (
	"context"
	"errors"
)

// Error codes recorded on strategy rows.
const (
	CodeTimeout     = "timeout"
	CodeCanceled    = "canceled"
	CodeCircuitOpen = "circuit_open"
	CodeRateLimited = "rate_limited"
	CodeConnection  = "connection"
	CodeTransient   = "transient"
	CodePermanent   = "permanent"
)

// ClassifyError maps err to one of the Code constants. A nil error maps to "".
func ClassifyError(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.Is(err, context.Canceled):
		return CodeCanceled
	case errors.Is(err, ErrCircuitOpen):
		return CodeCircuitOpen
	}

	var te *TransientError
	if errors.As(err, &te) && te.StatusCode == 429 {
		return CodeRateLimited
	}
	if IsConnectionError(err) {
		return CodeConnection
	}
	if IsTransient(err) {
		return CodeTransient
	}
	return CodePermanent
}
