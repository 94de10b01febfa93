package resilience

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
)

// TransientError marks a provider error as safe to retry. StatusCode is the
// HTTP status when the error came from a response.
type TransientError struct {
	Err        error
	StatusCode int
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps err as transient.
func NewTransientError(err error, statusCode int) *TransientError {
	return &TransientError{Err: err, StatusCode: statusCode}
}

// retryableSQLStates lists SQLSTATEs outside class 08 that a retry can clear:
// serialization failure, deadlock, shutdowns, cannot connect now, too many
// connections.
var retryableSQLStates = map[string]bool{
	"40001": true,
	"40P01": true,
	"57P01": true,
	"57P02": true,
	"57P03": true,
	"53300": true,
}

// brokenConnStates are SQLSTATEs after which the session is gone.
var brokenConnStates = map[string]bool{
	"57P01": true,
	"57P02": true,
	"57P03": true,
}

// transientMessages catch wrapped client errors that lost their type.
var transientMessages = []string{
	"connection reset by peer",
	"broken pipe",
	"temporary failure in name resolution",
	"no such host",
	"tls handshake timeout",
	"i/o timeout",
	"server closed idle connection",
	"conn closed",
	"unexpected eof",
}

// IsTransient reports whether a retry of the failed operation can succeed:
// TransientError anywhere in the chain, retryable Postgres errors, statements
// that never reached the server, network timeouts and resets.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var te *TransientError
	if errors.As(err, &te) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isConnClass(pgErr.Code) || retryableSQLStates[pgErr.Code]
	}
	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if isReset(err) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	return messageMatches(err, transientMessages)
}

// IsConnectionError reports whether err means the database connection is
// no longer usable. Statement errors such as constraint violations return
// false.
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isConnClass(pgErr.Code) || brokenConnStates[pgErr.Code]
	}

	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.EPIPE) ||
		isReset(err) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return messageMatches(err, []string{"conn closed", "conn busy"})
}

// IsTransientHTTPStatus reports whether a provider response status is worth
// retrying.
func IsTransientHTTPStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnClass(sqlState string) bool {
	return strings.HasPrefix(sqlState, "08")
}

func isReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED)
}

func messageMatches(err error, patterns []string) bool {
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}
