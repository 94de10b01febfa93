package resilience

import (
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"marked", NewTransientError(errors.New("overloaded"), 529), true},
		{"marked and wrapped", eris.Wrap(NewTransientError(errors.New("slow down"), 429), "briefer: call"), true},
		{"plain", errors.New("invalid json"), false},
		{"reset", fmt.Errorf("write tcp: %w", syscall.ECONNRESET), true},
		{"refused", fmt.Errorf("dial tcp: %w", syscall.ECONNREFUSED), true},
		{"dns timeout", &net.DNSError{IsTimeout: true, Err: "timeout"}, true},
		{"message only", errors.New("read: Connection reset by peer"), true},
		{"tls timeout", errors.New("net/http: TLS handshake timeout"), true},
		{"pg connection class", &pgconn.PgError{Code: "08006"}, true},
		{"pg serialization", eris.Wrap(&pgconn.PgError{Code: "40001"}, "postgres: update"), true},
		{"pg too many connections", &pgconn.PgError{Code: "53300"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"pg syntax", &pgconn.PgError{Code: "42601"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestIsConnectionError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"eof", eris.Wrap(io.EOF, "postgres: scan"), true},
		{"closed", net.ErrClosed, true},
		{"pipe", fmt.Errorf("write: %w", syscall.EPIPE), true},
		{"op error", &net.OpError{Op: "read", Err: errors.New("boom")}, true},
		{"admin shutdown", &pgconn.PgError{Code: "57P01"}, true},
		{"connection failure", &pgconn.PgError{Code: "08006"}, true},
		{"deadlock", &pgconn.PgError{Code: "40P01"}, false},
		{"conn busy", errors.New("conn busy"), true},
		{"check violation", &pgconn.PgError{Code: "23514"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsConnectionError(tt.err))
		})
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		assert.True(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
	for _, code := range []int{200, 400, 401, 403, 404, 409, 422} {
		assert.False(t, IsTransientHTTPStatus(code), "HTTP %d", code)
	}
}

func TestTransientError(t *testing.T) {
	inner := errors.New("upstream 503")
	te := NewTransientError(inner, 503)
	assert.ErrorIs(t, te, inner)
	assert.Equal(t, "upstream 503", te.Error())
	assert.Equal(t, 503, te.StatusCode)
}
