package middleware

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// hijackableRecorder mimics the server's writer surface (Flusher via the
// embedded recorder, plus Hijacker and ReaderFrom) so tests can verify the
// wrappers do not strip it.
type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (r *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	r.hijacked = true
	conn, _ := net.Pipe()
	return conn, bufio.NewReadWriter(bufio.NewReader(conn), bufio.NewWriter(conn)), nil
}

func (r *hijackableRecorder) ReadFrom(src io.Reader) (int64, error) {
	return io.Copy(r.ResponseRecorder, src)
}

func TestMetricsKeepsWriterHijackable(t *testing.T) {
	rec := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}

	var sawHijacker bool
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		sawHijacker = ok
		if !ok {
			return
		}
		conn, _, err := hj.Hijack()
		require.NoError(t, err)
		conn.Close()
	})

	// Same order as the router chain: Metrics outermost, Logger inside it.
	h := Metrics(Logger(zerolog.Nop())(inner))
	h.ServeHTTP(rec, httptest.NewRequest("GET", "/subscribe", nil))

	assert.True(t, sawHijacker, "websocket upgrades need a hijackable writer")
	assert.True(t, rec.hijacked, "hijack must reach the underlying connection")
}

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/conversations", "/conversations"},
		{"/conversations/abc", "/conversations/:id"},
		{"/conversations/abc/messages", "/conversations/:id/messages"},
		{"/conversations/abc/read", "/conversations/:id/read"},
		{"/conversations/abc/unread", "/conversations/:id/unread"},
		{"/messages/01ABC", "/messages/:id"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizePath(tt.path), tt.path)
	}
}
