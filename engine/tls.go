package engine

import (
	"context"
	"crypto/tls"
	"time"
)

// tlsHandshakeTimeout bounds how long a TLS handshake may take before the
// connection is closed.
const tlsHandshakeTimeout = 10 * time.Second

// negotiateTLS drives conn's handshake to completion or failure.
//
// Go's crypto/tls exposes no non-blocking handshake primitive —
// HandshakeContext blocks until done, cancelled, or the deadline trips —
// so the bounded context stands in for a WANT_READ/WANT_WRITE style loop:
// the calling goroutine blocks here for at most tlsHandshakeTimeout.
func negotiateTLS(ctx context.Context, conn *tls.Conn, timeout time.Duration) (*tls.ConnectionState, error) {
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		return nil, err
	}
	state := conn.ConnectionState()
	return &state, nil
}
