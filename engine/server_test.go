package engine

import (
	"context"
	"net"
	"testing"
	"time"
)

func newTestServer(t *testing.T) (*Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	opts := DefaultOptions()
	opts.AllowedMethods = []string{"GET"}
	opts.IdleTimeout = time.Hour

	handler := RequestHandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return &fakeResponse{status: 200, body: []byte("OK\n")}, nil
	})

	srv := NewServer(opts, fakeDriverFactory, handler, nil, nil, nil)
	if err := srv.AddListener(ln, nil); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	return srv, ln
}

func stopServer(t *testing.T, srv *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestServerRoundTrip(t *testing.T) {
	srv, ln := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopServer(t, srv)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 64)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "OK\n" {
		t.Fatalf("got %q, want %q", got, "OK\n")
	}
}

func TestServerStartTwiceFails(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopServer(t, srv)

	if err := srv.Start(); err == nil {
		t.Fatal("expected second Start to fail")
	}
}

func TestServerConfiguratorGuardsWhileStarted(t *testing.T) {
	srv, _ := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopServer(t, srv)

	if err := srv.SetRequestHandler(nil); err == nil {
		t.Fatal("expected SetRequestHandler to fail while Started")
	}
	if err := srv.SetDriverFactory(nil); err == nil {
		t.Fatal("expected SetDriverFactory to fail while Started")
	}
	if err := srv.SetErrorHandler(nil); err == nil {
		t.Fatal("expected SetErrorHandler to fail while Started")
	}
	if err := srv.AddListener(nil, nil); err == nil {
		t.Fatal("expected AddListener to fail while Started")
	}
}

func TestServerStopWhileStoppedIsNoop(t *testing.T) {
	srv, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("expected Stop on a never-started Server to be a no-op, got %v", err)
	}
}

func TestServerRejectsBeyondConnectionLimit(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	opts := DefaultOptions()
	opts.ConnectionLimit = 1
	opts.IdleTimeout = time.Hour

	handler := RequestHandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		return &fakeResponse{status: 200, body: []byte("OK\n")}, nil
	})
	srv := NewServer(opts, fakeDriverFactory, handler, nil, nil, nil)
	if err := srv.AddListener(ln, nil); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stopServer(t, srv)

	first, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	defer first.Close()

	deadline := time.Now().Add(time.Second)
	for srv.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("expected first connection admitted, got ClientCount=%d", srv.ClientCount())
	}

	second, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	defer second.Close()

	// The second connection is accepted at the TCP level but immediately
	// closed by the server once it is over the admission cap.
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 8)
	_, err = second.Read(buf)
	if err == nil {
		t.Fatal("expected the rejected connection to be closed by the server")
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("expected ClientCount to remain 1 after the rejection, got %d", srv.ClientCount())
	}
}

func TestServerSweepDefersActivelyRespondingConnectionThenReaps(t *testing.T) {
	srv, _ := newTestServer(t)

	client, serverConn := pipePair(t)
	defer client.Close()

	c := NewConnection(99, serverConn, srv.handler, nil, NopLogger(), NopMetrics(), srv.opts, srv.timeouts)
	srv.registerConnection(c)
	if err := c.Start(fakeDriverFactory); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Close()

	// Simulate "actively writing a response": one response outstanding,
	// nothing reported back by the parser yet.
	c.pendingResponses.Store(1)
	srv.timeouts.Update(c.ID(), time.Now().Add(-time.Second))

	srv.sweepTimeouts(time.Now())
	if c.IsFullyClosed() {
		t.Fatal("expected an actively-responding connection to be deferred, not reaped")
	}

	// Once the response is no longer outstanding, the next sweep past the
	// (deferred) expiry reaps it.
	c.pendingResponses.Store(0)
	srv.timeouts.Update(c.ID(), time.Now().Add(-time.Second))
	srv.sweepTimeouts(time.Now())
	if !c.IsFullyClosed() {
		t.Fatal("expected the connection to be reaped once no longer actively responding")
	}
}

func TestServerStopDrainsActiveConnections(t *testing.T) {
	srv, ln := newTestServer(t)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Give the acceptor a moment to register the connection.
	deadline := time.Now().Add(time.Second)
	for srv.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if srv.ClientCount() != 1 {
		t.Fatalf("expected 1 registered client, got %d", srv.ClientCount())
	}

	conn.Close() // client goes away; read loop observes EOF and closes

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if srv.ClientCount() != 0 {
		t.Fatalf("expected 0 clients after Stop drains, got %d", srv.ClientCount())
	}
	if got := srv.State(); got != "Stopped" {
		t.Fatalf("expected state Stopped, got %s", got)
	}
}
