package http1driver

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/hexinfra/connline/engine"
)

func TestEngineServesHTTP11OverRealSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	opts := engine.DefaultOptions()
	opts.IdleTimeout = time.Hour

	handler := engine.RequestHandlerFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		r := req.(*Request)
		return NewResponse(200, "OK").
			SetHeader("Content-Type", "text/plain").
			SetBody([]byte("hello " + r.Target())), nil
	})

	srv := engine.NewServer(opts, NewFactory(), handler, nil, nil, nil)
	if err := srv.AddListener(ln, nil); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("GET /world HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	if got := string(buf[:n]); got != "hello /world" {
		t.Fatalf("body = %q, want %q", got, "hello /world")
	}
}

// TestEngineDetachedResponseTakesOverSocket exercises an upgrade-style
// handler: it returns a detached Response carrying OnTakeOver, and
// asserts bytes written by the detached owner after export still reach
// the client over the same TCP socket.
func TestEngineDetachedResponseTakesOverSocket(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	opts := engine.DefaultOptions()
	opts.IdleTimeout = time.Hour

	handler := engine.RequestHandlerFunc(func(ctx context.Context, req engine.Request) (engine.Response, error) {
		return NewResponse(101, "Switching Protocols").
			Detach().
			OnTakeOver(func(conn net.Conn) {
				go conn.Write([]byte("upgraded\n"))
			}), nil
	})

	srv := engine.NewServer(opts, NewFactory(), handler, nil, nil, nil)
	if err := srv.AddListener(ln, nil); err != nil {
		t.Fatalf("AddListener: %v", err)
	}
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Stop(ctx)
	}()

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Write([]byte("GET /ws HTTP/1.1\r\nHost: test\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	reader := bufio.NewReader(conn)
	resp, err := http.ReadResponse(reader, nil)
	if err != nil {
		t.Fatalf("ReadResponse: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != 101 {
		t.Fatalf("status = %d, want 101", resp.StatusCode)
	}

	// Once the upgrade response headers are read, the detached owner's
	// own write (made via the TakeOver conn, not the driver) follows on
	// the same socket.
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line != "upgraded\n" {
		t.Fatalf("got %q, want %q", line, "upgraded\n")
	}
}
