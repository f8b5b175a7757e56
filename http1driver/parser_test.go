package http1driver

import (
	"testing"

	"github.com/hexinfra/connline/engine"
)

func TestParserParsesSimpleGET(t *testing.T) {
	var got *Request
	onMessage := func(req engine.Request) { got = req.(*Request) }
	write := func(b []byte, closeAfter bool) <-chan error {
		ch := make(chan error, 1)
		ch <- nil
		close(ch)
		return ch
	}

	p := newParser(onMessage, write)
	p.Feed([]byte("GET /foo HTTP/1.1\r\nHost: example.com\r\n\r\n"))

	if got == nil {
		t.Fatal("expected a request to be dispatched")
	}
	if got.Method() != "GET" || got.Target() != "/foo" {
		t.Fatalf("got method=%q target=%q", got.Method(), got.Target())
	}
	if got.Header("Host") != "example.com" {
		t.Fatalf("got Host=%q", got.Header("Host"))
	}
}

func TestParserWaitsForFullBody(t *testing.T) {
	var count int
	onMessage := func(req engine.Request) { count++ }
	write := func(b []byte, closeAfter bool) <-chan error { return nil }

	p := newParser(onMessage, write)
	p.Feed([]byte("POST /x HTTP/1.1\r\nContent-Length: 5\r\n\r\nhel"))
	if count != 0 {
		t.Fatalf("expected no dispatch before the body arrives, got %d", count)
	}
	p.Feed([]byte("lo"))
	if count != 1 {
		t.Fatalf("expected exactly one dispatch once the body completes, got %d", count)
	}
}

func TestParserPipelinesTwoRequests(t *testing.T) {
	var methods []string
	onMessage := func(req engine.Request) { methods = append(methods, req.Method()) }
	write := func(b []byte, closeAfter bool) <-chan error { return nil }

	p := newParser(onMessage, write)
	p.Feed([]byte("GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n"))

	if len(methods) != 2 {
		t.Fatalf("expected 2 dispatched requests, got %d", len(methods))
	}
	if p.PendingRequestCount() != 2 {
		t.Fatalf("expected PendingRequestCount=2 before either is responded to, got %d", p.PendingRequestCount())
	}
}

func TestParserRejectsMalformedRequestLine(t *testing.T) {
	var wrote []byte
	onMessage := func(req engine.Request) { t.Fatal("expected no dispatch for a malformed request") }
	write := func(b []byte, closeAfter bool) <-chan error {
		wrote = b
		if !closeAfter {
			t.Fatal("expected the bad-request response to close the connection")
		}
		ch := make(chan error, 1)
		ch <- nil
		close(ch)
		return ch
	}

	p := newParser(onMessage, write)
	p.Feed([]byte("NOT A REQUEST LINE\r\n\r\n"))

	if len(wrote) == 0 {
		t.Fatal("expected a 400 response to be written")
	}
}
