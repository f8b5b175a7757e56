package http1driver

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/hexinfra/connline/engine"
)

// Driver is a reference engine.HttpDriver: one built per connection,
// holding nothing but the negotiated protocol metadata (unused for
// plain HTTP/1.x; ALPN only matters once an h2 driver exists alongside
// this one).
type Driver struct {
	tlsNegotiated bool
	alpnProtocol  string
}

var _ engine.HttpDriver = (*Driver)(nil)

// NewFactory returns the engine.HttpDriverFactory wiring this package in.
func NewFactory() engine.HttpDriverFactory {
	return func(tlsNegotiated bool, alpnProtocol string) engine.HttpDriver {
		return &Driver{tlsNegotiated: tlsNegotiated, alpnProtocol: alpnProtocol}
	}
}

func (d *Driver) NewParser(onMessage engine.OnMessageFunc, write engine.WriteFunc) engine.Parser {
	return newParser(onMessage, write)
}

// WriteResponse serializes resp as an HTTP/1.x status line, headers, and
// body, ensuring Content-Length is present, and decides whether to close
// the connection per req's keep-alive preference.
func (d *Driver) WriteResponse(ctx context.Context, resp engine.Response, req engine.Request, write engine.WriteFunc) (<-chan error, error) {
	version := "HTTP/1.1"
	keepAlive := true
	if r, ok := req.(*Request); ok {
		version = r.version
		keepAlive = r.KeepAlive()
	}

	r, ok := resp.(*Response)
	if !ok {
		r = NewResponse(resp.StatusCode(), resp.Reason())
		r.headers = resp.HeaderFields()
		r.body = resp.Body()
		r.detached = resp.IsDetached()
	}

	closeAfter := !keepAlive && !r.detached

	if p, ok := req.(*Request); ok && p.parser != nil {
		p.parser.decrementPending()
	}

	drain := write(serializeResponse(r, version, closeAfter), closeAfter)
	return drain, nil
}

func serializeResponse(r *Response, version string, closeAfter bool) []byte {
	headers := r.headers
	hasContentLength := false
	hasConnection := false
	for _, h := range headers {
		if strings.EqualFold(h.Name, "Content-Length") {
			hasContentLength = true
		}
		if strings.EqualFold(h.Name, "Connection") {
			hasConnection = true
		}
	}
	if !hasContentLength {
		headers = append(headers, engine.HeaderField{Name: "Content-Length", Value: strconv.Itoa(len(r.body))})
	}
	if !hasConnection && closeAfter {
		headers = append(headers, engine.HeaderField{Name: "Connection", Value: "close"})
	}

	out := fmt.Sprintf("%s %d %s\r\n", version, r.status, r.reason)
	for _, h := range headers {
		out += fmt.Sprintf("%s: %s\r\n", h.Name, h.Value)
	}
	out += "\r\n"
	return append([]byte(out), r.body...)
}
