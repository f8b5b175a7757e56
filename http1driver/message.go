// Package http1driver is a reference engine.HttpDriver for HTTP/1.x: a
// single incremental byte-buffer parser implementing RFC 9112's
// request-line and header handling. The wire protocol is an external
// collaborator of the core, not something the core package implements
// itself, so it lives in its own package exercised by engine.Connection
// through the engine.HttpDriver interface.
//
// Scope: request-line + headers + an optional Content-Length body.
// Chunked transfer-encoding and trailers are not implemented; a chunked
// request fails parsing with a 400 (see Parser.Feed).
package http1driver

import (
	"net"
	"strings"

	"github.com/hexinfra/connline/engine"
)

// Request is the concrete engine.Request this driver constructs.
type Request struct {
	method  string
	target  string
	version string
	headers []engine.HeaderField
	body    []byte

	parser *Parser
}

var _ engine.Request = (*Request)(nil)

func (r *Request) Method() string                { return r.method }
func (r *Request) Target() string                { return r.target }
func (r *Request) Version() string               { return r.version }
func (r *Request) Headers() []engine.HeaderField { return r.headers }
func (r *Request) Body() []byte                  { return r.body }

func (r *Request) IsAsteriskOptions() bool {
	return r.method == "OPTIONS" && r.target == "*"
}

// Header returns the first value for name (case-insensitive), or "".
func (r *Request) Header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}

// KeepAlive reports whether the connection should remain open after this
// request's response, per RFC 9112 §9.3's defaulting rules.
func (r *Request) KeepAlive() bool {
	conn := r.Header("Connection")
	switch {
	case strings.EqualFold(conn, "close"):
		return false
	case strings.EqualFold(conn, "keep-alive"):
		return true
	default:
		return r.version != "HTTP/1.0"
	}
}

// Response is the concrete engine.Response this driver writes.
type Response struct {
	status     int
	reason     string
	headers    []engine.HeaderField
	body       []byte
	detached   bool
	takeOverFn func(net.Conn)
}

var _ engine.Response = (*Response)(nil)
var _ engine.Detachable = (*Response)(nil)

// NewResponse starts a response with no headers and no body.
func NewResponse(status int, reason string) *Response {
	return &Response{status: status, reason: reason}
}

func (r *Response) StatusCode() int                    { return r.status }
func (r *Response) Reason() string                     { return r.reason }
func (r *Response) HeaderFields() []engine.HeaderField { return r.headers }
func (r *Response) Body() []byte                       { return r.body }
func (r *Response) IsDetached() bool                   { return r.detached }

// SetHeader appends a header field.
func (r *Response) SetHeader(name, value string) *Response {
	r.headers = append(r.headers, engine.HeaderField{Name: name, Value: value})
	return r
}

// SetBody sets the response body.
func (r *Response) SetBody(body []byte) *Response {
	r.body = body
	return r
}

// Detach marks the response as taking ownership of the raw socket
// (entering the "Exported" state), e.g. for a successful WebSocket upgrade.
func (r *Response) Detach() *Response {
	r.detached = true
	return r
}

// OnTakeOver registers fn to receive the raw net.Conn once engine.Connection
// hands it off via Export. Only meaningful alongside Detach; fn runs on the
// Connection's own goroutine at export time, so it should hand the conn off
// to its own goroutine rather than block.
func (r *Response) OnTakeOver(fn func(net.Conn)) *Response {
	r.takeOverFn = fn
	return r
}

// TakeOver implements engine.Detachable.
func (r *Response) TakeOver(conn net.Conn) {
	if r.takeOverFn != nil {
		r.takeOverFn(conn)
	}
}
