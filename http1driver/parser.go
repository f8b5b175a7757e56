package http1driver

import (
	"bytes"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/hexinfra/connline/engine"
)

// Parser incrementally parses HTTP/1.x requests off a byte stream
// (a "coroutine-based parser" mapped to a plain state machine
// driven by Connection.readLoop rather than a yielding coroutine).
type Parser struct {
	onMessage engine.OnMessageFunc
	write     engine.WriteFunc

	buf     []byte
	pending int32
}

func newParser(onMessage engine.OnMessageFunc, write engine.WriteFunc) *Parser {
	return &Parser{onMessage: onMessage, write: write}
}

// Feed implements engine.Parser. It extracts as many complete requests as
// buf currently holds, dispatching each via onMessage in wire order.
func (p *Parser) Feed(chunk []byte) engine.Action {
	if len(chunk) > 0 {
		p.buf = append(p.buf, chunk...)
	}
	for {
		req, consumed, ok, malformed := p.tryParseOne(p.buf)
		if malformed {
			p.respondBadRequest()
			p.buf = nil
			return engine.Action{}
		}
		if !ok {
			return engine.Action{}
		}
		p.buf = p.buf[consumed:]
		req.parser = p
		atomic.AddInt32(&p.pending, 1)
		p.onMessage(req)
	}
}

// PendingRequestCount implements engine.Parser.
func (p *Parser) PendingRequestCount() int32 {
	return atomic.LoadInt32(&p.pending)
}

func (p *Parser) decrementPending() {
	atomic.AddInt32(&p.pending, -1)
}

func (p *Parser) respondBadRequest() {
	resp := NewResponse(400, "Bad Request").SetHeader("Content-Length", "0")
	p.write(serializeResponse(resp, "HTTP/1.1", true), true)
}

// tryParseOne attempts to parse exactly one request from the front of buf.
// ok is false if buf doesn't yet hold a complete request (more data
// needed); malformed is true for a request line/header block that will
// never become valid by appending more bytes.
func (p *Parser) tryParseOne(buf []byte) (req *Request, consumed int, ok bool, malformed bool) {
	headEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headEnd < 0 {
		if len(buf) > 64*1024 {
			return nil, 0, false, true // header block too large
		}
		return nil, 0, false, false
	}
	head := buf[:headEnd]
	lines := strings.Split(string(head), "\r\n")
	if len(lines) == 0 || lines[0] == "" {
		return nil, 0, false, true
	}

	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) != 3 {
		return nil, 0, false, true
	}
	method, target, version := parts[0], parts[1], parts[2]
	if !strings.HasPrefix(version, "HTTP/1.") {
		return nil, 0, false, true
	}

	var headers []engine.HeaderField
	contentLength := 0
	hasContentLength := false
	for _, line := range lines[1:] {
		if line == "" {
			continue
		}
		colon := strings.IndexByte(line, ':')
		if colon < 0 {
			return nil, 0, false, true
		}
		name := strings.TrimSpace(line[:colon])
		value := strings.TrimSpace(line[colon+1:])
		headers = append(headers, engine.HeaderField{Name: name, Value: value})
		if strings.EqualFold(name, "Content-Length") {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, 0, false, true
			}
			contentLength = n
			hasContentLength = true
		}
		if strings.EqualFold(name, "Transfer-Encoding") && !strings.EqualFold(value, "identity") {
			return nil, 0, false, true // chunked/other transfer-codings are out of scope
		}
	}

	bodyStart := headEnd + 4
	if !hasContentLength {
		return &Request{method: method, target: target, version: version, headers: headers}, bodyStart, true, false
	}
	if len(buf) < bodyStart+contentLength {
		return nil, 0, false, false // body not fully arrived yet
	}
	body := append([]byte(nil), buf[bodyStart:bodyStart+contentLength]...)
	return &Request{method: method, target: target, version: version, headers: headers, body: body}, bodyStart + contentLength, true, false
}
