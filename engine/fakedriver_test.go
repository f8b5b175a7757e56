package engine

import (
	"bytes"
	"context"
	"net"
	"sync/atomic"
)

// fakeRequest/fakeDriver/fakeParser are a minimal newline-delimited test
// protocol used to exercise Connection/Acceptor/Server end to end without
// depending on a concrete HTTP driver package.
type fakeRequest struct {
	method   string
	asterisk bool
}

func (r *fakeRequest) Method() string          { return r.method }
func (r *fakeRequest) IsAsteriskOptions() bool { return r.asterisk }

type fakeResponse struct {
	status        int
	body          []byte
	detached      bool
	takenOverConn net.Conn
}

func (r *fakeResponse) StatusCode() int             { return r.status }
func (r *fakeResponse) Reason() string              { return "OK" }
func (r *fakeResponse) HeaderFields() []HeaderField { return nil }
func (r *fakeResponse) Body() []byte                { return r.body }
func (r *fakeResponse) IsDetached() bool            { return r.detached }

// TakeOver implements Detachable so tests can assert Export actually
// hands off the raw connection.
func (r *fakeResponse) TakeOver(conn net.Conn) { r.takenOverConn = conn }

type fakeDriver struct{}

func (fakeDriver) NewParser(onMessage OnMessageFunc, write WriteFunc) Parser {
	return &fakeParser{onMessage: onMessage, write: write}
}

func (fakeDriver) WriteResponse(ctx context.Context, resp Response, req Request, write WriteFunc) (<-chan error, error) {
	return write(resp.Body(), false), nil
}

func fakeDriverFactory(tlsNegotiated bool, alpnProtocol string) HttpDriver {
	return fakeDriver{}
}

// fakeParser treats each '\n'-terminated line as one request line: its
// bytes are the method token (e.g. "GET").
type fakeParser struct {
	onMessage OnMessageFunc
	write     WriteFunc
	buf       []byte
	pending   int32
}

func (p *fakeParser) Feed(chunk []byte) Action {
	p.buf = append(p.buf, chunk...)
	for {
		idx := bytes.IndexByte(p.buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), p.buf[:idx]...)
		p.buf = p.buf[idx+1:]
		atomic.AddInt32(&p.pending, 1)
		p.onMessage(&fakeRequest{method: string(line)})
	}
	return Action{}
}

func (p *fakeParser) PendingRequestCount() int32 {
	return atomic.LoadInt32(&p.pending)
}
