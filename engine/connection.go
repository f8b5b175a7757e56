package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"runtime/debug"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// connFlag is the {READ_CLOSED, WRITE_CLOSED} bitset.
// Full-closed is both bits set. Transitions are monotonic: once set, a
// flag is never cleared for the life of the Connection.
type connFlag int32

const (
	flagReadClosed connFlag = 1 << iota
	flagWriteClosed
)

// Connection is a client's per-socket state machine. It
// composes a WriteQueue and a TimeoutCache entry, runs one HttpDriver
// Parser, and invokes the RequestHandler/ErrorHandler.
//
// All state transitions belonging to one Connection are serialized onto
// that Connection's own goroutine(s) — the read pump and the bounded set
// of concurrent respond-tasks this runtime explicitly allows to overlap.
// That per-connection affinity, not a single process-wide OS thread, is
// what satisfies the ordering guarantees expected of an idiomatic Go
// runtime.
type Connection struct {
	id      int64
	netConn net.Conn
	isTLS   bool

	localAddr  net.Addr
	remoteAddr net.Addr
	networkID  string

	handler    RequestHandler
	errHandler ErrorHandler
	logger     Logger
	metrics    Metrics
	opts       *Options
	timeouts   *TimeoutCache

	driver HttpDriver
	parser Parser
	writeQ *WriteQueue

	tlsState *tls.ConnectionState

	pendingResponses atomic.Int32
	flags            atomic.Int32
	paused           atomic.Bool
	exported         atomic.Bool
	started          atomic.Bool

	closeOnce  sync.Once
	closeCh    chan struct{}
	onCloseMu  sync.Mutex
	onCloseFns []func(*Connection)
}

// NewConnection wires a freshly accepted socket into a Connection. The
// Connection does nothing until Start is called.
func NewConnection(id int64, netConn net.Conn, handler RequestHandler, errHandler ErrorHandler, logger Logger, metrics Metrics, opts *Options, timeouts *TimeoutCache) *Connection {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	_, isTLS := netConn.(*tls.Conn)
	c := &Connection{
		id:         id,
		netConn:    netConn,
		isTLS:      isTLS,
		localAddr:  netConn.LocalAddr(),
		remoteAddr: netConn.RemoteAddr(),
		handler:    handler,
		errHandler: errHandler,
		logger:     logger,
		metrics:    metrics,
		opts:       opts,
		timeouts:   timeouts,
		closeCh:    make(chan struct{}),
	}
	c.networkID = networkIDFor(c.remoteAddr)
	c.writeQ = NewWriteQueue(netConn)
	return c
}

func (c *Connection) ID() int64            { return c.id }
func (c *Connection) LocalAddr() net.Addr  { return c.localAddr }
func (c *Connection) RemoteAddr() net.Addr { return c.remoteAddr }
func (c *Connection) NetworkID() string    { return c.networkID }
func (c *Connection) IsTLS() bool          { return c.isTLS }

// TLSState reports the negotiated handshake state, or nil for a
// plaintext connection or one still handshaking.
func (c *Connection) TLSState() *tls.ConnectionState { return c.tlsState }

// PendingResponses is the count of onMessage invocations not yet fully
// written.
func (c *Connection) PendingResponses() int32 { return c.pendingResponses.Load() }

// PendingRequestCount delegates to the driver's parser, or 0 before
// Start. The Server's timeout watcher uses this alongside
// PendingResponses to decide whether a connection is actively responding.
func (c *Connection) PendingRequestCount() int32 {
	if c.parser == nil {
		return 0
	}
	return c.parser.PendingRequestCount()
}

func (c *Connection) hasFlag(f connFlag) bool {
	return connFlag(c.flags.Load())&f != 0
}
func (c *Connection) setFlag(f connFlag) {
	for {
		old := c.flags.Load()
		next := old | int32(f)
		if old == next || c.flags.CompareAndSwap(old, next) {
			return
		}
	}
}

// IsFullyClosed reports whether both READ_CLOSED and WRITE_CLOSED are set.
func (c *Connection) IsFullyClosed() bool {
	return c.hasFlag(flagReadClosed | flagWriteClosed)
}

// Start registers the connection's driver and begins pumping bytes
// (moving Accepted → start(driver)). It is not idempotent: a
// second call fails with a *StateError.
func (c *Connection) Start(factory HttpDriverFactory) error {
	if !c.started.CompareAndSwap(false, true) {
		return newStateError("Connection.Start", "started", "accepted")
	}
	c.timeouts.Renew(c.id, c.opts.IdleTimeout)
	c.metrics.ConnectionOpened()
	if c.isTLS {
		go c.runHandshakeThenRead(factory)
	} else {
		c.driver = factory(false, "")
		c.parser = c.driver.NewParser(c.onMessage, c.Write)
		go c.readLoop()
	}
	return nil
}

// runHandshakeThenRead is the Handshaking state: on
// success it moves to Reading; on failure, Closed.
func (c *Connection) runHandshakeThenRead(factory HttpDriverFactory) {
	tlsConn, ok := c.netConn.(*tls.Conn)
	if !ok {
		c.logger.Critf("conn=%d: isTLS but netConn is not *tls.Conn", c.id)
		c.Close()
		return
	}
	state, err := negotiateTLS(context.Background(), tlsConn, tlsHandshakeTimeout)
	if err != nil {
		c.logger.Debugf("conn=%d: tls handshake failed: %v", c.id, err)
		c.Close()
		return
	}
	c.tlsState = state
	c.driver = factory(true, state.NegotiatedProtocol)
	c.parser = c.driver.NewParser(c.onMessage, c.Write)
	c.readLoop()
}

// readLoop is the ReadPump: it primes the parser once,
// then repeatedly reads up to ioGranularity bytes, renewing the idle
// timeout and feeding the parser on every non-empty read.
func (c *Connection) readLoop() {
	c.pumpParser(nil)
	if c.IsFullyClosed() || c.exported.Load() {
		return
	}

	buf := getBufferAtLeast(c.opts.IOGranularity)[:c.opts.IOGranularity]
	defer putBuffer(buf)

	for {
		if c.hasFlag(flagReadClosed) || c.exported.Load() {
			return
		}
		n, err := c.netConn.Read(buf)
		if n > 0 {
			c.timeouts.Renew(c.id, c.opts.IdleTimeout)
			c.pumpParser(buf[:n])
			if c.IsFullyClosed() || c.exported.Load() {
				return
			}
		}
		if err != nil {
			if c.exported.Load() {
				return // ownership already transferred; not our error to handle
			}
			c.onReadError(err)
			return
		}
	}
}

// pumpParser feeds b to the parser, and if the parser reports backpressure
// (it may return a future to wait on), blocks this connection's own
// goroutine on it — the Go-idiomatic stand-in for "pause the read watcher,
// resume on completion".
func (c *Connection) pumpParser(b []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Critf("conn=%d: parser panicked: %v", c.id, r)
			c.Close()
		}
	}()
	for {
		action := c.parser.Feed(b)
		if action.Wait == nil {
			return
		}
		c.paused.Store(true)
		select {
		case err, ok := <-action.Wait:
			c.paused.Store(false)
			if ok && err != nil {
				c.logger.Debugf("conn=%d: parser wait failed: %v", c.id, err)
				c.Close()
				return
			}
		case <-c.closeCh:
			return
		}
		b = nil
	}
}

// onReadError implements the read pump's EOF/error branch.
func (c *Connection) onReadError(err error) {
	c.setFlag(flagReadClosed)
	if c.hasFlag(flagWriteClosed) || c.pendingResponses.Load() == 0 {
		c.Close()
	}
	// Otherwise: READ_CLOSED is set and the read loop has already
	// returned (the watcher is "cancelled" by simply not reading again);
	// finishResponse will Close() once the last in-flight response drains.
}

// onMessage is handed to the driver as the OnMessageFunc (
// "Responding"): pendingResponses is incremented and an asynchronous
// respond-task is launched.
func (c *Connection) onMessage(req Request) {
	c.pendingResponses.Add(1)
	go c.respond(req)
}

// Write appends b to the outbound queue. If closeAfter is
// true, WRITE_CLOSED is set immediately and close() is scheduled once the
// drain completes.
func (c *Connection) Write(b []byte, closeAfter bool) <-chan error {
	if c.hasFlag(flagWriteClosed) {
		return failedChan(ErrWriteClosed)
	}
	drain := c.writeQ.Write(b)
	if closeAfter {
		c.setFlag(flagWriteClosed)
		go func() {
			<-drain
			c.Close()
		}()
	}
	return drain
}

// respond is the Responding state's async task: validate
// → handle → write → finalize.
func (c *Connection) respond(req Request) {
	ctx := context.Background()
	resp := c.buildResponse(ctx, req)
	if resp == nil {
		return // client disconnect path already closed the connection
	}

	drain, err := c.driver.WriteResponse(ctx, resp, req, c.Write)
	if err == nil && drain != nil {
		err = <-drain
	}
	if isClientDisconnected(err) {
		c.logger.Debugf("conn=%d: client disconnected while writing response: %v", c.id, err)
		c.pendingResponses.Add(-1)
		c.Close()
		return
	}
	if err != nil {
		c.logger.Warnf("conn=%d: write response failed: %v", c.id, err)
	}
	c.metrics.ResponseWritten(resp.StatusCode())
	c.finishResponse(resp)
}

// buildResponse performs the method/OPTIONS/handler/exception steps.
func (c *Connection) buildResponse(ctx context.Context, req Request) (result Response) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Errorf("conn=%d: handler panicked: %v\n%s", c.id, r, debug.Stack())
			c.metrics.HandlerError()
			result = c.exceptionResponse(ctx, req, panicError{r}, debug.Stack())
		}
	}()

	method := req.Method()
	allow := c.opts.allowHeader()
	if !isKnownHTTPMethod(method) {
		return notImplementedResponse(allow)
	}
	if !c.opts.allowedSet()[method] {
		return methodNotAllowedResponse(allow)
	}
	if req.IsAsteriskOptions() {
		return optionsAsteriskResponse(allow)
	}

	resp, err := c.handler.HandleRequest(ctx, req)
	if err == nil {
		if resp == nil {
			return c.exceptionResponse(ctx, req, errNilResponse, nil)
		}
		return resp
	}
	if isClientDisconnected(err) {
		c.logger.Debugf("conn=%d: handler observed client disconnect: %v", c.id, err)
		c.pendingResponses.Add(-1)
		c.Close()
		return nil
	}
	c.logger.Errorf("conn=%d: handler error: %v", c.id, err)
	c.metrics.HandlerError()
	return c.exceptionResponse(ctx, req, err, nil)
}

// exceptionResponse builds the 500 response for a handler fault (
// §4.5 step 4): a debug HTML trace page, or the ErrorHandler's response
// with a final fallback to the minimal templated page.
func (c *Connection) exceptionResponse(ctx context.Context, req Request, err error, trace []byte) Response {
	if c.opts.IsInDebugMode {
		class, message := exceptionBodyFields(err)
		if trace == nil {
			trace = debug.Stack()
		}
		uri := ""
		if t, ok := req.(interface{ Target() string }); ok {
			uri = t.Target()
		}
		body := debugTracePage(500, "Internal Server Error", uri, class, message, "", 0, string(trace))
		return htmlResponse(500, "Internal Server Error", body)
	}
	if c.errHandler != nil {
		resp, herr := c.errHandler.Handle(ctx, 500, "Internal Server Error", req)
		if herr == nil && resp != nil {
			return resp
		}
		if herr != nil {
			c.logger.Errorf("conn=%d: error handler failed: %v", c.id, herr)
		}
	}
	return htmlResponse(500, "Internal Server Error", fallbackErrorPage(500, "Internal Server Error"))
}

func htmlResponse(status int, reason string, body []byte) Response {
	return &builtinResponse{
		status: status,
		reason: reason,
		headers: []HeaderField{
			{Name: "Content-Type", Value: "text/html; charset=utf-8"},
			{Name: "Content-Length", Value: strconv.Itoa(len(body))},
		},
		body: body,
	}
}

// finishResponse is the final bookkeeping step after a response drains.
func (c *Connection) finishResponse(resp Response) {
	remaining := c.pendingResponses.Add(-1)
	if c.hasFlag(flagReadClosed) && remaining == 0 {
		c.Close()
		return
	}
	if resp.IsDetached() {
		c.Export(resp)
		return
	}
	c.timeouts.Renew(c.id, c.opts.IdleTimeout)
}

// Export hands socket ownership to resp, entering the "Exported" state:
// watchers are cleared, the Connection performs no further I/O, and if
// resp implements Detachable its TakeOver is called with the raw
// net.Conn so it can carry on writing (and reading) directly. TakeOver
// receives only the net.Conn, not this Connection, so the detached owner
// cannot call Close on it. The server table keeps this Connection's entry
// until Close runs; Export leaves the idle-timeout entry in place, so the
// timeout sweep closes the Connection once that entry expires. Close on an
// exported Connection fires the on-close callbacks without touching the
// socket.
func (c *Connection) Export(resp Response) {
	if !c.exported.CompareAndSwap(false, true) {
		return
	}
	c.setFlag(flagReadClosed | flagWriteClosed)
	// Unblocks a goroutine parked in netConn.Read so the read pump exits
	// without touching the fd further; Go has no other way to interrupt
	// a blocking Read short of closing the conn, which would defeat the
	// handoff.
	_ = c.netConn.SetReadDeadline(time.Now())
	if d, ok := resp.(Detachable); ok {
		d.TakeOver(c.netConn)
	}
}

// IsExported reports whether ownership has been handed off.
func (c *Connection) IsExported() bool { return c.exported.Load() }

// OnClose registers fn to run once, when this Connection finishes
// closing (including a Close of an exported Connection).
func (c *Connection) OnClose(fn func(*Connection)) {
	c.onCloseMu.Lock()
	defer c.onCloseMu.Unlock()
	c.onCloseFns = append(c.onCloseFns, fn)
}

// Close is idempotent (the terminal "Closed" state): the first call tears the
// connection down and fires every registered on-close callback exactly
// once; subsequent calls are no-ops. Safe to call from any state.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		c.setFlag(flagReadClosed | flagWriteClosed)
		close(c.closeCh)
		if !c.exported.Load() {
			if halfCloser, ok := c.netConn.(interface{ CloseWrite() error }); ok {
				_ = halfCloser.CloseWrite()
			}
			_ = c.netConn.Close()
		}
		c.timeouts.Clear(c.id)
		c.metrics.ConnectionClosed()

		c.onCloseMu.Lock()
		fns := c.onCloseFns
		c.onCloseFns = nil
		c.onCloseMu.Unlock()
		for _, fn := range fns {
			fn(c)
		}
	})
}

// networkIDFor computes the admission-layer networkId: the full address for
// IPv4/unix, or the /56 prefix for IPv6.
func networkIDFor(addr net.Addr) string {
	return networkIDForString(addrIPString(addr))
}

func addrIPString(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

var errNilResponse error = panicError{"handler returned a nil Response with a nil error"}

type panicError struct{ v any }

func (p panicError) Error() string {
	if s, ok := p.v.(string); ok {
		return s
	}
	if err, ok := p.v.(error); ok {
		return err.Error()
	}
	return "panic"
}

func isClientDisconnected(err error) bool {
	return err != nil && errors.Is(err, ErrClientDisconnected)
}
