package engine

import (
	"context"
	"crypto/tls"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// serverState is the Server lifecycle state machine:
// Stopped → Started → Stopping → Stopped.
type serverState int32

const (
	serverStopped serverState = iota
	serverStarted
	serverStopping
)

func (s serverState) String() string {
	switch s {
	case serverStopped:
		return "Stopped"
	case serverStarted:
		return "Started"
	case serverStopping:
		return "Stopping"
	default:
		return "unknown"
	}
}

// timeoutWatcherInterval is the watcher's polling period.
const timeoutWatcherInterval = time.Second

// listenerSpec is one listener registered with the Server before Start.
type listenerSpec struct {
	listener  net.Listener
	tlsConfig *tls.Config
}

// Server owns the client tables, the Configurator-guarded collaborators,
// and the timeout watcher. Exactly one Server per running
// instance of the engine.
type Server struct {
	mu    sync.Mutex
	state serverState

	listenerSpecs []listenerSpec
	acceptors     []*Acceptor

	driverFactory HttpDriverFactory
	handler       RequestHandler
	errHandler    ErrorHandler

	logger  Logger
	metrics Metrics
	opts    *Options

	admission *AdmissionPolicy
	timeouts  *TimeoutCache

	clients    map[int64]*Connection
	nextConnID atomic.Int64

	watcherStop chan struct{}
	watcherDone chan struct{}

	acceptorGroup *errgroup.Group
}

// NewServer builds a Server from opts (DefaultOptions() if nil). The
// driver factory, request handler and error handler may be supplied here
// or later via SetDriverFactory/SetRequestHandler/SetErrorHandler, all of
// which are only permitted while Stopped ("Configurator
// guards").
func NewServer(opts *Options, driverFactory HttpDriverFactory, handler RequestHandler, errHandler ErrorHandler, logger Logger, metrics Metrics) *Server {
	if opts == nil {
		opts = DefaultOptions()
	}
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Server{
		opts:          opts,
		driverFactory: driverFactory,
		handler:       handler,
		errHandler:    errHandler,
		logger:        logger,
		metrics:       metrics,
		admission:     NewAdmissionPolicy(opts.ConnectionLimit, opts.ConnectionsPerIPLimit, metrics),
		timeouts:      NewTimeoutCache(),
		clients:       make(map[int64]*Connection),
	}
}

// AddListener registers a listener (with an optional per-listener TLS
// config) to be served once Start is called. Only valid while Stopped.
func (s *Server) AddListener(listener net.Listener, tlsConfig *tls.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serverStopped {
		return newStateError("Server.AddListener", s.state.String(), "Stopped")
	}
	s.listenerSpecs = append(s.listenerSpecs, listenerSpec{listener: listener, tlsConfig: tlsConfig})
	return nil
}

// SetDriverFactory replaces the HttpDriverFactory. Only valid while Stopped.
func (s *Server) SetDriverFactory(f HttpDriverFactory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serverStopped {
		return newStateError("Server.SetDriverFactory", s.state.String(), "Stopped")
	}
	s.driverFactory = f
	return nil
}

// SetRequestHandler replaces the RequestHandler. Only valid while Stopped.
func (s *Server) SetRequestHandler(h RequestHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serverStopped {
		return newStateError("Server.SetRequestHandler", s.state.String(), "Stopped")
	}
	s.handler = h
	return nil
}

// SetErrorHandler replaces the ErrorHandler. Only valid while Stopped.
func (s *Server) SetErrorHandler(h ErrorHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != serverStopped {
		return newStateError("Server.SetErrorHandler", s.state.String(), "Stopped")
	}
	s.errHandler = h
	return nil
}

// State reports the current lifecycle state.
func (s *Server) State() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.String()
}

// ClientCount is the number of connections currently registered.
func (s *Server) ClientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

// Start transitions Stopped → Started: it spins up one Acceptor per
// registered listener and the timeout watcher goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.state != serverStopped {
		err := newStateError("Server.Start", s.state.String(), "Stopped")
		s.mu.Unlock()
		return err
	}
	s.state = serverStarted
	specs := append([]listenerSpec(nil), s.listenerSpecs...)
	s.watcherStop = make(chan struct{})
	s.watcherDone = make(chan struct{})
	group := &errgroup.Group{}
	s.acceptorGroup = group
	s.mu.Unlock()

	go s.runTimeoutWatcher()

	for _, spec := range specs {
		a := NewAcceptor(
			spec.listener,
			spec.tlsConfig,
			s.admission,
			s.driverFactory,
			s.handler,
			s.errHandler,
			s.logger,
			s.metrics,
			s.opts,
			s.timeouts,
			func() int64 { return s.nextConnID.Add(1) },
			s.registerConnection,
		)
		s.mu.Lock()
		s.acceptors = append(s.acceptors, a)
		s.mu.Unlock()
		group.Go(func() error {
			a.Serve()
			return nil
		})
	}
	return nil
}

// registerConnection is the Acceptor.onAdmit hook: it adds c to the
// client table and arranges for its removal on close.
func (s *Server) registerConnection(c *Connection) {
	s.mu.Lock()
	s.clients[c.ID()] = c
	s.mu.Unlock()
	c.OnClose(func(cc *Connection) {
		s.mu.Lock()
		delete(s.clients, cc.ID())
		s.mu.Unlock()
	})
}

// Stop transitions Started → Stopped: listeners are closed immediately
// (no new connections admitted), then the Server waits for clientCount to
// reach zero or for the drain window to end, whichever comes first; the
// window ends at ctx's deadline or after Options.StopDrainTimeout (when
// positive), whichever is earlier. When it ends, every remaining client is
// force-closed. Stop's precondition is status∈{Started, Stopped}: called
// while already Stopped, it is a no-op; called while Stopping, it returns
// a *StateError.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.state == serverStopped {
		s.mu.Unlock()
		return nil
	}
	if s.state != serverStarted {
		err := newStateError("Server.Stop", s.state.String(), "Started or Stopped")
		s.mu.Unlock()
		return err
	}
	s.state = serverStopping
	specs := append([]listenerSpec(nil), s.listenerSpecs...)
	group := s.acceptorGroup
	s.mu.Unlock()

	for _, spec := range specs {
		_ = spec.listener.Close()
	}
	if group != nil {
		_ = group.Wait() // Acceptor.Serve never returns a non-nil error
	}

	if s.opts.StopDrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.StopDrainTimeout)
		defer cancel()
	}

	drained := make(chan struct{})
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			if s.ClientCount() == 0 {
				close(drained)
				return
			}
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return
			}
		}
	}()

	select {
	case <-drained:
	case <-ctx.Done():
		s.forceCloseAll()
	}

	close(s.watcherStop)
	<-s.watcherDone

	s.mu.Lock()
	s.state = serverStopped
	s.acceptors = nil
	s.mu.Unlock()
	return nil
}

func (s *Server) forceCloseAll() {
	s.mu.Lock()
	remaining := make([]*Connection, 0, len(s.clients))
	for _, c := range s.clients {
		remaining = append(remaining, c)
	}
	s.mu.Unlock()
	for _, c := range remaining {
		c.Close()
	}
}

// runTimeoutWatcher is the per-second sweep: extract every
// entry whose deadline has passed; a connection still actively writing
// a response (more pending responses than in-flight parsed requests)
// gets a deferred one-second reprieve instead of being reaped.
func (s *Server) runTimeoutWatcher() {
	defer close(s.watcherDone)
	ticker := time.NewTicker(timeoutWatcherInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.watcherStop:
			return
		case now := <-ticker.C:
			s.sweepTimeouts(now)
		}
	}
}

func (s *Server) sweepTimeouts(now time.Time) {
	for {
		id, ok := s.timeouts.Extract(now)
		if !ok {
			return
		}
		s.mu.Lock()
		conn := s.clients[id]
		s.mu.Unlock()
		if conn == nil {
			continue // already closed and removed; stale heap entry
		}
		if conn.PendingResponses() > conn.PendingRequestCount() {
			s.timeouts.Update(id, now.Add(timeoutWatcherInterval))
			s.metrics.TimeoutDeferred()
			continue
		}
		s.metrics.TimeoutReaped()
		conn.Close()
	}
}
