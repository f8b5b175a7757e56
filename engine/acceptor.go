package engine

import (
	"crypto/tls"
	"errors"
	"net"
)

// Acceptor runs one listener's accept loop: accept, admit
// or reject, wrap in TLS if configured, build a Connection and start it.
type Acceptor struct {
	listener  net.Listener
	tlsConfig *tls.Config

	admission     *AdmissionPolicy
	driverFactory HttpDriverFactory
	handler       RequestHandler
	errHandler    ErrorHandler
	logger        Logger
	metrics       Metrics
	opts          *Options
	timeouts      *TimeoutCache

	nextID func() int64

	// onAdmit is invoked with every admitted Connection before Start, so
	// the owning Server can register it in its client table. May be nil.
	onAdmit func(*Connection)
}

// NewAcceptor wires one listener's worth of accept-loop dependencies.
func NewAcceptor(
	listener net.Listener,
	tlsConfig *tls.Config,
	admission *AdmissionPolicy,
	driverFactory HttpDriverFactory,
	handler RequestHandler,
	errHandler ErrorHandler,
	logger Logger,
	metrics Metrics,
	opts *Options,
	timeouts *TimeoutCache,
	nextID func() int64,
	onAdmit func(*Connection),
) *Acceptor {
	if logger == nil {
		logger = NopLogger()
	}
	if metrics == nil {
		metrics = NopMetrics()
	}
	return &Acceptor{
		listener:      listener,
		tlsConfig:     tlsConfig,
		admission:     admission,
		driverFactory: driverFactory,
		handler:       handler,
		errHandler:    errHandler,
		logger:        logger,
		metrics:       metrics,
		opts:          opts,
		timeouts:      timeouts,
		nextID:        nextID,
		onAdmit:       onAdmit,
	}
}

// Serve blocks, accepting connections until the listener closes. It is
// meant to be run on its own goroutine; Server.Stop closes the listener
// to unblock it.
func (a *Acceptor) Serve() {
	for {
		netConn, err := a.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warnf("acceptor: accept error: %v", err)
			continue
		}
		go a.handleAccepted(netConn)
	}
}

func (a *Acceptor) handleAccepted(netConn net.Conn) {
	remoteIP := addrIPString(netConn.RemoteAddr())
	isUnix := isUnixDomainLocal(netConn.LocalAddr())

	networkID, allowed, reason, code, counted := a.admission.Admit(remoteIP, isUnix)
	if !allowed {
		a.logger.Warnf("acceptor: rejected connection from %s: %s", remoteIP, reason)
		a.metrics.ConnectionRejected(code)
		_ = netConn.Close()
		if counted {
			a.admission.Release(networkID)
		}
		return
	}
	a.metrics.ConnectionAccepted()

	var conn net.Conn = netConn
	if a.tlsConfig != nil {
		conn = tls.Server(netConn, a.tlsConfig)
	}

	id := a.nextID()
	c := NewConnection(id, conn, a.handler, a.errHandler, a.logger, a.metrics, a.opts, a.timeouts)
	c.OnClose(func(cc *Connection) {
		a.admission.Release(cc.NetworkID())
	})

	if a.onAdmit != nil {
		a.onAdmit(c)
	}

	if err := c.Start(a.driverFactory); err != nil {
		a.logger.Critf("acceptor: conn=%d failed to start: %v", id, err)
		c.Close()
	}
}

// isUnixDomainLocal reports whether addr identifies a unix-domain (or
// otherwise portless) local endpoint, per the "identified by
// local port being absent" unix-domain-socket exemption.
func isUnixDomainLocal(addr net.Addr) bool {
	_, ok := addr.(*net.TCPAddr)
	return !ok
}
