package msgnet

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Server accepts TCP connections and brokers messages across all of them.
// Every connection pushes into one shared inbox, which the application
// drains with PopMessage, typically once per tick.
type Server[T Kind] struct {
	listener        *net.TCPListener
	logger          Logger
	shutdownTimeout time.Duration
	acceptLimiter   *rate.Limiter
	connOpts        []Option

	inbox *Inbox[T]

	mu          sync.Mutex
	conns       map[netip.AddrPort]*Conn[T]
	shutdown    bool
	shutdownNow chan struct{} // signals immediate shutdown, bypassing timeout
}

type serverOptions struct {
	logger          Logger
	shutdownTimeout time.Duration
	acceptRetry     time.Duration
	connOpts        []Option
}

// ServerOption configures a Server.
type ServerOption func(*serverOptions)

// ServerLoggerOption sets the logger for the server and, unless
// ServerConnOptions overrides it, for its connections.
func ServerLoggerOption(logger Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}

// ServerShutdownTimeoutOption sets the graceful shutdown timeout.
// When the context is canceled, the server will wait up to this duration
// before closing the listener. Default is 0 (immediate shutdown).
//
// Note: connections are stopped by the same context, so only the listener
// closure is delayed.
func ServerShutdownTimeoutOption(timeout time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.shutdownTimeout = timeout
	}
}

// AcceptRetryOption sets the minimum interval between accept retries after
// a transient accept error. Default is 100ms.
func AcceptRetryOption(interval time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.acceptRetry = interval
	}
}

// ServerConnOptions sets the options applied to every accepted connection.
func ServerConnOptions(opts ...Option) ServerOption {
	return func(o *serverOptions) {
		o.connOpts = append(o.connOpts, opts...)
	}
}

// NewServer creates a server bound to addr, for example ":8080".
// A bind failure is returned and nothing is started.
func NewServer[T Kind](addr string, opts ...ServerOption) (*Server[T], error) {
	o := serverOptions{
		logger:      slog.Default(),
		acceptRetry: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(&o)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve %s", addr)
	}

	listener, err := net.ListenTCP("tcp", tcpAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}

	return &Server[T]{
		listener:        listener,
		logger:          o.logger,
		shutdownTimeout: o.shutdownTimeout,
		acceptLimiter:   rate.NewLimiter(rate.Every(o.acceptRetry), 1),
		connOpts:        append([]Option{LoggerOption(o.logger)}, o.connOpts...),
		inbox:           NewInbox[T](),
		conns:           make(map[netip.AddrPort]*Conn[T]),
		shutdownNow:     make(chan struct{}),
	}, nil
}

// Start runs Serve in a new goroutine and returns immediately.
func (s *Server[T]) Start(ctx context.Context) {
	go func() {
		if err := s.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("server stopped with error", "addr", s.listener.Addr(), "error", err)
		}
	}()
}

// Serve accepts connections until the context is canceled or Close is called.
// Each accepted socket becomes a Conn whose loops start immediately and which
// is stored under its peer address. Transient accept errors are logged and
// retried at a bounded rate.
// If ServerShutdownTimeoutOption is set, the server waits up to the specified
// duration after cancellation before closing the listener. Call Close() to
// bypass the timeout and shut down immediately.
func (s *Server[T]) Serve(ctx context.Context) error {
	s.logger.Info("server started", "addr", s.listener.Addr())

	// Start a goroutine to handle context cancellation
	go func() {
		<-ctx.Done()

		// Wait for shutdown timeout if configured, but allow early exit via Close()
		if s.shutdownTimeout > 0 {
			s.logger.Info("graceful shutdown initiated", "timeout", s.shutdownTimeout)
			select {
			case <-time.After(s.shutdownTimeout):
			case <-s.shutdownNow:
				s.logger.Debug("shutdown timeout bypassed via Close()")
			}
		}

		s.mu.Lock()
		s.shutdown = true
		s.mu.Unlock()
		// Set a deadline to unblock Accept
		_ = s.listener.SetDeadline(time.Now())
	}()

	for {
		rawConn, err := s.listener.AcceptTCP()
		if err != nil {
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				s.logger.Info("server stopped", "addr", s.listener.Addr())
				return ctx.Err()
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}

			s.logger.Warn("accept error", "error", err)
			if err := s.acceptLimiter.Wait(ctx); err != nil {
				return ctx.Err()
			}
			continue
		}

		s.logger.Debug("accepted connection", "remote_addr", rawConn.RemoteAddr())
		s.handle(ctx, rawConn)
	}
}

func (s *Server[T]) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdown
}

// handle registers a newly accepted socket and starts its loops.
func (s *Server[T]) handle(ctx context.Context, rawConn *net.TCPConn) {
	conn := FromStream(rawConn, s.inbox, s.connOpts...)
	s.addConn(conn)
	conn.Start(ctx)
}

func (s *Server[T]) addConn(conn *Conn[T]) {
	s.mu.Lock()
	old := s.conns[conn.Addr()]
	s.conns[conn.Addr()] = conn
	s.mu.Unlock()

	if old != nil {
		_ = old.Disconnect()
	}
}

// snapshot returns the current connections without holding the lock afterwards.
func (s *Server[T]) snapshot() []*Conn[T] {
	s.mu.Lock()
	defer s.mu.Unlock()

	conns := make([]*Conn[T], 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}
	return conns
}

// SendToAll queues an independent copy of msg on every live connection and
// returns how many connections accepted it. Connections whose send queue is
// full are skipped and logged.
func (s *Server[T]) SendToAll(msg *Message[T]) int {
	sent := 0
	for _, conn := range s.snapshot() {
		if !conn.IsConnected() {
			continue
		}
		if err := conn.Send(msg.Clone()); err != nil {
			s.logger.Warn("broadcast skipped connection", "addr", conn.Addr(), "conn_id", conn.ID(), "error", err)
			continue
		}
		sent++
	}
	return sent
}

// SendTo queues msg on the connection for addr.
// An unknown address is not an error: the peer may already have gone.
func (s *Server[T]) SendTo(addr netip.AddrPort, msg *Message[T]) error {
	s.mu.Lock()
	conn, ok := s.conns[addr]
	s.mu.Unlock()

	if !ok {
		return nil
	}
	return conn.Send(msg)
}

// PopMessage removes and returns the oldest received message from any connection.
func (s *Server[T]) PopMessage() (Envelope[T], bool) {
	return s.inbox.Pop()
}

// ConnectionCount returns the number of stored connections, dead ones
// included until Update prunes them.
func (s *Server[T]) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Peers returns the addresses of all stored connections.
func (s *Server[T]) Peers() []netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()

	addrs := make([]netip.AddrPort, 0, len(s.conns))
	for addr := range s.conns {
		addrs = append(addrs, addr)
	}
	return addrs
}

// Update removes connections that are no longer alive and returns their addresses.
func (s *Server[T]) Update() []netip.AddrPort {
	var dead []*Conn[T]

	s.mu.Lock()
	for addr, conn := range s.conns {
		if !conn.IsConnected() {
			dead = append(dead, conn)
			delete(s.conns, addr)
		}
	}
	s.mu.Unlock()

	addrs := make([]netip.AddrPort, 0, len(dead))
	for _, conn := range dead {
		_ = conn.Disconnect()
		s.logger.Debug("pruned connection", "addr", conn.Addr(), "conn_id", conn.ID())
		addrs = append(addrs, conn.Addr())
	}
	return addrs
}

// Disconnect closes and removes the connection for addr.
// It reports whether such a connection existed.
func (s *Server[T]) Disconnect(addr netip.AddrPort) bool {
	s.mu.Lock()
	conn, ok := s.conns[addr]
	delete(s.conns, addr)
	s.mu.Unlock()

	if ok {
		_ = conn.Disconnect()
	}
	return ok
}

// Close stops the server by closing the listener and every connection.
// If a shutdown timeout is configured, Close() bypasses the remaining timeout.
func (s *Server[T]) Close() error {
	s.mu.Lock()
	s.shutdown = true
	conns := s.conns
	s.conns = make(map[netip.AddrPort]*Conn[T])
	s.mu.Unlock()

	// Signal to bypass any pending shutdown timeout
	select {
	case s.shutdownNow <- struct{}{}:
	default:
	}

	for _, conn := range conns {
		_ = conn.Disconnect()
	}

	err := s.listener.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener's network address.
func (s *Server[T]) Addr() net.Addr {
	return s.listener.Addr()
}

// Port returns the port the server is listening on.
func (s *Server[T]) Port() uint16 {
	return uint16(s.listener.Addr().(*net.TCPAddr).Port)
}
