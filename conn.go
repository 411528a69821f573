// Package msgnet provides a typed message transport over TCP.
// It defines a binary frame format, a connection that runs independent
// read and write loops, a client built as a command actor, and a server
// that brokers many connections into one shared inbox.
package msgnet

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/someonegg/gox/syncx"
	"golang.org/x/sync/errgroup"
)

var errAlreadyStarted = errors.New("connection already started")

// Conn owns one TCP socket and moves frames between it and two queues:
// received messages go to an inbox shared with the owner, and sent messages
// wait in a bounded queue private to the connection's write loop.
type Conn[T Kind] struct {
	id     uuid.UUID
	logger Logger
	opts   options

	inbox     *Inbox[T]
	sendQueue chan *Message[T]

	mu      sync.Mutex
	rawConn *net.TCPConn
	addr    netip.AddrPort
	cancel  context.CancelFunc

	connected atomic.Bool
	closed    atomic.Bool
	started   atomic.Bool

	stopD    syncx.DoneChan
	stopOnce sync.Once
}

// NewConn creates a connection with no socket. Received messages will be pushed to inbox.
// Call ConnectToServer to open the socket.
func NewConn[T Kind](inbox *Inbox[T], opt ...Option) *Conn[T] {
	return newConnWithOptions(inbox, newOptions(opt...))
}

// FromStream wraps an established TCP connection, such as one returned by Accept.
func FromStream[T Kind](rawConn *net.TCPConn, inbox *Inbox[T], opt ...Option) *Conn[T] {
	c := NewConn(inbox, opt...)
	c.attach(rawConn)
	return c
}

// newConnWithOptions creates a new Conn with the given options.
func newConnWithOptions[T Kind](inbox *Inbox[T], opts options) *Conn[T] {
	return &Conn[T]{
		id:        uuid.New(),
		logger:    opts.logger,
		opts:      opts,
		inbox:     inbox,
		sendQueue: make(chan *Message[T], opts.bufferSize),
		stopD:     syncx.NewDoneChan(),
	}
}

// ConnectToServer dials host:port and attaches the resulting socket.
// A connection can be connected only once.
func (c *Conn[T]) ConnectToServer(ctx context.Context, host string, port uint16) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	attached := c.rawConn != nil
	c.mu.Unlock()
	if attached {
		return ErrAlreadyConnected
	}

	target := net.JoinHostPort(host, strconv.Itoa(int(port)))
	dialer := net.Dialer{Timeout: c.opts.dialTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		return errors.Wrapf(err, "connect to %s", target)
	}

	c.attach(raw.(*net.TCPConn))
	return nil
}

func (c *Conn[T]) attach(rawConn *net.TCPConn) {
	_ = rawConn.SetNoDelay(true)

	c.mu.Lock()
	c.rawConn = rawConn
	c.addr = addrPortOf(rawConn.RemoteAddr())
	c.mu.Unlock()

	c.connected.Store(true)
}

// addrPortOf converts a TCP address to a comparable map key.
// IPv4-mapped IPv6 addresses are unmapped so a peer has one spelling.
func addrPortOf(addr net.Addr) netip.AddrPort {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return netip.AddrPort{}
	}
	ap := tcpAddr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Start runs the connection's loops in a new goroutine and returns immediately.
func (c *Conn[T]) Start(ctx context.Context) {
	go func() {
		_ = c.Run(ctx)
	}()
}

// Run starts the connection's read and write loops and blocks until both
// have exited. When either loop ends the other is woken and stopped, the
// socket is closed and the connection reports itself disconnected.
// Run returns nil when the peer went away or Disconnect was called, the
// context's error when ctx was canceled, and the fatal error otherwise.
func (c *Conn[T]) Run(ctx context.Context) error {
	c.mu.Lock()
	rawConn := c.rawConn
	c.mu.Unlock()
	if rawConn == nil {
		return ErrNotConnected
	}

	if !c.started.CompareAndSwap(false, true) {
		return errAlreadyStarted
	}
	defer c.markStopped()

	c.mu.Lock()
	if c.closed.Load() {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	c.logger.Info("connection established", "addr", c.addr, "conn_id", c.id)
	c.logger.Debug("connection options", "addr", c.addr,
		"buffer_size", c.opts.bufferSize,
		"max_frame_size", c.opts.maxFrameSize,
		"read_buffer_size", c.opts.readBufferSize)

	// A blocked Read only returns once the socket is closed.
	stop := context.AfterFunc(runCtx, func() {
		_ = rawConn.Close()
	})
	defer stop()

	group, child := errgroup.WithContext(runCtx)

	group.Go(func() error {
		defer cancel()
		return c.readLoop(child, rawConn)
	})

	group.Go(func() error {
		defer cancel()
		return c.writeLoop(child, rawConn)
	})

	err := group.Wait()
	c.closeConn(rawConn)

	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Info("connection closed with error", "addr", c.addr, "conn_id", c.id, "error", err)
	} else {
		c.logger.Info("connection closed", "addr", c.addr, "conn_id", c.id)
	}

	return err
}

// Disconnect closes the connection. Both loops stop and queued messages
// that were not written yet are dropped. Safe to call multiple times.
func (c *Conn[T]) Disconnect() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.connected.Store(false)

	c.mu.Lock()
	cancel := c.cancel
	rawConn := c.rawConn
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !c.started.Load() {
		c.markStopped()
	}
	if rawConn == nil {
		return nil
	}

	err := rawConn.Close()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// IsConnected reports whether the socket is believed to be alive.
// Once false it never becomes true again.
func (c *Conn[T]) IsConnected() bool {
	return c.connected.Load()
}

// Done returns a done channel that is signaled when the connection has stopped.
func (c *Conn[T]) Done() syncx.DoneChanR {
	return c.stopD.R()
}

// ID returns the identifier used for this connection in logs.
func (c *Conn[T]) ID() uuid.UUID {
	return c.id
}

// Addr returns the remote address of the connection.
func (c *Conn[T]) Addr() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.addr
}

// Pending returns the number of messages waiting to be written.
func (c *Conn[T]) Pending() int {
	return len(c.sendQueue)
}

// Send queues a message for the write loop without blocking.
// A nil error means the message was queued, not that it was delivered.
// It returns ErrBufferFull when the send queue is full and
// ErrConnectionClosed when the connection is closed.
// The message must not be modified after Send returns.
func (c *Conn[T]) Send(msg *Message[T]) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendQueue <- msg:
		return nil
	default:
		return ErrBufferFull
	}
}

// SendBlocking queues a message, waiting for space in the send queue until
// ctx is canceled or the connection stops.
func (c *Conn[T]) SendBlocking(ctx context.Context, msg *Message[T]) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	select {
	case c.sendQueue <- msg:
		return nil
	case <-c.stopD:
		return ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readLoop reassembles frames from the socket and pushes them to the inbox.
// Returns nil when the peer closes, or the fatal error that ended reading.
func (c *Conn[T]) readLoop(ctx context.Context, rawConn *net.TCPConn) error {
	frames := newFrameReader[T](rawConn, c.opts.readBufferSize, c.opts.maxFrameSize)

	for {
		msg, err := frames.next()
		if err != nil {
			if ctx.Err() != nil || !c.connected.Load() {
				return nil
			}

			if isBrokenPipe(err) {
				c.logger.Debug("peer closed connection", "addr", c.addr, "conn_id", c.id, "error", err)
				c.connected.Store(false)
				return nil
			}

			if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrShortFrame) {
				c.logger.Warn("malformed frame", "addr", c.addr, "conn_id", c.id, "error", err)
				if c.opts.onError(err) == Continue {
					continue
				}
				return err
			}

			c.logger.Error("read error", "addr", c.addr, "conn_id", c.id, "error", err)
			return err
		}

		c.inbox.Push(Envelope[T]{Addr: c.addr, Message: msg})
	}
}

// writeLoop writes queued messages in FIFO order, waking on each enqueue.
func (c *Conn[T]) writeLoop(ctx context.Context, rawConn *net.TCPConn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-c.sendQueue:
			if err := c.write(rawConn, msg); err != nil {
				return err
			}
			if !c.connected.Load() {
				return nil
			}
		}
	}
}

// write encodes one message and writes the whole frame.
func (c *Conn[T]) write(rawConn *net.TCPConn, msg *Message[T]) error {
	data, err := msg.MarshalBinary()
	if err != nil {
		return err
	}

	if _, err = rawConn.Write(data); err != nil {
		if isBrokenPipe(err) {
			c.logger.Debug("peer closed connection", "addr", c.addr, "conn_id", c.id, "error", err)
			c.connected.Store(false)
			return nil
		}

		c.logger.Error("write error", "addr", c.addr, "conn_id", c.id, "error", err)
		return err
	}

	return nil
}

// closeConn marks the connection as closed and closes the underlying TCP connection.
func (c *Conn[T]) closeConn(rawConn *net.TCPConn) {
	c.closed.Store(true)
	c.connected.Store(false)
	_ = rawConn.Close()
}

func (c *Conn[T]) markStopped() {
	c.stopOnce.Do(c.stopD.SetDone)
}
