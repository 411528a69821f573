package msgnet

import (
	"context"
	"runtime/debug"

	"github.com/someonegg/gox/syncx"
)

// State is the lifecycle state of a Client.
type State int32

const (
	// Unconnected means no connect attempt has succeeded yet.
	Unconnected State = iota
	// Connecting means a connect attempt is in progress.
	Connecting
	// Connected means the connection is open and its loops are running.
	Connected
	// Disconnected means a previously open connection has been lost or closed.
	Disconnected
)

func (s State) String() string {
	switch s {
	case Unconnected:
		return "unconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type op int

const (
	opConnect op = iota
	opSend
	opPing
	opIsAlive
	opState
	opDisconnect
)

// command is a request to the client actor.
// Each command carries its own reply channel.
type command[T Kind] struct {
	op    op
	ctx   context.Context
	host  string
	port  uint16
	msg   *Message[T]
	reply chan reply
}

type reply struct {
	err   error
	alive bool
	state State
}

// Client is a single-connection client. Its connection is owned by an actor
// goroutine and is reached only through commands, so callers never block on
// socket I/O beyond awaiting a reply. Received messages are collected in an
// inbox that the caller drains directly.
//
// Client methods are safe for concurrent use.
type Client[T Kind] struct {
	inbox    *Inbox[T]
	commands chan command[T]
	logger   Logger

	cancel context.CancelFunc
	doneD  syncx.DoneChan
}

// NewClient creates a client and starts its actor.
// Options are applied to every connection the client opens.
// Call Close to stop the actor.
func NewClient[T Kind](opt ...Option) *Client[T] {
	opts := newOptions(opt...)
	ctx, cancel := context.WithCancel(context.Background())

	c := &Client[T]{
		inbox:    NewInbox[T](),
		commands: make(chan command[T]),
		logger:   opts.logger,
		cancel:   cancel,
		doneD:    syncx.NewDoneChan(),
	}

	a := &clientActor[T]{inbox: c.inbox, opts: opts}
	go c.run(ctx, a)
	return c
}

// Connect connects to host:port and starts the connection's loops.
// On failure the client stays in its previous state.
func (c *Client[T]) Connect(ctx context.Context, host string, port uint16) error {
	_, err := c.call(ctx, command[T]{op: opConnect, host: host, port: port})
	return err
}

// Send queues msg on the connection. A nil error means the message was
// queued, not delivered. The message must not be modified afterwards.
func (c *Client[T]) Send(ctx context.Context, msg *Message[T]) error {
	_, err := c.call(ctx, command[T]{op: opSend, msg: msg})
	return err
}

// Ping checks that the actor is running and responsive.
func (c *Client[T]) Ping(ctx context.Context) error {
	_, err := c.call(ctx, command[T]{op: opPing})
	return err
}

// IsConnected reports whether the connection is alive.
func (c *Client[T]) IsConnected(ctx context.Context) (bool, error) {
	r, err := c.call(ctx, command[T]{op: opIsAlive})
	return r.alive, err
}

// State returns the client's lifecycle state.
func (c *Client[T]) State(ctx context.Context) (State, error) {
	r, err := c.call(ctx, command[T]{op: opState})
	return r.state, err
}

// Disconnect closes the current connection, if any.
func (c *Client[T]) Disconnect(ctx context.Context) error {
	_, err := c.call(ctx, command[T]{op: opDisconnect})
	return err
}

// DrainMessageQueue appends every received message to out, oldest first,
// and returns the extended slice. It does not go through the actor.
func (c *Client[T]) DrainMessageQueue(out []Envelope[T]) []Envelope[T] {
	return c.inbox.Drain(out)
}

// Close stops the actor and its connection and waits for it to exit.
// Commands issued afterwards fail with ErrClientClosed.
func (c *Client[T]) Close() error {
	c.cancel()
	<-c.doneD
	return nil
}

// call delivers one command and waits for its reply.
func (c *Client[T]) call(ctx context.Context, cmd command[T]) (reply, error) {
	cmd.ctx = ctx
	cmd.reply = make(chan reply, 1)

	select {
	case c.commands <- cmd:
	case <-c.doneD:
		return reply{}, ErrClientClosed
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}

	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-c.doneD:
		select {
		case r := <-cmd.reply:
			return r, r.err
		default:
			return reply{}, ErrClientClosed
		}
	case <-ctx.Done():
		return reply{}, ctx.Err()
	}
}

// run is the actor loop. A panic while handling a command ends the actor;
// pending and later calls then fail with ErrClientClosed.
func (c *Client[T]) run(ctx context.Context, a *clientActor[T]) {
	defer c.doneD.SetDone()
	defer a.shutdown()
	defer func() {
		if e := recover(); e != nil {
			c.logger.Error("client actor panic", "panic", e, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-c.commands:
			cmd.reply <- a.handle(ctx, cmd)
		}
	}
}

// clientActor is the state owned by the actor goroutine.
type clientActor[T Kind] struct {
	inbox *Inbox[T]
	opts  options
	conn  *Conn[T]
	state State
}

func (a *clientActor[T]) handle(ctx context.Context, cmd command[T]) reply {
	switch cmd.op {
	case opConnect:
		return reply{err: a.connect(ctx, cmd)}
	case opSend:
		return reply{err: a.send(cmd.msg)}
	case opPing:
		return reply{}
	case opIsAlive:
		return reply{alive: a.currentState() == Connected}
	case opState:
		return reply{state: a.currentState()}
	case opDisconnect:
		return reply{err: a.disconnect()}
	default:
		return reply{}
	}
}

// connect dials with the caller's context, but the connection's loops run
// for the lifetime of the actor.
func (a *clientActor[T]) connect(ctx context.Context, cmd command[T]) error {
	prev := a.currentState()
	if prev == Connected {
		return ErrAlreadyConnected
	}

	a.state = Connecting
	conn := newConnWithOptions(a.inbox, a.opts)
	if err := conn.ConnectToServer(cmd.ctx, cmd.host, cmd.port); err != nil {
		a.opts.logger.Warn("connect failed", "host", cmd.host, "port", cmd.port, "error", err)
		a.state = prev
		return err
	}

	conn.Start(ctx)
	a.conn = conn
	a.state = Connected
	return nil
}

func (a *clientActor[T]) send(msg *Message[T]) error {
	if a.currentState() != Connected {
		return ErrNotConnected
	}
	return a.conn.Send(msg)
}

func (a *clientActor[T]) disconnect() error {
	if a.conn == nil {
		return nil
	}
	err := a.conn.Disconnect()
	a.state = Disconnected
	return err
}

// currentState folds a connection lost since the last command into the state.
func (a *clientActor[T]) currentState() State {
	if a.state == Connected && !a.conn.IsConnected() {
		a.state = Disconnected
	}
	return a.state
}

func (a *clientActor[T]) shutdown() {
	if a.conn != nil {
		_ = a.conn.Disconnect()
	}
}
