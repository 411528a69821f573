package msgnet

import (
	"context"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testKind uint32

const (
	kindPing testKind = iota
	kindPong
	kindSync
)

const waitFor = 5 * time.Second
const tick = 10 * time.Millisecond

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err, "failed to create listener")
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	require.NoError(t, err, "failed to accept")

	select {
	case clientConn := <-clientChan:
		t.Cleanup(func() {
			serverConn.Close()
			clientConn.Close()
		})
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(waitFor):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func newTestConn(t *testing.T, raw *net.TCPConn, opt ...Option) (*Conn[testKind], *Inbox[testKind]) {
	t.Helper()
	inbox := NewInbox[testKind]()
	opt = append([]Option{LoggerOption(NopLogger())}, opt...)
	return FromStream(raw, inbox, opt...), inbox
}

// runConn runs c in the background and returns a channel carrying Run's result.
func runConn(ctx context.Context, c *Conn[testKind]) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx)
	}()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for Run to complete")
		return nil
	}
}

func TestFromStream(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn, _ := newTestConn(t, serverConn)

	assert.True(t, conn.IsConnected())
	assert.Equal(t, addrPortOf(clientConn.LocalAddr()), conn.Addr())
	assert.Equal(t, 0, conn.Pending())
}

func TestNewConn_Empty(t *testing.T) {
	conn := NewConn(NewInbox[testKind](), LoggerOption(NopLogger()))

	assert.False(t, conn.IsConnected())
	assert.ErrorIs(t, conn.Run(context.Background()), ErrNotConnected)
}

func TestConn_ConnectToServer(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := listener.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	conn := NewConn(NewInbox[testKind](), LoggerOption(NopLogger()))
	port := uint16(listener.Addr().(*net.TCPAddr).Port)

	require.NoError(t, conn.ConnectToServer(context.Background(), "127.0.0.1", port))
	defer conn.Disconnect()

	select {
	case c := <-accepted:
		defer c.Close()
	case <-time.After(waitFor):
		t.Fatal("timeout waiting for accept")
	}

	assert.True(t, conn.IsConnected())
	assert.Equal(t, port, conn.Addr().Port())

	err = conn.ConnectToServer(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, ErrAlreadyConnected)
}

func TestConn_ConnectToServer_Refused(t *testing.T) {
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	port := uint16(listener.Addr().(*net.TCPAddr).Port)
	listener.Close()

	conn := NewConn(NewInbox[testKind](), LoggerOption(NopLogger()), DialTimeoutOption(time.Second))

	err = conn.ConnectToServer(context.Background(), "127.0.0.1", port)
	require.Error(t, err)
	assert.False(t, conn.IsConnected())
}

func TestConn_Send_BufferFull(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn, BufferSizeOption(1))

	require.NoError(t, conn.Send(NewMessage(kindPing)))
	assert.ErrorIs(t, conn.Send(NewMessage(kindPing)), ErrBufferFull)
	assert.Equal(t, 1, conn.Pending())
}

func TestConn_SendBlocking_Timeout(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn, BufferSizeOption(1))

	require.NoError(t, conn.Send(NewMessage(kindPing)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.SendBlocking(ctx, NewMessage(kindPing))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_SendBlocking_ConnectionStops(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn, BufferSizeOption(1))

	require.NoError(t, conn.Send(NewMessage(kindPing)))

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.SendBlocking(context.Background(), NewMessage(kindPing))
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, conn.Disconnect())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrConnectionClosed)
	case <-time.After(waitFor):
		t.Fatal("SendBlocking did not return")
	}
}

func TestConn_Disconnect(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	require.NoError(t, conn.Disconnect())
	require.NoError(t, conn.Disconnect())

	assert.False(t, conn.IsConnected())
	assert.True(t, conn.Done().Done())
	assert.ErrorIs(t, conn.Send(NewMessage(kindPing)), ErrConnectionClosed)
	assert.ErrorIs(t, conn.Run(context.Background()), ErrConnectionClosed)
}

func TestConn_Run_ReceivesFragmentedFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, inbox := newTestConn(t, serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(ctx, conn)

	m := NewMessage(kindSync)
	for i := 0; i < 32; i++ {
		Push(m, uint64(i))
	}
	data := mustEncode(t, m)

	for _, b := range data {
		_, err := clientConn.Write([]byte{b})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return inbox.Len() == 1 }, waitFor, tick)

	env, ok := inbox.Pop()
	require.True(t, ok)
	assert.Equal(t, addrPortOf(clientConn.LocalAddr()), env.Addr)
	assert.Equal(t, data, mustEncode(t, env.Message))

	cancel()
	assert.ErrorIs(t, waitRun(t, done), context.Canceled)
}

func TestConn_Run_ReceivesInOrder(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, inbox := newTestConn(t, serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConn(ctx, conn)

	var stream []byte
	for i := 0; i < 10; i++ {
		m := NewMessage(kindSync)
		Push(m, uint32(i))
		stream = append(stream, mustEncode(t, m)...)
	}
	_, err := clientConn.Write(stream)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inbox.Len() == 10 }, waitFor, tick)

	for i, env := range inbox.Drain(nil) {
		v, err := Pull[testKind, uint32](env.Message)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), v)
	}
}

func TestConn_Run_WriteLoop(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConn(ctx, conn)

	for i := 0; i < 3; i++ {
		m := NewMessage(kindSync)
		Push(m, uint32(i))
		require.NoError(t, conn.Send(m))
	}

	_ = clientConn.SetReadDeadline(time.Now().Add(waitFor))
	frames := newFrameReader[testKind](clientConn, 4096, defaultMaxFrameSize)
	for i := 0; i < 3; i++ {
		got, err := frames.next()
		require.NoError(t, err)
		v, err := Pull[testKind, uint32](got)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), v)
	}
}

func TestConn_Run_PeerClose(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	done := runConn(context.Background(), conn)

	require.NoError(t, clientConn.Close())

	assert.NoError(t, waitRun(t, done))
	assert.False(t, conn.IsConnected())
	assert.True(t, conn.Done().Done())
	assert.ErrorIs(t, conn.Send(NewMessage(kindPing)), ErrConnectionClosed)
}

func TestConn_Run_Disconnect(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	done := runConn(context.Background(), conn)
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, conn.Disconnect())
	assert.NoError(t, waitRun(t, done))

	// The peer observes the close.
	_ = clientConn.SetReadDeadline(time.Now().Add(waitFor))
	_, err := clientConn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)
}

func TestConn_Run_AlreadyStarted(t *testing.T) {
	serverConn, _ := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runConn(ctx, conn)

	require.Eventually(t, func() bool { return conn.started.Load() }, waitFor, tick)
	assert.ErrorIs(t, conn.Run(ctx), errAlreadyStarted)

	cancel()
	waitRun(t, done)
}

func TestConn_Run_MalformedFrameDisconnects(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, _ := newTestConn(t, serverConn)

	done := runConn(context.Background(), conn)

	_, err := clientConn.Write([]byte{1, 0, 0, 0, 2, 0, 0, 0})
	require.NoError(t, err)

	assert.ErrorIs(t, waitRun(t, done), ErrShortFrame)
	assert.False(t, conn.IsConnected())
}

func TestConn_Run_OversizedFrameSkipped(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	conn, inbox := newTestConn(t, serverConn, MessageMaxSize(16))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runConn(ctx, conn)

	big := NewMessage(kindSync)
	Push(big, uint64(1))
	Push(big, uint64(2))
	small := NewMessage(kindPong)
	Push(small, uint32(5))

	_, err := clientConn.Write(append(mustEncode(t, big), mustEncode(t, small)...))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return inbox.Len() == 1 }, waitFor, tick)
	env, _ := inbox.Pop()
	assert.Equal(t, kindPong, env.Message.ID())
	assert.True(t, conn.IsConnected())
}

func TestConn_Run_OnErrorDisconnectsOversized(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	var seen error
	conn, _ := newTestConn(t, serverConn,
		MessageMaxSize(8),
		OnErrorOption(func(err error) ErrorAction {
			seen = err
			return Disconnect
		}),
	)

	done := runConn(context.Background(), conn)

	m := NewMessage(kindSync)
	Push(m, uint32(1))
	_, err := clientConn.Write(mustEncode(t, m))
	require.NoError(t, err)

	assert.ErrorIs(t, waitRun(t, done), ErrFrameTooLarge)
	assert.ErrorIs(t, seen, ErrFrameTooLarge)
}

func TestIsBrokenPipe(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"eof", io.EOF, true},
		{"unexpected eof", io.ErrUnexpectedEOF, true},
		{"epipe", &net.OpError{Op: "write", Err: syscall.EPIPE}, true},
		{"reset", errors.Wrap(syscall.ECONNRESET, "read"), true},
		{"closed", net.ErrClosed, true},
		{"other", errors.New("boom"), false},
		{"frame", ErrShortFrame, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isBrokenPipe(tt.err))
		})
	}
}
