package msgnet

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Interface(t *testing.T) {
	// Verify that *slog.Logger implements our Logger interface
	var _ Logger = slog.Default()
}

func TestDefaultLogger(t *testing.T) {
	logger := defaultLogger()

	require.NotNil(t, logger)
	assert.Equal(t, slog.Default(), logger)
}

func TestNopLogger_Methods(t *testing.T) {
	logger := NopLogger()

	// These should not panic - just verify they can be called
	logger.Debug("debug message", "key", "value")
	logger.Info("info message", "key", "value")
	logger.Warn("warn message", "key", "value")
	logger.Error("error message", "key", "value")
}

// mockLogger records every message it is given.
type mockLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (l *mockLogger) record(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
}

func (l *mockLogger) Debug(msg string, args ...any) { l.record(msg) }
func (l *mockLogger) Info(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Warn(msg string, args ...any)  { l.record(msg) }
func (l *mockLogger) Error(msg string, args ...any) { l.record(msg) }

func (l *mockLogger) messages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.msgs...)
}

func TestConn_LogsLifecycle(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	logger := &mockLogger{}
	conn := FromStream(serverConn, NewInbox[testKind](), LoggerOption(logger))

	done := runConn(context.Background(), conn)
	require.NoError(t, clientConn.Close())
	require.NoError(t, waitRun(t, done))

	msgs := logger.messages()
	assert.Contains(t, msgs, "connection established")
	assert.Contains(t, msgs, "peer closed connection")
	assert.Contains(t, msgs, "connection closed")
}

func TestConn_LogsMalformedFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	logger := &mockLogger{}
	conn := FromStream(serverConn, NewInbox[testKind](), LoggerOption(logger))

	done := runConn(context.Background(), conn)
	_, err := clientConn.Write([]byte{0, 0, 0, 0, 1, 0, 0, 0})
	require.NoError(t, err)
	waitRun(t, done)

	msgs := logger.messages()
	assert.Contains(t, msgs, "malformed frame")
	assert.Contains(t, msgs, "connection closed with error")
}
