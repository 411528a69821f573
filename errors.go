package msgnet

import (
	"io"
	"net"
	"syscall"

	"github.com/pkg/errors"
)

// Errors returned by message encoding and decoding.
var (
	// ErrNotEnoughBytes is returned when a pull asks for more bytes than the body holds.
	ErrNotEnoughBytes = errors.New("not enough bytes in message body")
	// ErrNotFixedSize is returned when a value has no fixed binary size.
	ErrNotFixedSize = errors.New("value is not fixed size")
	// ErrShortFrame is returned when a frame is shorter than its header.
	ErrShortFrame = errors.New("frame shorter than header")
	// ErrSizeMismatch is returned when the header size disagrees with the frame length.
	ErrSizeMismatch = errors.New("frame size does not match header")
	// ErrFrameTooLarge is returned when a frame exceeds the maximum allowed size.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Errors returned by connection, client and server operations.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot accept more messages.
	ErrBufferFull = errors.New("send buffer full")
	// ErrNotConnected is returned when a client has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrAlreadyConnected is returned when connecting an established connection.
	ErrAlreadyConnected = errors.New("already connected")
	// ErrClientClosed is returned when the client actor is no longer running.
	ErrClientClosed = errors.New("client closed")
)

// isBrokenPipe reports whether err means the peer has gone away.
// Such errors end a loop cleanly instead of being reported as failures.
func isBrokenPipe(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
