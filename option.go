package msgnet

import (
	"time"

	"github.com/pkg/errors"
)

// ErrorAction defines the action to take when an error occurs.
type ErrorAction int

const (
	// Disconnect closes the connection when an error occurs.
	Disconnect ErrorAction = iota
	// Continue suppresses the error and continues processing.
	Continue
)

// Default configuration values.
const (
	// defaultBufferSize is the default capacity of a connection's send queue.
	defaultBufferSize = 64
	// defaultMaxFrameSize is the default maximum size of a single frame (1MB).
	defaultMaxFrameSize = 1024 * 1024
	// defaultReadBufferSize is the default size of the read scratch buffer.
	defaultReadBufferSize = 4096
	// defaultDialTimeout bounds a client connect attempt.
	defaultDialTimeout = 5 * time.Second
)

// options holds the configuration for a connection.
type options struct {
	logger Logger

	// onError is called when a frame cannot be decoded.
	// Returns Disconnect to close the connection, Continue to skip the frame.
	onError func(error) ErrorAction

	bufferSize     int           // capacity of the send queue
	maxFrameSize   int           // maximum size of a single frame
	readBufferSize int           // size of the read scratch buffer
	dialTimeout    time.Duration // client connect timeout
}

// Option is a function that configures connection options.
type Option func(*options)

func newOptions(opt ...Option) options {
	var opts options
	for _, o := range opt {
		o(&opts)
	}
	checkOptions(&opts)
	return opts
}

// checkOptions sets default values for unset connection options.
func checkOptions(opts *options) {
	if opts.bufferSize <= 0 {
		opts.bufferSize = defaultBufferSize
	}

	if opts.maxFrameSize <= 0 {
		opts.maxFrameSize = defaultMaxFrameSize
	}

	if opts.readBufferSize <= 0 {
		opts.readBufferSize = defaultReadBufferSize
	}

	if opts.dialTimeout <= 0 {
		opts.dialTimeout = defaultDialTimeout
	}

	if opts.onError == nil {
		opts.onError = defaultOnError
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}
}

// defaultOnError skips oversized frames, which have already been consumed
// from the stream, and disconnects on anything else.
func defaultOnError(err error) ErrorAction {
	if errors.Is(err, ErrFrameTooLarge) {
		return Continue
	}
	return Disconnect
}

// BufferSizeOption returns an Option that sets the capacity of the send queue.
// Sends beyond this capacity fail with ErrBufferFull until the write loop catches up.
func BufferSizeOption(size int) Option {
	return func(o *options) {
		o.bufferSize = size
	}
}

// MessageMaxSize returns an Option that sets the maximum frame size, header included.
// Larger frames are skipped by the read loop.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxFrameSize = size
	}
}

// ReadBufferSizeOption returns an Option that sets the size of the read scratch buffer.
func ReadBufferSizeOption(size int) Option {
	return func(o *options) {
		o.readBufferSize = size
	}
}

// DialTimeoutOption returns an Option that bounds how long a client waits to connect.
func DialTimeoutOption(timeout time.Duration) Option {
	return func(o *options) {
		o.dialTimeout = timeout
	}
}

// OnErrorOption returns an Option that sets the frame error callback.
// The callback is invoked when an inbound frame is malformed.
// Return Disconnect to close the connection, or Continue to skip the frame.
func OnErrorOption(cb func(error) ErrorAction) Option {
	return func(o *options) {
		o.onError = cb
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}
