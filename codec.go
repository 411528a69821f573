package msgnet

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Frame layout on the wire, all fields little-endian:
//
//	[ id: size of T | size: uint32 ][ body: size - HeaderSize bytes ]
//
// There is no separate length prefix and no magic or version byte.

// AppendBinary appends the encoded header to b.
func (h Header[T]) AppendBinary(b []byte) ([]byte, error) {
	b, err := binary.Append(b, byteOrder, h.ID)
	if err != nil {
		return nil, err
	}
	return byteOrder.AppendUint32(b, h.Size), nil
}

// decodeHeader decodes a header from the first HeaderSize bytes of b.
func decodeHeader[T Kind](b []byte) (Header[T], error) {
	var h Header[T]
	if len(b) < HeaderSize[T]() {
		return h, ErrShortFrame
	}

	n, err := binary.Decode(b, byteOrder, &h.ID)
	if err != nil {
		return h, err
	}
	h.Size = byteOrder.Uint32(b[n:])
	return h, nil
}

// AppendBinary appends the encoded frame, header first, to b.
func (m *Message[T]) AppendBinary(b []byte) ([]byte, error) {
	b, err := m.Header.AppendBinary(b)
	if err != nil {
		return nil, err
	}
	return append(b, m.body...), nil
}

// MarshalBinary encodes the message as one frame.
func (m *Message[T]) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.Header.Size))
}

// UnmarshalBinary replaces m with the frame decoded from b.
func (m *Message[T]) UnmarshalBinary(b []byte) error {
	decoded, err := Decode[T](b)
	if err != nil {
		return err
	}
	*m = *decoded
	return nil
}

// Decode decodes exactly one frame.
// It fails with ErrShortFrame when b is shorter than a header and with
// ErrSizeMismatch when the header's size disagrees with len(b).
func Decode[T Kind](b []byte) (*Message[T], error) {
	h, err := decodeHeader[T](b)
	if err != nil {
		return nil, err
	}

	if int(h.Size) != len(b) {
		return nil, errors.Wrapf(ErrSizeMismatch, "header size %d, frame length %d", h.Size, len(b))
	}

	body := make([]byte, len(b)-HeaderSize[T]())
	copy(body, b[HeaderSize[T]():])
	return &Message[T]{Header: h, body: body}, nil
}

// frameReader reassembles frames from a byte stream.
// TCP has no message boundaries, so a header or body may arrive across any
// number of reads, and one read may hold several frames.
type frameReader[T Kind] struct {
	r       *bufio.Reader
	header  []byte
	maxSize int
}

func newFrameReader[T Kind](r io.Reader, bufferSize, maxSize int) *frameReader[T] {
	return &frameReader[T]{
		r:       bufio.NewReaderSize(r, bufferSize),
		header:  make([]byte, HeaderSize[T]()),
		maxSize: maxSize,
	}
}

// next reads one complete frame.
// An oversized frame is skipped in full before ErrFrameTooLarge is returned,
// so the stream stays aligned on the following frame.
func (f *frameReader[T]) next() (*Message[T], error) {
	if _, err := io.ReadFull(f.r, f.header); err != nil {
		return nil, err
	}

	h, err := decodeHeader[T](f.header)
	if err != nil {
		return nil, err
	}

	size := int(h.Size)
	if size < len(f.header) {
		return nil, errors.Wrapf(ErrShortFrame, "declared size %d", size)
	}

	if size > f.maxSize {
		if _, err := f.r.Discard(size - len(f.header)); err != nil {
			return nil, err
		}
		return nil, errors.Wrapf(ErrFrameTooLarge, "declared size %d, limit %d", size, f.maxSize)
	}

	body := make([]byte, size-len(f.header))
	if _, err := io.ReadFull(f.r, body); err != nil {
		return nil, err
	}

	return &Message[T]{Header: h, body: body}, nil
}
