package msgnet

import (
	"encoding/binary"
	"fmt"
)

// Kind is the constraint for message kind discriminants.
// Applications declare a named integer type and a set of constants:
//
//	type MsgKind uint32
//
//	const (
//		Ping MsgKind = iota
//		SyncWorld
//	)
//
// Both peers must agree on the concrete type, since its width is part of the header.
type Kind interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64
}

// Pod is the constraint for scalar values that can be pushed onto a message body.
type Pod interface {
	~bool | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~int8 | ~int16 | ~int32 | ~int64 | ~float32 | ~float64
}

// byteOrder is the byte order of every multi-byte field on the wire.
var byteOrder = binary.LittleEndian

// Header is the fixed-layout prefix of a frame.
type Header[T Kind] struct {
	// ID identifies the message kind.
	ID T
	// Size is the total encoded length of the frame, header included.
	Size uint32
}

// HeaderSize returns the encoded size of Header[T] in bytes.
func HeaderSize[T Kind]() int {
	var id T
	return binary.Size(id) + 4
}

// Message is a typed message: a header plus a body used as a stack.
//
// Values are pushed onto the tail of the body and pulled back from the tail,
// so they must be pulled in the reverse order they were pushed:
//
//	m := msgnet.NewMessage(SyncPlayer)
//	msgnet.Push(m, uint32(7))
//	msgnet.Push(m, true)
//
//	alive, _ := msgnet.Pull[MsgKind, bool](m)  // true
//	id, _ := msgnet.Pull[MsgKind, uint32](m)   // 7
//
// A Message must not be modified after it has been handed to a connection for sending.
type Message[T Kind] struct {
	Header Header[T]
	body   []byte
}

// NewMessage creates an empty message of the given kind.
func NewMessage[T Kind](id T) *Message[T] {
	m := &Message[T]{Header: Header[T]{ID: id}}
	m.resize()
	return m
}

// ID returns the message kind.
func (m *Message[T]) ID() T {
	return m.Header.ID
}

// Len returns the length of the body in bytes.
func (m *Message[T]) Len() int {
	return len(m.body)
}

// Body returns a copy of the body bytes.
func (m *Message[T]) Body() []byte {
	body := make([]byte, len(m.body))
	copy(body, m.body)
	return body
}

// Clone returns an independent copy of the message.
func (m *Message[T]) Clone() *Message[T] {
	return &Message[T]{Header: m.Header, body: m.Body()}
}

func (m *Message[T]) String() string {
	return fmt.Sprintf("Message{id: %v, size: %d}", m.Header.ID, m.Header.Size)
}

// resize recomputes the header size from the current body.
func (m *Message[T]) resize() {
	m.Header.Size = uint32(HeaderSize[T]() + len(m.body))
}

// Push appends v to the tail of the body.
func Push[T Kind, V Pod](m *Message[T], v V) {
	body, err := binary.Append(m.body, byteOrder, v)
	if err != nil {
		// Pod values always have a fixed size.
		panic(err)
	}
	m.body = body
	m.resize()
}

// Pull removes a V from the tail of the body and returns it.
// It returns ErrNotEnoughBytes, leaving the body unchanged, when the body
// holds fewer bytes than V needs.
func Pull[T Kind, V Pod](m *Message[T]) (V, error) {
	var v V
	n := binary.Size(v)
	if n > len(m.body) {
		return v, ErrNotEnoughBytes
	}

	if _, err := binary.Decode(m.body[len(m.body)-n:], byteOrder, &v); err != nil {
		return v, err
	}

	m.body = m.body[:len(m.body)-n]
	m.resize()
	return v, nil
}

// PushValue appends any fixed-size value, such as a struct of fixed-width
// fields or an array, to the tail of the body.
func (m *Message[T]) PushValue(v any) error {
	if binary.Size(v) < 0 {
		return ErrNotFixedSize
	}

	body, err := binary.Append(m.body, byteOrder, v)
	if err != nil {
		return err
	}
	m.body = body
	m.resize()
	return nil
}

// PullValue removes a fixed-size value from the tail of the body into the
// value pointed to by ptr. The body is unchanged on error.
func (m *Message[T]) PullValue(ptr any) error {
	n := binary.Size(ptr)
	if n < 0 {
		return ErrNotFixedSize
	}
	if n > len(m.body) {
		return ErrNotEnoughBytes
	}

	if _, err := binary.Decode(m.body[len(m.body)-n:], byteOrder, ptr); err != nil {
		return err
	}

	m.body = m.body[:len(m.body)-n]
	m.resize()
	return nil
}
