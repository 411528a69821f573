package msgnet

import (
	"net/netip"
	"sync"
)

// Envelope is one received message and the address of the peer that sent it.
type Envelope[T Kind] struct {
	Addr    netip.AddrPort
	Message *Message[T]
}

// Inbox is a FIFO queue of received messages shared between connections and
// the application loop that drains it.
// The lock is only held to enqueue or dequeue.
type Inbox[T Kind] struct {
	mu    sync.Mutex
	items []Envelope[T]
}

// NewInbox creates an empty inbox.
func NewInbox[T Kind]() *Inbox[T] {
	return &Inbox[T]{}
}

// Push appends an envelope.
func (i *Inbox[T]) Push(e Envelope[T]) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.items = append(i.items, e)
}

// Pop removes and returns the oldest envelope, if any.
func (i *Inbox[T]) Pop() (Envelope[T], bool) {
	i.mu.Lock()
	defer i.mu.Unlock()

	var e Envelope[T]
	if len(i.items) == 0 {
		return e, false
	}

	e = i.items[0]
	i.items[0] = Envelope[T]{}
	i.items = i.items[1:]
	return e, true
}

// Drain appends every queued envelope to out, oldest first, and returns the
// extended slice. The inbox is empty afterwards.
func (i *Inbox[T]) Drain(out []Envelope[T]) []Envelope[T] {
	i.mu.Lock()
	items := i.items
	i.items = nil
	i.mu.Unlock()

	return append(out, items...)
}

// Len returns the number of queued envelopes.
func (i *Inbox[T]) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()

	return len(i.items)
}
