package msgnet

import (
	"net/netip"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInbox_FIFO(t *testing.T) {
	inbox := NewInbox[testKind]()
	addr := netip.MustParseAddrPort("127.0.0.1:9000")

	for i := 0; i < 3; i++ {
		m := NewMessage(kindSync)
		Push(m, uint32(i))
		inbox.Push(Envelope[testKind]{Addr: addr, Message: m})
	}
	assert.Equal(t, 3, inbox.Len())

	for i := 0; i < 3; i++ {
		env, ok := inbox.Pop()
		require.True(t, ok)
		assert.Equal(t, addr, env.Addr)

		v, err := Pull[testKind, uint32](env.Message)
		require.NoError(t, err)
		assert.Equal(t, uint32(i), v)
	}

	_, ok := inbox.Pop()
	assert.False(t, ok)
}

func TestInbox_Drain(t *testing.T) {
	inbox := NewInbox[testKind]()
	inbox.Push(Envelope[testKind]{Message: NewMessage(kindPing)})
	inbox.Push(Envelope[testKind]{Message: NewMessage(kindPong)})

	out := []Envelope[testKind]{{Message: NewMessage(kindSync)}}
	out = inbox.Drain(out)

	require.Len(t, out, 3)
	assert.Equal(t, kindSync, out[0].Message.ID())
	assert.Equal(t, kindPing, out[1].Message.ID())
	assert.Equal(t, kindPong, out[2].Message.ID())
	assert.Equal(t, 0, inbox.Len())

	assert.Empty(t, inbox.Drain(nil))
}

func TestInbox_ConcurrentPush(t *testing.T) {
	inbox := NewInbox[testKind]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				inbox.Push(Envelope[testKind]{Message: NewMessage(kindPing)})
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 800, inbox.Len())
	assert.Len(t, inbox.Drain(nil), 800)
}
