// Package protocol defines the message kinds shared by the example client and server.
package protocol

import (
	"github.com/Zereker/msgnet"
)

// MsgKind identifies a message.
type MsgKind uint32

const (
	Ping MsgKind = iota
	Pong
	SyncPlayer
	PlayerLeft
)

func (k MsgKind) String() string {
	switch k {
	case Ping:
		return "ping"
	case Pong:
		return "pong"
	case SyncPlayer:
		return "sync_player"
	case PlayerLeft:
		return "player_left"
	default:
		return "unknown"
	}
}

// Message is a message of this protocol.
type Message = msgnet.Message[MsgKind]

// Player is the state one client reports about itself.
type Player struct {
	ID   uint32
	X, Y float32
}

// NewSyncPlayer builds a SyncPlayer message carrying p and the tick it was sampled on.
// Decode with ReadSyncPlayer, which pulls the fields in reverse.
func NewSyncPlayer(p Player, tick uint64) (*Message, error) {
	m := msgnet.NewMessage(SyncPlayer)
	if err := m.PushValue(p); err != nil {
		return nil, err
	}
	msgnet.Push(m, tick)
	return m, nil
}

// ReadSyncPlayer decodes a message built by NewSyncPlayer.
func ReadSyncPlayer(m *Message) (Player, uint64, error) {
	var p Player
	tick, err := msgnet.Pull[MsgKind, uint64](m)
	if err != nil {
		return p, 0, err
	}
	if err := m.PullValue(&p); err != nil {
		return p, 0, err
	}
	return p, tick, nil
}
