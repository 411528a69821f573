package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Zereker/msgnet"
	"github.com/Zereker/msgnet/example/config"
	"github.com/Zereker/msgnet/example/protocol"
)

const tickInterval = 50 * time.Millisecond

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := cfg.Logger()
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := msgnet.NewClient[protocol.MsgKind](msgnet.LoggerOption(logger))
	defer client.Close()

	if err := client.Connect(ctx, cfg.Host, cfg.Port); err != nil {
		logger.Error("failed to connect", "error", err)
		os.Exit(1)
	}

	if err := client.Send(ctx, msgnet.NewMessage(protocol.Ping)); err != nil {
		logger.Error("failed to send ping", "error", err)
		os.Exit(1)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	player := protocol.Player{ID: uint32(os.Getpid())}
	var received []msgnet.Envelope[protocol.MsgKind]

	for n := uint64(0); ; n++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		alive, err := client.IsConnected(ctx)
		if err != nil || !alive {
			logger.Info("disconnected from server", "error", err)
			return
		}

		received = client.DrainMessageQueue(received[:0])
		for _, env := range received {
			handle(logger, env.Message)
		}

		// Walk in a circle and report the new position.
		player.X = float32(math.Cos(float64(n) / 20))
		player.Y = float32(math.Sin(float64(n) / 20))
		msg, err := protocol.NewSyncPlayer(player, n)
		if err != nil {
			logger.Error("failed to build sync", "error", err)
			return
		}
		if err := client.Send(ctx, msg); err != nil {
			logger.Warn("sync not sent", "error", err)
		}
	}
}

func handle(logger *slog.Logger, m *protocol.Message) {
	switch m.ID() {
	case protocol.Pong:
		logger.Info("pong received")
	case protocol.SyncPlayer:
		p, tick, err := protocol.ReadSyncPlayer(m)
		if err != nil {
			logger.Warn("malformed sync", "error", err)
			return
		}
		logger.Debug("player moved", "player", p.ID, "x", p.X, "y", p.Y, "tick", tick)
	case protocol.PlayerLeft:
		logger.Info("a player left")
	}
}
