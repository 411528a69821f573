package main

import (
	"context"
	"fmt"
	"log/slog"
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

	server, err := msgnet.NewServer[protocol.MsgKind](fmt.Sprintf(":%d", cfg.Port),
		msgnet.ServerLoggerOption(logger))
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}
	defer server.Close()

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server.Start(ctx)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	known := 0
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down server...")
			return
		case <-ticker.C:
			known = tick(logger, server, known)
		}
	}
}

// tick handles everything received since the last tick and tracks joins and
// leaves by diffing the connection count.
func tick(logger *slog.Logger, server *msgnet.Server[protocol.MsgKind], known int) int {
	for {
		env, ok := server.PopMessage()
		if !ok {
			break
		}

		switch env.Message.ID() {
		case protocol.Ping:
			if err := server.SendTo(env.Addr, msgnet.NewMessage(protocol.Pong)); err != nil {
				logger.Warn("pong not sent", "addr", env.Addr, "error", err)
			}
		case protocol.SyncPlayer:
			// Relay to every client, the sender included.
			server.SendToAll(env.Message)
		default:
			logger.Debug("ignored message", "addr", env.Addr, "kind", env.Message.ID())
		}
	}

	for _, addr := range server.Update() {
		logger.Info("player left", "addr", addr)
		server.SendToAll(msgnet.NewMessage(protocol.PlayerLeft))
	}

	count := server.ConnectionCount()
	if count > known {
		logger.Info("players joined", "count", count-known, "total", count)
	}
	return count
}
