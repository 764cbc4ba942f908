package main

import (
	"context"
	"log/slog"
	"time"
)

// brokerServers holds what serve started, in the shape shutdown needs.
type brokerServers struct {
	health interface{ SetNotServing() }
	tunnel interface {
		StopWithTimeout(timeout time.Duration) error
	}
	http interface {
		Shutdown(ctx context.Context) error
	}
	relay interface{ Stop() }
	grpc  interface {
		StopWithTimeout(timeout time.Duration) error
	}
}

// shutdown stops the broker. The tunnel endpoint stops first so this node's
// connection rows are marked failed before the listener is released.
func (b *brokerServers) shutdown(timeout time.Duration) {
	slog.Info("Shutting down servers...")
	b.health.SetNotServing()

	if err := b.tunnel.StopWithTimeout(timeout); err != nil {
		slog.Error("Tunnel server shutdown error", "error", err)
	}

	// Hijacked websocket connections are not tracked by Shutdown; the tunnel
	// server has already closed them.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := b.http.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped")
	}

	b.relay.Stop()

	if err := b.grpc.StopWithTimeout(timeout); err != nil {
		slog.Error("gRPC server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
