package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	internalhttp "github.com/EternisAI/silo-broker/internal/api/http"
	internaltls "github.com/EternisAI/silo-broker/internal/tls"
	tunnelclient "github.com/EternisAI/silo-broker/internal/tunnel/client"
	"github.com/EternisAI/silo-broker/internal/userstore"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Silo Broker Agent", "version", AppVersion, "agent_node", config.Tunnel.Node)

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	manager, err := userstore.New(config.Userstore)
	if err != nil {
		return fmt.Errorf("failed to create user store: %w", err)
	}
	defer manager.Close()

	checkCtx, checkCancel := context.WithTimeout(context.Background(), 30*time.Second)
	ok := manager.ConnectionStatus(checkCtx)
	checkCancel()
	if !ok {
		return fmt.Errorf("user store %q is not reachable", config.Userstore.Type)
	}
	slog.Info("User store ready", "type", config.Userstore.Type)

	var tlsConfig *tls.Config
	if config.Tunnel.TLS.Enabled {
		tlsConfig, err = internaltls.LoadClientConfig(
			config.Tunnel.TLS.CertFile,
			config.Tunnel.TLS.KeyFile,
			config.Tunnel.TLS.CAFile,
			config.Tunnel.TLS.ServerNameOverride,
		)
		if err != nil {
			return err
		}
	}

	tunnelClient := tunnelclient.NewClient(tunnelclient.Config{
		URL:               config.Tunnel.URL,
		AccessToken:       config.Tunnel.AccessToken,
		Node:              config.Tunnel.Node,
		ReconnectInterval: config.Tunnel.ReconnectInterval,
		HeartbeatInterval: config.Tunnel.HeartbeatInterval,
		Workers:           config.Tunnel.Workers,
		TLSConfig:         tlsConfig,
	}, tunnelclient.NewRequestHandler(manager))
	if err := tunnelClient.Start(); err != nil {
		return fmt.Errorf("failed to start tunnel client: %w", err)
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupAgentRoute(engine, tunnelClient.Connected)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("Starting HTTP server", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			quit <- syscall.SIGTERM
		}
	}()

	var runErr error
	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case runErr = <-tunnelClient.Fatal():
		slog.Error("Tunnel rejected by broker", "error", runErr)
	}

	slog.Info("Shutting down servers...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := tunnelClient.Stop(); err != nil {
			slog.Error("Tunnel client stop error", "error", err)
		}
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
	return runErr
}
