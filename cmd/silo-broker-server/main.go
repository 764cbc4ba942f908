package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/EternisAI/silo-broker/internal/admission"
	internalhttp "github.com/EternisAI/silo-broker/internal/api/http"
	"github.com/EternisAI/silo-broker/internal/db"
	grpcserver "github.com/EternisAI/silo-broker/internal/grpc/server"
	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/relay"
	"github.com/EternisAI/silo-broker/internal/session"
	internaltls "github.com/EternisAI/silo-broker/internal/tls"
	tunnelserver "github.com/EternisAI/silo-broker/internal/tunnel/server"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"google.golang.org/grpc/credentials"
)

var AppVersion string

const shutdownTimeout = 10 * time.Second

func main() {
	InitConfig()

	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "serve":
		err = serve()
	case "migrate":
		err = db.RunMigrations(config.DB.Driver, config.DB.Url, config.DB.Schema)
	case "token":
		err = runToken(args)
	case "admin-token":
		err = runAdminToken(args)
	case "cert":
		err = runCert(args)
	default:
		err = fmt.Errorf("unknown command %q (valid: serve, migrate, token, admin-token, cert)", cmd)
	}

	if err != nil {
		slog.Error("Command failed", "command", cmd, "error", err)
		os.Exit(1)
	}
}

func serve() error {
	slog.Info("Silo Broker Server", "version", AppVersion, "server_node", config.Broker.ServerNode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := db.RunMigrations(config.DB.Driver, config.DB.Url, config.DB.Schema); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	st, err := db.OpenStore(ctx, config.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	q, err := queue.New(ctx, config.Queue)
	if err != nil {
		return err
	}
	defer q.Close()

	serverNode := config.Broker.ServerNode

	// Rows left CONNECTED by a previous run of this node are stale.
	recovered, err := st.Connections().MarkAllFailedForServerNode(ctx, serverNode)
	if err != nil {
		return fmt.Errorf("failed to reset connections: %w", err)
	}
	slog.Info("Recovered stale connections", "server_node", serverNode, "count", recovered)

	pool := session.NewPool()

	rl := relay.New(q, pool, relay.Config{
		ServerNode:  serverNode,
		ResponseTTL: config.Broker.ResponseTTL,
		PollTimeout: config.Broker.PollTimeout,
		RetryDelay:  config.Broker.QueueRetryDelay,
		Workers:     config.Broker.Workers,
	})

	prober := admission.NewHTTPProber(config.Broker.ProbeURL, config.Broker.ProbeTimeout)
	admitter := admission.NewHandler(st.Tokens(), st.Connections(), prober, admission.Config{
		ServerNode:      serverNode,
		ConnectionLimit: config.Broker.ConnectionLimit,
	})

	tunnel := tunnelserver.NewServer(tunnelserver.Config{
		ServerNode:      serverNode,
		HandshakeRate:   config.Broker.HandshakeRate,
		HandshakeBurst:  config.Broker.HandshakeBurst,
		AdmitTimeout:    config.Broker.AdmitTimeout,
		Workers:         config.Broker.SessionWorkers,
		ResponseBacklog: config.Broker.ResponseBacklog,
	}, admitter, st.Connections(), pool, rl)

	services := &internalhttp.Services{
		ServerNode:  serverNode,
		JWTSecret:   config.Auth.Secret,
		Tunnel:      tunnel,
		Pool:        pool,
		Connections: st.Connections(),
		Publisher:   rl,
		Requester:   relay.NewRequester(q, st.Connections(), config.Broker.ResponseTTL),
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	var grpcCreds credentials.TransportCredentials
	if config.Grpc.TLS.Enabled {
		clientAuth, err := internaltls.ParseClientAuthType(config.Grpc.TLS.ClientAuth)
		if err != nil {
			return err
		}
		grpcCreds, err = internaltls.LoadServerCredentials(config.Grpc.TLS.CertFile, config.Grpc.TLS.KeyFile, config.Grpc.TLS.CAFile, clientAuth)
		if err != nil {
			return err
		}
	}
	grpcSrv := grpcserver.NewServer(config.Grpc.Port, grpcCreds)

	if config.TLS.Enabled {
		clientAuth, err := internaltls.ParseClientAuthType(config.TLS.ClientAuth)
		if err != nil {
			return err
		}
		httpServer.TLSConfig, err = internaltls.LoadServerConfig(config.TLS.CertFile, config.TLS.KeyFile, config.TLS.CAFile, clientAuth)
		if err != nil {
			return err
		}
	}

	rl.Start(ctx)

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting HTTP server", "address", httpServer.Addr, "tls", config.TLS.Enabled)
		var err error
		if httpServer.TLSConfig != nil {
			err = httpServer.ListenAndServeTLS("", "")
		} else {
			err = httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := grpcSrv.Start(); err != nil {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	grpcSrv.SetServing()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-errChan:
		slog.Error("Server error", "error", runErr)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	}

	servers := &brokerServers{
		health: grpcSrv,
		tunnel: tunnel,
		http:   httpServer,
		relay:  rl,
		grpc:   grpcSrv,
	}
	servers.shutdown(shutdownTimeout)

	return runErr
}
