package http

import (
	"github.com/EternisAI/silo-broker/internal/api/http/handler"
	"github.com/EternisAI/silo-broker/internal/api/http/middleware"
	"github.com/EternisAI/silo-broker/internal/auth"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// TunnelRoutes is implemented by the broker endpoint.
type TunnelRoutes interface {
	RegisterRoutes(r gin.IRoutes)
}

type Services struct {
	ServerNode  string
	JWTSecret   string
	Tunnel      TunnelRoutes
	Pool        *session.Pool
	Connections store.ConnectionStore
	Publisher   handler.ServerOperationPublisher
	Requester   handler.OperationRequester
}

func SetupRoute(engine *gin.Engine, srvs *Services) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewHealthHandler(srvs.ServerNode)
	engine.GET("/health", healthHandler.Check)
	engine.GET("/status", healthHandler.Status)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	if srvs.Tunnel != nil {
		srvs.Tunnel.RegisterRoutes(engine)
	}

	adminHandler := handler.NewAdminHandler(srvs.ServerNode, srvs.Pool, srvs.Connections, srvs.Publisher, srvs.Requester)

	admin := engine.Group("/api/v1")
	admin.Use(middleware.JWTAuth(srvs.JWTSecret), middleware.RequireRole(auth.RoleAdmin))
	{
		admin.GET("/sessions", adminHandler.ListSessions)
		admin.GET("/connections", adminHandler.ListConnections)
		admin.POST("/kill-agents", adminHandler.KillAgents)
		admin.POST("/operations", adminHandler.Operation)
	}
}

// SetupAgentRoute serves the agent's local health endpoint.
func SetupAgentRoute(engine *gin.Engine, connected func() bool) {
	engine.Use(middleware.RequestLogger())

	healthHandler := handler.NewAgentHealthHandler(connected)
	engine.GET("/health", healthHandler.Check)
}
