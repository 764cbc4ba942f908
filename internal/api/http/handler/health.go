package handler

import (
	"net/http"

	"github.com/EternisAI/silo-broker/internal/api/http/dto"
	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	serverNode string
}

func NewHealthHandler(serverNode string) *HealthHandler {
	return &HealthHandler{serverNode: serverNode}
}

func (h *HealthHandler) Check(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}

// Status answers the liveness probe other brokers send before taking over a node.
func (h *HealthHandler) Status(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, dto.StatusResponse{Status: "ok", ServerNode: h.serverNode})
}

type AgentHealthHandler struct {
	connected func() bool
}

func NewAgentHealthHandler(connected func() bool) *AgentHealthHandler {
	return &AgentHealthHandler{connected: connected}
}

// Check reports 503 while the tunnel to the broker is down.
func (h *AgentHealthHandler) Check(ctx *gin.Context) {
	if !h.connected() {
		ctx.JSON(http.StatusServiceUnavailable, dto.HealthResponse{Status: "disconnected"})
		return
	}
	ctx.JSON(http.StatusOK, dto.HealthResponse{Status: "ok"})
}
