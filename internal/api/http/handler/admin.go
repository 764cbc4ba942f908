package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/EternisAI/silo-broker/internal/api/http/dto"
	"github.com/EternisAI/silo-broker/internal/relay"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/gin-gonic/gin"
)

type ServerOperationPublisher interface {
	PublishServerOperation(ctx context.Context, op protocol.ServerOperation) error
}

type OperationRequester interface {
	Route(ctx context.Context, tenant, domain string) (string, error)
	Do(ctx context.Context, serverNode string, op protocol.UserOperation) (*protocol.UserOperation, error)
}

type AdminHandler struct {
	serverNode  string
	pool        *session.Pool
	connections store.ConnectionStore
	publisher   ServerOperationPublisher
	requester   OperationRequester
}

func NewAdminHandler(
	serverNode string,
	pool *session.Pool,
	connections store.ConnectionStore,
	publisher ServerOperationPublisher,
	requester OperationRequester,
) *AdminHandler {
	return &AdminHandler{
		serverNode:  serverNode,
		pool:        pool,
		connections: connections,
		publisher:   publisher,
		requester:   requester,
	}
}

func (h *AdminHandler) ListSessions(c *gin.Context) {
	infos := h.pool.List()

	sessions := make([]dto.SessionInfo, 0, len(infos))
	for _, info := range infos {
		sessions = append(sessions, dto.SessionInfo{
			SessionID: info.ID,
			Tenant:    info.Tenant,
			Domain:    info.Domain,
			Node:      info.Node,
		})
	}

	c.JSON(http.StatusOK, dto.SessionsResponse{
		ServerNode: h.serverNode,
		Sessions:   sessions,
		Count:      len(sessions),
	})
}

func (h *AdminHandler) ListConnections(c *gin.Context) {
	tenant := c.Query("tenant")
	domain := c.Query("domain")
	if tenant == "" || domain == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "tenant and domain are required"})
		return
	}

	rows, err := h.connections.ListConnected(c.Request.Context(), tenant, domain)
	if err != nil {
		slog.Error("Failed to list connections", "tenant", tenant, "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list connections"})
		return
	}

	connections := make([]dto.ConnectionInfo, 0, len(rows))
	for _, row := range rows {
		connections = append(connections, dto.ConnectionInfo{
			Node:       row.Node,
			ServerNode: row.ServerNode,
			Status:     string(row.Status),
			UpdatedAt:  row.UpdatedAt,
		})
	}

	c.JSON(http.StatusOK, dto.ConnectionsResponse{
		Tenant:      tenant,
		Domain:      domain,
		Connections: connections,
		Count:       len(connections),
	})
}

// KillAgents broadcasts KILL_AGENTS so every broker, this one included,
// evicts the tenant/domain sessions it holds.
func (h *AdminHandler) KillAgents(c *gin.Context) {
	var req dto.KillAgentsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	op := protocol.ServerOperation{
		OperationType: protocol.OperationKillAgents,
		TenantDomain:  req.Tenant,
		Domain:        req.Domain,
	}
	if err := h.publisher.PublishServerOperation(c.Request.Context(), op); err != nil {
		slog.Error("Failed to publish kill agents", "tenant", req.Tenant, "domain", req.Domain, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "failed to publish server operation"})
		return
	}

	slog.Info("Kill agents published", "tenant", req.Tenant, "domain", req.Domain)
	c.JSON(http.StatusAccepted, gin.H{"message": "kill agents published"})
}

func (h *AdminHandler) Operation(c *gin.Context) {
	var req dto.OperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	serverNode, err := h.requester.Route(ctx, req.Tenant, req.Domain)
	if err != nil {
		if errors.Is(err, relay.ErrNoRoute) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no agent connected for tenant/domain"})
			return
		}
		slog.Error("Failed to route operation", "tenant", req.Tenant, "domain", req.Domain, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to route operation"})
		return
	}

	resp, err := h.requester.Do(ctx, serverNode, protocol.UserOperation{
		CorrelationID: req.CorrelationID,
		RequestType:   protocol.RequestType(req.RequestType),
		RequestData:   req.RequestData,
		Tenant:        req.Tenant,
		Domain:        req.Domain,
	})
	if err != nil {
		if errors.Is(err, relay.ErrResponseTimeout) {
			c.JSON(http.StatusGatewayTimeout, gin.H{"error": "no response from agent"})
			return
		}
		slog.Error("Operation failed", "server_node", serverNode, "error", err)
		c.JSON(http.StatusBadGateway, gin.H{"error": "operation failed"})
		return
	}

	c.JSON(http.StatusOK, dto.OperationResponse{
		CorrelationID: resp.CorrelationID,
		ServerNode:    serverNode,
		ResponseData:  resp.ResponseData,
	})
}
