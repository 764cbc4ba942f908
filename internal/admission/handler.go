package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-broker/internal/store"
)

var (
	ErrInvalidToken         = errors.New("invalid access token")
	ErrNodeAlreadyConnected = errors.New("node already connected")
	ErrConnectionLimit      = errors.New("connection limit exceeded for tenant")
)

type Config struct {
	ServerNode      string
	ConnectionLimit int
}

// Handler decides whether a tunnel attempt may proceed. A nil error from
// Admit means the connection row now names this server node as owner.
type Handler struct {
	tokens      store.TokenStore
	connections store.ConnectionStore
	prober      Prober
	config      Config
}

func NewHandler(tokens store.TokenStore, connections store.ConnectionStore, prober Prober, config Config) *Handler {
	return &Handler{
		tokens:      tokens,
		connections: connections,
		prober:      prober,
		config:      config,
	}
}

func (h *Handler) ServerNode() string {
	return h.config.ServerNode
}

// Admit runs the admission checks in order and stops at the first rejection.
// Rejections are one of ErrInvalidToken, ErrNodeAlreadyConnected or
// ErrConnectionLimit; any other error is a store failure.
func (h *Handler) Admit(ctx context.Context, token, node string) (*store.AccessToken, error) {
	if token == "" {
		return nil, ErrInvalidToken
	}

	at, err := h.tokens.Validate(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to validate token: %w", err)
	}
	if at == nil || at.Status != store.TokenActive {
		return nil, ErrInvalidToken
	}

	connected, err := h.connections.IsNodeConnected(ctx, at.ID, node)
	if err != nil {
		return nil, fmt.Errorf("failed to check node connection: %w", err)
	}
	if connected {
		if err := h.arbitrate(ctx, at, node); err != nil {
			return nil, err
		}
	} else {
		count, err := h.connections.CountConnected(ctx, at.Tenant, at.Domain)
		if err != nil {
			return nil, fmt.Errorf("failed to count connections: %w", err)
		}
		if h.config.ConnectionLimit > 0 && count >= h.config.ConnectionLimit {
			slog.Warn("Connection limit reached",
				"tenant", at.Tenant,
				"domain", at.Domain,
				"limit", h.config.ConnectionLimit,
				"connected", count)
			return nil, ErrConnectionLimit
		}
	}

	if err := h.connections.UpsertConnected(ctx, at.ID, node, h.config.ServerNode); err != nil {
		return nil, fmt.Errorf("failed to record connection: %w", err)
	}

	slog.Info("Agent admitted",
		"agent_node", node,
		"tenant", at.Tenant,
		"domain", at.Domain,
		"server_node", h.config.ServerNode)

	return at, nil
}

// arbitrate resolves a node that the store still records as CONNECTED. The
// recorded owner is probed; a live owner keeps the node, a dead one loses it.
func (h *Handler) arbitrate(ctx context.Context, at *store.AccessToken, node string) error {
	owner, err := h.connections.ConnectedServerNode(ctx, at.ID, node)
	if err != nil {
		return fmt.Errorf("failed to get connected server node: %w", err)
	}
	if owner == "" {
		return nil
	}

	if h.prober.Alive(ctx, owner) {
		slog.Warn("Rejecting duplicate node connection",
			"agent_node", node,
			"tenant", at.Tenant,
			"domain", at.Domain,
			"owner", owner)
		return ErrNodeAlreadyConnected
	}

	slog.Info("Previous owner unreachable, taking over node",
		"agent_node", node,
		"tenant", at.Tenant,
		"domain", at.Domain,
		"previous_owner", owner)
	return nil
}
