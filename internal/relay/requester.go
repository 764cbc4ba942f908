package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/google/uuid"
)

var (
	ErrResponseTimeout = errors.New("no response before TTL expired")
	ErrNoRoute         = errors.New("no connected agent for tenant domain")
)

// Requester is the caller side of the relay: it enqueues a request for a
// broker instance and waits on the response queue for the correlation id.
type Requester struct {
	queue       queue.Queue
	connections store.ConnectionStore
	responseTTL time.Duration
}

func NewRequester(q queue.Queue, connections store.ConnectionStore, responseTTL time.Duration) *Requester {
	if responseTTL <= 0 {
		responseTTL = DefaultResponseTTL
	}
	return &Requester{
		queue:       q,
		connections: connections,
		responseTTL: responseTTL,
	}
}

// Route picks a broker instance currently serving tenant/domain.
func (r *Requester) Route(ctx context.Context, tenant, domain string) (string, error) {
	conns, err := r.connections.ListConnected(ctx, tenant, domain)
	if err != nil {
		return "", err
	}
	if len(conns) == 0 {
		return "", ErrNoRoute
	}
	return conns[rand.IntN(len(conns))].ServerNode, nil
}

// Do sends op to serverNode and blocks for its response. A missing
// correlation id is generated.
func (r *Requester) Do(ctx context.Context, serverNode string, op protocol.UserOperation) (*protocol.UserOperation, error) {
	if op.CorrelationID == "" {
		op.CorrelationID = uuid.New().String()
	}

	body, err := json.Marshal(op)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	msg := queue.Message{CorrelationID: op.CorrelationID, Body: body}
	if err := r.queue.Send(ctx, queue.RequestQueue(serverNode), msg, r.responseTTL); err != nil {
		return nil, fmt.Errorf("failed to enqueue request: %w", err)
	}

	reply, err := r.queue.Receive(ctx, queue.ResponseQueue(op.CorrelationID), r.responseTTL)
	if err != nil {
		if errors.Is(err, queue.ErrEmpty) {
			return nil, ErrResponseTimeout
		}
		return nil, fmt.Errorf("failed to receive response: %w", err)
	}

	var resp protocol.UserOperation
	if err := json.Unmarshal(reply.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if resp.CorrelationID == "" {
		resp.CorrelationID = reply.CorrelationID
	}
	return &resp, nil
}
