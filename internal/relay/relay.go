package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-broker/internal/metrics"
	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/sourcegraph/conc/pool"
)

const (
	DefaultResponseTTL = 5 * time.Minute
	DefaultPollTimeout = 5 * time.Second
	DefaultRetryDelay  = 5 * time.Second
	DefaultWorkers     = 32
)

type Config struct {
	ServerNode  string
	ResponseTTL time.Duration
	PollTimeout time.Duration
	RetryDelay  time.Duration
	Workers     int
}

func (c *Config) setDefaults() {
	if c.ResponseTTL <= 0 {
		c.ResponseTTL = DefaultResponseTTL
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
}

// Relay bridges the request queue and control topic to pooled sessions, and
// session responses back to per-correlation response queues.
type Relay struct {
	queue  queue.Queue
	pool   *session.Pool
	config Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(q queue.Queue, p *session.Pool, config Config) *Relay {
	config.setDefaults()
	return &Relay{
		queue:  q,
		pool:   p,
		config: config,
	}
}

// Start launches the request and control consumers. They run until Stop.
func (r *Relay) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(2)
	go func() {
		defer r.wg.Done()
		r.consumeRequests(ctx)
	}()
	go func() {
		defer r.wg.Done()
		r.consumeControl(ctx)
	}()

	slog.Info("Message relay started",
		"server_node", r.config.ServerNode,
		"request_queue", queue.RequestQueue(r.config.ServerNode),
		"workers", r.config.Workers)
}

func (r *Relay) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	slog.Info("Message relay stopped")
}

func (r *Relay) consumeRequests(ctx context.Context) {
	name := queue.RequestQueue(r.config.ServerNode)
	workers := pool.New().WithMaxGoroutines(r.config.Workers)
	defer workers.Wait()

	for ctx.Err() == nil {
		msg, err := r.queue.Receive(ctx, name, r.config.PollTimeout)
		switch {
		case err == nil:
			workers.Go(func() { r.handleRequest(msg) })
		case errors.Is(err, queue.ErrEmpty):
		case errors.Is(err, queue.ErrMalformedMessage):
			metrics.RelayedRequests.WithLabelValues(metrics.OutcomeMalformed).Inc()
			slog.Warn("Dropping malformed request message", "queue", name, "error", err)
		case ctx.Err() != nil:
			return
		default:
			metrics.QueueErrors.Inc()
			slog.Error("Request queue connection error, retrying",
				"queue", name,
				"retry_in", r.config.RetryDelay,
				"error", err)
			r.wait(ctx)
		}
	}
}

func (r *Relay) handleRequest(msg *queue.Message) {
	var op protocol.UserOperation
	if err := json.Unmarshal(msg.Body, &op); err != nil {
		metrics.RelayedRequests.WithLabelValues(metrics.OutcomeMalformed).Inc()
		slog.Warn("Dropping malformed user operation", "correlation_id", msg.CorrelationID, "error", err)
		return
	}
	if op.CorrelationID == "" {
		op.CorrelationID = msg.CorrelationID
	}
	r.Dispatch(op)
}

// Dispatch sends op to one session of its (tenant, domain). With no session
// available the request is dropped and the caller's response TTL expires.
func (r *Relay) Dispatch(op protocol.UserOperation) bool {
	key := session.Key{Tenant: op.Tenant, Domain: op.Domain}

	s := r.pool.Select(key)
	if s == nil {
		metrics.RelayedRequests.WithLabelValues(metrics.OutcomeDropped).Inc()
		slog.Warn("No session available, dropping request",
			"tenant", op.Tenant,
			"domain", op.Domain,
			"correlation_id", op.CorrelationID,
			"request_type", op.RequestType)
		return false
	}

	frame, err := protocol.EncodeRequest(op)
	if err != nil {
		metrics.RelayedRequests.WithLabelValues(metrics.OutcomeMalformed).Inc()
		slog.Error("Failed to encode request", "correlation_id", op.CorrelationID, "error", err)
		return false
	}

	if err := s.Send(frame); err != nil {
		metrics.RelayedRequests.WithLabelValues(metrics.OutcomeError).Inc()
		slog.Error("Failed to send request to session",
			"session_id", s.ID(),
			"agent_node", s.Node(),
			"correlation_id", op.CorrelationID,
			"error", err)
		return false
	}

	metrics.RelayedRequests.WithLabelValues(metrics.OutcomeSent).Inc()
	slog.Debug("Request sent to session",
		"session_id", s.ID(),
		"agent_node", s.Node(),
		"correlation_id", op.CorrelationID,
		"request_type", op.RequestType)
	return true
}

// PublishResponse republishes an agent response to the queue its caller is
// waiting on, bounded by the response TTL.
func (r *Relay) PublishResponse(ctx context.Context, op protocol.UserOperation) error {
	body, err := json.Marshal(protocol.UserOperation{
		CorrelationID: op.CorrelationID,
		ResponseData:  op.ResponseData,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal response: %w", err)
	}

	msg := queue.Message{CorrelationID: op.CorrelationID, Body: body}
	if err := r.queue.Send(ctx, queue.ResponseQueue(op.CorrelationID), msg, r.config.ResponseTTL); err != nil {
		metrics.Responses.WithLabelValues(metrics.OutcomeError).Inc()
		return fmt.Errorf("failed to publish response: %w", err)
	}

	metrics.Responses.WithLabelValues(metrics.OutcomePublished).Inc()
	slog.Debug("Response published", "correlation_id", op.CorrelationID)
	return nil
}

// PublishServerOperation broadcasts op to every broker instance, this one included.
func (r *Relay) PublishServerOperation(ctx context.Context, op protocol.ServerOperation) error {
	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to marshal server operation: %w", err)
	}
	if err := r.queue.Publish(ctx, queue.ControlTopic, payload); err != nil {
		return fmt.Errorf("failed to publish server operation: %w", err)
	}
	return nil
}

func (r *Relay) consumeControl(ctx context.Context) {
	for ctx.Err() == nil {
		sub, err := r.queue.Subscribe(ctx, queue.ControlTopic)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.QueueErrors.Inc()
			slog.Error("Control topic subscription failed, retrying",
				"topic", queue.ControlTopic,
				"retry_in", r.config.RetryDelay,
				"error", err)
			r.wait(ctx)
			continue
		}

		r.readControl(ctx, sub)
		_ = sub.Close()

		if ctx.Err() == nil {
			slog.Warn("Control subscription ended, resubscribing", "retry_in", r.config.RetryDelay)
			r.wait(ctx)
		}
	}
}

func (r *Relay) readControl(ctx context.Context, sub queue.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-sub.Messages():
			if !ok {
				return
			}
			var op protocol.ServerOperation
			if err := json.Unmarshal(payload, &op); err != nil {
				slog.Warn("Dropping malformed server operation", "error", err)
				continue
			}
			r.HandleServerOperation(op)
		}
	}
}

// HandleServerOperation applies a control message to the local pool and
// returns how many sessions it closed.
func (r *Relay) HandleServerOperation(op protocol.ServerOperation) int {
	switch op.OperationType {
	case protocol.OperationKillAgents:
		return r.killAgents(session.Key{Tenant: op.TenantDomain, Domain: op.Domain})
	default:
		slog.Warn("Unknown server operation", "operation_type", op.OperationType)
		return 0
	}
}

func (r *Relay) killAgents(key session.Key) int {
	evicted := r.pool.EvictAll(key)
	for _, s := range evicted {
		s.CloseWithError(protocol.KillAgentsMessage)
	}

	metrics.Evictions.Add(float64(len(evicted)))
	slog.Info("Killed agents",
		"tenant", key.Tenant,
		"domain", key.Domain,
		"sessions", len(evicted))
	return len(evicted)
}

func (r *Relay) wait(ctx context.Context) {
	timer := time.NewTimer(r.config.RetryDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
