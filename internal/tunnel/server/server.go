package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/EternisAI/silo-broker/internal/admission"
	"github.com/EternisAI/silo-broker/internal/metrics"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	maxFrameSize        = 1 << 20
	defaultAdmitTimeout = 10 * time.Second
	defaultPongWait     = 90 * time.Second
	defaultWorkers      = 8
	defaultBacklog      = 256
	markFailedTimeout   = 5 * time.Second
)

type Config struct {
	ServerNode      string
	HandshakeRate   float64
	HandshakeBurst  int
	AdmitTimeout    time.Duration
	PongWait        time.Duration
	// Workers and ResponseBacklog bound response publication per session.
	Workers         int
	ResponseBacklog int
}

// Admitter decides whether a tunnel attempt may proceed.
type Admitter interface {
	Admit(ctx context.Context, token, node string) (*store.AccessToken, error)
}

// Server is the broker's tunnel endpoint. It upgrades agent handshakes to
// websockets, runs admission and keeps admitted sessions in the pool.
type Server struct {
	config        Config
	admitter      Admitter
	connections   store.ConnectionStore
	pool          *session.Pool
	streamHandler *StreamHandler
	limiter       *rate.Limiter
	upgrader      websocket.Upgrader

	mu       sync.Mutex
	stopping bool
	sessions sync.WaitGroup
}

func NewServer(config Config, admitter Admitter, connections store.ConnectionStore, p *session.Pool, publisher ResponsePublisher) *Server {
	if config.AdmitTimeout <= 0 {
		config.AdmitTimeout = defaultAdmitTimeout
	}
	if config.PongWait <= 0 {
		config.PongWait = defaultPongWait
	}
	if config.Workers <= 0 {
		config.Workers = defaultWorkers
	}
	if config.ResponseBacklog <= 0 {
		config.ResponseBacklog = defaultBacklog
	}

	limit := rate.Inf
	if config.HandshakeRate > 0 {
		limit = rate.Limit(config.HandshakeRate)
	}
	burst := config.HandshakeBurst
	if burst <= 0 {
		burst = 1
	}

	return &Server{
		config:        config,
		admitter:      admitter,
		connections:   connections,
		pool:          p,
		streamHandler: NewStreamHandler(publisher, config.Workers, config.ResponseBacklog, config.PongWait),
		limiter:       rate.NewLimiter(limit, burst),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents are not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) RegisterRoutes(r gin.IRoutes) {
	r.GET("/server/:node", s.HandleServer)
	r.GET("/tunnel/:token/:node", s.HandleTunnel)
}

// HandleServer accepts a handshake carrying "Authorization: Bearer <token>".
func (s *Server) HandleServer(c *gin.Context) {
	token, _ := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.handle(c, strings.TrimSpace(token), c.Param("node"))
}

// HandleTunnel accepts a handshake carrying the token as a path segment.
func (s *Server) HandleTunnel(c *gin.Context) {
	s.handle(c, c.Param("token"), c.Param("node"))
}

func (s *Server) handle(c *gin.Context, token, node string) {
	if !s.limiter.Allow() {
		metrics.Admissions.WithLabelValues(metrics.OutcomeRateLimited).Inc()
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
		return
	}

	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "server shutting down"})
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()
	defer s.sessions.Done()

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Warn("Tunnel upgrade failed", "agent_node", node, "error", err)
		return
	}

	sess := newSession(node, conn)
	slog.Info("Agent connection attempt", "agent_node", node, "session_id", sess.id, "remote_addr", c.ClientIP())

	if !s.admit(c.Request.Context(), sess, token) {
		return
	}
	defer s.teardown(sess)

	if err := s.streamHandler.HandleStream(sess); err != nil {
		slog.Warn("Tunnel stream ended with error", "session_id", sess.id, "agent_node", node, "error", err)
	}
}

// admit runs admission for a freshly upgraded session and registers it on
// success. On rejection the session is closed with an error frame.
func (s *Server) admit(ctx context.Context, sess *wsSession, token string) bool {
	ctx, cancel := context.WithTimeout(ctx, s.config.AdmitTimeout)
	defer cancel()

	at, err := s.admitter.Admit(ctx, token, sess.node)
	if err != nil {
		sess.transition(StateConnecting, StateRejected)

		outcome := metrics.OutcomeError
		switch {
		case errors.Is(err, admission.ErrInvalidToken):
			outcome = metrics.OutcomeInvalidToken
		case errors.Is(err, admission.ErrNodeAlreadyConnected):
			outcome = metrics.OutcomeDuplicateNode
		case errors.Is(err, admission.ErrConnectionLimit):
			outcome = metrics.OutcomeLimitExceeded
		}
		metrics.Admissions.WithLabelValues(outcome).Inc()

		if outcome == metrics.OutcomeError {
			slog.Error("Admission failed", "agent_node", sess.node, "session_id", sess.id, "error", err)
			sess.abort()
			return false
		}

		slog.Warn("Agent connection rejected", "agent_node", sess.node, "session_id", sess.id, "reason", err.Error())
		sess.CloseWithError(err.Error())
		return false
	}

	sess.token = at
	sess.transition(StateConnecting, StateConnected)
	s.pool.Add(sess.Key(), sess)

	metrics.Admissions.WithLabelValues(metrics.OutcomeAdmitted).Inc()
	metrics.LiveSessions.Inc()

	slog.Info("Agent connected",
		"agent_node", sess.node,
		"session_id", sess.id,
		"tenant", at.Tenant,
		"domain", at.Domain,
		"total_sessions", s.pool.Len())
	return true
}

// teardown runs once per admitted session when its stream ends.
func (s *Server) teardown(sess *wsSession) {
	sess.Close()

	if !sess.transition(StateConnected, StateDisconnected) {
		return
	}

	s.pool.Remove(sess.Key(), sess)
	metrics.LiveSessions.Dec()

	ctx, cancel := context.WithTimeout(context.Background(), markFailedTimeout)
	defer cancel()
	if err := s.connections.MarkFailed(ctx, sess.token.ID, sess.node, s.config.ServerNode); err != nil {
		slog.Error("Failed to mark connection failed", "agent_node", sess.node, "session_id", sess.id, "error", err)
	}

	slog.Info("Agent disconnected",
		"agent_node", sess.node,
		"session_id", sess.id,
		"tenant", sess.token.Tenant,
		"domain", sess.token.Domain,
		"total_sessions", s.pool.Len())
}

// Stop refuses new handshakes, releases this server node's connection rows,
// closes every session and waits for in-flight work.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping tunnel server", "server_node", s.config.ServerNode)

	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	n, err := s.connections.MarkAllFailedForServerNode(ctx, s.config.ServerNode)
	if err != nil {
		slog.Error("Failed to release connections", "server_node", s.config.ServerNode, "error", err)
	} else {
		slog.Info("Released connections", "server_node", s.config.ServerNode, "count", n)
	}

	for _, sess := range s.pool.Drain() {
		sess.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.streamHandler.Wait()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("Tunnel server stopped gracefully")
		return err
	case <-ctx.Done():
		slog.Warn("Tunnel server stop timeout")
		return ctx.Err()
	}
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
