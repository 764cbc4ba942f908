package server

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/EternisAI/silo-broker/internal/metrics"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc/pool"
)

const publishTimeout = 10 * time.Second

// ResponsePublisher receives responses read off a tunnel.
type ResponsePublisher interface {
	PublishResponse(ctx context.Context, op protocol.UserOperation) error
}

// StreamHandler runs admitted sessions. Each session publishes its responses
// through its own backlog and worker pool, so one session's slow publishes
// never hold up another session's reads.
type StreamHandler struct {
	publisher ResponsePublisher
	workers   int
	backlog   int
	pongWait  time.Duration

	publishing sync.WaitGroup
}

func NewStreamHandler(publisher ResponsePublisher, workers, backlog int, pongWait time.Duration) *StreamHandler {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 1
	}
	return &StreamHandler{
		publisher: publisher,
		workers:   workers,
		backlog:   backlog,
		pongWait:  pongWait,
	}
}

// HandleStream runs the read and write loops of an admitted session and
// returns once either side fails or the session is closed. Both loops have
// exited when it returns; publications still queued finish in the background
// and are covered by Wait.
func (sh *StreamHandler) HandleStream(s *wsSession) error {
	s.conn.SetReadLimit(maxFrameSize)
	sh.extendDeadline(s)
	s.conn.SetPingHandler(func(data string) error {
		sh.extendDeadline(s)
		err := s.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	responses := make(chan protocol.UserOperation, sh.backlog)
	sh.publishing.Add(1)
	go sh.publishLoop(s, responses)

	done := make(chan struct{})
	errChan := make(chan error, 2)

	var loops sync.WaitGroup
	loops.Add(2)
	go func() {
		defer loops.Done()
		sh.receiveLoop(s, responses, done, errChan)
	}()
	go func() {
		defer loops.Done()
		sh.sendLoop(s, done, errChan)
	}()

	var err error
	select {
	case err = <-errChan:
	case <-s.closed():
	}
	close(done)

	// The reader only returns once the connection is gone.
	s.Close()
	loops.Wait()
	close(responses)

	if isNormalClose(err) {
		return nil
	}
	return err
}

func (sh *StreamHandler) extendDeadline(s *wsSession) {
	if sh.pongWait > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(sh.pongWait))
	}
}

func (sh *StreamHandler) receiveLoop(s *wsSession, responses chan<- protocol.UserOperation, done chan struct{}, errChan chan error) {
	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			case <-s.closed():
			default:
				if !isNormalClose(err) {
					slog.Error("Error receiving frame", "session_id", s.id, "agent_node", s.node, "error", err)
				}
			}
			errChan <- err
			return
		}

		sh.extendDeadline(s)

		switch messageType {
		case websocket.TextMessage:
			sh.processFrame(s, responses, data)
		case websocket.BinaryMessage:
			slog.Debug("Ignoring binary frame", "session_id", s.id, "size", len(data))
		}
	}
}

func (sh *StreamHandler) sendLoop(s *wsSession, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case <-s.closed():
			return
		case frame := <-s.sendCh:
			if err := s.write(websocket.TextMessage, frame); err != nil {
				slog.Error("Error sending frame", "session_id", s.id, "agent_node", s.node, "error", err)
				errChan <- err
				return
			}
		}
	}
}

// processFrame parses a response and queues it for publication. It never
// blocks: a response arriving while the backlog is full is dropped.
func (sh *StreamHandler) processFrame(s *wsSession, responses chan<- protocol.UserOperation, data []byte) {
	op, err := protocol.DecodeResponse(data)
	if err != nil {
		metrics.Responses.WithLabelValues(metrics.OutcomeMalformed).Inc()
		slog.Warn("Dropping malformed frame", "session_id", s.id, "agent_node", s.node, "error", err)
		return
	}

	slog.Debug("Response received", "session_id", s.id, "correlation_id", op.CorrelationID)

	select {
	case responses <- op:
	default:
		metrics.Responses.WithLabelValues(metrics.OutcomeDropped).Inc()
		slog.Warn("Response backlog full, dropping response",
			"session_id", s.id,
			"agent_node", s.node,
			"correlation_id", op.CorrelationID)
	}
}

// publishLoop drains one session's backlog into its bounded worker pool.
func (sh *StreamHandler) publishLoop(s *wsSession, responses <-chan protocol.UserOperation) {
	defer sh.publishing.Done()

	workers := pool.New().WithMaxGoroutines(sh.workers)
	for op := range responses {
		workers.Go(func() {
			sh.publish(s, op)
		})
	}
	workers.Wait()
}

func (sh *StreamHandler) publish(s *wsSession, op protocol.UserOperation) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := sh.publisher.PublishResponse(ctx, op); err != nil {
		slog.Error("Failed to publish response",
			"session_id", s.id,
			"correlation_id", op.CorrelationID,
			"error", err)
	}
}

// Wait blocks until every session's queued publications have finished. Call
// it only once no new session can start.
func (sh *StreamHandler) Wait() {
	sh.publishing.Wait()
}

func isNormalClose(err error) bool {
	return err == nil || websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived)
}
