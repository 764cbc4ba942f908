package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	sendChannelBuffer = 100
	sendTimeout       = 5 * time.Second
	writeWait         = 10 * time.Second
)

// State tracks a tunnel through admission. Close-time bookkeeping only runs
// for sessions that reached StateConnected.
type State int32

const (
	StateConnecting State = iota
	StateRejected
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateRejected:
		return "REJECTED"
	case StateConnected:
		return "CONNECTED"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// wsSession is the broker side of one agent tunnel. All writes to conn go
// through writeMu; frames from the relay are queued on sendCh.
type wsSession struct {
	id    string
	node  string
	conn  *websocket.Conn
	token *store.AccessToken

	state   atomic.Int32
	sendCh  chan []byte
	writeMu sync.Mutex

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

var _ session.Session = (*wsSession)(nil)

func newSession(node string, conn *websocket.Conn) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		id:     uuid.New().String(),
		node:   node,
		conn:   conn,
		sendCh: make(chan []byte, sendChannelBuffer),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSession) ID() string   { return s.id }
func (s *wsSession) Node() string { return s.node }

func (s *wsSession) Key() session.Key {
	if s.token == nil {
		return session.Key{}
	}
	return session.Key{Tenant: s.token.Tenant, Domain: s.token.Domain}
}

func (s *wsSession) State() State {
	return State(s.state.Load())
}

// transition moves from one state to another and reports whether it happened.
func (s *wsSession) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *wsSession) Send(frame []byte) error {
	select {
	case s.sendCh <- frame:
		return nil
	case <-time.After(sendTimeout):
		return fmt.Errorf("timeout sending frame to session: %s", s.id)
	case <-s.ctx.Done():
		return fmt.Errorf("session closed: %s", s.id)
	}
}

func (s *wsSession) write(messageType int, data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(messageType, data)
}

// CloseWithError sends an error frame followed by a close frame, then closes
// the connection. Only the first close of a session has any effect.
func (s *wsSession) CloseWithError(msg string) {
	s.closeOnce.Do(func() {
		frame, err := protocol.EncodeError(msg)
		if err == nil {
			if err := s.write(websocket.TextMessage, frame); err != nil {
				slog.Debug("Failed to write error frame", "session_id", s.id, "error", err)
			}
		}
		s.shutdown(websocket.ClosePolicyViolation, msg)
	})
}

func (s *wsSession) Close() {
	s.closeOnce.Do(func() {
		s.shutdown(websocket.CloseGoingAway, "server shutting down")
	})
}

// abort closes without an error frame after an internal failure, leaving the
// agent free to reconnect.
func (s *wsSession) abort() {
	s.closeOnce.Do(func() {
		s.shutdown(websocket.CloseInternalServerErr, "internal error")
	})
}

func (s *wsSession) shutdown(code int, text string) {
	s.writeMu.Lock()
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, text),
		time.Now().Add(writeWait))
	s.writeMu.Unlock()

	s.cancel()
	_ = s.conn.Close()
}

// closed reports whether the session context has been cancelled.
func (s *wsSession) closed() <-chan struct{} {
	return s.ctx.Done()
}
