package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc/pool"
)

const (
	sendChannelBuffer = 100
	writeWait         = 10 * time.Second
	handshakeTimeout  = 15 * time.Second
	requestTimeout    = 30 * time.Second

	DefaultReconnectInterval = 5 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultWorkers           = 16
)

// FatalError is reported when the broker sends an error frame. The agent must
// not reconnect with the same handshake.
type FatalError struct {
	Message string
}

func (e *FatalError) Error() string {
	return "broker rejected connection: " + e.Message
}

type Config struct {
	// URL is the broker tunnel base, e.g. wss://broker.example.com/server.
	URL               string
	AccessToken       string
	Node              string
	ReconnectInterval time.Duration
	HeartbeatInterval time.Duration
	Workers           int
	TLSConfig         *tls.Config
}

type Client struct {
	config         Config
	requestHandler *RequestHandler
	dialer         *websocket.Dialer

	conn      *websocket.Conn
	mu        sync.RWMutex
	connected atomic.Bool

	sendCh  chan []byte
	stopCh  chan struct{}
	doneCh  chan struct{}
	fatalCh chan error

	// requests tracks each connection's worker pool until it drains.
	requests sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewClient(config Config, requestHandler *RequestHandler) *Client {
	if config.ReconnectInterval <= 0 {
		config.ReconnectInterval = DefaultReconnectInterval
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if config.Workers <= 0 {
		config.Workers = DefaultWorkers
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:         config,
		requestHandler: requestHandler,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
			TLSClientConfig:  config.TLSConfig,
		},
		sendCh:  make(chan []byte, sendChannelBuffer),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		fatalCh: make(chan error, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (c *Client) Start() error {
	if c.config.Node == "" {
		return fmt.Errorf("agent node is required")
	}
	go c.connectionLoop()
	return nil
}

func (c *Client) Stop() error {
	slog.Info("Stopping tunnel client")
	close(c.stopCh)
	c.cancel()
	c.closeConn()
	<-c.doneCh
	c.requests.Wait()
	slog.Info("Tunnel client stopped")
	return nil
}

// Fatal delivers the broker's rejection when an error frame arrives. The
// connection loop has already ended by then.
func (c *Client) Fatal() <-chan error {
	return c.fatalCh
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

// Send queues a frame for the current or next connection. It blocks while the
// queue is full and fails only once the client is stopped.
func (c *Client) Send(frame []byte) error {
	select {
	case c.sendCh <- frame:
		return nil
	case <-c.ctx.Done():
		return fmt.Errorf("tunnel client stopped")
	}
}

func (c *Client) URL() string {
	return strings.TrimSuffix(c.config.URL, "/") + "/" + c.config.Node
}

func (c *Client) connectionLoop() {
	defer close(c.doneCh)

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		if err := c.connect(); err != nil {
			slog.Error("Connection failed", "error", err, "retry_in", c.config.ReconnectInterval)
			if !c.sleep(c.config.ReconnectInterval) {
				return
			}
			continue
		}

		err := c.handleStream()
		c.closeConn()

		var fatal *FatalError
		if errors.As(err, &fatal) {
			slog.Error("Broker rejected the tunnel", "message", fatal.Message)
			c.fatalCh <- fatal
			return
		}
		if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			slog.Warn("Tunnel closed", "error", err)
		} else {
			slog.Info("Tunnel closed")
		}

		select {
		case <-c.stopCh:
			return
		default:
		}

		slog.Info("Reconnecting", "delay", c.config.ReconnectInterval)
		if !c.sleep(c.config.ReconnectInterval) {
			return
		}
	}
}

// sleep waits for d and reports false if the client was stopped meanwhile.
func (c *Client) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-c.stopCh:
		return false
	}
}

func (c *Client) connect() error {
	url := c.URL()
	slog.Info("Connecting to broker", "url", url, "agent_node", c.config.Node)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.config.AccessToken)

	conn, resp, err := c.dialer.DialContext(c.ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("failed to dial broker (status %d): %w", resp.StatusCode, err)
		}
		return fmt.Errorf("failed to dial broker: %w", err)
	}

	pongWait := 3 * c.config.HeartbeatInterval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// Drop frames queued for a previous connection.
	for {
		select {
		case <-c.sendCh:
			continue
		default:
		}
		break
	}

	slog.Info("Tunnel established", "url", url)
	return nil
}

func (c *Client) closeConn() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.connected.Store(false)
	if c.conn != nil {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		_ = c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) currentConn() *websocket.Conn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn
}

func (c *Client) handleStream() error {
	conn := c.currentConn()
	if conn == nil {
		return fmt.Errorf("connection is nil")
	}

	workers := pool.New().WithMaxGoroutines(c.config.Workers)

	done := make(chan struct{})
	errChan := make(chan error, 3)

	var receiving sync.WaitGroup
	receiving.Add(1)
	go func() {
		defer receiving.Done()
		c.receiveLoop(conn, workers, done, errChan)
	}()
	go c.sendLoop(conn, done, errChan)
	go c.pingLoop(conn, done, errChan)

	// Admission happens server-side before any frame flows; treat the
	// tunnel as connected once it is open.
	c.connected.Store(true)

	var err error
	select {
	case err = <-errChan:
	case <-c.stopCh:
	}
	close(done)
	c.connected.Store(false)
	_ = conn.Close()

	// Nothing reaches the pool once the reader is gone. Requests still running
	// finish in the background and answer over the next connection.
	receiving.Wait()
	c.requests.Add(1)
	go func() {
		defer c.requests.Done()
		workers.Wait()
	}()

	return err
}

func (c *Client) receiveLoop(conn *websocket.Conn, workers *pool.Pool, done chan struct{}, errChan chan error) {
	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				errChan <- err
			}
			return
		}

		if messageType != websocket.TextMessage {
			continue
		}

		op, err := protocol.DecodeRequest(data)
		if err != nil {
			slog.Warn("Dropping malformed frame", "error", err)
			continue
		}

		if op.RequestType == protocol.RequestError {
			errChan <- &FatalError{Message: protocol.ErrorMessage(op)}
			return
		}

		slog.Debug("Request received", "correlation_id", op.CorrelationID, "request_type", op.RequestType)
		workers.Go(func() { c.handleRequest(op) })
	}
}

func (c *Client) sendLoop(conn *websocket.Conn, done chan struct{}, errChan chan error) {
	for {
		select {
		case <-done:
			return
		case frame := <-c.sendCh:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Error("Error sending frame", "error", err)
				errChan <- err
				return
			}
		}
	}
}

func (c *Client) pingLoop(conn *websocket.Conn, done chan struct{}, errChan chan error) {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Error("Failed to send heartbeat", "error", err)
				errChan <- err
				return
			}
			slog.Debug("Heartbeat sent")
		}
	}
}

func (c *Client) handleRequest(op protocol.UserOperation) {
	ctx, cancel := context.WithTimeout(c.ctx, requestTimeout)
	defer cancel()

	data := c.requestHandler.HandleRequest(ctx, op)

	frame, err := protocol.EncodeResponse(op.CorrelationID, data)
	if err != nil {
		slog.Error("Failed to encode response", "correlation_id", op.CorrelationID, "error", err)
		return
	}

	if err := c.Send(frame); err != nil {
		slog.Error("Failed to send response", "correlation_id", op.CorrelationID, "error", err)
	}
}
