package main

import (
	"encoding/json"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/gorilla/websocket"
)

var (
	address = flag.String("address", "ws://localhost:8080/server", "Broker tunnel base URL")
	token   = flag.String("token", "", "Access token")
	node    = flag.String("node", "test-agent-1", "Agent node for this connection")
	pings   = flag.Int("pings", 3, "Number of heartbeats to send")
	delay   = flag.Duration("delay", 2*time.Second, "Delay between heartbeats")
)

// A throwaway agent: it answers every request with an error payload and logs
// what the broker sends.
func main() {
	flag.Parse()

	url := strings.TrimSuffix(*address, "/") + "/" + *node
	log.Printf("Connecting to broker at %s", url)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+*token)

	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		if resp != nil {
			log.Fatalf("Failed to connect (HTTP %d): %v", resp.StatusCode, err)
		}
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	conn.SetPongHandler(func(string) error {
		log.Println("Received pong")
		return nil
	})

	errChan := make(chan error, 1)
	go receiveMessages(conn, errChan)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	sent := 0
	ticker := time.NewTicker(*delay)
	defer ticker.Stop()

	for {
		select {
		case err := <-errChan:
			if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				log.Printf("Receive error: %v", err)
			}
			log.Println("Test client finished")
			return
		case <-quit:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(5*time.Second))
			log.Println("Test client finished")
			return
		case <-ticker.C:
			if sent >= *pings {
				continue
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				log.Printf("Failed to send ping: %v", err)
				return
			}
			sent++
			log.Printf("Sent ping %d/%d", sent, *pings)
		}
	}
}

func receiveMessages(conn *websocket.Conn, errChan chan error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}

		op, err := protocol.DecodeRequest(data)
		if err != nil {
			log.Printf("Received malformed frame: %v", err)
			continue
		}

		if op.RequestType == protocol.RequestError {
			log.Printf("Broker rejected the tunnel: %s", protocol.ErrorMessage(op))
			continue
		}

		log.Printf("Received REQUEST correlation_id=%s type=%s data=%s", op.CorrelationID, op.RequestType, op.RequestData)

		body, _ := json.Marshal(protocol.ErrorResponse{Error: "test client does not serve " + string(op.RequestType)})
		frame, err := protocol.EncodeResponse(op.CorrelationID, body)
		if err != nil {
			log.Printf("Failed to encode response: %v", err)
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			errChan <- err
			return
		}
	}
}
