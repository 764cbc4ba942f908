// Package sessiontest provides an in-memory Session for relay and pool tests.
package sessiontest

import (
	"errors"
	"sync"

	"github.com/EternisAI/silo-broker/internal/session"
)

var ErrClosed = errors.New("session closed")

type Fake struct {
	id   string
	node string
	key  session.Key

	mu       sync.Mutex
	frames   [][]byte
	errors   []string
	closed   bool
	received chan []byte
}

func New(id, node, tenant, domain string) *Fake {
	return &Fake{
		id:       id,
		node:     node,
		key:      session.Key{Tenant: tenant, Domain: domain},
		received: make(chan []byte, 16),
	}
}

func (f *Fake) ID() string       { return f.id }
func (f *Fake) Node() string     { return f.node }
func (f *Fake) Key() session.Key { return f.key }

func (f *Fake) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.closed {
		return ErrClosed
	}
	f.frames = append(f.frames, frame)
	select {
	case f.received <- frame:
	default:
	}
	return nil
}

func (f *Fake) CloseWithError(msg string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.errors = append(f.errors, msg)
	f.closed = true
}

func (f *Fake) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

// Received delivers frames as they are sent.
func (f *Fake) Received() <-chan []byte {
	return f.received
}

func (f *Fake) Frames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.frames...)
}

func (f *Fake) Errors() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.errors...)
}

func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
