package session

import (
	"log/slog"
	"sync"
)

// Session is the broker's handle to one admitted tunnel.
type Session interface {
	ID() string
	Node() string
	Key() Key
	// Send queues a text frame for the session's writer.
	Send(frame []byte) error
	// CloseWithError writes an error frame and closes the transport.
	CloseWithError(msg string)
	// Close ends the transport without an error frame, so the agent reconnects.
	Close()
}

// Key identifies the user-store domain a session serves.
type Key struct {
	Tenant string
	Domain string
}

func (k Key) String() string {
	return k.Tenant + "/" + k.Domain
}

type entry struct {
	sessions []Session
	next     int
}

// Pool maps (tenant, domain) to the live sessions of this broker instance.
// Selection is round-robin with a cursor per key.
type Pool struct {
	mu      sync.Mutex
	entries map[Key]*entry
}

func NewPool() *Pool {
	return &Pool{
		entries: make(map[Key]*entry),
	}
}

func (p *Pool) Add(key Key, s Session) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		e = &entry{}
		p.entries[key] = e
	}
	e.sessions = append(e.sessions, s)

	slog.Debug("Session added to pool",
		"tenant", key.Tenant,
		"domain", key.Domain,
		"session_id", s.ID(),
		"sessions", len(e.sessions))
}

// Remove detaches s from key. It reports whether s was present.
func (p *Pool) Remove(key Key, s Session) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return false
	}

	for i, existing := range e.sessions {
		if existing.ID() != s.ID() {
			continue
		}
		e.sessions = append(e.sessions[:i], e.sessions[i+1:]...)
		if i < e.next {
			e.next--
		}
		if len(e.sessions) == 0 {
			delete(p.entries, key)
		} else if e.next >= len(e.sessions) {
			e.next = 0
		}
		return true
	}
	return false
}

// Select returns the next session for key, or nil when none is registered.
func (p *Pool) Select(key Key) Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok || len(e.sessions) == 0 {
		return nil
	}

	s := e.sessions[e.next%len(e.sessions)]
	e.next = (e.next + 1) % len(e.sessions)
	return s
}

// EvictAll detaches and returns every session for key.
func (p *Pool) EvictAll(key Key) []Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil
	}
	delete(p.entries, key)
	return e.sessions
}

// Info is a point-in-time description of a pooled session.
type Info struct {
	ID     string `json:"id"`
	Tenant string `json:"tenant"`
	Domain string `json:"domain"`
	Node   string `json:"node"`
}

func (p *Pool) List() []Info {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]Info, 0, len(p.entries))
	for key, e := range p.entries {
		for _, s := range e.sessions {
			result = append(result, Info{
				ID:     s.ID(),
				Tenant: key.Tenant,
				Domain: key.Domain,
				Node:   s.Node(),
			})
		}
	}
	return result
}

// Len returns the total number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, e := range p.entries {
		n += len(e.sessions)
	}
	return n
}

// Drain empties the pool and returns everything it held.
func (p *Pool) Drain() []Session {
	p.mu.Lock()
	defer p.mu.Unlock()

	var result []Session
	for _, e := range p.entries {
		result = append(result, e.sessions...)
	}
	p.entries = make(map[Key]*entry)
	return result
}
