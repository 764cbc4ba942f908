package store

import (
	"time"
)

type TokenStatus string

const (
	TokenActive  TokenStatus = "ACTIVE"
	TokenExpired TokenStatus = "EXPIRED"
)

type ConnectionStatus string

const (
	StatusConnected        ConnectionStatus = "CONNECTED"
	StatusConnectionFailed ConnectionStatus = "CONNECTION_FAILED"
)

// AccessToken authorizes one tenant/domain pairing to open tunnels.
type AccessToken struct {
	ID        int64
	Token     string
	Tenant    string
	Domain    string
	Status    TokenStatus
	CreatedAt time.Time
}

// AgentConnection is the last known binding of an agent node to a broker.
type AgentConnection struct {
	AccessTokenID int64
	Node          string
	ServerNode    string
	Status        ConnectionStatus
	UpdatedAt     time.Time
}
