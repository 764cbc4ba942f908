package store

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("store: not found")
)

const tokenPrefix = "at_"

// TokenStore reads access tokens. Issue and Expire exist for out-of-band
// provisioning and are never called by the broker runtime.
type TokenStore interface {
	// Validate returns nil without error when the token is unknown or not ACTIVE.
	Validate(ctx context.Context, token string) (*AccessToken, error)
	Issue(ctx context.Context, tenant, domain string) (*AccessToken, error)
	Expire(ctx context.Context, token string) error
}

// ConnectionStore is the cross-broker record of which node is served by which
// broker instance. It is the only state broker instances share.
type ConnectionStore interface {
	Exists(ctx context.Context, accessTokenID int64, node string) (bool, error)
	UpsertConnected(ctx context.Context, accessTokenID int64, node, serverNode string) error
	MarkFailed(ctx context.Context, accessTokenID int64, node, serverNode string) error
	MarkAllFailedForServerNode(ctx context.Context, serverNode string) (int64, error)
	IsNodeConnected(ctx context.Context, accessTokenID int64, node string) (bool, error)
	// ConnectedServerNode returns "" when no CONNECTED row exists.
	ConnectedServerNode(ctx context.Context, accessTokenID int64, node string) (string, error)
	CountConnected(ctx context.Context, tenant, domain string) (int, error)
	ListConnected(ctx context.Context, tenant, domain string) ([]AgentConnection, error)
}

// Store bundles both DAOs over one database handle.
type Store interface {
	Tokens() TokenStore
	Connections() ConnectionStore
	Ping(ctx context.Context) error
	Close() error
}

// NewTokenValue generates an opaque access token.
func NewTokenValue() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return tokenPrefix + hex.EncodeToString(b), nil
}
