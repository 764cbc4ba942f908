// Package userstore holds the directory backends an agent serves lookups from.
package userstore

import (
	"context"
	"errors"
	"fmt"
)

const (
	TypeStatic = "static"
	TypeLDAP   = "ldap"
)

var (
	ErrUnknownType  = errors.New("unknown user store type")
	ErrUserNotFound = errors.New("user not found")
)

// Manager is the directory backend behind the tunnel.
type Manager interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
	// ListUsers and GetRoleNames accept "*" wildcards; limit <= 0 means no limit.
	ListUsers(ctx context.Context, filter string, limit int) ([]string, error)
	GetRoleNames(ctx context.Context, filter string, limit int) ([]string, error)
	GetExternalRoles(ctx context.Context, username string) ([]string, error)
	GetUserClaims(ctx context.Context, username string, claimURIs []string) (map[string]string, error)
	ConnectionStatus(ctx context.Context) bool
	Close() error
}

type Config struct {
	Type   string       `mapstructure:"type"`
	Static StaticConfig `mapstructure:"static"`
	LDAP   LDAPConfig   `mapstructure:"ldap"`
}

type factory func(cfg Config) (Manager, error)

var factories = map[string]factory{
	TypeStatic: func(cfg Config) (Manager, error) { return NewStatic(cfg.Static) },
	TypeLDAP:   func(cfg Config) (Manager, error) { return NewLDAP(cfg.LDAP), nil },
}

// New builds the backend named by cfg.Type.
func New(cfg Config) (Manager, error) {
	f, ok := factories[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
	return f(cfg)
}
