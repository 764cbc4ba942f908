// Package postgres implements the token and connection stores on pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Tokens() store.TokenStore           { return &tokenStore{pool: s.pool} }
func (s *Store) Connections() store.ConnectionStore { return &connectionStore{pool: s.pool} }

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const (
	validateTokenQuery = `
SELECT id, token, tenant, domain, status, created_at
FROM access_tokens
WHERE token = $1 AND status = 'ACTIVE'`

	issueTokenQuery = `
INSERT INTO access_tokens (token, tenant, domain, status)
VALUES ($1, $2, $3, 'ACTIVE')
RETURNING id, token, tenant, domain, status, created_at`

	expireTokenQuery = `
UPDATE access_tokens SET status = 'EXPIRED' WHERE token = $1`
)

type tokenStore struct {
	pool *pgxpool.Pool
}

func (t *tokenStore) Validate(ctx context.Context, token string) (*store.AccessToken, error) {
	if token == "" {
		return nil, nil
	}

	at, err := scanToken(t.pool.QueryRow(ctx, validateTokenQuery, token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to validate access token: %w", err)
	}
	return at, nil
}

func (t *tokenStore) Issue(ctx context.Context, tenant, domain string) (*store.AccessToken, error) {
	value, err := store.NewTokenValue()
	if err != nil {
		return nil, err
	}

	at, err := scanToken(t.pool.QueryRow(ctx, issueTokenQuery, value, tenant, domain))
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}
	return at, nil
}

func (t *tokenStore) Expire(ctx context.Context, token string) error {
	tag, err := t.pool.Exec(ctx, expireTokenQuery, token)
	if err != nil {
		return fmt.Errorf("failed to expire access token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanToken(row pgx.Row) (*store.AccessToken, error) {
	var (
		at     store.AccessToken
		status string
	)
	if err := row.Scan(&at.ID, &at.Token, &at.Tenant, &at.Domain, &status, &at.CreatedAt); err != nil {
		return nil, err
	}
	at.Status = store.TokenStatus(status)
	return &at, nil
}

const (
	connectionExistsQuery = `
SELECT EXISTS (
    SELECT 1 FROM agent_connections WHERE access_token_id = $1 AND node = $2
)`

	upsertConnectedQuery = `
INSERT INTO agent_connections (access_token_id, node, server_node, status, updated_at)
VALUES ($1, $2, $3, 'CONNECTED', NOW())
ON CONFLICT (access_token_id, node)
DO UPDATE SET server_node = EXCLUDED.server_node, status = 'CONNECTED', updated_at = NOW()`

	markFailedQuery = `
UPDATE agent_connections
SET status = 'CONNECTION_FAILED', updated_at = NOW()
WHERE access_token_id = $1 AND node = $2 AND server_node = $3`

	markAllFailedQuery = `
UPDATE agent_connections
SET status = 'CONNECTION_FAILED', updated_at = NOW()
WHERE server_node = $1 AND status = 'CONNECTED'`

	connectedServerNodeQuery = `
SELECT server_node FROM agent_connections
WHERE access_token_id = $1 AND node = $2 AND status = 'CONNECTED'`

	countConnectedQuery = `
SELECT COUNT(*)
FROM agent_connections c
JOIN access_tokens t ON t.id = c.access_token_id
WHERE t.tenant = $1 AND t.domain = $2 AND c.status = 'CONNECTED'`

	listConnectedQuery = `
SELECT c.access_token_id, c.node, c.server_node, c.status, c.updated_at
FROM agent_connections c
JOIN access_tokens t ON t.id = c.access_token_id
WHERE t.tenant = $1 AND t.domain = $2 AND c.status = 'CONNECTED'
ORDER BY c.node`
)

type connectionStore struct {
	pool *pgxpool.Pool
}

func (c *connectionStore) Exists(ctx context.Context, accessTokenID int64, node string) (bool, error) {
	var exists bool
	if err := c.pool.QueryRow(ctx, connectionExistsQuery, accessTokenID, node).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check agent connection: %w", err)
	}
	return exists, nil
}

func (c *connectionStore) UpsertConnected(ctx context.Context, accessTokenID int64, node, serverNode string) error {
	if _, err := c.pool.Exec(ctx, upsertConnectedQuery, accessTokenID, node, serverNode); err != nil {
		return fmt.Errorf("failed to record agent connection: %w", err)
	}
	return nil
}

func (c *connectionStore) MarkFailed(ctx context.Context, accessTokenID int64, node, serverNode string) error {
	if _, err := c.pool.Exec(ctx, markFailedQuery, accessTokenID, node, serverNode); err != nil {
		return fmt.Errorf("failed to mark agent connection failed: %w", err)
	}
	return nil
}

func (c *connectionStore) MarkAllFailedForServerNode(ctx context.Context, serverNode string) (int64, error) {
	tag, err := c.pool.Exec(ctx, markAllFailedQuery, serverNode)
	if err != nil {
		return 0, fmt.Errorf("failed to reset connections for server node: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (c *connectionStore) IsNodeConnected(ctx context.Context, accessTokenID int64, node string) (bool, error) {
	serverNode, err := c.ConnectedServerNode(ctx, accessTokenID, node)
	if err != nil {
		return false, err
	}
	return serverNode != "", nil
}

func (c *connectionStore) ConnectedServerNode(ctx context.Context, accessTokenID int64, node string) (string, error) {
	var serverNode string
	err := c.pool.QueryRow(ctx, connectedServerNodeQuery, accessTokenID, node).Scan(&serverNode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get connected server node: %w", err)
	}
	return serverNode, nil
}

func (c *connectionStore) CountConnected(ctx context.Context, tenant, domain string) (int, error) {
	var count int64
	if err := c.pool.QueryRow(ctx, countConnectedQuery, tenant, domain).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return int(count), nil
}

func (c *connectionStore) ListConnected(ctx context.Context, tenant, domain string) ([]store.AgentConnection, error) {
	rows, err := c.pool.Query(ctx, listConnectedQuery, tenant, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var result []store.AgentConnection
	for rows.Next() {
		var (
			conn   store.AgentConnection
			status string
		)
		if err := rows.Scan(&conn.AccessTokenID, &conn.Node, &conn.ServerNode, &status, &conn.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conn.Status = store.ConnectionStatus(status)
		result = append(result, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return result, nil
}
