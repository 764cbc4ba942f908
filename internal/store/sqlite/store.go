// Package sqlite implements the token and connection stores on modernc SQLite,
// for single-broker deployments and tests.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/EternisAI/silo-broker/internal/store"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Tokens() store.TokenStore           { return &tokenStore{db: s.db} }
func (s *Store) Connections() store.ConnectionStore { return &connectionStore{db: s.db} }

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() error { return s.db.Close() }

type tokenStore struct {
	db *sql.DB
}

func (t *tokenStore) Validate(ctx context.Context, token string) (*store.AccessToken, error) {
	if token == "" {
		return nil, nil
	}

	row := t.db.QueryRowContext(ctx, `
SELECT id, token, tenant, domain, status, created_at
FROM access_tokens
WHERE token = ? AND status = 'ACTIVE'`, token)

	at, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
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

	now := time.Now().UTC().Truncate(time.Second)
	res, err := t.db.ExecContext(ctx, `
INSERT INTO access_tokens (token, tenant, domain, status, created_at)
VALUES (?, ?, ?, 'ACTIVE', ?)`, value, tenant, domain, now.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to issue access token: %w", err)
	}

	return &store.AccessToken{
		ID:        id,
		Token:     value,
		Tenant:    tenant,
		Domain:    domain,
		Status:    store.TokenActive,
		CreatedAt: now,
	}, nil
}

func (t *tokenStore) Expire(ctx context.Context, token string) error {
	res, err := t.db.ExecContext(ctx, `UPDATE access_tokens SET status = 'EXPIRED' WHERE token = ?`, token)
	if err != nil {
		return fmt.Errorf("failed to expire access token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to expire access token: %w", err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func scanToken(row *sql.Row) (*store.AccessToken, error) {
	var (
		at        store.AccessToken
		status    string
		createdAt int64
	)
	if err := row.Scan(&at.ID, &at.Token, &at.Tenant, &at.Domain, &status, &createdAt); err != nil {
		return nil, err
	}
	at.Status = store.TokenStatus(status)
	at.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &at, nil
}

type connectionStore struct {
	db *sql.DB
}

func (c *connectionStore) Exists(ctx context.Context, accessTokenID int64, node string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx, `
SELECT EXISTS (SELECT 1 FROM agent_connections WHERE access_token_id = ? AND node = ?)`,
		accessTokenID, node).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check agent connection: %w", err)
	}
	return exists, nil
}

func (c *connectionStore) UpsertConnected(ctx context.Context, accessTokenID int64, node, serverNode string) error {
	_, err := c.db.ExecContext(ctx, `
INSERT INTO agent_connections (access_token_id, node, server_node, status, updated_at)
VALUES (?, ?, ?, 'CONNECTED', ?)
ON CONFLICT (access_token_id, node)
DO UPDATE SET server_node = excluded.server_node, status = 'CONNECTED', updated_at = excluded.updated_at`,
		accessTokenID, node, serverNode, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to record agent connection: %w", err)
	}
	return nil
}

func (c *connectionStore) MarkFailed(ctx context.Context, accessTokenID int64, node, serverNode string) error {
	_, err := c.db.ExecContext(ctx, `
UPDATE agent_connections
SET status = 'CONNECTION_FAILED', updated_at = ?
WHERE access_token_id = ? AND node = ? AND server_node = ?`,
		time.Now().Unix(), accessTokenID, node, serverNode)
	if err != nil {
		return fmt.Errorf("failed to mark agent connection failed: %w", err)
	}
	return nil
}

func (c *connectionStore) MarkAllFailedForServerNode(ctx context.Context, serverNode string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `
UPDATE agent_connections
SET status = 'CONNECTION_FAILED', updated_at = ?
WHERE server_node = ? AND status = 'CONNECTED'`,
		time.Now().Unix(), serverNode)
	if err != nil {
		return 0, fmt.Errorf("failed to reset connections for server node: %w", err)
	}
	return res.RowsAffected()
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
	err := c.db.QueryRowContext(ctx, `
SELECT server_node FROM agent_connections
WHERE access_token_id = ? AND node = ? AND status = 'CONNECTED'`,
		accessTokenID, node).Scan(&serverNode)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("failed to get connected server node: %w", err)
	}
	return serverNode, nil
}

func (c *connectionStore) CountConnected(ctx context.Context, tenant, domain string) (int, error) {
	var count int
	err := c.db.QueryRowContext(ctx, `
SELECT COUNT(*)
FROM agent_connections c
JOIN access_tokens t ON t.id = c.access_token_id
WHERE t.tenant = ? AND t.domain = ? AND c.status = 'CONNECTED'`,
		tenant, domain).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count connections: %w", err)
	}
	return count, nil
}

func (c *connectionStore) ListConnected(ctx context.Context, tenant, domain string) ([]store.AgentConnection, error) {
	rows, err := c.db.QueryContext(ctx, `
SELECT c.access_token_id, c.node, c.server_node, c.status, c.updated_at
FROM agent_connections c
JOIN access_tokens t ON t.id = c.access_token_id
WHERE t.tenant = ? AND t.domain = ? AND c.status = 'CONNECTED'
ORDER BY c.node`, tenant, domain)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var result []store.AgentConnection
	for rows.Next() {
		var (
			conn      store.AgentConnection
			status    string
			updatedAt int64
		)
		if err := rows.Scan(&conn.AccessTokenID, &conn.Node, &conn.ServerNode, &status, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}
		conn.Status = store.ConnectionStatus(status)
		conn.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		result = append(result, conn)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	return result, nil
}
