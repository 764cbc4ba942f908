package storetest

import (
	"context"
	"testing"

	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Contract exercises the behaviour every store driver must share. s must be
// empty.
func Contract(t *testing.T, s store.Store) {
	t.Run("TokenLifecycle", func(t *testing.T) { tokenLifecycle(t, s) })
	t.Run("ConnectionLifecycle", func(t *testing.T) { connectionLifecycle(t, s) })
	t.Run("ServerNodeRecovery", func(t *testing.T) { serverNodeRecovery(t, s) })
}

func tokenLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	tokens := s.Tokens()

	at, err := tokens.Issue(ctx, "contract", "tokens")
	require.NoError(t, err)
	assert.NotZero(t, at.ID)
	assert.Equal(t, store.TokenActive, at.Status)

	got, err := tokens.Validate(ctx, at.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, at.ID, got.ID)
	assert.Equal(t, "contract", got.Tenant)
	assert.Equal(t, "tokens", got.Domain)

	require.NoError(t, tokens.Expire(ctx, at.Token))
	got, err = tokens.Validate(ctx, at.Token)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = tokens.Validate(ctx, "unknown")
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, tokens.Expire(ctx, "unknown"), store.ErrNotFound)
}

func connectionLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := IssueToken(t, s, "contract", "connections")
	conns := s.Connections()

	exists, err := conns.Exists(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.False(t, exists)

	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "n1", "broker-a"))
	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "n1", "broker-a"))
	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "n2", "broker-b"))

	connected, err := conns.IsNodeConnected(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.True(t, connected)

	owner, err := conns.ConnectedServerNode(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, "broker-a", owner)

	n, err := conns.CountConnected(ctx, "contract", "connections")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Only the owning server node may release the row.
	require.NoError(t, conns.MarkFailed(ctx, at.ID, "n1", "broker-b"))
	connected, err = conns.IsNodeConnected(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.True(t, connected)

	require.NoError(t, conns.MarkFailed(ctx, at.ID, "n1", "broker-a"))
	connected, err = conns.IsNodeConnected(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.False(t, connected)

	exists, err = conns.Exists(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.True(t, exists)

	owner, err = conns.ConnectedServerNode(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.Empty(t, owner)

	rows, err := conns.ListConnected(ctx, "contract", "connections")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "n2", rows[0].Node)
	assert.Equal(t, "broker-b", rows[0].ServerNode)
	assert.Equal(t, store.StatusConnected, rows[0].Status)

	// Reconnect to another broker takes the row over.
	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "n1", "broker-c"))
	owner, err = conns.ConnectedServerNode(ctx, at.ID, "n1")
	require.NoError(t, err)
	assert.Equal(t, "broker-c", owner)
}

func serverNodeRecovery(t *testing.T, s store.Store) {
	ctx := context.Background()
	at := IssueToken(t, s, "contract", "recovery")
	conns := s.Connections()

	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "r1", "broker-x"))
	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "r2", "broker-x"))
	require.NoError(t, conns.UpsertConnected(ctx, at.ID, "r3", "broker-y"))

	n, err := conns.MarkAllFailedForServerNode(ctx, "broker-x")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := conns.CountConnected(ctx, "contract", "recovery")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}
