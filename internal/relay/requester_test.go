package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/store/storetest"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequester_DoRoundTrip(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()

	responder := New(q, nil, testConfig())

	// Play the broker: take the request and publish a reply for it.
	go func() {
		msg, err := q.Receive(ctx, queue.RequestQueue("broker-a"), 2*time.Second)
		if err != nil {
			return
		}
		var op protocol.UserOperation
		if err := json.Unmarshal(msg.Body, &op); err != nil {
			return
		}
		op.ResponseData = json.RawMessage(`{"roles":["admin","dev"]}`)
		_ = responder.PublishResponse(ctx, op)
	}()

	r := NewRequester(q, s.Connections(), 2*time.Second)
	resp, err := r.Do(ctx, "broker-a", protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		RequestData:   json.RawMessage(`{"filter":"*","limit":0}`),
		Tenant:        "acme",
		Domain:        "corp",
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.CorrelationID)
	assert.JSONEq(t, `{"roles":["admin","dev"]}`, string(resp.ResponseData))
}

func TestRequester_DoTimeout(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	s, _ := storetest.NewSQLite(t)

	r := NewRequester(q, s.Connections(), 50*time.Millisecond)
	_, err := r.Do(context.Background(), "broker-a", protocol.UserOperation{
		RequestType: protocol.RequestGetRoles,
		Tenant:      "acme",
		Domain:      "corp",
	})
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestRequester_DoAssignsCorrelationID(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	s, _ := storetest.NewSQLite(t)

	r := NewRequester(q, s.Connections(), 20*time.Millisecond)
	_, err := r.Do(context.Background(), "broker-a", protocol.UserOperation{RequestType: protocol.RequestGetRoles})
	require.ErrorIs(t, err, ErrResponseTimeout)

	msg, err := q.Receive(context.Background(), queue.RequestQueue("broker-a"), 20*time.Millisecond)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.CorrelationID)

	var op protocol.UserOperation
	require.NoError(t, json.Unmarshal(msg.Body, &op))
	assert.Equal(t, msg.CorrelationID, op.CorrelationID)
}

func TestRequester_Route(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")

	r := NewRequester(q, s.Connections(), time.Second)

	_, err := r.Route(ctx, "acme", "corp")
	assert.ErrorIs(t, err, ErrNoRoute)

	require.NoError(t, s.Connections().UpsertConnected(ctx, at.ID, "node-1", "broker-a"))

	serverNode, err := r.Route(ctx, "acme", "corp")
	require.NoError(t, err)
	assert.Equal(t, "broker-a", serverNode)
}
