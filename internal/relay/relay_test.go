package relay

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/session/sessiontest"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var corp = session.Key{Tenant: "acme", Domain: "corp"}

func testConfig() Config {
	return Config{
		ServerNode:  "broker-a",
		ResponseTTL: time.Minute,
		PollTimeout: 20 * time.Millisecond,
		RetryDelay:  10 * time.Millisecond,
		Workers:     4,
	}
}

func enqueue(t *testing.T, q queue.Queue, serverNode string, op protocol.UserOperation) {
	t.Helper()
	body, err := json.Marshal(op)
	require.NoError(t, err)
	require.NoError(t, q.Send(context.Background(), queue.RequestQueue(serverNode),
		queue.Message{CorrelationID: op.CorrelationID, Body: body}, time.Minute))
}

func waitFrame(t *testing.T, s *sessiontest.Fake) []byte {
	t.Helper()
	select {
	case frame := <-s.Received():
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
		return nil
	}
}

func TestRelay_InboundDispatch(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	p := session.NewPool()
	s := sessiontest.New("s1", "node-1", "acme", "corp")
	p.Add(corp, s)

	r := New(q, p, testConfig())
	r.Start(context.Background())
	defer r.Stop()

	enqueue(t, q, "broker-a", protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		RequestData:   json.RawMessage(`{"filter":"*","limit":10}`),
		Tenant:        "acme",
		Domain:        "corp",
	})

	frame := waitFrame(t, s)
	assert.JSONEq(t, `{"correlationId":"c1","requestType":"getRoles","requestData":{"filter":"*","limit":10}}`, string(frame))
}

func TestRelay_IgnoresOtherServerNodes(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	p := session.NewPool()
	s := sessiontest.New("s1", "node-1", "acme", "corp")
	p.Add(corp, s)

	r := New(q, p, testConfig())
	r.Start(context.Background())
	defer r.Stop()

	enqueue(t, q, "broker-b", protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		Tenant:        "acme",
		Domain:        "corp",
	})

	select {
	case <-s.Received():
		t.Fatal("request for another server node was dispatched")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_DispatchWithoutSessionDrops(t *testing.T) {
	p := session.NewPool()
	other := sessiontest.New("s1", "node-1", "acme", "other")
	p.Add(session.Key{Tenant: "acme", Domain: "other"}, other)

	r := New(queue.NewMemory(), p, testConfig())
	sent := r.Dispatch(protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		Tenant:        "acme",
		Domain:        "corp",
	})
	assert.False(t, sent)
	assert.Empty(t, other.Frames())
}

func TestRelay_DispatchSendFailure(t *testing.T) {
	p := session.NewPool()
	s := sessiontest.New("s1", "node-1", "acme", "corp")
	s.CloseWithError("gone")
	p.Add(corp, s)

	r := New(queue.NewMemory(), p, testConfig())
	assert.False(t, r.Dispatch(protocol.UserOperation{CorrelationID: "c1", RequestType: protocol.RequestGetRoles, Tenant: "acme", Domain: "corp"}))
}

func TestRelay_PublishResponse(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	r := New(q, session.NewPool(), testConfig())
	ctx := context.Background()

	require.NoError(t, r.PublishResponse(ctx, protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		ResponseData:  json.RawMessage(`{"roles":["admin"]}`),
		Tenant:        "acme",
	}))

	msg, err := q.Receive(ctx, queue.ResponseQueue("c1"), time.Second)
	require.NoError(t, err)
	assert.Equal(t, "c1", msg.CorrelationID)
	assert.JSONEq(t, `{"correlationId":"c1","responseData":{"roles":["admin"]}}`, string(msg.Body))
}

func TestRelay_PublishResponseExpires(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	cfg := testConfig()
	cfg.ResponseTTL = 10 * time.Millisecond
	r := New(q, session.NewPool(), cfg)
	ctx := context.Background()

	require.NoError(t, r.PublishResponse(ctx, protocol.UserOperation{CorrelationID: "c1", ResponseData: json.RawMessage(`{}`)}))
	time.Sleep(30 * time.Millisecond)

	_, err := q.Receive(ctx, queue.ResponseQueue("c1"), 20*time.Millisecond)
	assert.ErrorIs(t, err, queue.ErrEmpty)
}

func TestRelay_KillAgents(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	p := session.NewPool()

	var victims []*sessiontest.Fake
	for _, id := range []string{"s1", "s2", "s3"} {
		s := sessiontest.New(id, "node-"+id, "acme", "corp")
		victims = append(victims, s)
		p.Add(corp, s)
	}
	bystander := sessiontest.New("s4", "node-4", "acme", "other")
	p.Add(session.Key{Tenant: "acme", Domain: "other"}, bystander)

	r := New(q, p, testConfig())
	r.Start(context.Background())
	defer r.Stop()

	// Let the control consumer subscribe.
	require.Eventually(t, func() bool {
		err := r.PublishServerOperation(context.Background(), protocol.ServerOperation{
			OperationType: protocol.OperationKillAgents,
			TenantDomain:  "acme",
			Domain:        "corp",
		})
		return err == nil && p.Select(corp) == nil
	}, 2*time.Second, 20*time.Millisecond)

	for _, s := range victims {
		assert.Equal(t, []string{protocol.KillAgentsMessage}, s.Errors(), s.ID())
		assert.True(t, s.Closed())
	}
	assert.False(t, bystander.Closed())
	assert.Equal(t, 1, p.Len())
}

func TestRelay_HandleServerOperationUnknown(t *testing.T) {
	p := session.NewPool()
	p.Add(corp, sessiontest.New("s1", "node-1", "acme", "corp"))
	r := New(queue.NewMemory(), p, testConfig())

	assert.Zero(t, r.HandleServerOperation(protocol.ServerOperation{OperationType: "RESTART", TenantDomain: "acme", Domain: "corp"}))
	assert.Equal(t, 1, p.Len())
}

// flakyQueue fails the first n Receive calls with a connection error.
type flakyQueue struct {
	*queue.Memory
	failures atomic.Int32
	calls    atomic.Int32
}

func (f *flakyQueue) Receive(ctx context.Context, name string, timeout time.Duration) (*queue.Message, error) {
	f.calls.Add(1)
	if f.failures.Add(-1) >= 0 {
		return nil, errors.New("dial tcp: connection refused")
	}
	return f.Memory.Receive(ctx, name, timeout)
}

func TestRelay_RetriesQueueConnectionErrors(t *testing.T) {
	q := &flakyQueue{Memory: queue.NewMemory()}
	defer q.Close()
	q.failures.Store(3)

	p := session.NewPool()
	s := sessiontest.New("s1", "node-1", "acme", "corp")
	p.Add(corp, s)

	r := New(q, p, testConfig())
	r.Start(context.Background())
	defer r.Stop()

	enqueue(t, q, "broker-a", protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		Tenant:        "acme",
		Domain:        "corp",
	})

	waitFrame(t, s)
	assert.GreaterOrEqual(t, q.calls.Load(), int32(4))
}

func TestRelay_MalformedRequestDoesNotStopConsumer(t *testing.T) {
	q := queue.NewMemory()
	defer q.Close()
	p := session.NewPool()
	s := sessiontest.New("s1", "node-1", "acme", "corp")
	p.Add(corp, s)

	r := New(q, p, testConfig())
	r.Start(context.Background())
	defer r.Stop()

	require.NoError(t, q.Send(context.Background(), queue.RequestQueue("broker-a"),
		queue.Message{CorrelationID: "bad", Body: json.RawMessage(`"not an object"`)}, time.Minute))
	enqueue(t, q, "broker-a", protocol.UserOperation{
		CorrelationID: "c2",
		RequestType:   protocol.RequestGetRoles,
		Tenant:        "acme",
		Domain:        "corp",
	})

	frame := waitFrame(t, s)
	assert.Contains(t, string(frame), `"c2"`)
}

func TestRelay_StopReturns(t *testing.T) {
	r := New(queue.NewMemory(), session.NewPool(), testConfig())
	r.Start(context.Background())

	done := make(chan struct{})
	go func() {
		r.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}
