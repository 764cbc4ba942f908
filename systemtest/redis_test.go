package systemtest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/systemtest/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
)

func TestRedisQueue(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis container test in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := context.Background()
	container, url, err := redis.StartRedis(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	q, err := queue.New(ctx, queue.Config{Driver: queue.DriverRedis, Url: url})
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })

	t.Run("FIFO", func(t *testing.T) {
		name := queue.RequestQueue("broker-fifo")
		for _, cid := range []string{"a", "b", "c"} {
			require.NoError(t, q.Send(ctx, name, queue.Message{CorrelationID: cid, Body: json.RawMessage(`{}`)}, time.Minute))
		}
		for _, cid := range []string{"a", "b", "c"} {
			msg, err := q.Receive(ctx, name, time.Second)
			require.NoError(t, err)
			assert.Equal(t, cid, msg.CorrelationID)
		}
	})

	t.Run("EmptyTimesOut", func(t *testing.T) {
		_, err := q.Receive(ctx, queue.ResponseQueue("nobody"), time.Second)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("ResponseExpires", func(t *testing.T) {
		name := queue.ResponseQueue("late")
		require.NoError(t, q.Send(ctx, name, queue.Message{CorrelationID: "late", Body: json.RawMessage(`{}`)}, time.Second))
		time.Sleep(1500 * time.Millisecond)
		_, err := q.Receive(ctx, name, time.Second)
		assert.ErrorIs(t, err, queue.ErrEmpty)
	})

	t.Run("PubSub", func(t *testing.T) {
		sub, err := q.Subscribe(ctx, queue.ControlTopic)
		require.NoError(t, err)
		defer sub.Close()

		require.NoError(t, q.Publish(ctx, queue.ControlTopic, []byte(`{"operationType":"KILL_AGENTS"}`)))
		select {
		case payload := <-sub.Messages():
			assert.JSONEq(t, `{"operationType":"KILL_AGENTS"}`, string(payload))
		case <-time.After(5 * time.Second):
			t.Fatal("no control message received")
		}
	})
}
