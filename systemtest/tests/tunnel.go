package tests

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/api/http/dto"
	"github.com/EternisAI/silo-broker/internal/tunnel/client"
	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T, env *Env) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := env.Requester.Do(ctx, env.ServerNode, protocol.UserOperation{
		CorrelationID: "c1",
		RequestType:   protocol.RequestGetRoles,
		RequestData:   json.RawMessage(`{"filter":"*","limit":10}`),
		Tenant:        env.Tenant,
		Domain:        env.Domain,
	})
	require.NoError(t, err)
	assert.Equal(t, "c1", resp.CorrelationID)
	assert.JSONEq(t, `{"roles":["admin","auditor","dev"]}`, string(resp.ResponseData))
}

func TestConcurrentRequests(t *testing.T, env *Env) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	const n = 20
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			resp, err := env.Requester.Do(ctx, env.ServerNode, protocol.UserOperation{
				RequestType: protocol.RequestAuthenticate,
				RequestData: json.RawMessage(`{"username":"alice","password":"changeme"}`),
				Tenant:      env.Tenant,
				Domain:      env.Domain,
			})
			if err == nil && string(resp.ResponseData) != `{"authenticated":true}` {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	for i := 0; i < n; i++ {
		assert.NoError(t, <-errs)
	}
}

func TestAdminOperation(t *testing.T, env *Env) {
	rr := doJSON(env.Router, "POST", "/api/v1/operations", env.AdminToken, dto.OperationRequest{
		Tenant:      env.Tenant,
		Domain:      env.Domain,
		RequestType: string(protocol.RequestGetUserRoles),
		RequestData: json.RawMessage(`{"username":"bob"}`),
	})
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	var resp dto.OperationResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.CorrelationID)
	assert.Equal(t, env.ServerNode, resp.ServerNode)
	assert.JSONEq(t, `{"roles":["dev"]}`, string(resp.ResponseData))

	rr = doJSON(env.Router, "GET", "/api/v1/sessions", env.AdminToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var sessions dto.SessionsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &sessions))
	assert.Equal(t, 1, sessions.Count)
}

func TestUnknownRequestType(t *testing.T, env *Env) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := env.Requester.Do(ctx, env.ServerNode, protocol.UserOperation{
		RequestType: "deleteEverything",
		Tenant:      env.Tenant,
		Domain:      env.Domain,
	})
	require.NoError(t, err)

	var body protocol.ErrorResponse
	require.NoError(t, json.Unmarshal(resp.ResponseData, &body))
	assert.Contains(t, body.Error, "unsupported request type")
}

// TestKillAgents must run last: the agent treats the eviction as fatal.
func TestKillAgents(t *testing.T, env *Env) {
	rr := doJSON(env.Router, "POST", "/api/v1/kill-agents", env.AdminToken, dto.KillAgentsRequest{
		Tenant: env.Tenant,
		Domain: env.Domain,
	})
	require.Equal(t, http.StatusAccepted, rr.Code)

	select {
	case err := <-env.Agent.Fatal():
		var fatal *client.FatalError
		require.ErrorAs(t, err, &fatal)
		assert.Equal(t, protocol.KillAgentsMessage, fatal.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("agent was not evicted")
	}

	assert.Eventually(t, func() bool {
		return env.Pool.Len() == 0
	}, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		rows, err := env.Store.Connections().ListConnected(context.Background(), env.Tenant, env.Domain)
		return err == nil && len(rows) == 0
	}, 5*time.Second, 20*time.Millisecond)
}
