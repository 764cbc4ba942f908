package systemtest

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/admission"
	internalhttp "github.com/EternisAI/silo-broker/internal/api/http"
	"github.com/EternisAI/silo-broker/internal/auth"
	"github.com/EternisAI/silo-broker/internal/queue"
	"github.com/EternisAI/silo-broker/internal/relay"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store/storetest"
	tunnelclient "github.com/EternisAI/silo-broker/internal/tunnel/client"
	tunnelserver "github.com/EternisAI/silo-broker/internal/tunnel/server"
	"github.com/EternisAI/silo-broker/internal/userstore"
	"github.com/EternisAI/silo-broker/systemtest/tests"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

const (
	serverNode = "broker-a"
	jwtSecret  = "systemtest-secret"
)

const agentUsers = `
roles: [auditor]
users:
  - username: alice
    password_hash: "$2a$10$uejoNCSLZ9YkKOZriLlSGeg0pm/nuGVS3nRuSPyYuk/Z7HJHKBhGO"
    roles: [admin, dev]
  - username: bob
    roles: [dev]
`

func TestSystemIntegration(t *testing.T) {
	env := startEnv(t)

	t.Run("RoundTrip", func(t *testing.T) { tests.TestRoundTrip(t, env) })
	t.Run("ConcurrentRequests", func(t *testing.T) { tests.TestConcurrentRequests(t, env) })
	t.Run("AdminOperation", func(t *testing.T) { tests.TestAdminOperation(t, env) })
	t.Run("UnknownRequestType", func(t *testing.T) { tests.TestUnknownRequestType(t, env) })
	t.Run("KillAgents", func(t *testing.T) { tests.TestKillAgents(t, env) })
}

// startEnv runs a broker on SQLite and the in-memory queue, then tunnels one
// agent into it.
func startEnv(t *testing.T) *tests.Env {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st, _ := storetest.NewSQLite(t)
	at := storetest.IssueToken(t, st, "acme", "corp")

	q := queue.NewMemory()
	t.Cleanup(func() { _ = q.Close() })

	pool := session.NewPool()
	rl := relay.New(q, pool, relay.Config{
		ServerNode:  serverNode,
		PollTimeout: 200 * time.Millisecond,
		RetryDelay:  100 * time.Millisecond,
	})

	admitter := admission.NewHandler(st.Tokens(), st.Connections(),
		admission.NewHTTPProber("http://127.0.0.1:1/{node}/status", time.Second),
		admission.Config{ServerNode: serverNode})
	tunnel := tunnelserver.NewServer(tunnelserver.Config{ServerNode: serverNode}, admitter, st.Connections(), pool, rl)

	engine := gin.New()
	internalhttp.SetupRoute(engine, &internalhttp.Services{
		ServerNode:  serverNode,
		JWTSecret:   jwtSecret,
		Tunnel:      tunnel,
		Pool:        pool,
		Connections: st.Connections(),
		Publisher:   rl,
		Requester:   relay.NewRequester(q, st.Connections(), 5*time.Second),
	})
	hs := httptest.NewServer(engine)

	ctx, cancel := context.WithCancel(context.Background())
	rl.Start(ctx)

	manager, err := userstore.ParseStatic([]byte(agentUsers))
	require.NoError(t, err)

	agent := tunnelclient.NewClient(tunnelclient.Config{
		URL:               "ws" + strings.TrimPrefix(hs.URL, "http") + "/server",
		AccessToken:       at.Token,
		Node:              "agent-1",
		ReconnectInterval: 100 * time.Millisecond,
		HeartbeatInterval: time.Second,
	}, tunnelclient.NewRequestHandler(manager))
	require.NoError(t, agent.Start())

	t.Cleanup(func() {
		_ = agent.Stop()
		_ = tunnel.StopWithTimeout(5 * time.Second)
		rl.Stop()
		cancel()
		hs.Close()
	})

	require.Eventually(t, func() bool {
		return pool.Len() == 1
	}, 5*time.Second, 20*time.Millisecond, "agent never joined the pool")

	adminToken, err := auth.GenerateToken(auth.Config{Secret: jwtSecret}, "systemtest", auth.RoleAdmin)
	require.NoError(t, err)

	return &tests.Env{
		ServerNode: serverNode,
		Tenant:     "acme",
		Domain:     "corp",
		AdminToken: adminToken,
		Router:     engine,
		Store:      st,
		Pool:       pool,
		Requester:  relay.NewRequester(q, st.Connections(), 5*time.Second),
		Agent:      agent,
	}
}
