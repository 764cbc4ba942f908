package admission_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/EternisAI/silo-broker/internal/admission"
	"github.com/EternisAI/silo-broker/internal/store"
	"github.com/EternisAI/silo-broker/internal/store/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockProber is a mock implementation of admission.Prober
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Alive(ctx context.Context, serverNode string) bool {
	args := m.Called(serverNode)
	return args.Bool(0)
}

// MockTokenStore is a mock implementation of store.TokenStore
type MockTokenStore struct {
	mock.Mock
}

func (m *MockTokenStore) Validate(ctx context.Context, token string) (*store.AccessToken, error) {
	args := m.Called(token)
	at, _ := args.Get(0).(*store.AccessToken)
	return at, args.Error(1)
}

func (m *MockTokenStore) Issue(ctx context.Context, tenant, domain string) (*store.AccessToken, error) {
	args := m.Called(tenant, domain)
	at, _ := args.Get(0).(*store.AccessToken)
	return at, args.Error(1)
}

func (m *MockTokenStore) Expire(ctx context.Context, token string) error {
	return m.Called(token).Error(0)
}

func newHandler(s store.Store, prober admission.Prober, serverNode string, limit int) *admission.Handler {
	return admission.NewHandler(s.Tokens(), s.Connections(), prober, admission.Config{
		ServerNode:      serverNode,
		ConnectionLimit: limit,
	})
}

func TestAdmit_NewNode(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")
	prober := new(MockProber)

	h := newHandler(s, prober, "broker-a", 5)
	got, err := h.Admit(ctx, at.Token, "node-1")
	require.NoError(t, err)
	assert.Equal(t, at.ID, got.ID)
	assert.Equal(t, "acme", got.Tenant)

	owner, err := s.Connections().ConnectedServerNode(ctx, at.ID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "broker-a", owner)

	prober.AssertNotCalled(t, "Alive", mock.Anything)
}

func TestAdmit_InvalidToken(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	expired := storetest.IssueToken(t, s, "acme", "corp")
	require.NoError(t, s.Tokens().Expire(ctx, expired.Token))

	h := newHandler(s, new(MockProber), "broker-a", 5)

	for _, token := range []string{"", "at_unknown", expired.Token} {
		got, err := h.Admit(ctx, token, "node-1")
		assert.ErrorIs(t, err, admission.ErrInvalidToken, "token %q", token)
		assert.Nil(t, got)
	}

	exists, err := s.Connections().Exists(ctx, expired.ID, "node-1")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestAdmit_NonActiveStatusRejected(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	tokens := new(MockTokenStore)
	tokens.On("Validate", "at_x").Return(&store.AccessToken{ID: 1, Status: store.TokenExpired}, nil)

	h := admission.NewHandler(tokens, s.Connections(), new(MockProber), admission.Config{ServerNode: "broker-a"})
	_, err := h.Admit(context.Background(), "at_x", "node-1")
	assert.ErrorIs(t, err, admission.ErrInvalidToken)
	tokens.AssertExpectations(t)
}

func TestAdmit_TokenStoreFailure(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	tokens := new(MockTokenStore)
	tokens.On("Validate", "at_x").Return(nil, errors.New("db down"))

	h := admission.NewHandler(tokens, s.Connections(), new(MockProber), admission.Config{ServerNode: "broker-a"})
	_, err := h.Admit(context.Background(), "at_x", "node-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, admission.ErrInvalidToken)
}

func TestAdmit_DuplicateNodeOwnerAlive(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")
	require.NoError(t, s.Connections().UpsertConnected(ctx, at.ID, "node-1", "broker-a"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	prober := admission.NewHTTPProber(srv.URL+"/status?node={node}", time.Second)
	h := newHandler(s, prober, "broker-b", 5)

	_, err := h.Admit(ctx, at.Token, "node-1")
	assert.ErrorIs(t, err, admission.ErrNodeAlreadyConnected)

	owner, err := s.Connections().ConnectedServerNode(ctx, at.ID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "broker-a", owner)
}

func TestAdmit_DuplicateNodeOwnerRefused(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")
	require.NoError(t, s.Connections().UpsertConnected(ctx, at.ID, "node-1", "broker-a"))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := lis.Addr().String()
	require.NoError(t, lis.Close())

	prober := admission.NewHTTPProber("http://"+addr+"/status", time.Second)
	h := newHandler(s, prober, "broker-b", 5)

	got, err := h.Admit(ctx, at.Token, "node-1")
	require.NoError(t, err)
	assert.Equal(t, at.ID, got.ID)

	owner, err := s.Connections().ConnectedServerNode(ctx, at.ID, "node-1")
	require.NoError(t, err)
	assert.Equal(t, "broker-b", owner)
}

func TestAdmit_DuplicateNodeOwnerUnhealthy(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")
	require.NoError(t, s.Connections().UpsertConnected(ctx, at.ID, "node-1", "broker-a"))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	h := newHandler(s, admission.NewHTTPProber(srv.URL+"/status", time.Second), "broker-b", 5)

	_, err := h.Admit(ctx, at.Token, "node-1")
	require.NoError(t, err)
}

func TestAdmit_ConnectionLimit(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	at := storetest.IssueToken(t, s, "acme", "corp")
	h := newHandler(s, new(MockProber), "broker-a", 2)

	_, err := h.Admit(ctx, at.Token, "node-1")
	require.NoError(t, err)
	_, err = h.Admit(ctx, at.Token, "node-2")
	require.NoError(t, err)

	_, err = h.Admit(ctx, at.Token, "node-3")
	assert.ErrorIs(t, err, admission.ErrConnectionLimit)

	require.NoError(t, s.Connections().MarkFailed(ctx, at.ID, "node-1", "broker-a"))

	_, err = h.Admit(ctx, at.Token, "node-3")
	require.NoError(t, err)
}

func TestAdmit_LimitCountsAcrossTokensOfSameDomain(t *testing.T) {
	s, _ := storetest.NewSQLite(t)
	ctx := context.Background()
	first := storetest.IssueToken(t, s, "acme", "corp")
	second := storetest.IssueToken(t, s, "acme", "corp")
	h := newHandler(s, new(MockProber), "broker-a", 1)

	_, err := h.Admit(ctx, first.Token, "node-1")
	require.NoError(t, err)

	_, err = h.Admit(ctx, second.Token, "node-2")
	assert.ErrorIs(t, err, admission.ErrConnectionLimit)
}

func TestHTTPProber_URL(t *testing.T) {
	p := admission.NewHTTPProber("http://{node}:8080/status", 0)
	assert.Equal(t, "http://broker-a:8080/status", p.URL("broker-a"))
	assert.True(t, strings.HasSuffix(p.URL("x"), "/status"))
}
