package http

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/EternisAI/silo-broker/internal/auth"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "router-test-secret"

func newRouter(secret string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	SetupRoute(engine, &Services{
		ServerNode: "broker-a",
		JWTSecret:  secret,
		Pool:       session.NewPool(),
	})
	return engine
}

func get(r *gin.Engine, path, bearer string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("GET", path, nil)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRouter_PublicEndpoints(t *testing.T) {
	r := newRouter(testSecret)

	assert.Equal(t, http.StatusOK, get(r, "/health", "").Code)

	w := get(r, "/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"server_node":"broker-a"`)

	w = get(r, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "go_goroutines"))
}

func TestRouter_AdminRequiresAdminToken(t *testing.T) {
	r := newRouter(testSecret)

	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/sessions", "").Code)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/sessions", "garbage").Code)

	viewer, err := auth.GenerateToken(auth.Config{Secret: testSecret}, "bob", auth.RoleViewer)
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, get(r, "/api/v1/sessions", viewer).Code)

	admin, err := auth.GenerateToken(auth.Config{Secret: testSecret}, "ops", auth.RoleAdmin)
	require.NoError(t, err)
	w := get(r, "/api/v1/sessions", admin)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	forged, err := auth.GenerateToken(auth.Config{Secret: "other"}, "ops", auth.RoleAdmin)
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, get(r, "/api/v1/sessions", forged).Code)
}

func TestRouter_AdminDisabledWithoutSecret(t *testing.T) {
	r := newRouter("")
	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/api/v1/sessions", "anything").Code)
}

func TestAgentRouter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	SetupAgentRoute(engine, func() bool { return true })
	assert.Equal(t, http.StatusOK, get(engine, "/health", "").Code)
}
