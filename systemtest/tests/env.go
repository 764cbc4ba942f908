// Package tests holds the system scenarios run against an in-process broker
// and agent.
package tests

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"

	"github.com/EternisAI/silo-broker/internal/relay"
	"github.com/EternisAI/silo-broker/internal/session"
	"github.com/EternisAI/silo-broker/internal/store"
	tunnelclient "github.com/EternisAI/silo-broker/internal/tunnel/client"
	"github.com/gin-gonic/gin"
)

// Env is a running broker with one agent tunnelled into it.
type Env struct {
	ServerNode string
	Tenant     string
	Domain     string
	AdminToken string

	Router    *gin.Engine
	Store     store.Store
	Pool      *session.Pool
	Requester *relay.Requester
	Agent     *tunnelclient.Client
}

func doJSON(router *gin.Engine, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}
