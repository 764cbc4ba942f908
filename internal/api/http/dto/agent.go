package dto

import (
	"encoding/json"
	"time"
)

type SessionInfo struct {
	SessionID string `json:"session_id"`
	Tenant    string `json:"tenant"`
	Domain    string `json:"domain"`
	Node      string `json:"node"`
}

type SessionsResponse struct {
	ServerNode string        `json:"server_node"`
	Sessions   []SessionInfo `json:"sessions"`
	Count      int           `json:"count"`
}

type ConnectionInfo struct {
	Node       string    `json:"node"`
	ServerNode string    `json:"server_node"`
	Status     string    `json:"status"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ConnectionsResponse struct {
	Tenant      string           `json:"tenant"`
	Domain      string           `json:"domain"`
	Connections []ConnectionInfo `json:"connections"`
	Count       int              `json:"count"`
}

type KillAgentsRequest struct {
	Tenant string `json:"tenant" binding:"required"`
	Domain string `json:"domain" binding:"required"`
}

type OperationRequest struct {
	Tenant        string          `json:"tenant" binding:"required"`
	Domain        string          `json:"domain" binding:"required"`
	CorrelationID string          `json:"correlationId"`
	RequestType   string          `json:"requestType" binding:"required"`
	RequestData   json.RawMessage `json:"requestData"`
}

type OperationResponse struct {
	CorrelationID string          `json:"correlationId"`
	ServerNode    string          `json:"server_node"`
	ResponseData  json.RawMessage `json:"responseData"`
}
