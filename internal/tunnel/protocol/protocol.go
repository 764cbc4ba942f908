// Package protocol defines the JSON frames exchanged over the agent tunnel and
// the queue payloads bridged by the relay.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

type RequestType string

const (
	RequestAuthenticate RequestType = "authenticate"
	RequestGetClaims    RequestType = "getClaims"
	RequestGetRoles     RequestType = "getRoles"
	RequestGetUserRoles RequestType = "getUserRoles"
	RequestGetUsers     RequestType = "getUsers"
	RequestError        RequestType = "error"
)

type ServerOperationType string

const (
	OperationKillAgents ServerOperationType = "KILL_AGENTS"
)

// KillAgentsMessage is the error frame text sent to sessions evicted by KILL_AGENTS.
const KillAgentsMessage = "closing client connection from server"

var ErrMalformedFrame = errors.New("malformed frame")

// UserOperation is a routed unit of work. Requests carry RequestType and
// RequestData; responses carry only CorrelationID and ResponseData.
type UserOperation struct {
	CorrelationID string          `json:"correlationId"`
	RequestType   RequestType     `json:"requestType,omitempty"`
	RequestData   json.RawMessage `json:"requestData,omitempty"`
	ResponseData  json.RawMessage `json:"responseData,omitempty"`
	Tenant        string          `json:"tenant,omitempty"`
	Domain        string          `json:"domain,omitempty"`
}

// ServerOperation is an out-of-band control message addressed to every broker.
type ServerOperation struct {
	OperationType ServerOperationType `json:"operationType"`
	TenantDomain  string              `json:"tenantDomain"`
	Domain        string              `json:"domain"`
}

// Request payloads, keyed by RequestType.

type AuthenticateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type AuthenticateResponse struct {
	Authenticated bool `json:"authenticated"`
}

type ClaimsRequest struct {
	Username  string   `json:"username"`
	ClaimURIs []string `json:"claims"`
}

type ClaimsResponse struct {
	Claims map[string]string `json:"claims"`
}

type ListRequest struct {
	Filter string `json:"filter"`
	Limit  int    `json:"limit"`
}

type UserRolesRequest struct {
	Username string `json:"username"`
}

type RolesResponse struct {
	Roles []string `json:"roles"`
}

type UsersResponse struct {
	Users []string `json:"users"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// Frame for a request sent down the tunnel.
type requestFrame struct {
	CorrelationID string          `json:"correlationId"`
	RequestType   RequestType     `json:"requestType"`
	RequestData   json.RawMessage `json:"requestData"`
}

// Frame for a response sent up the tunnel.
type responseFrame struct {
	CorrelationID string          `json:"correlationId"`
	ResponseData  json.RawMessage `json:"responseData"`
}

// EncodeRequest renders the flat request frame for op. Tenant and domain are
// routing data and never leave the broker.
func EncodeRequest(op UserOperation) ([]byte, error) {
	data := op.RequestData
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	return json.Marshal(requestFrame{
		CorrelationID: op.CorrelationID,
		RequestType:   op.RequestType,
		RequestData:   data,
	})
}

// EncodeError renders an error frame whose requestData is the message string.
func EncodeError(message string) ([]byte, error) {
	msg, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	return json.Marshal(requestFrame{
		RequestType: RequestError,
		RequestData: msg,
	})
}

func EncodeResponse(correlationID string, data json.RawMessage) ([]byte, error) {
	if len(data) == 0 {
		data = json.RawMessage("null")
	}
	return json.Marshal(responseFrame{CorrelationID: correlationID, ResponseData: data})
}

// DecodeRequest parses a frame received by the agent.
func DecodeRequest(b []byte) (UserOperation, error) {
	var f requestFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return UserOperation{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.RequestType == "" {
		return UserOperation{}, fmt.Errorf("%w: missing requestType", ErrMalformedFrame)
	}
	return UserOperation{
		CorrelationID: f.CorrelationID,
		RequestType:   f.RequestType,
		RequestData:   f.RequestData,
	}, nil
}

// DecodeResponse parses a frame received by the broker.
func DecodeResponse(b []byte) (UserOperation, error) {
	var f responseFrame
	if err := json.Unmarshal(b, &f); err != nil {
		return UserOperation{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if f.CorrelationID == "" {
		return UserOperation{}, fmt.Errorf("%w: missing correlationId", ErrMalformedFrame)
	}
	return UserOperation{
		CorrelationID: f.CorrelationID,
		ResponseData:  f.ResponseData,
	}, nil
}

// ErrorMessage extracts the human-readable text of an error frame.
func ErrorMessage(op UserOperation) string {
	var msg string
	if err := json.Unmarshal(op.RequestData, &msg); err != nil {
		return string(op.RequestData)
	}
	return msg
}
