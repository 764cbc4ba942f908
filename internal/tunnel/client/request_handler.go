package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/EternisAI/silo-broker/internal/tunnel/protocol"
	"github.com/EternisAI/silo-broker/internal/userstore"
)

// RequestHandler executes tunnel requests against the local user store.
type RequestHandler struct {
	manager userstore.Manager
}

func NewRequestHandler(manager userstore.Manager) *RequestHandler {
	return &RequestHandler{manager: manager}
}

// HandleRequest returns the responseData for op. Failures are reported to
// the caller inside responseData rather than dropped.
func (rh *RequestHandler) HandleRequest(ctx context.Context, op protocol.UserOperation) json.RawMessage {
	slog.Debug("Handling request", "correlation_id", op.CorrelationID, "request_type", op.RequestType)

	result, err := rh.dispatch(ctx, op)
	if err != nil {
		slog.Error("Request failed",
			"correlation_id", op.CorrelationID,
			"request_type", op.RequestType,
			"error", err)
		result = protocol.ErrorResponse{Error: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		data, _ = json.Marshal(protocol.ErrorResponse{Error: "failed to encode response"})
	}
	return data
}

func (rh *RequestHandler) dispatch(ctx context.Context, op protocol.UserOperation) (any, error) {
	switch op.RequestType {
	case protocol.RequestAuthenticate:
		var req protocol.AuthenticateRequest
		if err := decode(op.RequestData, &req); err != nil {
			return nil, err
		}
		ok, err := rh.manager.Authenticate(ctx, req.Username, req.Password)
		if err != nil {
			return nil, fmt.Errorf("authenticate: %w", err)
		}
		return protocol.AuthenticateResponse{Authenticated: ok}, nil

	case protocol.RequestGetClaims:
		var req protocol.ClaimsRequest
		if err := decode(op.RequestData, &req); err != nil {
			return nil, err
		}
		claims, err := rh.manager.GetUserClaims(ctx, req.Username, req.ClaimURIs)
		if err != nil {
			return nil, fmt.Errorf("get claims: %w", err)
		}
		return protocol.ClaimsResponse{Claims: claims}, nil

	case protocol.RequestGetRoles:
		var req protocol.ListRequest
		if err := decode(op.RequestData, &req); err != nil {
			return nil, err
		}
		roles, err := rh.manager.GetRoleNames(ctx, req.Filter, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("get roles: %w", err)
		}
		return protocol.RolesResponse{Roles: roles}, nil

	case protocol.RequestGetUserRoles:
		var req protocol.UserRolesRequest
		if err := decode(op.RequestData, &req); err != nil {
			return nil, err
		}
		roles, err := rh.manager.GetExternalRoles(ctx, req.Username)
		if err != nil {
			return nil, fmt.Errorf("get user roles: %w", err)
		}
		return protocol.RolesResponse{Roles: roles}, nil

	case protocol.RequestGetUsers:
		var req protocol.ListRequest
		if err := decode(op.RequestData, &req); err != nil {
			return nil, err
		}
		users, err := rh.manager.ListUsers(ctx, req.Filter, req.Limit)
		if err != nil {
			return nil, fmt.Errorf("get users: %w", err)
		}
		return protocol.UsersResponse{Users: users}, nil

	default:
		return nil, fmt.Errorf("unsupported request type: %s", op.RequestType)
	}
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid requestData: %w", err)
	}
	return nil
}
