package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vettid/vettid-app/connect"
)

// Agent dispatches front-end requests to the connection core. The platform
// UI talks to the agent on OwnerSpace.<guid>.forAgent.<operation> subjects.
type Agent struct {
	ownerSpace string
	projection *connect.Projection
	queue      *connect.Queue
	handshake  *connect.Handshake
}

// NewAgent creates the front-end request dispatcher.
func NewAgent(ownerSpace string, projection *connect.Projection, queue *connect.Queue, handshake *connect.Handshake) *Agent {
	return &Agent{
		ownerSpace: ownerSpace,
		projection: projection,
		queue:      queue,
		handshake:  handshake,
	}
}

// SubjectPattern is the subscription pattern for front-end requests.
func (a *Agent) SubjectPattern() string {
	return fmt.Sprintf("OwnerSpace.%s.forAgent.>", a.ownerSpace)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Class   string `json:"class,omitempty"`
	Message string `json:"message,omitempty"` // fixed user-facing message
}

func errorBytes(err error) []byte {
	resp := errorResponse{Error: err.Error()}
	if he, ok := connect.AsHandshakeError(err); ok {
		resp.Class = string(he.Class)
		resp.Message = he.UserMessage()
	}
	data, _ := json.Marshal(resp)
	return data
}

func okBytes(payload any) []byte {
	body, err := json.Marshal(payload)
	if err != nil {
		return errorBytes(err)
	}
	if string(body) == "null" || len(body) == 0 {
		body = []byte("{}")
	}
	// Splice success into the payload object
	if body[0] == '{' {
		if len(body) == 2 {
			return []byte(`{"success":true}`)
		}
		return append([]byte(`{"success":true,`), body[1:]...)
	}
	data, _ := json.Marshal(map[string]any{"success": true, "result": json.RawMessage(body)})
	return data
}

// Handle dispatches one front-end request by its operation suffix.
func (a *Agent) Handle(subject string, data []byte) []byte {
	parts := strings.SplitN(subject, ".forAgent.", 2)
	if len(parts) != 2 {
		return errorBytes(fmt.Errorf("malformed subject %q", subject))
	}
	operation := parts[1]

	resp, err := a.dispatch(operation, data)
	if err != nil {
		log.Debug().Str("operation", operation).Err(err).Msg("Request failed")
		return errorBytes(err)
	}
	if resp == nil {
		return okBytes(nil)
	}
	return resp
}

func (a *Agent) dispatch(operation string, data []byte) ([]byte, error) {
	switch operation {
	case "invitation.parse":
		return a.handleParse(data)
	case "invitation.accept":
		return a.handleAccept(data)
	case "invitation.manual":
		return nil, a.handshake.AcceptManualEntry(string(data))
	case "connection.list":
		return a.handleList(data)
	case "connection.get":
		return a.handleGet(data)
	case "connection.update":
		return a.handleUpdate(data)
	case "connection.revoke":
		return a.handleConnectionID(data, a.projection.Revoke)
	case "contract.answer":
		return a.handleContractAnswer(data)
	case "offline.status":
		status, err := a.queue.Status()
		if err != nil {
			return nil, err
		}
		return okBytes(status), nil
	case "offline.list":
		return a.handleOfflineList(data)
	case "offline.retry":
		return nil, a.queue.Retry(context.Background())
	case "wipe":
		return nil, a.projection.Wipe()
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

func (a *Agent) handleParse(data []byte) ([]byte, error) {
	var req struct {
		Raw []byte `json:"raw"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	payload, err := a.handshake.Parse(req.Raw)
	if err != nil {
		return nil, err
	}
	return okBytes(map[string]any{
		"connection_id": payload.ConnectionID,
		"peer_guid":     payload.PeerGUID,
		"label":         payload.DisplayLabel,
		"expires_at":    payload.ExpiresAt,
	}), nil
}

func (a *Agent) handleAccept(data []byte) ([]byte, error) {
	var req struct {
		Raw []byte `json:"raw"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	payload, err := connect.ParsePayload(req.Raw)
	if err != nil {
		return nil, err
	}
	record, err := a.handshake.Accept(context.Background(), payload)
	if err != nil {
		return nil, err
	}
	return okBytes(map[string]any{"connection": record}), nil
}

func (a *Agent) handleList(data []byte) ([]byte, error) {
	var filter connect.Filter
	if len(data) > 0 {
		if err := json.Unmarshal(data, &filter); err != nil {
			filter = connect.Filter{}
		}
	}
	records := a.projection.ApplyFilter(filter)
	return okBytes(map[string]any{
		"connections": records,
		"total":       len(records),
	}), nil
}

func (a *Agent) handleGet(data []byte) ([]byte, error) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ConnectionID == "" {
		return nil, fmt.Errorf("connection_id is required")
	}
	record, ok := a.projection.Get(req.ConnectionID)
	if !ok {
		return nil, connect.ErrUnknownConnection
	}
	return okBytes(map[string]any{"connection": record}), nil
}

// handleUpdate applies optimistic organization mutations.
func (a *Agent) handleUpdate(data []byte) ([]byte, error) {
	var req struct {
		ConnectionID   string  `json:"connection_id"`
		ToggleFavorite bool    `json:"toggle_favorite,omitempty"`
		ToggleArchive  bool    `json:"toggle_archive,omitempty"`
		ToggleMute     bool    `json:"toggle_mute,omitempty"`
		AddTag         string  `json:"add_tag,omitempty"`
		RemoveTag      string  `json:"remove_tag,omitempty"`
		Rename         *string `json:"rename,omitempty"`
	}
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("invalid request: %w", err)
	}
	if req.ConnectionID == "" {
		return nil, fmt.Errorf("connection_id is required")
	}

	id := req.ConnectionID
	if req.ToggleFavorite {
		if err := a.projection.ToggleFavorite(id); err != nil {
			return nil, err
		}
	}
	if req.ToggleArchive {
		if err := a.projection.ToggleArchive(id); err != nil {
			return nil, err
		}
	}
	if req.ToggleMute {
		if err := a.projection.ToggleMute(id); err != nil {
			return nil, err
		}
	}
	if req.AddTag != "" {
		if err := a.projection.AddTag(id, req.AddTag); err != nil {
			return nil, err
		}
	}
	if req.RemoveTag != "" {
		if err := a.projection.RemoveTag(id, req.RemoveTag); err != nil {
			return nil, err
		}
	}
	if req.Rename != nil {
		if err := a.projection.Rename(id, *req.Rename); err != nil {
			return nil, err
		}
	}

	record, _ := a.projection.Get(id)
	return okBytes(map[string]any{"connection": record}), nil
}

func (a *Agent) handleConnectionID(data []byte, fn func(string) error) ([]byte, error) {
	var req struct {
		ConnectionID string `json:"connection_id"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ConnectionID == "" {
		return nil, fmt.Errorf("connection_id is required")
	}
	if err := fn(req.ConnectionID); err != nil {
		return nil, err
	}
	return okBytes(nil), nil
}

func (a *Agent) handleContractAnswer(data []byte) ([]byte, error) {
	var req struct {
		ConnectionID    string `json:"connection_id"`
		ContractVersion int    `json:"contract_version"`
		Accept          bool   `json:"accept"`
	}
	if err := json.Unmarshal(data, &req); err != nil || req.ConnectionID == "" {
		return nil, fmt.Errorf("connection_id is required")
	}
	if err := a.projection.AnswerContract(req.ConnectionID, req.ContractVersion, req.Accept); err != nil {
		return nil, err
	}
	return okBytes(nil), nil
}

func (a *Agent) handleOfflineList(data []byte) ([]byte, error) {
	var req struct {
		ConnectionID string `json:"connection_id,omitempty"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &req); err != nil {
			return nil, fmt.Errorf("invalid request: %w", err)
		}
	}

	actions, err := a.queue.Actions(req.ConnectionID)
	if err != nil {
		return nil, err
	}
	return okBytes(map[string]any{
		"actions": actions,
		"total":   len(actions),
	}), nil
}
