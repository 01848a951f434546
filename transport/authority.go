package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vettid/vettid-app/connect"
)

// Authority is the NATS-backed remote authority client. Requests go to the
// user's vault on OwnerSpace.<guid>.forVault.<operation> subjects; responses
// carry {"success": bool, "error": string, ...}.
type Authority struct {
	client     *Client
	ownerSpace string
}

// NewAuthority creates an authority client over an established connection.
func NewAuthority(client *Client, ownerSpace string) *Authority {
	return &Authority{client: client, ownerSpace: ownerSpace}
}

func (a *Authority) subject(operation string) string {
	return fmt.Sprintf("OwnerSpace.%s.forVault.%s", a.ownerSpace, operation)
}

// ack is the common response envelope for mutation calls.
type ack struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func parseAck(data []byte) (bool, string) {
	var a ack
	if err := json.Unmarshal(data, &a); err != nil {
		return false, "unreadable response"
	}
	return a.Success, a.Error
}

// request performs one round trip and decodes the response envelope. Remote
// rejections come back as classified errors so raw error strings never
// surface to the user.
func (a *Authority) request(ctx context.Context, operation string, payload any, out any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	subject := a.subject(operation)
	respData, err := a.client.Request(ctx, subject, data)
	if err != nil {
		return fmt.Errorf("%s request failed: %w", operation, err)
	}

	if ok, errText := parseAck(respData); !ok {
		log.Debug().Str("operation", operation).Str("error", errText).Msg("Vault rejected request")
		return connect.ClassifyRemote(errText)
	}

	if out != nil {
		if err := json.Unmarshal(respData, out); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", operation, err)
		}
	}
	return nil
}

// Exchange performs the one-shot credential exchange for an invitation.
func (a *Authority) Exchange(ctx context.Context, req *connect.ExchangeRequest) (*connect.ExchangeResult, error) {
	var resp struct {
		ack
		connect.ExchangeResult
	}
	if err := a.request(ctx, "connection.exchange", req, &resp); err != nil {
		return nil, err
	}
	return &resp.ExchangeResult, nil
}

// UpdateFields applies full target field values to a connection.
func (a *Authority) UpdateFields(ctx context.Context, connectionID string, update *connect.FieldUpdate) error {
	req := struct {
		ConnectionID string               `json:"connection_id"`
		Update       *connect.FieldUpdate `json:"update"`
	}{connectionID, update}
	return a.request(ctx, "connection.update", &req, nil)
}

// RevokeConnection marks a connection revoked on the authority.
func (a *Authority) RevokeConnection(ctx context.Context, connectionID string) error {
	req := struct {
		ConnectionID string `json:"connection_id"`
	}{connectionID}
	return a.request(ctx, "connection.revoke", &req, nil)
}

type contractAnswer struct {
	ConnectionID    string `json:"connection_id"`
	ContractVersion int    `json:"contract_version"`
}

// AcceptContract accepts a pending contract update.
func (a *Authority) AcceptContract(ctx context.Context, connectionID string, contractVersion int) error {
	return a.request(ctx, "contract.accept", &contractAnswer{connectionID, contractVersion}, nil)
}

// RejectContract rejects a pending contract update.
func (a *Authority) RejectContract(ctx context.Context, connectionID string, contractVersion int) error {
	return a.request(ctx, "contract.reject", &contractAnswer{connectionID, contractVersion}, nil)
}

// ListConnections fetches the authoritative connection set.
func (a *Authority) ListConnections(ctx context.Context) ([]*connect.ConnectionRecord, error) {
	var resp struct {
		ack
		Connections []*connect.ConnectionRecord `json:"connections"`
	}
	if err := a.request(ctx, "connection.list", struct{}{}, &resp); err != nil {
		return nil, err
	}
	return resp.Connections, nil
}
