package connect

import (
	"context"
	"time"
)

// FieldUpdate carries full target values for the organization fields of a
// connection. Pointers distinguish "set to zero value" from "unchanged".
// Payloads encode target state, not deltas, so replaying one is idempotent.
type FieldUpdate struct {
	DisplayLabel *string   `json:"display_label,omitempty"`
	Status       *Status   `json:"status,omitempty"`
	IsFavorite   *bool     `json:"is_favorite,omitempty"`
	IsArchived   *bool     `json:"is_archived,omitempty"`
	IsMuted      *bool     `json:"is_muted,omitempty"`
	Tags         *[]string `json:"tags,omitempty"`
}

// ExchangeRequest is the single credential-exchange round trip of the
// invitation handshake.
type ExchangeRequest struct {
	ConnectionID      string `json:"connection_id"`
	Credentials       string `json:"credentials"`
	MessageSpaceTopic string `json:"message_space_topic"`
	RequesterSpace    string `json:"requester_space"`
	RequesterE2EKey   []byte `json:"requester_e2e_public_key"`
}

// ExchangeResult is the remote-confirmed connection descriptor.
type ExchangeResult struct {
	ConnectionID        string     `json:"connection_id"`
	PeerGUID            string     `json:"peer_guid"`
	PeerAlias           string     `json:"peer_alias"`
	Description         string     `json:"description,omitempty"`
	Organization        string     `json:"organization,omitempty"`
	Category            string     `json:"category,omitempty"`
	PeerE2EKey          []byte     `json:"peer_e2e_public_key,omitempty"`
	CredentialsExpireAt *time.Time `json:"credentials_expire_at,omitempty"`
}

// Authority is the remote vault that confirms handshakes and mutations.
// Every call must honor its context deadline; the transport package provides
// the NATS-backed implementation.
type Authority interface {
	// Exchange performs the one-shot credential exchange for an invitation.
	// It is not idempotent; callers issue it at most once per Accept.
	Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error)

	// UpdateFields applies full target field values to a connection.
	UpdateFields(ctx context.Context, connectionID string, update *FieldUpdate) error

	// RevokeConnection marks a connection revoked. Idempotent.
	RevokeConnection(ctx context.Context, connectionID string) error

	// AcceptContract / RejectContract answer a pending contract update.
	// Idempotent for the same contract version.
	AcceptContract(ctx context.Context, connectionID string, contractVersion int) error
	RejectContract(ctx context.Context, connectionID string, contractVersion int) error

	// ListConnections fetches the authoritative connection set for a full
	// local reload.
	ListConnections(ctx context.Context) ([]*ConnectionRecord, error)
}
