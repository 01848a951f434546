// Package connect implements the app-side connection lifecycle core:
// invitation handshake, offline mutation queue, and the canonical
// connection set with its filtered views.
package connect

import (
	"time"
)

// Status is the lifecycle status of a connection
type Status string

const (
	StatusActive                Status = "active"
	StatusPendingContractUpdate Status = "pending_contract_update"
	StatusSuspended             Status = "suspended"
	StatusRevoked               Status = "revoked"
)

// ConnectionRecord represents a stored connection to a peer or service.
// ConnectionID is immutable once created; StatusRevoked is terminal.
type ConnectionRecord struct {
	ConnectionID string `json:"connection_id"`
	PeerGUID     string `json:"peer_guid,omitempty"`

	DisplayLabel string `json:"display_label"`
	Description  string `json:"description,omitempty"`
	Organization string `json:"organization,omitempty"`
	Category     string `json:"category,omitempty"` // "retail", "healthcare", "finance", etc.

	Status            Status `json:"status"`
	MessageSpaceTopic string `json:"message_space_topic,omitempty"`

	CreatedAt    time.Time  `json:"created_at"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`

	// Activity tracking
	ActivityCount int `json:"activity_count"`

	// Organization features
	Tags       []string `json:"tags,omitempty"`
	IsFavorite bool     `json:"is_favorite"`
	IsArchived bool     `json:"is_archived"`
	IsMuted    bool     `json:"is_muted"`

	// E2E encryption fields
	LocalPublicKey  []byte `json:"local_public_key,omitempty"`
	LocalPrivateKey []byte `json:"local_private_key,omitempty"`
	PeerPublicKey   []byte `json:"peer_public_key,omitempty"`

	// Credential tracking
	CredentialsExpireAt *time.Time `json:"credentials_expire_at,omitempty"`
}

// HasTag reports whether the record carries the given tag.
func (r *ConnectionRecord) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// addTag appends the tag if not already present, preserving set semantics.
func (r *ConnectionRecord) addTag(tag string) bool {
	if r.HasTag(tag) {
		return false
	}
	r.Tags = append(r.Tags, tag)
	return true
}

// removeTag removes the tag if present.
func (r *ConnectionRecord) removeTag(tag string) bool {
	for i, t := range r.Tags {
		if t == tag {
			r.Tags = append(r.Tags[:i], r.Tags[i+1:]...)
			return true
		}
	}
	return false
}

// NeedsAttention reports whether the connection requires user attention:
// a pending contract update, or credentials expiring within 7 days.
func (r *ConnectionRecord) NeedsAttention(now time.Time) bool {
	if r.Status == StatusPendingContractUpdate {
		return true
	}
	if r.CredentialsExpireAt != nil && r.CredentialsExpireAt.Before(now.Add(7*24*time.Hour)) {
		return true
	}
	return false
}

// clone returns a deep copy so mutations are full read-modify-write of the
// record, never field-level edits of a shared pointer.
func (r *ConnectionRecord) clone() *ConnectionRecord {
	c := *r
	if r.LastActiveAt != nil {
		t := *r.LastActiveAt
		c.LastActiveAt = &t
	}
	if r.CredentialsExpireAt != nil {
		t := *r.CredentialsExpireAt
		c.CredentialsExpireAt = &t
	}
	c.Tags = append([]string(nil), r.Tags...)
	c.LocalPublicKey = append([]byte(nil), r.LocalPublicKey...)
	c.LocalPrivateKey = append([]byte(nil), r.LocalPrivateKey...)
	c.PeerPublicKey = append([]byte(nil), r.PeerPublicKey...)
	return &c
}
