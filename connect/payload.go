package connect

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// PayloadType is the discriminator distinguishing VettID invitations from
// other scanned documents.
const PayloadType = "vettid/invitation"

// legacyPayloadType is accepted for invitations issued by older vaults.
const legacyPayloadType = "vettid-invite"

// InvitationPayload is the normalized form of a scanned invitation. It is
// transient and never persisted as-is; the credential bundle moves into the
// durable store only on a successful handshake.
type InvitationPayload struct {
	ConnectionID      string
	PeerGUID          string
	DisplayLabel      string
	Credentials       string // opaque secret bundle granting mailbox access
	MessageSpaceTopic string
	OwnerSpace        string
	ExpiresAt         *time.Time
}

// invitationDoc is the wire form. Alias fields keep compatibility with
// payloads issued by older and newer vault versions.
type invitationDoc struct {
	Type    string `json:"type" cbor:"type"`
	Version int    `json:"version,omitempty" cbor:"version,omitempty"`

	ConnectionID string `json:"connection_id,omitempty" cbor:"connection_id,omitempty"`
	InviteID     string `json:"invite_id,omitempty" cbor:"invite_id,omitempty"` // legacy alias

	PeerGUID  string `json:"peer_guid,omitempty" cbor:"peer_guid,omitempty"`
	PeerAlias string `json:"peer_alias,omitempty" cbor:"peer_alias,omitempty"` // legacy alias for label
	Label     string `json:"label,omitempty" cbor:"label,omitempty"`

	Credentials     string `json:"credentials,omitempty" cbor:"credentials,omitempty"`
	NATSCredentials string `json:"nats_credentials,omitempty" cbor:"nats_credentials,omitempty"` // legacy alias

	MessageSpaceTopic string `json:"message_space_topic,omitempty" cbor:"message_space_topic,omitempty"`
	MailboxTopic      string `json:"mailbox_topic,omitempty" cbor:"mailbox_topic,omitempty"` // legacy alias

	OwnerSpace string `json:"owner_space,omitempty" cbor:"owner_space,omitempty"`

	ExpiresAt string `json:"expires_at,omitempty" cbor:"expires_at,omitempty"`
}

// ParsePayload validates and normalizes a scanned invitation. QR codes carry
// the compact CBOR encoding; the JSON form is accepted as fallback. Parsing
// is pure and deterministic: the same raw bytes always yield the same
// payload or the same classified error.
func ParsePayload(raw []byte) (*InvitationPayload, error) {
	raw = []byte(strings.TrimSpace(string(raw)))
	if len(raw) == 0 {
		return nil, handshakeErr(FailureInvalidPayload, "empty payload")
	}

	var doc invitationDoc
	if raw[0] == '{' {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, handshakeErr(FailureInvalidPayload, "malformed JSON: "+err.Error())
		}
	} else {
		if err := cbor.Unmarshal(raw, &doc); err != nil {
			return nil, handshakeErr(FailureInvalidPayload, "malformed CBOR: "+err.Error())
		}
	}

	if doc.Type != PayloadType && doc.Type != legacyPayloadType {
		return nil, handshakeErr(FailureInvalidPayload, "unrecognized payload type "+strconv.Quote(doc.Type))
	}

	p := &InvitationPayload{
		ConnectionID:      firstNonEmpty(doc.ConnectionID, doc.InviteID),
		PeerGUID:          doc.PeerGUID,
		DisplayLabel:      firstNonEmpty(doc.Label, doc.PeerAlias),
		Credentials:       firstNonEmpty(doc.Credentials, doc.NATSCredentials),
		MessageSpaceTopic: firstNonEmpty(doc.MessageSpaceTopic, doc.MailboxTopic),
		OwnerSpace:        doc.OwnerSpace,
	}

	if p.ConnectionID == "" {
		return nil, handshakeErr(FailureInvalidPayload, "missing connection_id")
	}
	if p.Credentials == "" {
		return nil, handshakeErr(FailureInvalidPayload, "missing credentials")
	}

	// The explicit peer_guid field wins; derivation from the mailbox topic is
	// a fallback for payloads that omit it.
	if p.PeerGUID == "" {
		p.PeerGUID = derivePeerGUID(p.MessageSpaceTopic)
	}
	if p.PeerGUID == "" {
		return nil, handshakeErr(FailureInvalidPayload, "missing peer identity and no mailbox topic to derive it from")
	}

	if doc.ExpiresAt != "" {
		expires, err := time.Parse(time.RFC3339, doc.ExpiresAt)
		if err != nil {
			return nil, handshakeErr(FailureInvalidPayload, "invalid expires_at: "+err.Error())
		}
		p.ExpiresAt = &expires
	}

	return p, nil
}

// derivePeerGUID extracts the peer identity segment from a mailbox topic of
// the form "MessageSpace.<guid>.forOwner.>". Returns "" when the topic does
// not match that shape.
func derivePeerGUID(topic string) string {
	parts := strings.Split(topic, ".")
	if len(parts) >= 3 && parts[0] == "MessageSpace" && parts[2] == "forOwner" && parts[1] != "" {
		return parts[1]
	}
	return ""
}

// EncodePayload produces the compact CBOR wire form of an invitation.
// Used when this app issues invitations of its own.
func EncodePayload(p *InvitationPayload) ([]byte, error) {
	doc := invitationDoc{
		Type:              PayloadType,
		Version:           1,
		ConnectionID:      p.ConnectionID,
		PeerGUID:          p.PeerGUID,
		Label:             p.DisplayLabel,
		Credentials:       p.Credentials,
		MessageSpaceTopic: p.MessageSpaceTopic,
		OwnerSpace:        p.OwnerSpace,
	}
	if p.ExpiresAt != nil {
		doc.ExpiresAt = p.ExpiresAt.UTC().Format(time.RFC3339)
	}
	return cbor.Marshal(&doc)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
