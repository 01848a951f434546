package connect

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestAccept_WhileReady(t *testing.T) {
	c := newTestCore(t)

	payload, err := ParsePayload(validInvitationJSON())
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}

	record, err := c.handshake.Accept(context.Background(), payload)
	if err != nil {
		t.Fatalf("Failed to accept: %v", err)
	}

	if c.authority.exchangeCalls != 1 {
		t.Errorf("Expected exactly one exchange call, got %d", c.authority.exchangeCalls)
	}
	if record.Status != StatusActive {
		t.Errorf("Expected active status, got %s", record.Status)
	}
	if record.ConnectionID != "conn-1" {
		t.Errorf("Expected connection_id 'conn-1', got %q", record.ConnectionID)
	}
	if len(record.LocalPublicKey) != 32 || len(record.LocalPrivateKey) != 32 {
		t.Error("Expected x25519 keypair on the record")
	}

	// Record landed in the projection
	if got, ok := c.projection.Get("conn-1"); !ok || got.Status != StatusActive {
		t.Error("Expected record in projection")
	}

	// Credential material landed in the durable store
	creds, err := c.store.Get("credentials/conn-1")
	if err != nil {
		t.Fatalf("Expected stored credentials: %v", err)
	}
	if string(creds) != "creds-bundle" {
		t.Errorf("Expected credential bundle, got %q", creds)
	}

	if c.handshake.State() != StateSucceeded {
		t.Errorf("Expected succeeded state, got %s", c.handshake.State())
	}
}

func TestAccept_NotConnected(t *testing.T) {
	c := newTestCore(t)
	c.signals.set(false, false)

	payload, _ := ParsePayload(validInvitationJSON())

	_, err := c.handshake.Accept(context.Background(), payload)
	he, ok := AsHandshakeError(err)
	if !ok || he.Class != FailureTransportNotReady {
		t.Fatalf("Expected transport_not_ready, got %v", err)
	}

	if c.authority.exchangeCalls != 0 {
		t.Errorf("Expected zero exchange calls while offline, got %d", c.authority.exchangeCalls)
	}
	if _, ok := c.projection.Get("conn-1"); ok {
		t.Error("Expected no record created on readiness failure")
	}
	if !he.Retryable() {
		t.Error("Expected readiness failure to be retryable")
	}

	// Retry after connectivity returns succeeds with the same payload and
	// creates exactly one record.
	c.signals.set(true, true)
	record, err := c.handshake.Accept(context.Background(), payload)
	if err != nil {
		t.Fatalf("Retry after reconnect failed: %v", err)
	}
	if record.ConnectionID != "conn-1" {
		t.Errorf("Expected conn-1, got %q", record.ConnectionID)
	}
	if c.authority.exchangeCalls != 1 {
		t.Errorf("Expected one exchange call total, got %d", c.authority.exchangeCalls)
	}
	if c.projection.Len() != 1 {
		t.Errorf("Expected exactly one record, got %d", c.projection.Len())
	}
}

func TestAccept_SessionNotEstablished(t *testing.T) {
	c := newTestCore(t)
	c.signals.set(true, false)

	payload, _ := ParsePayload(validInvitationJSON())

	_, err := c.handshake.Accept(context.Background(), payload)
	he, ok := AsHandshakeError(err)
	if !ok || he.Class != FailureSessionNotReady {
		t.Fatalf("Expected session_not_ready, got %v", err)
	}
	if c.authority.exchangeCalls != 0 {
		t.Errorf("Expected zero exchange calls, got %d", c.authority.exchangeCalls)
	}
}

func TestAccept_SingleUse(t *testing.T) {
	c := newTestCore(t)

	payload, _ := ParsePayload(validInvitationJSON())

	if _, err := c.handshake.Accept(context.Background(), payload); err != nil {
		t.Fatalf("First accept failed: %v", err)
	}

	_, err := c.handshake.Accept(context.Background(), payload)
	he, ok := AsHandshakeError(err)
	if !ok || he.Class != FailureAlreadyUsed {
		t.Fatalf("Expected already_used on second accept, got %v", err)
	}
	if c.authority.exchangeCalls != 1 {
		t.Errorf("Expected one exchange call, got %d", c.authority.exchangeCalls)
	}
}

func TestAccept_RemoteRejectionConsumesPayload(t *testing.T) {
	c := newTestCore(t)
	c.authority.exchangeErr = errors.New("invitation already used by another device")

	payload, _ := ParsePayload(validInvitationJSON())

	_, err := c.handshake.Accept(context.Background(), payload)
	he, ok := AsHandshakeError(err)
	if !ok || he.Class != FailureAlreadyUsed {
		t.Fatalf("Expected already_used classification, got %v", err)
	}

	// A rejected exchange is terminal for the payload
	c.authority.exchangeErr = nil
	_, err = c.handshake.Accept(context.Background(), payload)
	if he, ok := AsHandshakeError(err); !ok || he.Class != FailureAlreadyUsed {
		t.Fatalf("Expected already_used after consumed payload, got %v", err)
	}
	if c.authority.exchangeCalls != 1 {
		t.Errorf("Expected one exchange call, got %d", c.authority.exchangeCalls)
	}
}

func TestAccept_Expired(t *testing.T) {
	c := newTestCore(t)

	past := time.Now().Add(-time.Hour)
	payload := &InvitationPayload{
		ConnectionID: "conn-exp",
		PeerGUID:     "peer-abc",
		Credentials:  "creds",
		ExpiresAt:    &past,
	}

	_, err := c.handshake.Accept(context.Background(), payload)
	if he, ok := AsHandshakeError(err); !ok || he.Class != FailureExpired {
		t.Fatalf("Expected expired, got %v", err)
	}
	if c.authority.exchangeCalls != 0 {
		t.Error("Expected no exchange for expired payload")
	}
}

func TestAccept_SelfConnection(t *testing.T) {
	c := newTestCore(t)

	payload := &InvitationPayload{
		ConnectionID: "conn-self",
		PeerGUID:     "peer-abc",
		Credentials:  "creds",
		OwnerSpace:   "test-owner", // matches the handshake's own space
	}

	_, err := c.handshake.Accept(context.Background(), payload)
	if he, ok := AsHandshakeError(err); !ok || he.Class != FailureSelfConnection {
		t.Fatalf("Expected self_connection, got %v", err)
	}
	if c.authority.exchangeCalls != 0 {
		t.Error("Expected no exchange for self connection")
	}
}

func TestAcceptManualEntry(t *testing.T) {
	c := newTestCore(t)

	err := c.handshake.AcceptManualEntry("ABC-123")
	if he, ok := AsHandshakeError(err); !ok || he.Class != FailureManualEntry {
		t.Fatalf("Expected manual_entry failure, got %v", err)
	}
	if c.handshake.State() != StateFailed {
		t.Errorf("Expected failed state, got %s", c.handshake.State())
	}
}

func TestHandshake_StateTransitions(t *testing.T) {
	c := newTestCore(t)
	watch := c.handshake.Watch()

	payload, _ := ParsePayload(validInvitationJSON())
	if _, err := c.handshake.Accept(context.Background(), payload); err != nil {
		t.Fatalf("Accept failed: %v", err)
	}

	// The watcher coalesces; the final state must be Succeeded.
	var last HandshakeState
	for {
		select {
		case s := <-watch:
			last = s
			continue
		default:
		}
		break
	}
	if last != StateSucceeded {
		t.Errorf("Expected final state succeeded, got %s", last)
	}
}
