package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"strings"
	"testing"

	"github.com/vettid/vettid-app/connect"
	"github.com/vettid/vettid-app/storage"
)

type stubSignals struct{}

func (stubSignals) Online() bool             { return true }
func (stubSignals) SessionEstablished() bool { return true }

type stubAuthority struct{}

func (stubAuthority) Exchange(ctx context.Context, req *connect.ExchangeRequest) (*connect.ExchangeResult, error) {
	return &connect.ExchangeResult{ConnectionID: req.ConnectionID, PeerGUID: "peer"}, nil
}
func (stubAuthority) UpdateFields(ctx context.Context, connectionID string, update *connect.FieldUpdate) error {
	return nil
}
func (stubAuthority) RevokeConnection(ctx context.Context, connectionID string) error { return nil }
func (stubAuthority) AcceptContract(ctx context.Context, connectionID string, contractVersion int) error {
	return nil
}
func (stubAuthority) RejectContract(ctx context.Context, connectionID string, contractVersion int) error {
	return nil
}
func (stubAuthority) ListConnections(ctx context.Context) ([]*connect.ConnectionRecord, error) {
	return nil, nil
}

func newTestAgent(t *testing.T) *Agent {
	t.Helper()

	dek := make([]byte, 32)
	rand.Read(dek)
	store, err := storage.Open(":memory:", "owner-test", dek)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	authority := stubAuthority{}
	gate := connect.NewReadinessGate(stubSignals{})
	queue := connect.NewQueue(store, authority)
	projection := connect.NewProjection(store, queue, stubSignals{})
	handshake := connect.NewHandshake(gate, authority, store, projection, "owner-test")

	return NewAgent("owner-test", projection, queue, handshake)
}

func decodeResponse(t *testing.T, data []byte) map[string]any {
	t.Helper()
	var resp map[string]any
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("Failed to decode response %s: %v", data, err)
	}
	return resp
}

func TestAgentSubjectPattern(t *testing.T) {
	a := newTestAgent(t)
	if got := a.SubjectPattern(); got != "OwnerSpace.owner-test.forAgent.>" {
		t.Errorf("Unexpected subject pattern %q", got)
	}
}

func TestAgentHandleMalformedSubject(t *testing.T) {
	a := newTestAgent(t)
	resp := decodeResponse(t, a.Handle("OwnerSpace.owner-test.forVault.x", nil))
	if resp["success"] != false {
		t.Error("Expected failure for a subject without the agent segment")
	}
}

func TestAgentHandleUnknownOperation(t *testing.T) {
	a := newTestAgent(t)
	resp := decodeResponse(t, a.Handle("OwnerSpace.owner-test.forAgent.nope", nil))
	if resp["success"] != false {
		t.Error("Expected failure for unknown operation")
	}
}

func TestAgentOfflineList(t *testing.T) {
	a := newTestAgent(t)
	subject := "OwnerSpace.owner-test.forAgent.offline.list"

	// Empty body lists everything
	resp := decodeResponse(t, a.Handle(subject, nil))
	if resp["success"] != true {
		t.Errorf("Expected success for empty body, got %v", resp)
	}

	// A malformed body is rejected like every other handler
	resp = decodeResponse(t, a.Handle(subject, []byte("not json")))
	if resp["success"] != false {
		t.Error("Expected failure for malformed body")
	}
	if errText, _ := resp["error"].(string); !strings.Contains(errText, "invalid request") {
		t.Errorf("Expected invalid request error, got %v", resp["error"])
	}
}
