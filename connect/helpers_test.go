package connect

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/vettid/vettid-app/storage"
)

// fakeSignals is a controllable Signals implementation.
type fakeSignals struct {
	mu      sync.Mutex
	online  bool
	session bool
}

func (s *fakeSignals) Online() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.online
}

func (s *fakeSignals) SessionEstablished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

func (s *fakeSignals) set(online, session bool) {
	s.mu.Lock()
	s.online = online
	s.session = session
	s.mu.Unlock()
}

// remoteCall records one authority invocation.
type remoteCall struct {
	op              string
	connectionID    string
	update          *FieldUpdate
	contractVersion int
}

// fakeAuthority records calls and simulates remote state so tests can check
// ordering and idempotence.
type fakeAuthority struct {
	mu             sync.Mutex
	calls          []remoteCall
	exchangeCalls  int
	exchangeErr    error
	exchangeResult *ExchangeResult
	listResult     []*ConnectionRecord
	failConn       map[string]error // any mutation for these connections fails
	remoteFavorite map[string]bool  // remote view of is_favorite
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		failConn:       make(map[string]error),
		remoteFavorite: make(map[string]bool),
	}
}

func (f *fakeAuthority) record(call remoteCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if err := f.failConn[call.connectionID]; err != nil {
		return err
	}
	if call.op == "update" && call.update != nil && call.update.IsFavorite != nil {
		f.remoteFavorite[call.connectionID] = *call.update.IsFavorite
	}
	return nil
}

func (f *fakeAuthority) Exchange(ctx context.Context, req *ExchangeRequest) (*ExchangeResult, error) {
	f.mu.Lock()
	f.exchangeCalls++
	err := f.exchangeErr
	result := f.exchangeResult
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}
	return &ExchangeResult{
		ConnectionID: req.ConnectionID,
		PeerGUID:     "peer-guid",
		PeerAlias:    "Peer",
	}, nil
}

func (f *fakeAuthority) UpdateFields(ctx context.Context, connectionID string, update *FieldUpdate) error {
	return f.record(remoteCall{op: "update", connectionID: connectionID, update: update})
}

func (f *fakeAuthority) RevokeConnection(ctx context.Context, connectionID string) error {
	return f.record(remoteCall{op: "revoke", connectionID: connectionID})
}

func (f *fakeAuthority) AcceptContract(ctx context.Context, connectionID string, contractVersion int) error {
	return f.record(remoteCall{op: "contract_accept", connectionID: connectionID, contractVersion: contractVersion})
}

func (f *fakeAuthority) RejectContract(ctx context.Context, connectionID string, contractVersion int) error {
	return f.record(remoteCall{op: "contract_reject", connectionID: connectionID, contractVersion: contractVersion})
}

func (f *fakeAuthority) ListConnections(ctx context.Context) ([]*ConnectionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listResult, nil
}

func (f *fakeAuthority) callsFor(connectionID string) []remoteCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []remoteCall
	for _, c := range f.calls {
		if c.connectionID == connectionID {
			out = append(out, c)
		}
	}
	return out
}

// core bundles a fully wired in-memory connection core for tests.
type core struct {
	store      *storage.Store
	signals    *fakeSignals
	authority  *fakeAuthority
	gate       *ReadinessGate
	queue      *Queue
	projection *Projection
	handshake  *Handshake
}

func newTestCore(t *testing.T) *core {
	t.Helper()

	dek := make([]byte, 32)
	rand.Read(dek)

	store, err := storage.Open(":memory:", "test-owner", dek)
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	signals := &fakeSignals{online: true, session: true}
	authority := newFakeAuthority()
	gate := NewReadinessGate(signals)
	gate.pollInterval = 5 * time.Millisecond

	queue := NewQueue(store, authority)
	queue.actionTimeout = time.Second

	projection := NewProjection(store, queue, signals)
	// Tests drive drains explicitly
	projection.drainFn = func() {}

	handshake := NewHandshake(gate, authority, store, projection, "test-owner")
	handshake.readinessTimeout = 50 * time.Millisecond
	handshake.exchangeTimeout = time.Second

	return &core{
		store:      store,
		signals:    signals,
		authority:  authority,
		gate:       gate,
		queue:      queue,
		projection: projection,
		handshake:  handshake,
	}
}

func (c *core) insertRecord(t *testing.T, record *ConnectionRecord) {
	t.Helper()
	if record.Status == "" {
		record.Status = StatusActive
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	if err := c.projection.Insert(record); err != nil {
		t.Fatalf("Failed to insert record %s: %v", record.ConnectionID, err)
	}
}
