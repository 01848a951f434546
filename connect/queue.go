package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/vettid/vettid-app/storage"
)

// ActionType identifies the remote operation a queued action replays.
type ActionType string

const (
	ActionFieldUpdate    ActionType = "field_update"
	ActionRevoke         ActionType = "revoke"
	ActionContractAccept ActionType = "contract_accept"
	ActionContractReject ActionType = "contract_reject"
)

// SyncState is the per-action sync lifecycle.
type SyncState string

const (
	SyncPending SyncState = "pending"
	SyncSynced  SyncState = "synced"
	SyncFailed  SyncState = "failed"
)

// AggregateStatus summarizes the whole queue for observers.
type AggregateStatus string

const (
	StatusSynced  AggregateStatus = "synced"
	StatusPending AggregateStatus = "pending"
	StatusFailed  AggregateStatus = "failed"
)

// QueuedAction is a durable record of a local mutation awaiting remote
// confirmation. Payloads carry full target values so replaying one after a
// lost acknowledgment cannot corrupt remote state.
type QueuedAction struct {
	ActionID     string          `json:"action_id"`
	ConnectionID string          `json:"connection_id"`
	ActionType   ActionType      `json:"action_type"`
	Payload      json.RawMessage `json:"payload"`
	Seq          int64           `json:"seq"`
	CreatedAt    time.Time       `json:"created_at"`
	SyncState    SyncState       `json:"sync_state"`
	SyncedAt     *time.Time      `json:"synced_at,omitempty"`
	RetryCount   int             `json:"retry_count"`
	LastError    string          `json:"last_error,omitempty"`
}

// SyncStatus is the aggregate view of the queue.
type SyncStatus struct {
	Aggregate       AggregateStatus `json:"aggregate"`
	PendingCount    int             `json:"pending_count"`
	FailedCount     int             `json:"failed_count"`
	SyncedCount     int             `json:"synced_count"`
	LastSyncAt      *time.Time      `json:"last_sync_at,omitempty"`
	DrainInProgress bool            `json:"drain_in_progress"`
}

// DefaultActionTimeout bounds each remote call during a drain.
const DefaultActionTimeout = 10 * time.Second

// DefaultRetention is how long synced actions are kept before garbage
// collection.
const DefaultRetention = 7 * 24 * time.Hour

// Queue is the durable offline mutation queue. Actions replay in creation
// order per connection; cross-connection actions may interleave. At most one
// drain runs at a time; a trigger during a drain is coalesced into one
// follow-up pass.
type Queue struct {
	store         *storage.Store
	authority     Authority
	actionTimeout time.Duration

	mu          sync.Mutex
	drainActive bool
	drainQueued bool
	lastSyncAt  *time.Time
	watchers    []chan SyncStatus
}

// NewQueue creates a queue over the durable store and remote authority.
func NewQueue(store *storage.Store, authority Authority) *Queue {
	return &Queue{
		store:         store,
		authority:     authority,
		actionTimeout: DefaultActionTimeout,
	}
}

func queueKey(seq int64, actionID string) string {
	return fmt.Sprintf("queue/%010d-%s", seq, actionID)
}

// Enqueue appends a pending action and returns immediately. The caller has
// already applied the optimistic local mutation.
func (q *Queue) Enqueue(connectionID string, actionType ActionType, payload any) (*QueuedAction, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode action payload: %w", err)
	}

	seq, err := q.store.NextSequence("queue_sequence")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate action sequence: %w", err)
	}

	action := &QueuedAction{
		ActionID:     uuid.New().String(),
		ConnectionID: connectionID,
		ActionType:   actionType,
		Payload:      raw,
		Seq:          seq,
		CreatedAt:    time.Now().UTC(),
		SyncState:    SyncPending,
	}

	if err := q.saveAction(action); err != nil {
		return nil, err
	}

	log.Debug().
		Str("action_id", action.ActionID).
		Str("connection_id", connectionID).
		Str("action_type", string(actionType)).
		Msg("Offline action queued")

	q.notify()
	return action, nil
}

// Drain replays all pending actions. Invoked when connectivity returns and
// on explicit user retry. A call while a drain is already running requests
// one more pass instead of running concurrently.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	if q.drainActive {
		q.drainQueued = true
		q.mu.Unlock()
		return nil
	}
	q.drainActive = true
	q.mu.Unlock()
	q.notify()

	var err error
	for {
		err = q.drainOnce(ctx)

		q.mu.Lock()
		if q.drainQueued && ctx.Err() == nil {
			q.drainQueued = false
			q.mu.Unlock()
			continue
		}
		q.drainActive = false
		now := time.Now().UTC()
		q.lastSyncAt = &now
		q.mu.Unlock()
		q.notify()
		return err
	}
}

// drainOnce processes pending actions in creation order. A failed action
// marks itself Failed and blocks only later actions for the same connection;
// other connections keep draining.
func (q *Queue) drainOnce(ctx context.Context) error {
	actions, err := q.loadActions()
	if err != nil {
		return err
	}

	blocked := make(map[string]bool)
	for _, action := range actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		if action.SyncState != SyncPending {
			continue
		}
		if blocked[action.ConnectionID] {
			// An earlier action for this connection failed; preserve order.
			continue
		}

		if err := q.syncAction(ctx, action); err != nil {
			action.SyncState = SyncFailed
			action.LastError = err.Error()
			action.RetryCount++
			blocked[action.ConnectionID] = true

			if saveErr := q.saveAction(action); saveErr != nil {
				log.Error().Err(saveErr).Str("action_id", action.ActionID).Msg("Failed to persist action failure")
			}

			log.Warn().
				Str("action_id", action.ActionID).
				Str("connection_id", action.ConnectionID).
				Int("retry_count", action.RetryCount).
				Err(err).
				Msg("Offline action sync failed")
			continue
		}

		now := time.Now().UTC()
		action.SyncState = SyncSynced
		action.SyncedAt = &now
		action.LastError = ""
		if saveErr := q.saveAction(action); saveErr != nil {
			log.Error().Err(saveErr).Str("action_id", action.ActionID).Msg("Failed to persist action success")
		}

		log.Info().
			Str("action_id", action.ActionID).
			Str("action_type", string(action.ActionType)).
			Msg("Offline action synced")
	}

	return nil
}

// syncAction dispatches one action to the authority with a bounded timeout.
func (q *Queue) syncAction(ctx context.Context, action *QueuedAction) error {
	callCtx, cancel := context.WithTimeout(ctx, q.actionTimeout)
	defer cancel()

	switch action.ActionType {
	case ActionFieldUpdate:
		var update FieldUpdate
		if err := json.Unmarshal(action.Payload, &update); err != nil {
			return fmt.Errorf("corrupt field update payload: %w", err)
		}
		return q.authority.UpdateFields(callCtx, action.ConnectionID, &update)
	case ActionRevoke:
		return q.authority.RevokeConnection(callCtx, action.ConnectionID)
	case ActionContractAccept:
		return q.authority.AcceptContract(callCtx, action.ConnectionID, contractVersion(action.Payload))
	case ActionContractReject:
		return q.authority.RejectContract(callCtx, action.ConnectionID, contractVersion(action.Payload))
	default:
		return fmt.Errorf("unknown action type %q", action.ActionType)
	}
}

type contractPayload struct {
	ContractVersion int `json:"contract_version"`
}

func contractVersion(raw json.RawMessage) int {
	var p contractPayload
	if json.Unmarshal(raw, &p) == nil {
		return p.ContractVersion
	}
	return 0
}

// Retry transitions all Failed actions back to Pending and runs a drain.
func (q *Queue) Retry(ctx context.Context) error {
	actions, err := q.loadActions()
	if err != nil {
		return err
	}

	retried := 0
	for _, action := range actions {
		if action.SyncState != SyncFailed {
			continue
		}
		action.SyncState = SyncPending
		if err := q.saveAction(action); err != nil {
			return err
		}
		retried++
	}

	if retried == 0 {
		return nil
	}

	log.Info().Int("retried", retried).Msg("Failed actions queued for retry")
	q.notify()
	return q.Drain(ctx)
}

// Status computes the aggregate sync status.
func (q *Queue) Status() (*SyncStatus, error) {
	actions, err := q.loadActions()
	if err != nil {
		return nil, err
	}

	status := &SyncStatus{}
	for _, action := range actions {
		switch action.SyncState {
		case SyncPending:
			status.PendingCount++
		case SyncFailed:
			status.FailedCount++
		case SyncSynced:
			status.SyncedCount++
		}
	}

	q.mu.Lock()
	status.DrainInProgress = q.drainActive
	status.LastSyncAt = q.lastSyncAt
	q.mu.Unlock()

	switch {
	case status.DrainInProgress:
		status.Aggregate = StatusPending
	case status.FailedCount > 0:
		status.Aggregate = StatusFailed
	case status.PendingCount > 0:
		status.Aggregate = StatusPending
	default:
		status.Aggregate = StatusSynced
	}
	return status, nil
}

// Actions returns all queued actions, optionally filtered by connection,
// in creation order.
func (q *Queue) Actions(connectionID string) ([]*QueuedAction, error) {
	actions, err := q.loadActions()
	if err != nil {
		return nil, err
	}
	if connectionID == "" {
		return actions, nil
	}
	filtered := make([]*QueuedAction, 0, len(actions))
	for _, action := range actions {
		if action.ConnectionID == connectionID {
			filtered = append(filtered, action)
		}
	}
	return filtered, nil
}

// Collect garbage-collects Synced actions older than the retention window.
func (q *Queue) Collect(retention time.Duration) (int, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	cutoff := time.Now().UTC().Add(-retention)

	actions, err := q.loadActions()
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, action := range actions {
		if action.SyncState != SyncSynced || action.SyncedAt == nil || action.SyncedAt.After(cutoff) {
			continue
		}
		if err := q.store.Delete(queueKey(action.Seq, action.ActionID)); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		log.Debug().Int("removed", removed).Msg("Synced actions collected")
	}
	return removed, nil
}

// Watch returns a channel that receives the sync status after each change.
// The channel is buffered; a slow reader sees the latest status, not every
// intermediate one.
func (q *Queue) Watch() <-chan SyncStatus {
	ch := make(chan SyncStatus, 1)
	q.mu.Lock()
	q.watchers = append(q.watchers, ch)
	q.mu.Unlock()
	return ch
}

func (q *Queue) notify() {
	status, err := q.Status()
	if err != nil {
		return
	}
	q.mu.Lock()
	watchers := q.watchers
	q.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- *status:
		default:
			// Drop stale status; replace with the latest.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- *status:
			default:
			}
		}
	}
}

// loadActions reads every queued action in key (creation) order.
func (q *Queue) loadActions() ([]*QueuedAction, error) {
	keys, err := q.store.List("queue/")
	if err != nil {
		return nil, fmt.Errorf("failed to list queued actions: %w", err)
	}

	actions := make([]*QueuedAction, 0, len(keys))
	for _, key := range keys {
		data, err := q.store.Get(key)
		if err != nil {
			continue
		}
		var action QueuedAction
		if json.Unmarshal(data, &action) != nil {
			log.Warn().Str("key", key).Msg("Skipping corrupt queued action")
			continue
		}
		actions = append(actions, &action)
	}
	return actions, nil
}

func (q *Queue) saveAction(action *QueuedAction) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to encode action: %w", err)
	}
	if err := q.store.Put(queueKey(action.Seq, action.ActionID), data); err != nil {
		return fmt.Errorf("failed to persist action: %w", err)
	}
	return nil
}
