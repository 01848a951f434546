package connect

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/vettid/vettid-app/storage"
)

// Projection owns the canonical in-memory set of connection records and
// derives the filtered views. All mutations go through it: they apply
// optimistically to the canonical set, persist, and are recorded in the
// offline queue for remote confirmation. Access is mutex-guarded so
// multiple platform front ends share one handle safely.
type Projection struct {
	store   *storage.Store
	queue   *Queue
	signals Signals
	drainFn func() // kicks a background drain when online

	mu       sync.RWMutex
	records  map[string]*ConnectionRecord
	watchers []chan struct{}
}

// NewProjection creates a projection over the durable store and queue.
func NewProjection(store *storage.Store, queue *Queue, signals Signals) *Projection {
	p := &Projection{
		store:   store,
		queue:   queue,
		signals: signals,
		records: make(map[string]*ConnectionRecord),
	}
	p.drainFn = func() {
		go func() {
			if err := queue.Drain(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Background drain failed")
			}
		}()
	}
	return p
}

// Load populates the canonical set from the durable store.
func (p *Projection) Load() error {
	keys, err := p.store.List("connections/")
	if err != nil {
		return fmt.Errorf("failed to list connections: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.records = make(map[string]*ConnectionRecord, len(keys))
	for _, key := range keys {
		data, err := p.store.Get(key)
		if err != nil {
			continue
		}
		var record ConnectionRecord
		if json.Unmarshal(data, &record) != nil {
			log.Warn().Str("key", key).Msg("Skipping corrupt connection record")
			continue
		}
		p.records[record.ConnectionID] = &record
	}

	log.Info().Int("connections", len(p.records)).Msg("Connection set loaded")
	return nil
}

// Insert adds a newly created record to the canonical set. Used by the
// invitation handshake on success.
func (p *Projection) Insert(record *ConnectionRecord) error {
	p.mu.Lock()
	if _, exists := p.records[record.ConnectionID]; exists {
		p.mu.Unlock()
		return fmt.Errorf("connection %s already exists", record.ConnectionID)
	}
	stored := record.clone()
	p.records[record.ConnectionID] = stored
	p.mu.Unlock()

	if err := p.persist(stored); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// Get returns a copy of the record, so callers cannot mutate the canonical
// set without going through the projection.
func (p *Projection) Get(connectionID string) (*ConnectionRecord, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	record, ok := p.records[connectionID]
	if !ok {
		return nil, false
	}
	return record.clone(), true
}

// Len returns the size of the canonical set.
func (p *Projection) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.records)
}

// mutate applies fn to a copy of the record, swaps it in atomically, and
// persists. Revoked connections reject all further mutation.
func (p *Projection) mutate(connectionID string, fn func(*ConnectionRecord) error) (*ConnectionRecord, error) {
	p.mu.Lock()
	current, ok := p.records[connectionID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrUnknownConnection
	}
	if current.Status == StatusRevoked {
		p.mu.Unlock()
		return nil, ErrConnectionRevoked
	}

	updated := current.clone()
	if err := fn(updated); err != nil {
		p.mu.Unlock()
		return nil, err
	}
	p.records[connectionID] = updated
	p.mu.Unlock()

	if err := p.persist(updated); err != nil {
		return nil, err
	}
	p.invalidate()
	return updated.clone(), nil
}

// enqueue records the mutation for remote confirmation and kicks a drain if
// a round trip looks possible right now.
func (p *Projection) enqueue(connectionID string, actionType ActionType, payload any) error {
	if _, err := p.queue.Enqueue(connectionID, actionType, payload); err != nil {
		return err
	}
	if p.signals.Online() && p.signals.SessionEstablished() {
		p.drainFn()
	}
	return nil
}

// ToggleFavorite flips the favorite flag.
func (p *Projection) ToggleFavorite(connectionID string) error {
	var target bool
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		r.IsFavorite = !r.IsFavorite
		target = r.IsFavorite
		return nil
	})
	if err != nil {
		return err
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{IsFavorite: &target})
}

// ToggleArchive flips the archived flag.
func (p *Projection) ToggleArchive(connectionID string) error {
	var target bool
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		r.IsArchived = !r.IsArchived
		target = r.IsArchived
		return nil
	})
	if err != nil {
		return err
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{IsArchived: &target})
}

// ToggleMute flips the muted flag.
func (p *Projection) ToggleMute(connectionID string) error {
	var target bool
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		r.IsMuted = !r.IsMuted
		target = r.IsMuted
		return nil
	})
	if err != nil {
		return err
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{IsMuted: &target})
}

// AddTag adds a tag to the record's tag set.
func (p *Projection) AddTag(connectionID, tag string) error {
	var tags []string
	changed := false
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		changed = r.addTag(tag)
		tags = append([]string(nil), r.Tags...)
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{Tags: &tags})
}

// RemoveTag removes a tag from the record's tag set.
func (p *Projection) RemoveTag(connectionID, tag string) error {
	var tags []string
	changed := false
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		changed = r.removeTag(tag)
		tags = append([]string(nil), r.Tags...)
		return nil
	})
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{Tags: &tags})
}

// Rename sets the display label.
func (p *Projection) Rename(connectionID, label string) error {
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		r.DisplayLabel = label
		return nil
	})
	if err != nil {
		return err
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{DisplayLabel: &label})
}

// SetStatus sets a non-revoked status (suspend, pending contract update,
// reactivate). Use Revoke for revocation.
func (p *Projection) SetStatus(connectionID string, status Status) error {
	if status == StatusRevoked {
		return p.Revoke(connectionID)
	}
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		r.Status = status
		return nil
	})
	if err != nil {
		return err
	}
	return p.enqueue(connectionID, ActionFieldUpdate, &FieldUpdate{Status: &status})
}

// Revoke marks the connection revoked locally and queues the remote
// revocation. Revoking an already-revoked connection is an idempotent no-op.
func (p *Projection) Revoke(connectionID string) error {
	p.mu.Lock()
	current, ok := p.records[connectionID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownConnection
	}
	if current.Status == StatusRevoked {
		p.mu.Unlock()
		return nil
	}
	updated := current.clone()
	updated.Status = StatusRevoked
	p.records[connectionID] = updated
	p.mu.Unlock()

	if err := p.persist(updated); err != nil {
		return err
	}
	p.invalidate()

	log.Info().Str("connection_id", connectionID).Msg("Connection revoked")
	return p.enqueue(connectionID, ActionRevoke, map[string]string{"status": string(StatusRevoked)})
}

// AnswerContract accepts or rejects a pending contract update and queues
// the answer for the remote authority.
func (p *Projection) AnswerContract(connectionID string, contractVersion int, accept bool) error {
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		if r.Status == StatusPendingContractUpdate {
			r.Status = StatusActive
		}
		return nil
	})
	if err != nil {
		return err
	}

	actionType := ActionContractReject
	if accept {
		actionType = ActionContractAccept
	}
	return p.enqueue(connectionID, actionType, &contractPayload{ContractVersion: contractVersion})
}

// TouchActivity records peer activity on the connection. Local bookkeeping
// only; never queued.
func (p *Projection) TouchActivity(connectionID string) error {
	_, err := p.mutate(connectionID, func(r *ConnectionRecord) error {
		now := time.Now().UTC()
		r.LastActiveAt = &now
		r.ActivityCount++
		return nil
	})
	return err
}

// Reload replaces the canonical set with the authority's view. Queue-pending
// local mutations re-apply on the next drain.
func (p *Projection) Reload(ctx context.Context, authority Authority) error {
	records, err := authority.ListConnections(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch connections: %w", err)
	}

	p.mu.Lock()
	p.records = make(map[string]*ConnectionRecord, len(records))
	for _, record := range records {
		p.records[record.ConnectionID] = record.clone()
	}
	p.mu.Unlock()

	for _, record := range records {
		if err := p.persist(record); err != nil {
			return err
		}
	}

	log.Info().Int("connections", len(records)).Msg("Connection set reloaded from authority")
	p.invalidate()
	return nil
}

// Wipe destroys all local connection data. Records are never destroyed by
// normal sync; this is the explicit local data wipe.
func (p *Projection) Wipe() error {
	p.mu.Lock()
	p.records = make(map[string]*ConnectionRecord)
	p.mu.Unlock()

	if err := p.store.Wipe(); err != nil {
		return err
	}
	p.invalidate()
	return nil
}

// Watch returns a channel signalled after every canonical-set change, so
// front ends can re-derive their views.
func (p *Projection) Watch() <-chan struct{} {
	ch := make(chan struct{}, 1)
	p.mu.Lock()
	p.watchers = append(p.watchers, ch)
	p.mu.Unlock()
	return ch
}

func (p *Projection) invalidate() {
	p.mu.RLock()
	watchers := p.watchers
	p.mu.RUnlock()
	for _, ch := range watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (p *Projection) persist(record *ConnectionRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode connection record: %w", err)
	}
	if err := p.store.Put("connections/"+record.ConnectionID, data); err != nil {
		return fmt.Errorf("failed to persist connection record: %w", err)
	}
	return nil
}
