package connect

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/curve25519"

	"github.com/vettid/vettid-app/storage"
)

// HandshakeState names the phases of an invitation handshake.
type HandshakeState string

const (
	StateIdle              HandshakeState = "idle"
	StateScanning          HandshakeState = "scanning"
	StateParsing           HandshakeState = "parsing"
	StateAwaitingReadiness HandshakeState = "awaiting_readiness"
	StateExchanging        HandshakeState = "exchanging"
	StateSucceeded         HandshakeState = "succeeded"
	StateFailed            HandshakeState = "failed"
)

// DefaultReadinessTimeout bounds the handshake's wait for the readiness gate.
const DefaultReadinessTimeout = 30 * time.Second

// DefaultExchangeTimeout bounds the single credential-exchange round trip.
const DefaultExchangeTimeout = 30 * time.Second

// Handshake turns a scanned invitation payload into a durable connection
// record. Each Accept performs exactly one credential-exchange round trip;
// retries after terminal failures require a fresh scan.
type Handshake struct {
	gate       *ReadinessGate
	authority  Authority
	store      *storage.Store
	projection *Projection
	ownerSpace string

	readinessTimeout time.Duration
	exchangeTimeout  time.Duration

	mu       sync.Mutex
	state    HandshakeState
	used     map[string]bool // payload fingerprints already carried to exchange
	watchers []chan HandshakeState
}

// NewHandshake creates a handshake bound to this device's owner space.
func NewHandshake(gate *ReadinessGate, authority Authority, store *storage.Store, projection *Projection, ownerSpace string) *Handshake {
	return &Handshake{
		gate:             gate,
		authority:        authority,
		store:            store,
		projection:       projection,
		ownerSpace:       ownerSpace,
		readinessTimeout: DefaultReadinessTimeout,
		exchangeTimeout:  DefaultExchangeTimeout,
		state:            StateIdle,
		used:             make(map[string]bool),
	}
}

// State returns the current handshake state.
func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Watch returns a channel receiving state transitions. Buffered; a slow
// reader sees the latest state.
func (h *Handshake) Watch() <-chan HandshakeState {
	ch := make(chan HandshakeState, 1)
	h.mu.Lock()
	h.watchers = append(h.watchers, ch)
	h.mu.Unlock()
	return ch
}

func (h *Handshake) setState(state HandshakeState) {
	h.mu.Lock()
	h.state = state
	watchers := h.watchers
	h.mu.Unlock()
	for _, ch := range watchers {
		select {
		case ch <- state:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- state:
			default:
			}
		}
	}
}

// Parse validates a scanned payload, moving the handshake through the
// Scanning and Parsing states. The underlying ParsePayload is pure.
func (h *Handshake) Parse(raw []byte) (*InvitationPayload, error) {
	h.setState(StateScanning)
	h.setState(StateParsing)

	payload, err := ParsePayload(raw)
	if err != nil {
		h.setState(StateFailed)
		return nil, err
	}
	return payload, nil
}

// AcceptManualEntry always fails: the credential bundle cannot be
// reconstructed from a short code, so manual entry never yields a payload.
func (h *Handshake) AcceptManualEntry(code string) error {
	h.setState(StateFailed)
	return handshakeErr(FailureManualEntry, "manual entry cannot reconstruct the credential bundle")
}

// Accept performs the handshake for a parsed payload: bounded readiness
// wait, then exactly one credential exchange. Readiness failures leave the
// payload retryable; issuing the exchange consumes it. The readiness wait is
// cancellable via ctx; the exchange, once issued, is not.
func (h *Handshake) Accept(ctx context.Context, payload *InvitationPayload) (*ConnectionRecord, error) {
	fp := payloadFingerprint(payload)

	h.mu.Lock()
	if h.used[fp] {
		h.mu.Unlock()
		h.setState(StateFailed)
		return nil, handshakeErr(FailureAlreadyUsed, "payload already carried to an exchange")
	}
	h.mu.Unlock()

	if payload.OwnerSpace != "" && payload.OwnerSpace == h.ownerSpace {
		h.setState(StateFailed)
		return nil, handshakeErr(FailureSelfConnection, "invitation issued by this vault")
	}
	if payload.PeerGUID == h.ownerSpace {
		h.setState(StateFailed)
		return nil, handshakeErr(FailureSelfConnection, "peer identity is this vault")
	}
	if payload.ExpiresAt != nil && time.Now().After(*payload.ExpiresAt) {
		h.setState(StateFailed)
		return nil, handshakeErr(FailureExpired, "invitation expired at "+payload.ExpiresAt.Format(time.RFC3339))
	}

	h.setState(StateAwaitingReadiness)
	switch h.gate.AwaitReady(ctx, h.readinessTimeout) {
	case NotConnected:
		h.setState(StateFailed)
		return nil, handshakeErr(FailureTransportNotReady, "no connectivity within readiness timeout")
	case SessionNotEstablished:
		h.setState(StateFailed)
		return nil, handshakeErr(FailureSessionNotReady, "secure session not established within readiness timeout")
	}

	// From here the payload is consumed: the exchange is a non-idempotent
	// remote registration, so it gets exactly one attempt.
	h.mu.Lock()
	h.used[fp] = true
	h.mu.Unlock()

	localPublic, localPrivate, err := generateE2EKeypair()
	if err != nil {
		h.setState(StateFailed)
		return nil, fmt.Errorf("failed to generate E2E keypair: %w", err)
	}

	h.setState(StateExchanging)

	// The exchange round trip is bounded but deliberately detached from the
	// caller's cancellation: once issued it must run to a definite outcome.
	exchangeCtx, cancel := context.WithTimeout(context.Background(), h.exchangeTimeout)
	defer cancel()

	result, err := h.authority.Exchange(exchangeCtx, &ExchangeRequest{
		ConnectionID:      payload.ConnectionID,
		Credentials:       payload.Credentials,
		MessageSpaceTopic: payload.MessageSpaceTopic,
		RequesterSpace:    h.ownerSpace,
		RequesterE2EKey:   localPublic,
	})
	if err != nil {
		h.setState(StateFailed)
		if he, ok := AsHandshakeError(err); ok {
			return nil, he
		}
		return nil, ClassifyRemote(err.Error())
	}

	now := time.Now().UTC()
	record := &ConnectionRecord{
		ConnectionID:        payload.ConnectionID,
		PeerGUID:            firstNonEmpty(result.PeerGUID, payload.PeerGUID),
		DisplayLabel:        firstNonEmpty(result.PeerAlias, payload.DisplayLabel, payload.PeerGUID),
		Description:         result.Description,
		Organization:        result.Organization,
		Category:            result.Category,
		Status:              StatusActive,
		MessageSpaceTopic:   payload.MessageSpaceTopic,
		CreatedAt:           now,
		LocalPublicKey:      localPublic,
		LocalPrivateKey:     localPrivate,
		PeerPublicKey:       result.PeerE2EKey,
		CredentialsExpireAt: result.CredentialsExpireAt,
	}

	if err := h.store.Put("credentials/"+record.ConnectionID, []byte(payload.Credentials)); err != nil {
		h.setState(StateFailed)
		return nil, fmt.Errorf("failed to store peer credentials: %w", err)
	}

	if err := h.projection.Insert(record); err != nil {
		h.setState(StateFailed)
		return nil, err
	}

	log.Info().
		Str("connection_id", record.ConnectionID).
		Str("peer_guid", record.PeerGUID).
		Msg("Connection established")

	h.setState(StateSucceeded)
	return record.clone(), nil
}

// payloadFingerprint identifies a scanned payload for single-use tracking.
func payloadFingerprint(p *InvitationPayload) string {
	sum := sha256.Sum256([]byte(p.ConnectionID + "\x00" + p.Credentials))
	return hex.EncodeToString(sum[:])
}

// generateE2EKeypair creates the x25519 keypair stored on the record for
// vault-to-vault encryption.
func generateE2EKeypair() (public, private []byte, err error) {
	private = make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(private); err != nil {
		return nil, nil, err
	}
	public, err = curve25519.X25519(private, curve25519.Basepoint)
	if err != nil {
		return nil, nil, err
	}
	return public, private, nil
}
