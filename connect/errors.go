package connect

import (
	"errors"
	"fmt"
	"strings"
)

// FailureClass classifies handshake and parse failures so the app can show
// an actionable message instead of raw transport errors.
type FailureClass string

const (
	FailureInvalidPayload    FailureClass = "invalid_payload"
	FailureTransportNotReady FailureClass = "transport_not_ready"
	FailureSessionNotReady   FailureClass = "session_not_ready"
	FailureAlreadyUsed       FailureClass = "already_used"
	FailureExpired           FailureClass = "expired"
	FailureRevoked           FailureClass = "revoked"
	FailureSelfConnection    FailureClass = "self_connection"
	FailureManualEntry       FailureClass = "manual_entry"
	FailureRemoteRejected    FailureClass = "remote_rejected"
)

// userMessages maps each failure class to its fixed user-facing message.
var userMessages = map[FailureClass]string{
	FailureInvalidPayload:    "This code is not a valid invitation.",
	FailureTransportNotReady: "No network connection. Check your connection and try again.",
	FailureSessionNotReady:   "Secure session not established yet. Try again in a moment.",
	FailureAlreadyUsed:       "This invitation has already been used.",
	FailureExpired:           "This invitation has expired. Ask for a new one.",
	FailureRevoked:           "This invitation was revoked by its sender.",
	FailureSelfConnection:    "You can't connect to yourself.",
	FailureManualEntry:       "This invitation must be scanned; it can't be entered by hand.",
	FailureRemoteRejected:    "The connection was rejected.",
}

// HandshakeError is a classified handshake failure.
type HandshakeError struct {
	Class  FailureClass
	Reason string
}

func (e *HandshakeError) Error() string {
	if e.Reason == "" {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Reason)
}

// UserMessage returns the fixed user-facing message for this failure.
func (e *HandshakeError) UserMessage() string {
	if msg, ok := userMessages[e.Class]; ok {
		return msg
	}
	return userMessages[FailureRemoteRejected]
}

// Retryable reports whether the same payload may be retried. Only readiness
// failures are retryable; remote rejections are terminal for the invitation.
func (e *HandshakeError) Retryable() bool {
	return e.Class == FailureTransportNotReady || e.Class == FailureSessionNotReady
}

func handshakeErr(class FailureClass, reason string) *HandshakeError {
	return &HandshakeError{Class: class, Reason: reason}
}

// AsHandshakeError unwraps err into a HandshakeError if it is one.
func AsHandshakeError(err error) (*HandshakeError, bool) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

// ClassifyRemote maps a remote rejection to a failure class. Unrecognized
// error text falls back to a generic remote rejection so raw transport
// strings never reach the user.
func ClassifyRemote(remote string) *HandshakeError {
	lower := strings.ToLower(remote)
	switch {
	case strings.Contains(lower, "expired"):
		return handshakeErr(FailureExpired, remote)
	case strings.Contains(lower, "already used"), strings.Contains(lower, "already accepted"):
		return handshakeErr(FailureAlreadyUsed, remote)
	case strings.Contains(lower, "revoked"), strings.Contains(lower, "cancelled"):
		return handshakeErr(FailureRevoked, remote)
	case strings.Contains(lower, "self"):
		return handshakeErr(FailureSelfConnection, remote)
	default:
		return handshakeErr(FailureRemoteRejected, remote)
	}
}

// Projection mutation errors.
var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrConnectionRevoked = errors.New("connection is revoked")
)
