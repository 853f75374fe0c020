package mesh

import (
	"errors"
	"fmt"
)

var (
	ErrTransportUnavailable = errors.New("signaling transport unavailable")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrForeignTarget        = errors.New("message addressed to another participant")
	ErrNegotiation          = errors.New("negotiation failed")
	ErrRoleConflict         = errors.New("both sides elected to offer")
	ErrDuplicateRemote      = errors.New("remote already registered")
	ErrSessionClosed        = errors.New("session closed")
	ErrAlreadyStarted       = errors.New("orchestrator already started")
)

// PeerError is a failure scoped to a single remote participant.
type PeerError struct {
	RemoteID string
	Op       string
	Err      error
}

func (e *PeerError) Error() string {
	if e.RemoteID == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteID, e.Err)
}

func (e *PeerError) Unwrap() error {
	return e.Err
}

func newPeerError(remoteID, op string, err error) *PeerError {
	return &PeerError{RemoteID: remoteID, Op: op, Err: err}
}
