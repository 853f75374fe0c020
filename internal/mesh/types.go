package mesh

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/codealchemist/peer-meet/internal/signaling"
)

// Role is the side a participant plays in one pairwise negotiation.
type Role int

const (
	RoleResponder Role = iota
	RoleOfferer
)

func (r Role) String() string {
	if r == RoleOfferer {
		return "offerer"
	}
	return "responder"
}

// State is a PeerSession lifecycle state.
type State int

const (
	StateIdle State = iota
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateClosed
	StateErrored
)

var stateNames = [...]string{
	StateIdle:          "idle",
	StateOffering:      "offering",
	StateAwaitingOffer: "awaiting-offer",
	StateNegotiating:   "negotiating",
	StateConnected:     "connected",
	StateClosed:        "closed",
	StateErrored:       "errored",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateErrored
}

// ErrorPolicy decides what happens to a session whose engine failed.
type ErrorPolicy string

const (
	PolicyTeardown  ErrorPolicy = "teardown"
	PolicyReconnect ErrorPolicy = "reconnect"
)

// Track is a single media track. Both local and remote pion tracks satisfy it.
type Track interface {
	ID() string
	StreamID() string
}

// Stream groups tracks that render together, e.g. a camera's audio and video.
type Stream struct {
	ID     string
	Tracks []Track
}

// Track returns the stream's track with the given id, or nil.
func (s *Stream) Track(id string) Track {
	for _, t := range s.Tracks {
		if t.ID() == id {
			return t
		}
	}
	return nil
}

// replaceTrack swaps old for new in place and reports whether old was found.
func (s *Stream) replaceTrack(old, new Track) bool {
	i := slices.IndexFunc(s.Tracks, func(t Track) bool { return t.ID() == old.ID() })
	if i < 0 {
		return false
	}
	s.Tracks[i] = new
	return true
}

// LocalSignal is a handshake payload produced by the local engine.
type LocalSignal struct {
	Type    signaling.Type
	Payload json.RawMessage
}

// EventKind identifies an orchestrator event.
type EventKind int

const (
	EventPeerJoined EventKind = iota
	EventPeerConnected
	EventPeerClosed
	EventPeerError
	EventStreamAdded
	EventStreamRemoved
	EventChat
	EventRTT
)

var eventNames = [...]string{
	EventPeerJoined:    "peer-joined",
	EventPeerConnected: "peer-connected",
	EventPeerClosed:    "peer-closed",
	EventPeerError:     "peer-error",
	EventStreamAdded:   "stream-added",
	EventStreamRemoved: "stream-removed",
	EventChat:          "chat",
	EventRTT:           "rtt",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return "unknown"
}

// Event is published on Orchestrator.Events for presentation layers.
type Event struct {
	Kind     EventKind
	RemoteID string
	Role     Role
	Stream   *Stream
	Err      error
	Text     string
	RTT      time.Duration
	At       time.Time
}
