package signaling

import "encoding/json"

// Type is the dispatch key of a signaling message.
type Type string

// Message type constants.
const (
	TypeRequest    Type = "request"
	TypeOffer      Type = "offer"
	TypeAnswer     Type = "answer"
	TypeCandidate  Type = "candidate"
	TypeDisconnect Type = "disconnect"
	TypePing       Type = "ping"

	// TypeRenegotiate is an engine extension: the responding side asks the
	// offering side for a fresh offer after its tracks changed.
	TypeRenegotiate Type = "renegotiate"
)

// ReasonConnectionLost marks a disconnect the relay announces on behalf of a
// participant whose socket closed. The participant may still be reachable
// over its direct connections and may come back.
const ReasonConnectionLost = "connection-lost"

// Message is the JSON object relayed to every participant of a session.
// TargetID empty means broadcast; receivers filter for themselves. Reason is
// only set on disconnects.
type Message struct {
	ID       string          `json:"id"`
	TargetID string          `json:"targetId,omitempty"`
	Type     Type            `json:"type,omitempty"`
	Signal   json.RawMessage `json:"signal,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

// signalHeader is the part of an opaque signal payload the protocol peeks at.
type signalHeader struct {
	Type      Type            `json:"type,omitempty"`
	Candidate json.RawMessage `json:"candidate,omitempty"`
}

func peekSignal(raw json.RawMessage) signalHeader {
	var h signalHeader
	if len(raw) == 0 {
		return h
	}
	// Payloads that are not objects simply carry no header.
	_ = json.Unmarshal(raw, &h)
	return h
}

// Normalize resolves the message type: the explicit type wins, then the
// signal's own type, then "candidate" when the signal carries a candidate.
// It returns the resolved type, which is empty if none could be inferred.
func (m *Message) Normalize() Type {
	if m.Type != "" {
		return m.Type
	}
	h := peekSignal(m.Signal)
	switch {
	case h.Type != "":
		m.Type = h.Type
	case len(h.Candidate) > 0 && string(h.Candidate) != "null":
		m.Type = TypeCandidate
	}
	return m.Type
}

// IsFor reports whether the message should be consumed by localID.
func (m *Message) IsFor(localID string) bool {
	return m.TargetID == "" || m.TargetID == localID
}

// ClassifySignal infers the type of a locally generated signal payload,
// defaulting to candidate when the payload carries no explicit type.
func ClassifySignal(raw json.RawMessage) Type {
	if t := peekSignal(raw).Type; t != "" {
		return t
	}
	return TypeCandidate
}
