package mesh

import "encoding/json"

// Engine is one point-to-point connection to a remote participant. The
// orchestration layer only moves opaque signals in and out of it.
type Engine interface {
	// Start begins negotiation. An offering engine produces its offer.
	Start() error

	// Signal feeds a remote offer, answer, candidate or renegotiation
	// request into the engine.
	Signal(payload json.RawMessage) error

	AddStream(s *Stream) error
	RemoveStream(s *Stream) error

	// ReplaceTrack swaps an outbound track without renegotiating.
	ReplaceTrack(old, new Track) error

	// Send writes to the engine's data channel.
	Send(data []byte) error

	// Destroy releases the engine. No events are delivered afterwards.
	Destroy()
}

// EngineEvents receives an engine's events. Implementations must not block;
// methods may be called from any goroutine.
type EngineEvents interface {
	OnSignal(payload json.RawMessage)
	OnStream(s *Stream)
	OnStreamEnded(s *Stream)
	OnConnect()
	OnClose()
	OnError(err error)
	OnData(data []byte)
}

// EngineOptions configure a new engine.
type EngineOptions struct {
	// RemoteID is empty for a pre-warmed session that is not bound yet.
	RemoteID  string
	Initiator bool
	Trickle   bool

	// Streams are the local streams to send from the start.
	Streams []*Stream
}

// EngineFactory creates engines. It must not deliver events before Start.
type EngineFactory func(opts EngineOptions, events EngineEvents) (Engine, error)

// MediaHub renders remote streams.
type MediaHub interface {
	AddStream(remoteID string, s *Stream)
	RemoveStream(remoteID string, s *Stream)
}
