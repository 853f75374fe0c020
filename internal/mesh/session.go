package mesh

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/codealchemist/peer-meet/internal/signaling"
)

// sessionHost is what a PeerSession reports to. The Orchestrator implements
// it; every call happens on the loop.
type sessionHost interface {
	forwardSignal(s *PeerSession, sig LocalSignal) error
	sessionConnected(s *PeerSession)
	sessionStream(s *PeerSession, st *Stream)
	sessionStreamEnded(s *PeerSession, st *Stream)
	sessionClosed(s *PeerSession)
	sessionErrored(s *PeerSession, err error)
	sessionData(s *PeerSession, data []byte)
	localStreams() []*Stream
}

type sessionConfig struct {
	remoteID      string
	role          Role
	trickle       bool
	flushInterval time.Duration
	engines       EngineFactory
	scheduler     Scheduler
	logger        *slog.Logger
}

// PeerSession drives one engine for one remote participant through its
// lifecycle. All methods run on the loop.
type PeerSession struct {
	host sessionHost
	cfg  sessionConfig

	remoteID string
	role     Role
	state    State

	engine Engine
	// gen increments whenever the engine is replaced, so events from an
	// earlier engine are recognised and dropped.
	gen int

	buffer      SignalBuffer
	cancelFlush func()

	reconnects      int
	cancelReconnect func()

	destroyed bool
	logger    *slog.Logger
}

func newPeerSession(host sessionHost, cfg sessionConfig) *PeerSession {
	s := &PeerSession{
		host:     host,
		cfg:      cfg,
		remoteID: cfg.remoteID,
		role:     cfg.role,
		state:    StateIdle,
	}
	s.logger = cfg.logger.With("remote", s.label(), "role", s.role)
	return s
}

func (s *PeerSession) RemoteID() string { return s.remoteID }
func (s *PeerSession) Role() Role       { return s.role }
func (s *PeerSession) State() State     { return s.state }

// Pending returns the number of local signals waiting to be sent.
func (s *PeerSession) Pending() int { return s.buffer.Len() }

func (s *PeerSession) label() string {
	if s.remoteID == "" {
		return "(unbound)"
	}
	return s.remoteID
}

// start creates a fresh engine and leaves Idle according to the role.
func (s *PeerSession) start(streams []*Stream) error {
	if s.destroyed {
		return ErrSessionClosed
	}
	s.gen++
	engine, err := s.cfg.engines(EngineOptions{
		RemoteID:  s.remoteID,
		Initiator: s.role == RoleOfferer,
		Trickle:   s.cfg.trickle,
		Streams:   streams,
	}, &sessionEvents{s: s, gen: s.gen})
	if err != nil {
		return fmt.Errorf("create engine: %w", err)
	}
	s.engine = engine

	if s.role == RoleOfferer {
		s.state = StateOffering
	} else {
		s.state = StateAwaitingOffer
	}
	s.logger.Debug("session started", "state", s.state)

	if err := engine.Start(); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	return nil
}

// bind attaches a pre-warmed session to the remote that asked for it and
// schedules delivery of everything buffered so far.
func (s *PeerSession) bind(remoteID string) {
	s.remoteID = remoteID
	s.logger = s.cfg.logger.With("remote", remoteID, "role", s.role)
	s.scheduleFlush()
}

// handleRemoteSignal feeds a remote handshake payload into the engine.
func (s *PeerSession) handleRemoteSignal(t signaling.Type, payload json.RawMessage) error {
	if s.destroyed {
		return ErrSessionClosed
	}
	if s.state == StateErrored && s.cancelReconnect != nil && t == signaling.TypeOffer {
		// The remote restarted first; do not wait for our own timer.
		s.cancelReconnect()
		s.cancelReconnect = nil
		if err := s.restart(); err != nil {
			return err
		}
	}
	if s.state.Terminal() || s.engine == nil {
		return ErrSessionClosed
	}

	switch t {
	case signaling.TypeOffer:
		if s.state == StateAwaitingOffer {
			s.state = StateNegotiating
		}
	case signaling.TypeAnswer:
		if s.state == StateOffering {
			s.state = StateNegotiating
		}
	}

	if err := s.engine.Signal(payload); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrNegotiation, t, err)
	}
	return nil
}

func (s *PeerSession) onSignal(payload json.RawMessage) {
	sig := LocalSignal{Type: signaling.ClassifySignal(payload), Payload: payload}

	// Keep order behind anything still buffered.
	if s.remoteID == "" || s.buffer.Len() > 0 {
		s.buffer.Push(sig)
		s.scheduleFlush()
		return
	}
	if err := s.host.forwardSignal(s, sig); err != nil {
		s.logger.Debug("signal deferred", "type", sig.Type, "err", err)
		s.buffer.Push(sig)
		s.scheduleFlush()
	}
}

func (s *PeerSession) scheduleFlush() {
	if s.remoteID == "" || s.cancelFlush != nil || s.destroyed {
		return
	}
	s.cancelFlush = s.cfg.scheduler.AfterFunc(s.cfg.flushInterval, s.flush)
}

// flush replays buffered signals in order and re-arms itself until the
// buffer is empty.
func (s *PeerSession) flush() {
	s.cancelFlush = nil
	if s.destroyed {
		return
	}
	err := s.buffer.Drain(func(sig LocalSignal) error {
		return s.host.forwardSignal(s, sig)
	})
	if err != nil {
		s.logger.Debug("flush incomplete, retrying", "pending", s.buffer.Len(), "err", err)
		s.scheduleFlush()
	}
}

func (s *PeerSession) onConnect() {
	if s.state.Terminal() {
		return
	}
	s.state = StateConnected
	s.reconnects = 0
	s.logger.Info("peer connected")
	s.host.sessionConnected(s)
}

func (s *PeerSession) onClose() {
	if s.state.Terminal() {
		return
	}
	s.logger.Info("peer closed")
	s.destroy()
	s.host.sessionClosed(s)
}

func (s *PeerSession) onError(err error) {
	if s.state.Terminal() {
		return
	}
	s.state = StateErrored
	s.logger.Warn("peer error", "err", err)
	s.host.sessionErrored(s, err)
}

// scheduleReconnect re-runs initialization with the same role after d.
func (s *PeerSession) scheduleReconnect(d time.Duration) {
	if s.destroyed || s.cancelReconnect != nil {
		return
	}
	s.reconnects++
	s.releaseEngine()
	s.cancelReconnect = s.cfg.scheduler.AfterFunc(d, func() {
		s.cancelReconnect = nil
		if err := s.restart(); err != nil {
			s.onError(err)
		}
	})
}

func (s *PeerSession) reconnecting() bool {
	return s.cancelReconnect != nil
}

func (s *PeerSession) restart() error {
	s.releaseEngine()
	s.buffer.Clear()
	s.state = StateIdle
	s.logger.Info("reconnecting", "attempt", s.reconnects)
	return s.start(s.host.localStreams())
}

func (s *PeerSession) releaseEngine() {
	if s.engine == nil {
		return
	}
	s.gen++
	s.engine.Destroy()
	s.engine = nil
}

// destroy tears the session down and cancels its timers. It is idempotent.
func (s *PeerSession) destroy() {
	if s.destroyed {
		return
	}
	s.destroyed = true
	if s.cancelFlush != nil {
		s.cancelFlush()
		s.cancelFlush = nil
	}
	if s.cancelReconnect != nil {
		s.cancelReconnect()
		s.cancelReconnect = nil
	}
	s.buffer.Clear()
	s.releaseEngine()
	if s.state != StateErrored {
		s.state = StateClosed
	}
}

func (s *PeerSession) active() bool {
	return !s.destroyed && s.engine != nil && !s.state.Terminal()
}

func (s *PeerSession) addStream(st *Stream) error {
	if !s.active() {
		return nil
	}
	return s.engine.AddStream(st)
}

func (s *PeerSession) removeStream(st *Stream) error {
	if !s.active() {
		return nil
	}
	return s.engine.RemoveStream(st)
}

func (s *PeerSession) replaceTrack(old, new Track) error {
	if !s.active() {
		return nil
	}
	return s.engine.ReplaceTrack(old, new)
}

func (s *PeerSession) send(data []byte) error {
	if s.state != StateConnected || s.engine == nil {
		return ErrSessionClosed
	}
	return s.engine.Send(data)
}

// sessionEvents adapts EngineEvents onto the loop for one engine generation.
type sessionEvents struct {
	s   *PeerSession
	gen int
}

func (e *sessionEvents) post(fn func(s *PeerSession)) {
	s := e.s
	s.cfg.scheduler.Post(func() {
		if s.gen != e.gen || s.destroyed {
			return
		}
		fn(s)
	})
}

func (e *sessionEvents) OnSignal(payload json.RawMessage) {
	e.post(func(s *PeerSession) { s.onSignal(payload) })
}

func (e *sessionEvents) OnStream(st *Stream) {
	e.post(func(s *PeerSession) { s.host.sessionStream(s, st) })
}

func (e *sessionEvents) OnStreamEnded(st *Stream) {
	e.post(func(s *PeerSession) { s.host.sessionStreamEnded(s, st) })
}

func (e *sessionEvents) OnConnect() {
	e.post(func(s *PeerSession) { s.onConnect() })
}

func (e *sessionEvents) OnClose() {
	e.post(func(s *PeerSession) { s.onClose() })
}

func (e *sessionEvents) OnError(err error) {
	e.post(func(s *PeerSession) { s.onError(err) })
}

func (e *sessionEvents) OnData(data []byte) {
	e.post(func(s *PeerSession) { s.host.sessionData(s, data) })
}
