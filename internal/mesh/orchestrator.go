package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/codealchemist/peer-meet/internal/signaling"
	"github.com/codealchemist/peer-meet/internal/wire"
)

const (
	DefaultFlushInterval  = time.Second
	DefaultReconnectDelay = 2 * time.Second
	DefaultMaxReconnects  = 3
	defaultEventBuffer    = 64
)

// Options configure an Orchestrator. LocalID, Transport, Engines and
// Scheduler are required.
type Options struct {
	LocalID   string
	Transport signaling.Transport
	Engines   EngineFactory
	Scheduler Scheduler
	Hub       MediaHub
	Clock     clock.Clock
	Logger    *slog.Logger

	// Prewarm lets a room creator start negotiating before anyone joins.
	Prewarm bool
	Trickle bool

	ErrorPolicy    ErrorPolicy
	MaxReconnects  int
	ReconnectDelay time.Duration
	FlushInterval  time.Duration

	// LivenessProbe sends a ping over the data channel on connect.
	LivenessProbe bool

	EventBuffer int
}

// Orchestrator owns the mesh: one PeerSession per remote participant, the
// election of who offers to whom, and the routing of signals between the
// sessions and the signaling transport. Its state is only touched on the
// Scheduler.
type Orchestrator struct {
	opts     Options
	loop     Scheduler
	clock    clock.Clock
	logger   *slog.Logger
	registry *Registry

	sessionID string
	isCreator bool

	// floating is the pre-warmed offering session not yet bound to a remote.
	floating *PeerSession

	local *Stream
	aux   []*Stream

	probeSeq uint32
	events   chan Event
	started  atomic.Bool
	closed   bool
	done     chan struct{}
}

// New validates opts and creates an Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.LocalID == "":
		return nil, errors.New("mesh: local id is required")
	case opts.Transport == nil:
		return nil, errors.New("mesh: transport is required")
	case opts.Engines == nil:
		return nil, errors.New("mesh: engine factory is required")
	case opts.Scheduler == nil:
		return nil, errors.New("mesh: scheduler is required")
	}

	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ErrorPolicy == "" {
		opts.ErrorPolicy = PolicyTeardown
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = DefaultReconnectDelay
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	return &Orchestrator{
		opts:     opts,
		loop:     opts.Scheduler,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "mesh", "local", opts.LocalID),
		registry: NewRegistry(),
		events:   make(chan Event, opts.EventBuffer),
		done:     make(chan struct{}),
	}, nil
}

// LocalID returns this participant's identity.
func (o *Orchestrator) LocalID() string { return o.opts.LocalID }

// Events delivers presentation events. Events are dropped when the consumer
// falls behind. The channel is closed after Close completes.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Done is closed once Close has finished tearing everything down.
func (o *Orchestrator) Done() <-chan struct{} { return o.done }

// Start subscribes to the session's signaling channel. A participant that
// did not create the room announces itself with a request.
func (o *Orchestrator) Start(ctx context.Context, sessionID string, isRoomCreator bool) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	// No message reaches the loop before Subscribe, so the loop sees these.
	o.sessionID = sessionID
	o.isCreator = isRoomCreator

	err := o.opts.Transport.Subscribe(ctx, sessionID, func(msg *signaling.Message) {
		o.loop.Post(func() { o.handleMessage(msg) })
	})
	if err != nil {
		return fmt.Errorf("subscribe to session %s: %w", sessionID, err)
	}

	o.loop.Post(func() {
		o.logger.Info("session started", "session", sessionID, "creator", isRoomCreator)

		if !isRoomCreator {
			o.send(&signaling.Message{ID: o.opts.LocalID, Type: signaling.TypeRequest})
			return
		}
		if o.opts.Prewarm {
			o.prewarm()
		}
	})
	return nil
}

// handleMessage routes one inbound signaling message. It never fails; a
// problem with one remote only affects that remote.
func (o *Orchestrator) handleMessage(msg *signaling.Message) {
	if o.closed {
		return
	}
	if !msg.IsFor(o.opts.LocalID) {
		o.logger.Debug("message discarded", "from", msg.ID, "reason", ErrForeignTarget)
		return
	}
	if msg.ID == "" || msg.ID == o.opts.LocalID {
		return
	}

	t := msg.Normalize()
	switch t {
	case "":
		o.logger.Debug("message discarded", "from", msg.ID, "reason", ErrUnknownMessageType)
	case signaling.TypePing:
		o.logger.Debug("keep-alive ignored", "from", msg.ID)
	case signaling.TypeDisconnect:
		o.handleDisconnect(msg)
	case signaling.TypeRequest:
		o.handleRequest(msg)
	case signaling.TypeOffer, signaling.TypeAnswer, signaling.TypeCandidate, signaling.TypeRenegotiate:
		o.handleSignal(t, msg)
	default:
		o.logger.Debug("message discarded", "from", msg.ID, "type", t, "reason", ErrUnknownMessageType)
	}
}

func (o *Orchestrator) handleRequest(msg *signaling.Message) {
	if rc, ok := o.registry.Get(msg.ID); ok {
		o.logger.Debug("repeated request ignored", "from", msg.ID, "role", rc.Session.role)
		return
	}

	role := Elect(o.opts.LocalID, msg.ID, ElectionContext{
		IsRoomCreator: o.isCreator,
		FirstMessage:  signaling.TypeRequest,
	})

	if role == RoleOfferer && o.floating != nil {
		s := o.floating
		o.floating = nil
		if err := o.register(s, msg.ID); err != nil {
			o.logger.Warn("bind pre-warmed session", "remote", msg.ID, "err", err)
			s.destroy()
			return
		}
		s.bind(msg.ID)
		o.logger.Info("pre-warmed session bound", "remote", msg.ID, "buffered", s.Pending())
		o.emit(Event{Kind: EventPeerJoined, RemoteID: msg.ID, Role: role})
		o.prewarm()
		return
	}

	s, err := o.open(msg.ID, role)
	if err != nil {
		return
	}

	// An untargeted request is an announcement. Answering it with a
	// targeted request lets the remote elect itself offerer; a targeted
	// request is already such an answer.
	if role == RoleResponder && msg.TargetID == "" && s.active() {
		o.send(&signaling.Message{ID: o.opts.LocalID, TargetID: msg.ID, Type: signaling.TypeRequest})
	}
}

func (o *Orchestrator) handleSignal(t signaling.Type, msg *signaling.Message) {
	rc, ok := o.registry.Get(msg.ID)
	if !ok {
		if t != signaling.TypeOffer {
			o.logger.Debug("signal for unknown remote dropped", "from", msg.ID, "type", t)
			return
		}
		role := Elect(o.opts.LocalID, msg.ID, ElectionContext{IsRoomCreator: o.isCreator, FirstMessage: t})
		if _, err := o.open(msg.ID, role); err != nil {
			return
		}
		if rc, ok = o.registry.Get(msg.ID); !ok {
			return
		}
	} else if rc.Session.reconnecting() && t != signaling.TypeOffer {
		o.logger.Debug("signal dropped while reconnecting", "from", msg.ID, "type", t)
		return
	} else if t == signaling.TypeOffer && rc.Session.role == RoleOfferer {
		if !o.resolveGlare(rc) {
			return
		}
		if rc, ok = o.registry.Get(msg.ID); !ok {
			return
		}
	}

	if err := rc.Session.handleRemoteSignal(t, msg.Signal); err != nil {
		o.failSession(rc.Session, newPeerError(msg.ID, "signal", err))
	}
}

// resolveGlare handles an offer from a remote we are offering to. It reports
// whether the offer should be processed, in which case the registry now
// holds a fresh responder session for the remote.
func (o *Orchestrator) resolveGlare(rc *RemoteConnection) bool {
	if KeepLocalOffer(o.opts.LocalID, rc.RemoteID) {
		o.logger.Debug("remote offer dropped", "remote", rc.RemoteID, "reason", ErrRoleConflict)
		return false
	}
	o.logger.Info("yielding offer", "remote", rc.RemoteID, "reason", ErrRoleConflict)

	old := rc.Session
	old.destroy()
	o.detach(old)

	_, err := o.open(rc.RemoteID, RoleResponder)
	return err == nil
}

// handleDisconnect tears down the remote's session. A relay-announced loss of
// the remote's signaling socket leaves a connected session alone: the direct
// connection outlives the socket, and the engine reports its own close.
func (o *Orchestrator) handleDisconnect(msg *signaling.Message) {
	remoteID := msg.ID
	rc, ok := o.registry.Get(remoteID)
	if !ok {
		return
	}
	if msg.Reason == signaling.ReasonConnectionLost && rc.Session.State() == StateConnected {
		o.logger.Info("remote lost signaling, keeping direct connection", "remote", remoteID)
		return
	}
	o.logger.Info("remote left", "remote", remoteID, "reason", msg.Reason)
	rc.Session.destroy()
	o.detach(rc.Session)
}

// open creates, registers and starts a session for remoteID.
func (o *Orchestrator) open(remoteID string, role Role) (*PeerSession, error) {
	s := o.newSession(remoteID, role)
	if err := o.register(s, remoteID); err != nil {
		o.logger.Warn("open session", "remote", remoteID, "err", err)
		return nil, err
	}
	o.emit(Event{Kind: EventPeerJoined, RemoteID: remoteID, Role: role})

	if err := s.start(o.localStreams()); err != nil {
		perr := newPeerError(remoteID, "start", err)
		o.failSession(s, perr)
		return nil, perr
	}
	return s, nil
}

func (o *Orchestrator) newSession(remoteID string, role Role) *PeerSession {
	return newPeerSession(o, sessionConfig{
		remoteID:      remoteID,
		role:          role,
		trickle:       o.opts.Trickle,
		flushInterval: o.opts.FlushInterval,
		engines:       o.opts.Engines,
		scheduler:     o.loop,
		logger:        o.logger,
	})
}

func (o *Orchestrator) register(s *PeerSession, remoteID string) error {
	return o.registry.Add(&RemoteConnection{RemoteID: remoteID, Session: s})
}

// prewarm creates the floating offering session for the next joiner.
func (o *Orchestrator) prewarm() {
	if o.closed || o.floating != nil {
		return
	}
	s := o.newSession("", RoleOfferer)
	if err := s.start(o.localStreams()); err != nil {
		o.logger.Warn("pre-warm failed", "err", err)
		s.destroy()
		return
	}
	o.floating = s
	o.logger.Debug("session pre-warmed")
}

// detach removes s from the registry and withdraws its remote streams from
// the hub. It is a no-op for sessions that were already replaced.
func (o *Orchestrator) detach(s *PeerSession) {
	if s == o.floating {
		o.floating = nil
		return
	}
	rc, ok := o.registry.Remove(s.remoteID, s)
	if !ok {
		return
	}
	for _, st := range rc.Streams {
		o.removeRemoteStream(rc.RemoteID, st)
	}
	rc.Streams = nil
	o.emit(Event{Kind: EventPeerClosed, RemoteID: rc.RemoteID, Role: s.role})
}

// failSession applies the error policy to s.
func (o *Orchestrator) failSession(s *PeerSession, err error) {
	o.emit(Event{Kind: EventPeerError, RemoteID: s.remoteID, Role: s.role, Err: err})

	if s == o.floating {
		o.logger.Warn("pre-warmed session failed", "err", err)
		s.destroy()
		o.floating = nil
		return
	}

	if o.opts.ErrorPolicy == PolicyReconnect && s.reconnects < o.opts.MaxReconnects && !s.destroyed {
		s.state = StateErrored
		if rc, ok := o.registry.Get(s.remoteID); ok && rc.Session == s {
			rc.Connected = false
			for _, st := range rc.Streams {
				o.removeRemoteStream(rc.RemoteID, st)
			}
			rc.Streams = nil
		}
		o.logger.Info("scheduling reconnect", "remote", s.remoteID, "attempt", s.reconnects+1, "err", err)
		s.scheduleReconnect(o.opts.ReconnectDelay)
		return
	}

	o.logger.Warn("tearing down peer", "remote", s.remoteID, "err", err)
	s.destroy()
	o.detach(s)
}

func (o *Orchestrator) send(msg *signaling.Message) error {
	if err := o.opts.Transport.Send(msg); err != nil {
		o.logger.Debug("send failed", "type", msg.Type, "err", err)
		return fmt.Errorf("%w: %w", ErrTransportUnavailable, err)
	}
	return nil
}

func (o *Orchestrator) forwardSignal(s *PeerSession, sig LocalSignal) error {
	if o.closed {
		return ErrSessionClosed
	}
	return o.send(&signaling.Message{
		ID:       o.opts.LocalID,
		TargetID: s.remoteID,
		Type:     sig.Type,
		Signal:   sig.Payload,
	})
}

func (o *Orchestrator) sessionConnected(s *PeerSession) {
	rc, ok := o.registry.Get(s.remoteID)
	if !ok || rc.Session != s {
		return
	}
	rc.Connected = true
	o.emit(Event{Kind: EventPeerConnected, RemoteID: s.remoteID, Role: s.role})
	if o.opts.LivenessProbe {
		o.probe(s)
	}
}

func (o *Orchestrator) sessionStream(s *PeerSession, st *Stream) {
	rc, ok := o.registry.Get(s.remoteID)
	if !ok || rc.Session != s {
		return
	}
	added := rc.putStream(st)
	if o.opts.Hub != nil {
		o.opts.Hub.AddStream(rc.RemoteID, st)
	}
	if added {
		o.emit(Event{Kind: EventStreamAdded, RemoteID: rc.RemoteID, Stream: st})
	}
}

func (o *Orchestrator) sessionStreamEnded(s *PeerSession, st *Stream) {
	rc, ok := o.registry.Get(s.remoteID)
	if !ok || rc.Session != s {
		return
	}
	if removed, ok := rc.removeStream(st); ok {
		o.removeRemoteStream(rc.RemoteID, removed)
	}
}

func (o *Orchestrator) removeRemoteStream(remoteID string, st *Stream) {
	if o.opts.Hub != nil {
		o.opts.Hub.RemoveStream(remoteID, st)
	}
	o.emit(Event{Kind: EventStreamRemoved, RemoteID: remoteID, Stream: st})
}

func (o *Orchestrator) sessionClosed(s *PeerSession) {
	o.detach(s)
}

func (o *Orchestrator) sessionErrored(s *PeerSession, err error) {
	o.failSession(s, newPeerError(s.remoteID, "connection", fmt.Errorf("%w: %w", ErrNegotiation, err)))
}

func (o *Orchestrator) sessionData(s *PeerSession, data []byte) {
	msg, err := wire.Decode(data)
	if err != nil {
		o.logger.Debug("bad data channel frame", "remote", s.remoteID, "err", err)
		return
	}

	switch msg.Type {
	case wire.TypePing:
		reply, err := wire.Message{Type: wire.TypePong, Payload: msg.Payload}.Marshal()
		if err != nil {
			return
		}
		if err := s.send(reply); err != nil {
			o.logger.Debug("pong not sent", "remote", s.remoteID, "err", err)
		}
	case wire.TypePong:
		var p wire.ProbePayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		rtt := o.clock.Since(time.Unix(0, p.SentAt))
		o.logger.Debug("liveness probe", "remote", s.remoteID, "seq", p.Seq, "rtt", rtt)
		o.emit(Event{Kind: EventRTT, RemoteID: s.remoteID, RTT: rtt})
	case wire.TypeChat:
		var p wire.ChatPayload
		if err := msg.DecodePayload(&p); err != nil {
			return
		}
		o.emit(Event{Kind: EventChat, RemoteID: s.remoteID, Text: p.Text, At: time.Unix(0, p.SentAt)})
	default:
		o.logger.Debug("unknown data channel message", "remote", s.remoteID, "type", msg.Type)
	}
}

func (o *Orchestrator) probe(s *PeerSession) {
	o.probeSeq++
	data, err := wire.Encode(wire.TypePing, wire.ProbePayload{Seq: o.probeSeq, SentAt: o.clock.Now().UnixNano()})
	if err != nil {
		return
	}
	if err := s.send(data); err != nil {
		o.logger.Debug("liveness probe not sent", "remote", s.remoteID, "err", err)
	}
}

func (o *Orchestrator) localStreams() []*Stream {
	var out []*Stream
	if o.local != nil {
		out = append(out, o.local)
	}
	return append(out, o.aux...)
}

// sessions returns every live session, bound or not.
func (o *Orchestrator) sessions() []*PeerSession {
	var out []*PeerSession
	for _, rc := range o.registry.All() {
		out = append(out, rc.Session)
	}
	if o.floating != nil {
		out = append(out, o.floating)
	}
	return out
}

// SetLocalStream replaces the outbound camera stream on every session.
func (o *Orchestrator) SetLocalStream(st *Stream) {
	o.loop.Post(func() {
		old := o.local
		o.local = st
		for _, s := range o.sessions() {
			if old != nil {
				o.check(s, "remove stream", s.removeStream(old))
			}
			if st != nil {
				o.check(s, "add stream", s.addStream(st))
			}
		}
	})
}

// ReplaceLocalVideoTrack swaps one outbound track on every session without
// renegotiating.
func (o *Orchestrator) ReplaceLocalVideoTrack(old, new Track) {
	o.loop.Post(func() {
		if o.local != nil {
			o.local.replaceTrack(old, new)
		}
		for _, s := range o.sessions() {
			o.check(s, "replace track", s.replaceTrack(old, new))
		}
	})
}

// BroadcastStream adds an auxiliary stream, such as a screen share, to every
// session.
func (o *Orchestrator) BroadcastStream(st *Stream) {
	o.loop.Post(func() {
		if slices.Contains(o.aux, st) {
			return
		}
		o.aux = append(o.aux, st)
		for _, s := range o.sessions() {
			o.check(s, "add stream", s.addStream(st))
		}
	})
}

// WithdrawStream removes an auxiliary stream from every session.
func (o *Orchestrator) WithdrawStream(st *Stream) {
	o.loop.Post(func() {
		i := slices.Index(o.aux, st)
		if i < 0 {
			return
		}
		o.aux = slices.Delete(o.aux, i, i+1)
		for _, s := range o.sessions() {
			o.check(s, "remove stream", s.removeStream(st))
		}
	})
}

// SendChat sends a chat line to every connected peer.
func (o *Orchestrator) SendChat(from, text string) {
	o.loop.Post(func() {
		data, err := wire.Encode(wire.TypeChat, wire.ChatPayload{From: from, Text: text, SentAt: o.clock.Now().UnixNano()})
		if err != nil {
			o.logger.Warn("encode chat", "err", err)
			return
		}
		for _, rc := range o.registry.All() {
			if !rc.Connected {
				continue
			}
			if err := rc.Session.send(data); err != nil {
				o.logger.Debug("chat not delivered", "remote", rc.RemoteID, "err", err)
			}
		}
	})
}

// Probe pings every connected peer. Answers arrive as EventRTT.
func (o *Orchestrator) Probe() {
	o.loop.Post(func() {
		for _, rc := range o.registry.All() {
			if rc.Connected {
				o.probe(rc.Session)
			}
		}
	})
}

// check logs a per-session failure of a local media operation.
func (o *Orchestrator) check(s *PeerSession, op string, err error) {
	if err != nil {
		o.logger.Warn("media operation failed", "remote", s.label(), "op", op, "err", err)
	}
}

// Close announces departure, destroys every session and cancels every timer.
// It returns immediately; Done is closed once teardown ran.
func (o *Orchestrator) Close() {
	o.loop.Post(func() {
		if o.closed {
			return
		}
		if o.sessionID != "" {
			o.send(&signaling.Message{ID: o.opts.LocalID, Type: signaling.TypeDisconnect})
		}
		for _, s := range o.sessions() {
			s.destroy()
			o.detach(s)
		}
		o.closed = true
		close(o.events)
		close(o.done)
		o.logger.Info("orchestrator closed")
	})
}

func (o *Orchestrator) emit(ev Event) {
	if o.closed {
		return
	}
	if ev.At.IsZero() {
		ev.At = o.clock.Now()
	}
	select {
	case o.events <- ev:
	default:
		o.logger.Debug("event dropped", "kind", ev.Kind, "remote", ev.RemoteID)
	}
}
