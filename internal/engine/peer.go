package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/codealchemist/peer-meet/internal/mesh"
	pion "github.com/pion/webrtc/v4"
)

var (
	ErrChannelNotOpen   = errors.New("data channel not open")
	ErrConnectionFailed = errors.New("connection failed")
	ErrUnexpectedSignal = errors.New("unexpected signal")
	ErrUnsupportedTrack = errors.New("track cannot be sent")
	ErrUnknownTrack     = errors.New("track is not being sent")
	ErrNotOfferer       = errors.New("only the offering side may renegotiate")
)

// signal is the union of every payload the engine exchanges. Offers and
// answers carry sdp; candidates carry candidate; renegotiation requests carry
// renegotiate and the media kinds the responder wants to send.
type signal struct {
	Type        string                 `json:"type,omitempty"`
	SDP         string                 `json:"sdp,omitempty"`
	Candidate   *pion.ICECandidateInit `json:"candidate,omitempty"`
	Renegotiate bool                   `json:"renegotiate,omitempty"`
	Kinds       []string               `json:"kinds,omitempty"`
}

// Peer is a mesh.Engine over one pion PeerConnection.
type Peer struct {
	pc     *pion.PeerConnection
	opts   mesh.EngineOptions
	events mesh.EngineEvents
	logger *slog.Logger

	mu            sync.Mutex
	dc            *pion.DataChannel
	dcOpen        bool
	pcConnected   bool
	connectFired  bool
	senders       map[string]*pion.RTPSender
	pending       []pion.ICECandidateInit
	remoteStreams map[string]*mesh.Stream
	destroyed     bool

	destroyOnce sync.Once
}

func newPeer(pc *pion.PeerConnection, opts mesh.EngineOptions, events mesh.EngineEvents, logger *slog.Logger) *Peer {
	p := &Peer{
		pc:            pc,
		opts:          opts,
		events:        events,
		logger:        logger,
		senders:       make(map[string]*pion.RTPSender),
		remoteStreams: make(map[string]*mesh.Stream),
	}

	pc.OnICECandidate(p.handleICECandidate)
	pc.OnConnectionStateChange(p.handleConnectionState)
	pc.OnTrack(p.handleTrack)
	if !opts.Initiator {
		pc.OnDataChannel(func(dc *pion.DataChannel) {
			if dc.Label() != DataChannelLabel {
				return
			}
			p.attach(dc)
		})
	}
	return p
}

// Start opens the data channel and sends the first offer on the offering
// side. The responding side waits for the offer.
func (p *Peer) Start() error {
	if p.opts.Initiator {
		ordered := true
		dc, err := p.pc.CreateDataChannel(DataChannelLabel, &pion.DataChannelInit{Ordered: &ordered})
		if err != nil {
			return fmt.Errorf("create data channel: %w", err)
		}
		p.attach(dc)

		if err := p.negotiate(); err != nil {
			return err
		}
	}
	p.pc.OnNegotiationNeeded(p.handleNegotiationNeeded)
	return nil
}

// Signal applies a remote payload.
func (p *Peer) Signal(payload json.RawMessage) error {
	var s signal
	if err := json.Unmarshal(payload, &s); err != nil {
		return fmt.Errorf("parse signal: %w", err)
	}

	switch {
	case s.Renegotiate || s.Type == "renegotiate":
		return p.handleRenegotiate(s.Kinds)
	case s.Type == "offer":
		return p.handleOffer(s.SDP)
	case s.Type == "answer":
		return p.setRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeAnswer, SDP: s.SDP})
	case s.Candidate != nil:
		return p.addCandidate(*s.Candidate)
	}
	return fmt.Errorf("%w: %q", ErrUnexpectedSignal, s.Type)
}

func (p *Peer) handleOffer(sdp string) error {
	if err := p.setRemoteDescription(pion.SessionDescription{Type: pion.SDPTypeOffer, SDP: sdp}); err != nil {
		return err
	}

	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.emitDescription()
	return nil
}

func (p *Peer) setRemoteDescription(desc pion.SessionDescription) error {
	if err := p.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			p.logger.Debug("dropping queued candidate", "err", err)
		}
	}
	return nil
}

// addCandidate applies a remote candidate, queueing it until the remote
// description is known.
func (p *Peer) addCandidate(c pion.ICECandidateInit) error {
	if p.pc.RemoteDescription() == nil {
		p.mu.Lock()
		p.pending = append(p.pending, c)
		p.mu.Unlock()
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add ICE candidate: %w", err)
	}
	return nil
}

// negotiate creates and sends a fresh offer.
func (p *Peer) negotiate() error {
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	p.emitDescription()
	return nil
}

// handleRenegotiate runs on the offering side when the responder changed its
// tracks: receive slots are added for the requested kinds and a new offer
// goes out.
func (p *Peer) handleRenegotiate(kinds []string) error {
	if !p.opts.Initiator {
		return ErrNotOfferer
	}
	added := 0
	for _, k := range kinds {
		kind := pion.NewRTPCodecType(k)
		if kind == 0 {
			continue
		}
		if _, err := p.pc.AddTransceiverFromKind(kind, pion.RTPTransceiverInit{Direction: pion.RTPTransceiverDirectionRecvonly}); err != nil {
			return fmt.Errorf("add %s transceiver: %w", k, err)
		}
		added++
	}
	// New transceivers raise negotiationneeded, which offers once stable.
	if added == 0 && p.pc.SignalingState() == pion.SignalingStateStable {
		return p.negotiate()
	}
	return nil
}

func (p *Peer) handleNegotiationNeeded() {
	if p.isDestroyed() {
		return
	}
	if p.opts.Initiator {
		if err := p.negotiate(); err != nil {
			p.emitError(err)
		}
		return
	}

	// Only the offering side may offer; ask it to, but not before the first
	// offer arrived.
	if p.pc.RemoteDescription() == nil {
		return
	}
	var kinds []string
	for _, sender := range p.pc.GetSenders() {
		if t := sender.Track(); t != nil && !slices.Contains(kinds, t.Kind().String()) {
			kinds = append(kinds, t.Kind().String())
		}
	}
	p.emitSignal(signal{Type: "renegotiate", Renegotiate: true, Kinds: kinds})
}

// emitDescription sends the local description. Without trickle it waits for
// gathering to finish so the description carries every candidate.
func (p *Peer) emitDescription() {
	if p.opts.Trickle {
		desc := p.pc.LocalDescription()
		p.emitSignal(signal{Type: desc.Type.String(), SDP: desc.SDP})
		return
	}

	gathered := pion.GatheringCompletePromise(p.pc)
	go func() {
		<-gathered
		desc := p.pc.LocalDescription()
		if desc == nil {
			return
		}
		p.emitSignal(signal{Type: desc.Type.String(), SDP: desc.SDP})
	}()
}

func (p *Peer) handleICECandidate(c *pion.ICECandidate) {
	if c == nil || !p.opts.Trickle {
		return
	}
	init := c.ToJSON()
	p.emitSignal(signal{Type: "candidate", Candidate: &init})
}

func (p *Peer) handleConnectionState(state pion.PeerConnectionState) {
	p.logger.Debug("connection state changed", "state", state.String())

	switch state {
	case pion.PeerConnectionStateConnected:
		p.mu.Lock()
		p.pcConnected = true
		p.mu.Unlock()
		p.maybeConnect()
	case pion.PeerConnectionStateFailed:
		p.emitError(ErrConnectionFailed)
	case pion.PeerConnectionStateClosed:
		if !p.isDestroyed() {
			p.events.OnClose()
		}
	}
}

func (p *Peer) attach(dc *pion.DataChannel) {
	p.mu.Lock()
	p.dc = dc
	p.mu.Unlock()

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		p.maybeConnect()
	})
	dc.OnClose(func() {
		p.mu.Lock()
		p.dcOpen = false
		report := p.connectFired && !p.destroyed
		p.mu.Unlock()
		// A remote that closed its side shows up here long before ICE times out.
		if report {
			p.events.OnClose()
		}
	})
	dc.OnMessage(func(msg pion.DataChannelMessage) {
		if !p.isDestroyed() {
			p.events.OnData(msg.Data)
		}
	})
}

// maybeConnect reports the connection once both the transport and the data
// channel are up.
func (p *Peer) maybeConnect() {
	p.mu.Lock()
	ready := p.pcConnected && p.dcOpen && !p.connectFired && !p.destroyed
	if ready {
		p.connectFired = true
	}
	p.mu.Unlock()

	if ready {
		p.events.OnConnect()
	}
}

func (p *Peer) handleTrack(track *pion.TrackRemote, _ *pion.RTPReceiver) {
	p.logger.Debug("remote track", "id", track.ID(), "stream", track.StreamID(), "kind", track.Kind().String())

	p.events.OnStream(p.updateRemoteStream(track, true))

	// Drain RTP until the track goes away.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				break
			}
		}
		if p.isDestroyed() {
			return
		}
		st := p.updateRemoteStream(track, false)
		if len(st.Tracks) == 0 {
			p.events.OnStreamEnded(st)
		} else {
			p.events.OnStream(st)
		}
	}()
}

// updateRemoteStream adds or removes track from its stream and returns a
// snapshot of the stream.
func (p *Peer) updateRemoteStream(track *pion.TrackRemote, add bool) *mesh.Stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := track.StreamID()
	cur, ok := p.remoteStreams[id]
	if !ok {
		cur = &mesh.Stream{ID: id}
	}

	next := &mesh.Stream{ID: id}
	for _, t := range cur.Tracks {
		if t.ID() != track.ID() {
			next.Tracks = append(next.Tracks, t)
		}
	}
	if add {
		next.Tracks = append(next.Tracks, track)
	}

	if len(next.Tracks) == 0 {
		delete(p.remoteStreams, id)
	} else {
		p.remoteStreams[id] = next
	}
	return next
}

// AddStream starts sending every track of s.
func (p *Peer) AddStream(s *mesh.Stream) error {
	for _, t := range s.Tracks {
		local, ok := t.(pion.TrackLocal)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupportedTrack, t.ID())
		}

		p.mu.Lock()
		_, exists := p.senders[t.ID()]
		p.mu.Unlock()
		if exists {
			continue
		}

		sender, err := p.pc.AddTrack(local)
		if err != nil {
			return fmt.Errorf("add track %s: %w", t.ID(), err)
		}
		p.mu.Lock()
		p.senders[t.ID()] = sender
		p.mu.Unlock()

		// Interceptors only work while RTCP is being read.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// RemoveStream stops sending every track of s.
func (p *Peer) RemoveStream(s *mesh.Stream) error {
	for _, t := range s.Tracks {
		p.mu.Lock()
		sender, ok := p.senders[t.ID()]
		delete(p.senders, t.ID())
		p.mu.Unlock()
		if !ok {
			continue
		}
		if err := p.pc.RemoveTrack(sender); err != nil {
			return fmt.Errorf("remove track %s: %w", t.ID(), err)
		}
	}
	return nil
}

// ReplaceTrack swaps the track behind an existing sender.
func (p *Peer) ReplaceTrack(old, new mesh.Track) error {
	local, ok := new.(pion.TrackLocal)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedTrack, new.ID())
	}

	p.mu.Lock()
	sender, found := p.senders[old.ID()]
	p.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownTrack, old.ID())
	}

	if err := sender.ReplaceTrack(local); err != nil {
		return fmt.Errorf("replace track %s: %w", old.ID(), err)
	}

	p.mu.Lock()
	delete(p.senders, old.ID())
	p.senders[new.ID()] = sender
	p.mu.Unlock()
	return nil
}

// Send writes data to the data channel.
func (p *Peer) Send(data []byte) error {
	p.mu.Lock()
	dc, open := p.dc, p.dcOpen
	p.mu.Unlock()

	if dc == nil || !open {
		return ErrChannelNotOpen
	}
	return dc.Send(data)
}

// Destroy closes the connection. It never blocks and is idempotent.
func (p *Peer) Destroy() {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		p.mu.Unlock()

		go func() {
			if err := p.pc.Close(); err != nil {
				p.logger.Debug("close peer connection", "err", err)
			}
		}()
	})
}

func (p *Peer) isDestroyed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyed
}

func (p *Peer) emitSignal(s signal) {
	if p.isDestroyed() {
		return
	}
	data, err := json.Marshal(s)
	if err != nil {
		p.emitError(fmt.Errorf("encode signal: %w", err))
		return
	}
	p.events.OnSignal(data)
}

func (p *Peer) emitError(err error) {
	if !p.isDestroyed() {
		p.events.OnError(err)
	}
}
