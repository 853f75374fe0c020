package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"testing"
	"time"

	"github.com/codealchemist/peer-meet/internal/signaling"
	"github.com/codealchemist/peer-meet/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// manualScheduler runs posted tasks only when the test drains it and keeps
// its own virtual time for timers.
type manualScheduler struct {
	queue  []func()
	now    time.Duration
	timers []*manualTimer
	seq    int
}

type manualTimer struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
}

func (m *manualScheduler) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) func() {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() { t.cancelled = true }
}

// run drains the task queue, including tasks posted while draining.
func (m *manualScheduler) run() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// advance moves virtual time forward, firing due timers in order.
func (m *manualScheduler) advance(d time.Duration) {
	target := m.now + d
	for {
		m.run()
		sort.SliceStable(m.timers, func(i, j int) bool {
			if m.timers[i].at != m.timers[j].at {
				return m.timers[i].at < m.timers[j].at
			}
			return m.timers[i].seq < m.timers[j].seq
		})
		if len(m.timers) == 0 || m.timers[0].at > target {
			break
		}
		t := m.timers[0]
		m.timers = m.timers[1:]
		m.now = t.at
		if !t.cancelled {
			m.Post(t.fn)
		}
	}
	m.now = target
}

// pendingTimers counts live timers.
func (m *manualScheduler) pendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled {
			n++
		}
	}
	return n
}

// fakeTransport records outbound messages. The first failures sends fail.
// Messages in backlog are delivered from inside Subscribe.
type fakeTransport struct {
	sent     []*signaling.Message
	failures int
	backlog  []*signaling.Message
	deliver  func(*signaling.Message)
	session  string
}

func (t *fakeTransport) Subscribe(_ context.Context, sessionID string, fn func(*signaling.Message)) error {
	t.session = sessionID
	t.deliver = fn
	for _, msg := range t.backlog {
		fn(msg)
	}
	return nil
}

func (t *fakeTransport) Send(msg *signaling.Message) error {
	if t.failures > 0 {
		t.failures--
		return errors.New("socket down")
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) sentOfType(typ signaling.Type) []*signaling.Message {
	var out []*signaling.Message
	for _, m := range t.sent {
		if m.Type == typ {
			out = append(out, m)
		}
	}
	return out
}

func (t *fakeTransport) reset() {
	t.sent = nil
}

type fakeTrack struct {
	id, stream string
}

func (t fakeTrack) ID() string       { return t.id }
func (t fakeTrack) StreamID() string { return t.stream }

func newStream(id string, trackIDs ...string) *Stream {
	st := &Stream{ID: id}
	for _, tid := range trackIDs {
		st.Tracks = append(st.Tracks, fakeTrack{id: tid, stream: id})
	}
	return st
}

// fakeEngine records what the orchestrator does to it. With auto set it
// plays a minimal negotiation: offerers emit an offer on Start, responders
// answer an offer and connect, offerers connect on an answer.
type fakeEngine struct {
	opts      EngineOptions
	events    EngineEvents
	auto      bool
	started   bool
	destroyed bool
	signals   []json.RawMessage
	streams   map[string][]string
	data      [][]byte
	signalErr error
}

func (e *fakeEngine) Start() error {
	e.started = true
	if e.auto && e.opts.Initiator {
		e.events.OnSignal(json.RawMessage(fmt.Sprintf(`{"type":"offer","sdp":"offer-%s"}`, e.opts.RemoteID)))
		e.events.OnSignal(json.RawMessage(`{"candidate":{"candidate":"c1"}}`))
	}
	return nil
}

func (e *fakeEngine) Signal(payload json.RawMessage) error {
	if e.signalErr != nil {
		return e.signalErr
	}
	e.signals = append(e.signals, payload)
	if !e.auto {
		return nil
	}
	switch signaling.ClassifySignal(payload) {
	case signaling.TypeOffer:
		e.events.OnSignal(json.RawMessage(`{"type":"answer","sdp":"answer"}`))
		e.events.OnConnect()
	case signaling.TypeAnswer:
		e.events.OnConnect()
	}
	return nil
}

func (e *fakeEngine) AddStream(s *Stream) error {
	ids := make([]string, 0, len(s.Tracks))
	for _, t := range s.Tracks {
		ids = append(ids, t.ID())
	}
	e.streams[s.ID] = ids
	return nil
}

func (e *fakeEngine) RemoveStream(s *Stream) error {
	delete(e.streams, s.ID)
	return nil
}

func (e *fakeEngine) ReplaceTrack(old, new Track) error {
	for id, tracks := range e.streams {
		if i := slices.Index(tracks, old.ID()); i >= 0 {
			tracks[i] = new.ID()
			e.streams[id] = tracks
			return nil
		}
	}
	return fmt.Errorf("track %s not sent", old.ID())
}

func (e *fakeEngine) Send(data []byte) error {
	e.data = append(e.data, data)
	return nil
}

func (e *fakeEngine) Destroy() {
	e.destroyed = true
}

// trackState returns the engine's outbound tracks, sorted.
func (e *fakeEngine) trackState() []string {
	var out []string
	for id, tracks := range e.streams {
		for _, t := range tracks {
			out = append(out, id+"/"+t)
		}
	}
	slices.Sort(out)
	return out
}

func (e *fakeEngine) lastData(t *testing.T) wire.Message {
	t.Helper()
	if len(e.data) == 0 {
		t.Fatal("engine sent no data")
	}
	msg, err := wire.Decode(e.data[len(e.data)-1])
	if err != nil {
		t.Fatal(err)
	}
	return msg
}

type fakeFactory struct {
	auto    bool
	fail    bool
	engines []*fakeEngine
}

func (f *fakeFactory) New(opts EngineOptions, events EngineEvents) (Engine, error) {
	if f.fail {
		return nil, errors.New("no engine")
	}
	e := &fakeEngine{opts: opts, events: events, auto: f.auto, streams: map[string][]string{}}
	for _, s := range opts.Streams {
		e.AddStream(s)
	}
	f.engines = append(f.engines, e)
	return e, nil
}

// live returns the engines for remoteID that were not destroyed.
func (f *fakeFactory) live(remoteID string) []*fakeEngine {
	var out []*fakeEngine
	for _, e := range f.engines {
		if e.opts.RemoteID == remoteID && !e.destroyed {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeFactory) last() *fakeEngine {
	return f.engines[len(f.engines)-1]
}

type hubCall struct {
	add      bool
	remoteID string
	streamID string
}

type recordingHub struct {
	calls []hubCall
}

func (h *recordingHub) AddStream(remoteID string, s *Stream) {
	h.calls = append(h.calls, hubCall{add: true, remoteID: remoteID, streamID: s.ID})
}

func (h *recordingHub) RemoveStream(remoteID string, s *Stream) {
	h.calls = append(h.calls, hubCall{add: false, remoteID: remoteID, streamID: s.ID})
}

// harness is one orchestrator wired to fakes.
type harness struct {
	o         *Orchestrator
	sched     *manualScheduler
	transport *fakeTransport
	engines   *fakeFactory
	hub       *recordingHub
}

func newHarness(t *testing.T, localID string, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sched:     &manualScheduler{},
		transport: &fakeTransport{},
		engines:   &fakeFactory{},
		hub:       &recordingHub{},
	}
	opts := Options{
		LocalID:     localID,
		Transport:   h.transport,
		Engines:     h.engines.New,
		Scheduler:   h.sched,
		Hub:         h.hub,
		Logger:      discardLogger(),
		Trickle:     true,
		EventBuffer: 1024,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	h.o = o
	return h
}

func (h *harness) start(t *testing.T, sessionID string, creator bool) {
	t.Helper()
	if err := h.o.Start(context.Background(), sessionID, creator); err != nil {
		t.Fatal(err)
	}
	h.sched.run()
}

// inject delivers msg as if it came from the transport and runs the loop.
func (h *harness) inject(msg *signaling.Message) {
	h.transport.deliver(msg)
	h.sched.run()
}

func (h *harness) events() []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-h.o.events:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func hasEvent(events []Event, kind EventKind, remoteID string) bool {
	return slices.ContainsFunc(events, func(ev Event) bool {
		return ev.Kind == kind && ev.RemoteID == remoteID
	})
}

// bus connects several orchestrators on one scheduler, relaying every sent
// message to every other participant like the signaling relay does.
type bus struct {
	sched   *manualScheduler
	members []*busTransport
}

type busTransport struct {
	bus     *bus
	id      string
	deliver func(*signaling.Message)
	sent    []*signaling.Message
}

func (b *bus) transport(id string) *busTransport {
	bt := &busTransport{bus: b, id: id}
	b.members = append(b.members, bt)
	return bt
}

func (t *busTransport) Subscribe(_ context.Context, _ string, fn func(*signaling.Message)) error {
	t.deliver = fn
	return nil
}

func (t *busTransport) Send(msg *signaling.Message) error {
	t.sent = append(t.sent, msg)
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	for _, m := range t.bus.members {
		if m == t || m.deliver == nil {
			continue
		}
		var copied signaling.Message
		if err := json.Unmarshal(data, &copied); err != nil {
			return err
		}
		m.deliver(&copied)
	}
	return nil
}

type busPeer struct {
	o         *Orchestrator
	transport *busTransport
	engines   *fakeFactory
	hub       *recordingHub
}

func (b *bus) join(t *testing.T, id string, mutate func(*Options)) *busPeer {
	t.Helper()
	p := &busPeer{transport: b.transport(id), engines: &fakeFactory{auto: true}, hub: &recordingHub{}}
	opts := Options{
		LocalID:     id,
		Transport:   p.transport,
		Engines:     p.engines.New,
		Scheduler:   b.sched,
		Hub:         p.hub,
		Logger:      discardLogger(),
		Trickle:     true,
		EventBuffer: 1024,
	}
	if mutate != nil {
		mutate(&opts)
	}
	o, err := New(opts)
	if err != nil {
		t.Fatal(err)
	}
	p.o = o
	return p
}

func (p *busPeer) state(remoteID string) State {
	rc, ok := p.o.registry.Get(remoteID)
	if !ok {
		return StateClosed
	}
	return rc.Session.State()
}
