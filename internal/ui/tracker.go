package ui

import (
	"cmp"
	"slices"
	"time"

	"github.com/codealchemist/peer-meet/internal/identity"
	"github.com/codealchemist/peer-meet/internal/mesh"
)

// Peer status labels.
const (
	StatusNegotiating = "negotiating"
	StatusConnected   = "connected"
	StatusFailed      = "failed"
	StatusLeft        = "left"
)

const maxChatLines = 100

// PeerRow is what the views show about one remote participant.
type PeerRow struct {
	ID          string
	Nickname    string
	Role        mesh.Role
	Status      string
	RTT         time.Duration
	Streams     int
	LastError   string
	JoinedAt    time.Time
	ConnectedAt time.Time
	LeftAt      time.Time
}

// ChatLine is one received or sent chat message.
type ChatLine struct {
	From string
	Text string
	At   time.Time
	Own  bool
}

// Tracker folds orchestrator events into displayable state. It is not safe
// for concurrent use.
type Tracker struct {
	started   time.Time
	peers     map[string]*PeerRow
	left      []*PeerRow
	chat      []ChatLine
	chatCount int
}

func NewTracker(started time.Time) *Tracker {
	return &Tracker{started: started, peers: make(map[string]*PeerRow)}
}

func (t *Tracker) peer(ev mesh.Event) *PeerRow {
	p, ok := t.peers[ev.RemoteID]
	if !ok {
		p = &PeerRow{
			ID:       ev.RemoteID,
			Nickname: identity.Nickname(ev.RemoteID),
			Role:     ev.Role,
			Status:   StatusNegotiating,
			JoinedAt: ev.At,
		}
		t.peers[ev.RemoteID] = p
	}
	return p
}

// Apply updates the state with ev.
func (t *Tracker) Apply(ev mesh.Event) {
	switch ev.Kind {
	case mesh.EventPeerJoined:
		p := t.peer(ev)
		p.Role = ev.Role
		p.Status = StatusNegotiating
	case mesh.EventPeerConnected:
		p := t.peer(ev)
		p.Status = StatusConnected
		p.ConnectedAt = ev.At
		p.LastError = ""
	case mesh.EventPeerError:
		p := t.peer(ev)
		p.Status = StatusFailed
		if ev.Err != nil {
			p.LastError = ev.Err.Error()
		}
	case mesh.EventPeerClosed:
		p, ok := t.peers[ev.RemoteID]
		if !ok {
			return
		}
		delete(t.peers, ev.RemoteID)
		p.Status = StatusLeft
		p.LeftAt = ev.At
		p.Streams = 0
		t.left = append(t.left, p)
	case mesh.EventStreamAdded:
		t.peer(ev).Streams++
	case mesh.EventStreamRemoved:
		if p, ok := t.peers[ev.RemoteID]; ok && p.Streams > 0 {
			p.Streams--
		}
	case mesh.EventRTT:
		t.peer(ev).RTT = ev.RTT
	case mesh.EventChat:
		t.addChat(ChatLine{From: identity.Nickname(ev.RemoteID), Text: ev.Text, At: ev.At})
	}
}

// AddOwnChat records a line the local participant sent.
func (t *Tracker) AddOwnChat(from, text string, at time.Time) {
	t.addChat(ChatLine{From: from, Text: text, At: at, Own: true})
}

func (t *Tracker) addChat(l ChatLine) {
	t.chatCount++
	t.chat = append(t.chat, l)
	if len(t.chat) > maxChatLines {
		t.chat = slices.Delete(t.chat, 0, len(t.chat)-maxChatLines)
	}
}

// Peers returns the present participants ordered by nickname.
func (t *Tracker) Peers() []PeerRow {
	out := make([]PeerRow, 0, len(t.peers))
	for _, p := range t.peers {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b PeerRow) int {
		return cmp.Or(cmp.Compare(a.Nickname, b.Nickname), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Connected counts the participants with a live connection.
func (t *Tracker) Connected() int {
	n := 0
	for _, p := range t.peers {
		if p.Status == StatusConnected {
			n++
		}
	}
	return n
}

// Chat returns the most recent chat lines, oldest first.
func (t *Tracker) Chat(limit int) []ChatLine {
	if limit <= 0 || limit > len(t.chat) {
		limit = len(t.chat)
	}
	return t.chat[len(t.chat)-limit:]
}

// Summary describes the whole session for the exit report.
func (t *Tracker) Summary(sessionID string, ended time.Time) Summary {
	s := Summary{
		SessionID:    sessionID,
		Duration:     ended.Sub(t.started),
		ChatMessages: t.chatCount,
	}
	for _, p := range t.left {
		s.Peers = append(s.Peers, *p)
	}
	s.Peers = append(s.Peers, t.Peers()...)
	return s
}
