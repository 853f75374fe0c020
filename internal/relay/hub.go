package relay

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/codealchemist/peer-meet/internal/signaling"
)

// envelope is a frame read from a client, on its way to the hub.
type envelope struct {
	client *Client
	peerID string
	data   []byte
}

// Hub owns every room and client. All of its state is touched only from the
// Run goroutine.
type Hub struct {
	rooms map[string]*Room

	// Register adds a client to the room named by its SessionID.
	Register chan *Client

	// Unregister removes a client and announces its departure.
	Unregister chan *Client

	// Broadcast carries frames to fan out to the sender's room.
	Broadcast chan *envelope

	metrics *Metrics
	logger  *slog.Logger
	done    chan struct{}
}

// NewHub creates a Hub. metrics may be nil.
func NewHub(metrics *Metrics, logger *slog.Logger) *Hub {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		rooms:      make(map[string]*Room),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan *envelope),
		metrics:    metrics,
		logger:     logger,
		done:       make(chan struct{}),
	}
}

// Done is closed once Run has returned.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run processes registrations and frames until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			for _, room := range h.rooms {
				for c := range room.clients {
					close(c.Send)
				}
			}
			h.rooms = map[string]*Room{}
			return

		case client := <-h.Register:
			room, ok := h.rooms[client.SessionID]
			if !ok {
				room = newRoom(client.SessionID)
				h.rooms[room.ID] = room
				h.metrics.Rooms.Inc()
				h.logger.Info("room opened", "session", room.ID)
			}
			room.clients[client] = struct{}{}
			h.metrics.Clients.Inc()
			h.metrics.Presence.WithLabelValues("join").Inc()
			h.logger.Debug("client registered", "session", room.ID, "remote", client.remoteAddr(), "participants", room.Len())

		case client := <-h.Unregister:
			h.removeClient(client)

		case env := <-h.Broadcast:
			h.relay(env)
		}
	}
}

// relay fans a frame out to everyone else in the sender's room.
func (h *Hub) relay(env *envelope) {
	sender := env.client
	room, ok := h.rooms[sender.SessionID]
	if !ok || !room.has(sender) {
		return
	}

	// A participant keeps the identity it first spoke with.
	if sender.PeerID == "" {
		sender.PeerID = env.peerID
	} else if sender.PeerID != env.peerID {
		h.metrics.drop(DropIDMismatch)
		h.logger.Warn("dropping frame with changed sender id", "session", room.ID, "peer", sender.PeerID, "claimed", env.peerID)
		return
	}

	h.metrics.Relayed.Inc()
	h.fanOut(room, sender, env.data)
}

func (h *Hub) fanOut(room *Room, sender *Client, data []byte) {
	for c := range room.clients {
		if c == sender {
			continue
		}
		select {
		case c.Send <- data:
		default:
			h.metrics.drop(DropSlowConsumer)
			h.logger.Warn("dropping slow participant", "session", room.ID, "peer", c.PeerID)
			h.removeClient(c)
		}
	}
}

// removeClient detaches c from its room. When the participant's identity is
// known, the rest of the room receives a disconnect message on its behalf.
func (h *Hub) removeClient(c *Client) {
	room, ok := h.rooms[c.SessionID]
	if !ok || !room.has(c) {
		return
	}

	delete(room.clients, c)
	close(c.Send)
	h.metrics.Clients.Dec()
	h.metrics.Presence.WithLabelValues("leave").Inc()

	if room.Len() == 0 {
		delete(h.rooms, room.ID)
		h.metrics.Rooms.Dec()
		h.logger.Info("room closed", "session", room.ID)
		return
	}

	if c.PeerID != "" {
		data, err := json.Marshal(&signaling.Message{ID: c.PeerID, Type: signaling.TypeDisconnect, Reason: signaling.ReasonConnectionLost})
		if err != nil {
			return
		}
		h.logger.Debug("participant left", "session", room.ID, "peer", c.PeerID)
		h.fanOut(room, c, data)
	}
}
