package relay

// Room is one signaling session: every participant connected with the same
// session id. The room exists while it has at least one participant.
type Room struct {
	// ID is the session id, i.e. the room creator's identity.
	ID string

	clients map[*Client]struct{}
}

func newRoom(id string) *Room {
	return &Room{ID: id, clients: make(map[*Client]struct{})}
}

func (r *Room) has(c *Client) bool {
	_, ok := r.clients[c]
	return ok
}

// Len returns the number of participants.
func (r *Room) Len() int {
	return len(r.clients)
}
