package relay

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64 KB - enough for SDP and ICE frames
)

// Client is one participant's WebSocket connection.
type Client struct {
	Hub  *Hub
	Conn *websocket.Conn

	// SessionID names the room this client relays within.
	SessionID string

	// PeerID is the sender id of the client's first frame. Owned by the hub.
	PeerID string

	// Send is a buffered channel of outbound frames, drained by WritePump.
	Send chan []byte

	limiter *rate.Limiter
}

func (c *Client) remoteAddr() string {
	if c.Conn == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// frameHeader is the only part of a frame the relay inspects.
type frameHeader struct {
	ID string `json:"id"`
}

// ReadPump pumps frames from the websocket connection to the hub. It runs in
// its own goroutine and is the connection's only reader.
func (c *Client) ReadPump() {
	defer func() {
		select {
		case c.Hub.Unregister <- c:
		case <-c.Hub.done:
		}
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		msgType, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Hub.logger.Debug("read error", "session", c.SessionID, "err", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			c.Hub.metrics.drop(DropInvalidFrame)
			continue
		}

		var h frameHeader
		if err := json.Unmarshal(data, &h); err != nil || h.ID == "" {
			c.Hub.metrics.drop(DropInvalidFrame)
			continue
		}

		if c.limiter != nil && !c.limiter.Allow() {
			c.Hub.metrics.drop(DropRateLimited)
			continue
		}

		select {
		case c.Hub.Broadcast <- &envelope{client: c, peerID: h.ID, data: data}:
		case <-c.Hub.done:
			return
		}
	}
}

// WritePump pumps frames from the hub to the websocket connection. It runs
// in its own goroutine and is the connection's only writer.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
