package relay

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

const maxSessionIDLength = 64

// Limits bounds what a single participant may push through the relay.
type Limits struct {
	// MessagesPerSecond is the sustained frame rate per connection. Zero
	// disables rate limiting.
	MessagesPerSecond float64
	Burst             int

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int
}

// DefaultLimits suit an interactive handshake with trickle ICE.
func DefaultLimits() Limits {
	return Limits{
		MessagesPerSecond: 50,
		Burst:             200,
		SendBuffer:        256,
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,

	// Participants connect from arbitrary origins; the relay carries no
	// credentials.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// NewHandler returns the relay's HTTP surface: the WebSocket endpoint, a
// health check and Prometheus metrics gathered from gatherer.
func NewHandler(hub *Hub, limits Limits, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /ws/{session}", ServeWs(hub, limits))
	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling relay is healthy."))
}

// ServeWs upgrades a request for /ws/{session} and attaches the connection to
// that session's room.
func ServeWs(hub *Hub, limits Limits) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := r.PathValue("session")
		if sessionID == "" || len(sessionID) > maxSessionIDLength {
			http.Error(w, "invalid session id", http.StatusBadRequest)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			hub.logger.Debug("failed to upgrade connection", "err", err)
			return
		}

		sendBuffer := limits.SendBuffer
		if sendBuffer <= 0 {
			sendBuffer = DefaultLimits().SendBuffer
		}

		client := &Client{
			Hub:       hub,
			Conn:      conn,
			SessionID: sessionID,
			Send:      make(chan []byte, sendBuffer),
		}
		if limits.MessagesPerSecond > 0 {
			burst := max(limits.Burst, 1)
			client.limiter = rate.NewLimiter(rate.Limit(limits.MessagesPerSecond), burst)
		}

		select {
		case hub.Register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.WritePump()
		go client.ReadPump()
	}
}
