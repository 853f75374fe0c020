package relay

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codealchemist/peer-meet/internal/signaling"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type testRelay struct {
	server  *httptest.Server
	hub     *Hub
	metrics *Metrics
	cancel  context.CancelFunc
}

func newTestRelay(t *testing.T, limits Limits) *testRelay {
	t.Helper()

	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := NewHub(metrics, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(NewHandler(hub, limits, reg))
	r := &testRelay{server: srv, hub: hub, metrics: metrics, cancel: cancel}
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return r
}

func (r *testRelay) dial(t *testing.T, session string) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(r.server.URL, "http") + "/ws/" + session
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", u, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// waitClients blocks until the hub has registered n clients.
func (r *testRelay) waitClients(t *testing.T, n float64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if testutil.ToFloat64(r.metrics.Clients) == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected %v clients, got %v", n, testutil.ToFloat64(r.metrics.Clients))
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	if err := conn.WriteJSON(v); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func receive(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("read: %v", err)
	}
	return got
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	var got map[string]any
	if err := conn.ReadJSON(&got); err == nil {
		t.Fatalf("expected no frame, got %v", got)
	}
}

func TestRelayFansOutWithinRoom(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room1")
	b := r.dial(t, "room1")
	c := r.dial(t, "room1")
	other := r.dial(t, "room2")
	r.waitClients(t, 4)

	send(t, a, map[string]any{"id": "alice", "type": "request"})

	for _, conn := range []*websocket.Conn{b, c} {
		got := receive(t, conn)
		if got["id"] != "alice" || got["type"] != "request" {
			t.Errorf("unexpected frame: %v", got)
		}
	}
	expectSilence(t, other)
	expectSilence(t, a)

	if v := testutil.ToFloat64(r.metrics.Rooms); v != 2 {
		t.Errorf("expected 2 rooms, got %v", v)
	}
}

func TestRelayDropsInvalidFrames(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	a.WriteMessage(websocket.TextMessage, []byte("not json"))
	send(t, a, map[string]any{"type": "request"})
	send(t, a, map[string]any{"id": "alice", "type": "offer"})

	got := receive(t, b)
	if got["type"] != "offer" {
		t.Fatalf("expected the valid frame only, got %v", got)
	}
	if v := testutil.ToFloat64(r.metrics.Dropped.WithLabelValues(DropInvalidFrame)); v != 2 {
		t.Errorf("expected 2 invalid drops, got %v", v)
	}
}

func TestRelayRejectsChangedSenderID(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	send(t, a, map[string]any{"id": "alice", "type": "request"})
	receive(t, b)

	send(t, a, map[string]any{"id": "mallory", "type": "request"})
	expectSilence(t, b)

	if v := testutil.ToFloat64(r.metrics.Dropped.WithLabelValues(DropIDMismatch)); v != 1 {
		t.Errorf("expected 1 id mismatch drop, got %v", v)
	}
}

func TestRelayAnnouncesDisconnect(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	send(t, a, map[string]any{"id": "alice", "type": "request"})
	receive(t, b)

	a.Close()

	got := receive(t, b)
	if got["id"] != "alice" || got["type"] != "disconnect" || got["reason"] != signaling.ReasonConnectionLost {
		t.Fatalf("expected connection-lost disconnect for alice, got %v", got)
	}
	r.waitClients(t, 1)
}

func TestRelaySilentDepartureIsNotAnnounced(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	a.Close()
	r.waitClients(t, 1)
	expectSilence(t, b)
}

func TestRelayRateLimit(t *testing.T) {
	r := newTestRelay(t, Limits{MessagesPerSecond: 0.001, Burst: 2, SendBuffer: 16})

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	for i := 0; i < 5; i++ {
		send(t, a, map[string]any{"id": "alice", "type": "candidate", "seq": i})
	}

	for i := 0; i < 2; i++ {
		got := receive(t, b)
		if got["seq"] != float64(i) {
			t.Errorf("frame %d: unexpected %v", i, got)
		}
	}
	expectSilence(t, b)

	if v := testutil.ToFloat64(r.metrics.Dropped.WithLabelValues(DropRateLimited)); v != 3 {
		t.Errorf("expected 3 rate limited drops, got %v", v)
	}
}

func TestRelayRejectsLongSessionID(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	resp, err := http.Get(r.server.URL + "/ws/" + strings.Repeat("x", maxSessionIDLength+1))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", resp.StatusCode)
	}
}

func TestRelayHealthAndMetrics(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	resp, err := http.Get(r.server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: expected 200, got %d", resp.StatusCode)
	}

	r.dial(t, "room")
	r.waitClients(t, 1)

	resp, err = http.Get(r.server.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "peer_meet_relay_clients 1") {
		t.Errorf("metrics missing client gauge:\n%s", body)
	}
}

func TestRelayFrameIsForwardedVerbatim(t *testing.T) {
	r := newTestRelay(t, DefaultLimits())

	a := r.dial(t, "room")
	b := r.dial(t, "room")
	r.waitClients(t, 2)

	frame := `{"id":"alice","targetId":"bob","signal":{"type":"offer","sdp":"v=0"}}`
	a.WriteMessage(websocket.TextMessage, []byte(frame))

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := b.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != frame {
		t.Errorf("frame altered in transit:\n got %s\nwant %s", data, frame)
	}

	var decoded map[string]json.RawMessage
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
}
