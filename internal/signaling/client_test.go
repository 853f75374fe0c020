package signaling_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/codealchemist/peer-meet/internal/relay"
	"github.com/codealchemist/peer-meet/internal/signaling"
	"github.com/gorilla/websocket"
)

func startRelay(t *testing.T) string {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := relay.NewHub(nil, logger)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(relay.NewHandler(hub, relay.DefaultLimits(), nil))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-hub.Done()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func newClient(t *testing.T, url string) *signaling.Client {
	t.Helper()
	c := signaling.NewClient(url,
		signaling.WithDialer(websocket.DefaultDialer),
		signaling.WithRetryInterval(10*time.Millisecond),
		signaling.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	t.Cleanup(func() { c.Close() })
	return c
}

func inbox(t *testing.T, ctx context.Context, c *signaling.Client, session string) <-chan *signaling.Message {
	t.Helper()
	ch := make(chan *signaling.Message, 16)
	if err := c.Subscribe(ctx, session, func(m *signaling.Message) { ch <- m }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	return ch
}

func waitConnected(t *testing.T, c *signaling.Client) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !c.Connected() {
		if time.Now().After(deadline) {
			t.Fatal("client never connected")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func next(t *testing.T, ch <-chan *signaling.Message) *signaling.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func TestClientExchangesMessagesThroughRelay(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	a := newClient(t, url)
	b := newClient(t, url)
	inbox(t, ctx, a, "room")
	bIn := inbox(t, ctx, b, "room")
	waitConnected(t, a)
	waitConnected(t, b)

	signal := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	if err := a.Send(&signaling.Message{ID: "alice", TargetID: "bob", Type: signaling.TypeOffer, Signal: signal}); err != nil {
		t.Fatal(err)
	}

	got := next(t, bIn)
	if got.ID != "alice" || got.TargetID != "bob" || got.Type != signaling.TypeOffer {
		t.Errorf("unexpected message: %+v", got)
	}
	if string(got.Signal) != string(signal) {
		t.Errorf("signal altered: %s", got.Signal)
	}
}

func TestClientQueuesUntilSubscribed(t *testing.T) {
	url := startRelay(t)
	ctx := context.Background()

	b := newClient(t, url)
	bIn := inbox(t, ctx, b, "room")
	waitConnected(t, b)

	a := newClient(t, url)
	for _, typ := range []signaling.Type{signaling.TypeRequest, signaling.TypeCandidate, signaling.TypeCandidate} {
		if err := a.Send(&signaling.Message{ID: "alice", Type: typ}); err != nil {
			t.Fatal(err)
		}
	}
	if a.Connected() {
		t.Fatal("client connected before subscribing")
	}
	if n := a.Pending(); n != 3 {
		t.Fatalf("expected 3 queued messages, got %d", n)
	}

	inbox(t, ctx, a, "room")

	want := []signaling.Type{signaling.TypeRequest, signaling.TypeCandidate, signaling.TypeCandidate}
	for i, typ := range want {
		if got := next(t, bIn); got.Type != typ {
			t.Errorf("message %d: expected %s, got %s", i, typ, got.Type)
		}
	}
}

func TestClientSubscribeTwice(t *testing.T) {
	url := startRelay(t)
	c := newClient(t, url)
	inbox(t, context.Background(), c, "room")

	err := c.Subscribe(context.Background(), "room", func(*signaling.Message) {})
	if !errors.Is(err, signaling.ErrAlreadySubscribed) {
		t.Errorf("expected ErrAlreadySubscribed, got %v", err)
	}
}

func TestClientClosed(t *testing.T) {
	url := startRelay(t)
	c := newClient(t, url)
	inbox(t, context.Background(), c, "room")
	waitConnected(t, c)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
	if err := c.Send(&signaling.Message{ID: "alice"}); !errors.Is(err, signaling.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if c.Connected() {
		t.Error("closed client reports connected")
	}
}

func TestClientRejectsEmptySession(t *testing.T) {
	c := newClient(t, "ws://127.0.0.1:1/ws")
	if err := c.Subscribe(context.Background(), "", func(*signaling.Message) {}); err == nil {
		t.Error("expected error for empty session id")
	}
}
