package cmd

import (
	"strings"
	"testing"
	"time"

	"github.com/codealchemist/peer-meet/internal/config"
	"github.com/codealchemist/peer-meet/internal/identity"
)

func testConfig() *config.Config {
	return &config.Config{
		SignalingURL:  "wss://meet.example.org/ws",
		ShareOrigin:   "https://meet.example.org",
		STUNServer:    "stun:stun.example.org:3478",
		Trickle:       true,
		ErrorPolicy:   "teardown",
		FlushInterval: time.Second,
	}
}

func TestCreatorSessionIsNamedAfterLocalID(t *testing.T) {
	localID := identity.New()
	sessionID, creator, err := sessionFor(nil, localID)
	if err != nil {
		t.Fatal(err)
	}
	if !creator || sessionID != localID {
		t.Fatalf("creator=%v session=%q, want creator of %q", creator, sessionID, localID)
	}

	m, err := NewMeeting(testConfig(), localID, sessionID, creator)
	if err != nil {
		t.Fatal(err)
	}
	if m.localID != localID || m.sessionID != localID {
		t.Errorf("meeting local=%q session=%q, want both %q", m.localID, m.sessionID, localID)
	}
	if link := m.ShareURL(); !strings.HasSuffix(link, "/"+localID) {
		t.Errorf("share link %q does not end in the creator's id", link)
	}
}

func TestJoinerUsesGivenSession(t *testing.T) {
	localID := identity.New()
	sessionID, creator, err := sessionFor([]string{"https://meet.example.org/3oJbKcXWvfDUiPQDVqdfZk"}, localID)
	if err != nil {
		t.Fatal(err)
	}
	if creator || sessionID != "3oJbKcXWvfDUiPQDVqdfZk" {
		t.Fatalf("creator=%v session=%q", creator, sessionID)
	}

	if _, _, err := sessionFor([]string{"not a session"}, localID); err == nil {
		t.Error("invalid session accepted")
	}
}
