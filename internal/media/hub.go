// Package media keeps track of the remote streams a participant renders and
// produces the local streams it sends.
package media

import (
	"maps"
	"slices"
	"sync"

	"github.com/codealchemist/peer-meet/internal/mesh"
)

// StreamInfo describes one remote stream for display.
type StreamInfo struct {
	ID     string
	Tracks []string
}

// RemoteMedia lists the streams one remote currently sends.
type RemoteMedia struct {
	RemoteID string
	Streams  []StreamInfo
}

// Hub is the in-process mesh.MediaHub. It is safe for concurrent use.
type Hub struct {
	mu      sync.Mutex
	remotes map[string]map[string]*mesh.Stream
	changes chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		remotes: make(map[string]map[string]*mesh.Stream),
		changes: make(chan struct{}, 1),
	}
}

// AddStream stores s for remoteID, replacing an earlier snapshot of the same
// stream.
func (h *Hub) AddStream(remoteID string, s *mesh.Stream) {
	h.mu.Lock()
	streams, ok := h.remotes[remoteID]
	if !ok {
		streams = make(map[string]*mesh.Stream)
		h.remotes[remoteID] = streams
	}
	streams[s.ID] = s
	h.mu.Unlock()
	h.notify()
}

func (h *Hub) RemoveStream(remoteID string, s *mesh.Stream) {
	h.mu.Lock()
	streams, ok := h.remotes[remoteID]
	if ok {
		delete(streams, s.ID)
		if len(streams) == 0 {
			delete(h.remotes, remoteID)
		}
	}
	h.mu.Unlock()
	if ok {
		h.notify()
	}
}

// Changes receives a value after the hub changed. Bursts are coalesced.
func (h *Hub) Changes() <-chan struct{} {
	return h.changes
}

func (h *Hub) notify() {
	select {
	case h.changes <- struct{}{}:
	default:
	}
}

// Snapshot returns the current streams ordered by remote and stream id.
func (h *Hub) Snapshot() []RemoteMedia {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]RemoteMedia, 0, len(h.remotes))
	for _, remoteID := range slices.Sorted(maps.Keys(h.remotes)) {
		streams := h.remotes[remoteID]
		rm := RemoteMedia{RemoteID: remoteID}
		for _, id := range slices.Sorted(maps.Keys(streams)) {
			info := StreamInfo{ID: id}
			for _, t := range streams[id].Tracks {
				info.Tracks = append(info.Tracks, t.ID())
			}
			rm.Streams = append(rm.Streams, info)
		}
		out = append(out, rm)
	}
	return out
}

// StreamCount returns how many streams remoteID currently sends.
func (h *Hub) StreamCount(remoteID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.remotes[remoteID])
}
