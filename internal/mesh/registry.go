package mesh

import (
	"maps"
	"slices"
)

// RemoteConnection is everything known about one remote participant.
type RemoteConnection struct {
	RemoteID  string
	Session   *PeerSession
	Connected bool

	// Streams are the remote's media streams currently handed to the hub.
	Streams []*Stream
}

// putStream stores s, replacing an earlier snapshot with the same id. It
// reports whether the stream is new.
func (rc *RemoteConnection) putStream(s *Stream) bool {
	if i := slices.IndexFunc(rc.Streams, func(x *Stream) bool { return x.ID == s.ID }); i >= 0 {
		rc.Streams[i] = s
		return false
	}
	rc.Streams = append(rc.Streams, s)
	return true
}

func (rc *RemoteConnection) removeStream(s *Stream) (*Stream, bool) {
	i := slices.IndexFunc(rc.Streams, func(x *Stream) bool { return x.ID == s.ID })
	if i < 0 {
		return nil, false
	}
	removed := rc.Streams[i]
	rc.Streams = slices.Delete(rc.Streams, i, i+1)
	return removed, true
}

// Registry holds at most one RemoteConnection per remote id. It is owned by
// one Orchestrator and only touched from its loop.
type Registry struct {
	conns map[string]*RemoteConnection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*RemoteConnection)}
}

func (r *Registry) Get(remoteID string) (*RemoteConnection, bool) {
	rc, ok := r.conns[remoteID]
	return rc, ok
}

// Add registers rc, failing with ErrDuplicateRemote if its id is taken.
func (r *Registry) Add(rc *RemoteConnection) error {
	if _, ok := r.conns[rc.RemoteID]; ok {
		return newPeerError(rc.RemoteID, "register", ErrDuplicateRemote)
	}
	r.conns[rc.RemoteID] = rc
	return nil
}

// Remove deletes the entry for remoteID, but only while it is still owned by
// session. A stale session can therefore never evict its replacement.
func (r *Registry) Remove(remoteID string, session *PeerSession) (*RemoteConnection, bool) {
	rc, ok := r.conns[remoteID]
	if !ok || rc.Session != session {
		return nil, false
	}
	delete(r.conns, remoteID)
	return rc, true
}

func (r *Registry) Len() int {
	return len(r.conns)
}

// IDs returns the registered remote ids in sorted order.
func (r *Registry) IDs() []string {
	return slices.Sorted(maps.Keys(r.conns))
}

// All returns the connections sorted by remote id.
func (r *Registry) All() []*RemoteConnection {
	ids := r.IDs()
	out := make([]*RemoteConnection, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.conns[id])
	}
	return out
}
