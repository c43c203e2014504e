// Package registry is the process-wide directory of live sessions and
// management subscribers.
package registry

import (
	"crypto/rand"
	"encoding/hex"
	"sync"

	"github.com/termbridge/termbridge/internal/logging"
	"github.com/termbridge/termbridge/internal/session"
	"github.com/termbridge/termbridge/internal/wire"
)

// sessionIDBytes yields 8 lowercase hex characters, 32 bits of entropy.
const sessionIDBytes = 4

// Registry tracks every live Session and every subscribed management peer.
type Registry struct {
	log *logging.Logger

	mu          sync.Mutex
	sessions    map[string]*session.Session
	subscribers map[session.Peer]struct{}
}

// New constructs an empty Registry.
func New(log *logging.Logger) *Registry {
	return &Registry{
		log:         log,
		sessions:    make(map[string]*session.Session),
		subscribers: make(map[session.Peer]struct{}),
	}
}

// NewSessionID samples random 8-hex-char IDs until one is unused.
func (r *Registry) NewSessionID() (string, error) {
	for {
		raw := make([]byte, sessionIDBytes)
		if _, err := rand.Read(raw); err != nil {
			return "", err
		}
		id := hex.EncodeToString(raw)

		r.mu.Lock()
		_, taken := r.sessions[id]
		r.mu.Unlock()
		if !taken {
			return id, nil
		}
	}
}

// Register adds a session to the directory.
func (r *Registry) Register(s *session.Session) {
	r.mu.Lock()
	r.sessions[s.ID()] = s
	r.mu.Unlock()
}

// Unregister removes a session by ID.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()
}

// Lookup returns the session for id, if present.
func (r *Registry) Lookup(id string) (*session.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// SubscribeMgmt adds a peer to the set notified on state changes.
func (r *Registry) SubscribeMgmt(p session.Peer) {
	r.mu.Lock()
	r.subscribers[p] = struct{}{}
	r.mu.Unlock()
}

// UnsubscribeMgmt removes a peer from the notification set.
func (r *Registry) UnsubscribeMgmt(p session.Peer) {
	r.mu.Lock()
	delete(r.subscribers, p)
	r.mu.Unlock()
}

// Snapshot lists every live session with its current attachment state.
func (r *Registry) Snapshot() []wire.SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]wire.SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, wire.SessionInfo{SessionID: id, Connected: s.PeerAttached()})
	}
	return out
}

// BroadcastStateChange sends a poll-shaped notification to every management
// subscriber, swallowing individual send failures.
func (r *Registry) BroadcastStateChange() {
	snapshot := r.Snapshot()
	msg := wire.NewPollResponse(snapshot, "")
	data, err := wire.Marshal(msg)
	if err != nil {
		r.log.Error("marshal broadcast failed", logging.F("err", err.Error()))
		return
	}
	text := string(data)

	r.mu.Lock()
	peers := make([]session.Peer, 0, len(r.subscribers))
	for p := range r.subscribers {
		peers = append(peers, p)
	}
	r.mu.Unlock()

	for _, p := range peers {
		if err := p.Send(text); err != nil {
			r.log.Debug("broadcast send dropped", logging.F("err", err.Error()))
		}
	}
}

// OnReap is the Session onReap callback: unregister then broadcast.
func (r *Registry) OnReap(id string) {
	r.Unregister(id)
	r.BroadcastStateChange()
}
