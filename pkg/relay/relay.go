// Package relay is the per-room registry of participants. It forwards opaque negotiation payloads
// between two participants by id and fans room events out to everyone else. It keeps no
// negotiation state of its own.
package relay

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/astromechza/steprooms/pkg/protocol"
)

// Peer is one connected participant. Send must not block: it reports false when the frame could
// not be handed to the transport, and the frame is then dropped.
type Peer interface {
	ID() string
	Send(frame []byte) bool
}

type Relay struct {
	mu    sync.RWMutex
	peers map[string]Peer
	order []string
}

func New() *Relay {
	return &Relay{peers: make(map[string]Peer)}
}

// Add registers p. It returns false if the id is already taken.
func (r *Relay) Add(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; ok {
		return false
	}
	r.peers[p.ID()] = p
	r.order = append(r.order, p.ID())
	return true
}

// Remove deregisters id and reports whether it was present.
func (r *Relay) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// IDs lists the registered participants in join order, without exclude.
func (r *Relay) IDs(exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if id != exclude {
			out = append(out, id)
		}
	}
	return out
}

func (r *Relay) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Relay) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Forward delivers payload to the participant to, tagged with from. It returns false when to is
// not in the room or its transport refused the frame.
func (r *Relay) Forward(from, to string, payload json.RawMessage) bool {
	if from == to {
		return false
	}
	p, ok := r.Get(to)
	if !ok {
		return false
	}
	frame, err := protocol.Encode(protocol.Signal{From: from, Payload: payload})
	if err != nil {
		slog.Error("failed to encode signal", "from", from, "to", to, "err", err)
		return false
	}
	return p.Send(frame)
}

// Broadcast sends frame to every participant except exclude and returns the ones whose Send
// failed. Callers should treat those as gone.
func (r *Relay) Broadcast(frame []byte, exclude string) []Peer {
	r.mu.RLock()
	targets := make([]Peer, 0, len(r.order))
	for _, id := range r.order {
		if id != exclude {
			targets = append(targets, r.peers[id])
		}
	}
	r.mu.RUnlock()

	var failed []Peer
	for _, p := range targets {
		if !p.Send(frame) {
			failed = append(failed, p)
		}
	}
	return failed
}
