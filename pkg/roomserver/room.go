package roomserver

import (
	"log/slog"
	"sync"

	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/protocol"
	"github.com/astromechza/steprooms/pkg/relay"
)

type room struct {
	id   string
	name string

	// mu serializes every change to state and the broadcast that follows it.
	mu    sync.Mutex
	state *grid.Room
	relay *relay.Relay
}

func newRoom(g *grid.Room) *room {
	return &room{id: g.ID, name: g.Name, state: g, relay: relay.New()}
}

func (r *room) info() RoomInfo {
	return RoomInfo{ID: r.id, Name: r.name, Peers: r.relay.Len()}
}

// join registers p, sends it the room snapshot and announces it to everyone else.
func (r *room) join(p *participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.relay.Add(p) {
		slog.Error("duplicate participant id", "room", r.id, "peer", p.id)
		p.Close()
		return
	}
	frame, err := protocol.Encode(protocol.Init{Snapshot: r.state.Snapshot(), Peers: r.relay.IDs(p.id)})
	if err != nil {
		slog.Error("failed to encode snapshot", "room", r.id, "err", err)
		r.relay.Remove(p.id)
		p.Close()
		return
	}
	if !p.Send(frame) {
		r.relay.Remove(p.id)
		p.Close()
		return
	}
	r.broadcast(protocol.Join{ID: p.id}, p.id)
	slog.Info("joined", "room", r.id, "peer", p.id, "peers", r.relay.Len())
}

func (r *room) leave(p *participant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.relay.Remove(p.id) {
		return
	}
	r.broadcast(protocol.Leave{ID: p.id}, p.id)
	slog.Info("left", "room", r.id, "peer", p.id, "peers", r.relay.Len())
}

func (r *room) handle(p *participant, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Set:
		r.mutate(p, m, m.SetStep)
	case protocol.Page:
		r.mutate(p, m, m.SetPage)
	case protocol.Signal:
		if !r.relay.Forward(p.id, m.To, m.Payload) {
			slog.Debug("dropped signal", "room", r.id, "from", p.id, "to", m.To)
		}
	case protocol.Init, protocol.Join, protocol.Leave, protocol.Error:
		slog.Debug("ignoring server-only message", "room", r.id, "peer", p.id, "type", m.Kind())
	}
}

// mutate applies mut and, only if it was valid, relays msg to everyone but the sender.
func (r *room) mutate(from *participant, msg protocol.Message, mut grid.Mutation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.state.Apply(mut) {
		slog.Debug("dropped invalid mutation", "room", r.id, "peer", from.id, "type", msg.Kind())
		return
	}
	r.broadcast(msg, from.id)
}

// broadcast must be called with mu held.
func (r *room) broadcast(msg protocol.Message, exclude string) {
	frame, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode broadcast", "room", r.id, "type", msg.Kind(), "err", err)
		return
	}
	for _, gone := range r.relay.Broadcast(frame, exclude) {
		slog.Warn("peer is not keeping up, disconnecting", "room", r.id, "peer", gone.ID())
		if c, ok := gone.(interface{ Close() }); ok {
			c.Close()
		}
	}
}

// record copies the persisted form of the room and clears its dirty flag.
func (r *room) record() (grid.Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	dirty := r.state.Dirty()
	r.state.MarkClean()
	return r.state.Record(), dirty
}

func (r *room) markDirty() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.MarkDirty()
}

func (r *room) closeAll() {
	for _, id := range r.relay.IDs("") {
		if p, ok := r.relay.Get(id); ok {
			if c, ok := p.(interface{ Close() }); ok {
				c.Close()
			}
		}
	}
}
