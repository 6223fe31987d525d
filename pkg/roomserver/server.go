// Package roomserver hosts the shared step-sequencer rooms. Every room owns one grid and one
// signaling relay. Mutations in a room are applied and broadcast one at a time under the room's own
// lock, so all participants observe them in the same order. Rooms never share a lock.
package roomserver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/persist"
)

type Options struct {
	// Store is optional. Without it rooms live only in memory.
	Store           persist.Store
	PersistInterval time.Duration
	// SendBuffer is the number of frames queued per participant before it counts as gone.
	SendBuffer        int
	MessagesPerSecond float64
	Burst             int
	Now               func() time.Time
}

func (o Options) withDefaults() Options {
	if o.PersistInterval <= 0 {
		o.PersistInterval = time.Minute
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.Burst <= 0 {
		o.Burst = 100
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Server struct {
	opts     Options
	upgrader websocket.Upgrader

	mu    sync.RWMutex
	rooms map[string]*room
	order []string
}

func New(opts Options) *Server {
	return &Server{
		opts: opts.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		rooms: make(map[string]*room),
	}
}

// RoomInfo is the public listing entry of a room.
type RoomInfo struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Peers int    `json:"peers"`
}

// CreateRoom validates p and registers a new room. The new room becomes the default room.
func (s *Server) CreateRoom(p grid.Params) (RoomInfo, error) {
	g, err := grid.CreateRoom(p)
	if err != nil {
		return RoomInfo{}, err
	}
	rm := s.addRoom(g)
	slog.Info("created room", "room", rm.id, "name", rm.name, "bpm", g.BPM, "root", g.Root, "scale", g.Scale)
	return rm.info(), nil
}

// Rooms lists all rooms in creation order.
func (s *Server) Rooms() []RoomInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RoomInfo, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rooms[id].info())
	}
	return out
}

func (s *Server) addRoom(g *grid.Room) *room {
	rm := newRoom(g)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[rm.id] = rm
	s.order = append(s.order, rm.id)
	return rm
}

// lookup finds a room by id. An empty id selects the most recently created room.
func (s *Server) lookup(id string) (*room, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id == "" {
		if len(s.order) == 0 {
			return nil, false
		}
		id = s.order[len(s.order)-1]
	}
	rm, ok := s.rooms[id]
	return rm, ok
}

func (s *Server) allRooms() []*room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*room, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.rooms[id])
	}
	return out
}

// Load restores persisted rooms. When there are none the default song is created.
func (s *Server) Load(ctx context.Context) error {
	if s.opts.Store != nil {
		records, err := s.opts.Store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load rooms: %w", err)
		}
		for _, rec := range records {
			g, err := grid.FromRecord(rec)
			if err != nil {
				slog.Error("skipping unreadable room", "room", rec.ID, "err", err)
				continue
			}
			s.addRoom(g)
		}
		slog.Info("loaded rooms", "count", len(s.allRooms()))
	}
	if len(s.allRooms()) == 0 {
		if _, err := s.seedDefault(); err != nil {
			return fmt.Errorf("failed to seed default room: %w", err)
		}
	}
	return nil
}

// seedDefault creates the room new servers start with: a four on the floor beat.
func (s *Server) seedDefault() (*room, error) {
	g, err := grid.CreateRoom(grid.Params{Name: "Default Song", BPM: 100, Root: "D", Scale: "Mixolydian", Bars: 4})
	if err != nil {
		return nil, err
	}
	for i := 0; i < g.Steps()/4; i++ {
		g.Apply(grid.SetStep{Track: 0, X: i * 4, Y: 0, IsOn: 1})
		g.Apply(grid.SetStep{Track: 0, X: i*4 + 2, Y: 2, IsOn: 1})
		if i%2 == 0 {
			g.Apply(grid.SetStep{Track: 0, X: i*4 + 4, Y: 1, IsOn: 1})
		}
	}
	rm := s.addRoom(g)
	slog.Info("seeded default room", "room", rm.id)
	return rm, nil
}

// Shutdown disconnects every participant. Rooms stay in memory.
func (s *Server) Shutdown() {
	for _, rm := range s.allRooms() {
		rm.closeAll()
	}
}
