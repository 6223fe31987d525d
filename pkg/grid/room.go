// Package grid holds the musical state of a room and the one function that mutates it.
//
// Inputs to Apply come from untrusted peers. Anything out of range is dropped without an error so
// that a single misbehaving participant cannot disturb the others.
package grid

import (
	"fmt"
	"math/rand"

	"github.com/google/uuid"
)

// Room is not safe for concurrent use. The server serializes access per room.
type Room struct {
	ID     string
	Name   string
	BPM    int
	Root   string
	Scale  string
	Bars   int
	Color  int
	Tracks []Track

	dirty bool
}

func CreateRoom(p Params) (*Room, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	name := p.Name
	if name == "" {
		name = p.Root + " " + p.Scale
	}
	r := &Room{
		ID:    uuid.NewString(),
		Name:  name,
		BPM:   p.BPM,
		Root:  p.Root,
		Scale: p.Scale,
		Bars:  p.Bars,
		Color: rand.Intn(256),
	}
	r.Tracks = newDefaultTracks(r.Steps())
	r.dirty = true
	return r, nil
}

// Steps is the length of every page along the time axis.
func (r *Room) Steps() int {
	return r.Bars * StepsPerBar
}

// Step reports the cell at (x, y) of the current page of a track.
func (r *Room) Step(track, x, y int) (bool, bool) {
	if track < 0 || track >= len(r.Tracks) {
		return false, false
	}
	t := &r.Tracks[track]
	steps := r.Steps()
	if x < 0 || x >= steps || y < 0 || y >= t.Voices() {
		return false, false
	}
	return t.Pages[t.Page][y*steps+x] == 1, true
}

// Dirty reports whether a step changed since the last MarkClean.
func (r *Room) Dirty() bool {
	return r.dirty
}

func (r *Room) MarkClean() {
	r.dirty = false
}

// Mutation is a validated change request. The set of mutations is closed.
type Mutation interface {
	apply(r *Room) bool
}

type SetStep struct {
	Track int `json:"track"`
	X     int `json:"x"`
	Y     int `json:"y"`
	IsOn  int `json:"isOn"`
}

type SetPage struct {
	Track int `json:"track"`
	Page  int `json:"page"`
}

// Apply validates m against the room and applies it. It returns false and leaves the room
// untouched when any field is out of range.
func (r *Room) Apply(m Mutation) bool {
	if m == nil {
		return false
	}
	return m.apply(r)
}

func (s SetStep) apply(r *Room) bool {
	if s.Track < 0 || s.Track >= len(r.Tracks) {
		return false
	}
	t := &r.Tracks[s.Track]
	steps := r.Steps()
	if s.X < 0 || s.X >= steps ||
		s.Y < 0 || s.Y >= t.Voices() ||
		s.IsOn < 0 || s.IsOn > 1 {
		return false
	}
	t.Pages[t.Page][s.Y*steps+s.X] = byte(s.IsOn)
	r.dirty = true
	return true
}

func (s SetPage) apply(r *Room) bool {
	if s.Track < 0 || s.Track >= len(r.Tracks) {
		return false
	}
	t := &r.Tracks[s.Track]
	if s.Page < 0 || s.Page >= len(t.Pages) {
		return false
	}
	t.Page = s.Page
	return true
}

// Snapshot is the full room state sent to a participant when it joins.
type Snapshot struct {
	Name   string  `json:"name"`
	BPM    int     `json:"bpm"`
	Root   string  `json:"root"`
	Scale  string  `json:"scale"`
	Steps  int     `json:"steps"`
	Color  int     `json:"color"`
	Tracks []Track `json:"tracks"`
}

func (r *Room) Snapshot() Snapshot {
	return Snapshot{
		Name:   r.Name,
		BPM:    r.BPM,
		Root:   r.Root,
		Scale:  r.Scale,
		Steps:  r.Steps(),
		Color:  r.Color,
		Tracks: cloneTracks(r.Tracks),
	}
}

// FromSnapshot rebuilds a room on the client side. The snapshot is copied.
func FromSnapshot(s Snapshot) (*Room, error) {
	if s.Steps <= 0 || s.Steps%StepsPerBar != 0 {
		return nil, fmt.Errorf("invalid steps %d", s.Steps)
	}
	if len(s.Tracks) == 0 {
		return nil, fmt.Errorf("snapshot has no tracks")
	}
	for i, t := range s.Tracks {
		if err := t.validate(s.Steps); err != nil {
			return nil, fmt.Errorf("invalid track %d: %w", i, err)
		}
	}
	return &Room{
		Name:   s.Name,
		BPM:    s.BPM,
		Root:   s.Root,
		Scale:  s.Scale,
		Bars:   s.Steps / StepsPerBar,
		Color:  s.Color,
		Tracks: cloneTracks(s.Tracks),
	}, nil
}

// Record is the persisted form of a room.
type Record struct {
	ID     string  `json:"id"`
	Name   string  `json:"name"`
	BPM    int     `json:"bpm"`
	Root   string  `json:"root"`
	Scale  string  `json:"scale"`
	Bars   int     `json:"bars"`
	Color  int     `json:"color"`
	Tracks []Track `json:"tracks"`
}

func (r *Room) Record() Record {
	return Record{
		ID:     r.ID,
		Name:   r.Name,
		BPM:    r.BPM,
		Root:   r.Root,
		Scale:  r.Scale,
		Bars:   r.Bars,
		Color:  r.Color,
		Tracks: cloneTracks(r.Tracks),
	}
}

// FromRecord restores a persisted room. Every track comes back on its first page.
func FromRecord(rec Record) (*Room, error) {
	p := Params{BPM: rec.BPM, Root: rec.Root, Scale: rec.Scale, Bars: rec.Bars}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	r := &Room{
		ID:     rec.ID,
		Name:   rec.Name,
		BPM:    p.BPM,
		Root:   p.Root,
		Scale:  p.Scale,
		Bars:   p.Bars,
		Color:  rec.Color,
		Tracks: cloneTracks(rec.Tracks),
	}
	if len(r.Tracks) == 0 {
		return nil, fmt.Errorf("room %s has no tracks", rec.ID)
	}
	for i := range r.Tracks {
		r.Tracks[i].Page = 0
		if err := r.Tracks[i].validate(r.Steps()); err != nil {
			return nil, fmt.Errorf("room %s track %d: %w", rec.ID, i, err)
		}
	}
	return r, nil
}

func cloneTracks(in []Track) []Track {
	out := make([]Track, len(in))
	for i, t := range in {
		out[i] = t.clone()
	}
	return out
}

// MarkDirty flags the room for the next persistence pass, for example after a failed save.
func (r *Room) MarkDirty() {
	r.dirty = true
}
