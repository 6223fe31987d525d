package grid

import (
	"errors"
	"fmt"
	"slices"
)

// ErrInvalidParams is matched by every ValidationError.
var ErrInvalidParams = errors.New("invalid room params")

var AllowedRoots = []string{
	"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B",
}

var AllowedScales = []string{
	"Aeolian",
	"Locrian",
	"Ionian",
	"Dorian",
	"Phrygian",
	"Lydian",
	"Mixolydian",
	"Melodic ascending minor",
	"Phrygian raised sixth",
	"Lydian raised fifth",
	"Major minor",
	"Altered",
	"Arabic",
}

var AllowedBars = []int{2, 4}

const (
	MinBPM        = 60
	MaxBPM        = 240
	DefaultBars   = 4
	StepsPerBar   = 16
	PagesPerTrack = 4
	minNameLength = 3
	maxNameLength = 25
)

// Params are the inputs of a room creation request.
type Params struct {
	Name  string `json:"name,omitempty"`
	BPM   int    `json:"bpm"`
	Root  string `json:"root"`
	Scale string `json:"scale"`
	Bars  int    `json:"bars,omitempty"`
}

// ValidationError names the first field of Params that failed validation.
type ValidationError struct {
	Field string
	Value interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidParams
}

// Validate checks p and fills in defaults for omitted optional fields.
func (p *Params) Validate() error {
	if p.BPM < MinBPM || p.BPM > MaxBPM {
		return &ValidationError{Field: "bpm", Value: p.BPM}
	}
	if !slices.Contains(AllowedRoots, p.Root) {
		return &ValidationError{Field: "root", Value: p.Root}
	}
	if !slices.Contains(AllowedScales, p.Scale) {
		return &ValidationError{Field: "scale", Value: p.Scale}
	}
	if p.Bars == 0 {
		p.Bars = DefaultBars
	}
	if !slices.Contains(AllowedBars, p.Bars) {
		return &ValidationError{Field: "bars", Value: p.Bars}
	}
	if p.Name != "" {
		if n := len([]rune(p.Name)); n < minNameLength || n > maxNameLength {
			return &ValidationError{Field: "name", Value: p.Name}
		}
	}
	return nil
}
