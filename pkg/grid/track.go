package grid

import (
	"encoding/json"
	"fmt"
)

// Kind is the instrument of a track. It fixes the number of voices of every page.
type Kind string

const (
	Sampler Kind = "sampler"
	Synth   Kind = "synth"
)

func (k Kind) Voices() int {
	switch k {
	case Sampler:
		return 4
	case Synth:
		return 8
	default:
		return 0
	}
}

// Track is one instrument lane. Params holds the synthesis parameters, which are passed through
// untouched as raw JSON members next to "type", "page" and "pages".
type Track struct {
	Kind   Kind
	Params map[string]json.RawMessage
	Page   int
	Pages  [][]byte
}

func (t *Track) Voices() int {
	return t.Kind.Voices()
}

func (t Track) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(t.Params)+3)
	for k, v := range t.Params {
		out[k] = v
	}
	out["type"] = t.Kind
	out["page"] = t.Page
	pages := t.Pages
	if pages == nil {
		pages = [][]byte{}
	}
	out["pages"] = pages
	return json.Marshal(out)
}

func (t *Track) UnmarshalJSON(raw []byte) error {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(raw, &members); err != nil {
		return err
	}
	var out Track
	if v, ok := members["type"]; ok {
		if err := json.Unmarshal(v, &out.Kind); err != nil {
			return fmt.Errorf("failed to decode track type: %w", err)
		}
	}
	if v, ok := members["page"]; ok {
		if err := json.Unmarshal(v, &out.Page); err != nil {
			return fmt.Errorf("failed to decode track page: %w", err)
		}
	}
	if v, ok := members["pages"]; ok {
		if err := json.Unmarshal(v, &out.Pages); err != nil {
			return fmt.Errorf("failed to decode track pages: %w", err)
		}
	}
	delete(members, "type")
	delete(members, "page")
	delete(members, "pages")
	if len(members) > 0 {
		out.Params = members
	}
	*t = out
	return nil
}

func (t Track) clone() Track {
	out := Track{Kind: t.Kind, Page: t.Page}
	if t.Params != nil {
		out.Params = make(map[string]json.RawMessage, len(t.Params))
		for k, v := range t.Params {
			out.Params[k] = append(json.RawMessage(nil), v...)
		}
	}
	out.Pages = make([][]byte, len(t.Pages))
	for i, p := range t.Pages {
		out.Pages[i] = append([]byte(nil), p...)
	}
	return out
}

func (t Track) validate(steps int) error {
	voices := t.Voices()
	if voices == 0 {
		return fmt.Errorf("unknown track type %q", t.Kind)
	}
	if len(t.Pages) == 0 {
		return fmt.Errorf("track has no pages")
	}
	if t.Page < 0 || t.Page >= len(t.Pages) {
		return fmt.Errorf("page %d out of range [0,%d)", t.Page, len(t.Pages))
	}
	for i, p := range t.Pages {
		if len(p) != voices*steps {
			return fmt.Errorf("page %d has %d cells, expected %d", i, len(p), voices*steps)
		}
	}
	return nil
}

type trackTemplate struct {
	kind   Kind
	params string
}

// the instrument set every new room starts with
var defaultTracks = []trackTemplate{
	{kind: Sampler, params: `{"gain":0.5}`},
	{kind: Synth, params: `{
		"filters":[{"type":"lowpass","frequency":2048}],
		"gain":0.5,
		"octave":1,
		"waves":[{"type":"sine","offset":0},{"type":"sawtooth","offset":7},{"type":"square","offset":14}]
	}`},
	{kind: Synth, params: `{
		"filters":[{"type":"highpass","frequency":1024}],
		"gain":0.5,
		"octave":2,
		"waves":[{"type":"sine","offset":0},{"type":"square","offset":14}]
	}`},
}

func newDefaultTracks(steps int) []Track {
	tracks := make([]Track, len(defaultTracks))
	for i, tpl := range defaultTracks {
		var params map[string]json.RawMessage
		if err := json.Unmarshal([]byte(tpl.params), &params); err != nil {
			panic(fmt.Sprintf("bad default track params: %v", err))
		}
		pages := make([][]byte, PagesPerTrack)
		for p := range pages {
			pages[p] = make([]byte, tpl.kind.Voices()*steps)
		}
		tracks[i] = Track{Kind: tpl.kind, Params: params, Pages: pages}
	}
	return tracks
}
