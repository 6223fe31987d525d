package grid

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRoom(t *testing.T) *Room {
	t.Helper()
	r, err := CreateRoom(Params{BPM: 100, Root: "D", Scale: "Mixolydian", Bars: 4})
	require.NoError(t, err)
	return r
}

func TestCreateRoom_Defaults(t *testing.T) {
	r := newTestRoom(t)
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, "D Mixolydian", r.Name)
	assert.Equal(t, 64, r.Steps())
	assert.True(t, r.Color >= 0 && r.Color < 256)
	require.Len(t, r.Tracks, 3)
	assert.Equal(t, Sampler, r.Tracks[0].Kind)
	assert.Equal(t, Synth, r.Tracks[1].Kind)
	for _, tr := range r.Tracks {
		require.Len(t, tr.Pages, PagesPerTrack)
		assert.Equal(t, 0, tr.Page)
		for _, p := range tr.Pages {
			assert.Len(t, p, tr.Voices()*64)
			assert.NotContains(t, p, byte(1))
		}
	}
	assert.JSONEq(t, `0.5`, string(r.Tracks[0].Params["gain"]))
	assert.JSONEq(t, `2`, string(r.Tracks[2].Params["octave"]))
}

func TestCreateRoom_BarsDefault(t *testing.T) {
	r, err := CreateRoom(Params{BPM: 120, Root: "C", Scale: "Dorian"})
	require.NoError(t, err)
	assert.Equal(t, DefaultBars, r.Bars)
}

func TestCreateRoom_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params Params
		field  string
	}{
		{"bpm too low", Params{BPM: 59, Root: "C", Scale: "Dorian"}, "bpm"},
		{"bpm too high", Params{BPM: 241, Root: "C", Scale: "Dorian"}, "bpm"},
		{"unknown root", Params{BPM: 100, Root: "H", Scale: "Dorian"}, "root"},
		{"unknown scale", Params{BPM: 100, Root: "C", Scale: "Blues"}, "scale"},
		{"bad bars", Params{BPM: 100, Root: "C", Scale: "Dorian", Bars: 3}, "bars"},
		{"short name", Params{BPM: 100, Root: "C", Scale: "Dorian", Name: "ab"}, "name"},
		{"long name", Params{BPM: 100, Root: "C", Scale: "Dorian", Name: "abcdefghijklmnopqrstuvwxyz"}, "name"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := CreateRoom(tt.params)
			assert.Nil(t, r)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidParams))
			var verr *ValidationError
			require.True(t, errors.As(err, &verr))
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestCreateRoom_Bounds(t *testing.T) {
	for _, bpm := range []int{MinBPM, MaxBPM} {
		_, err := CreateRoom(Params{BPM: bpm, Root: "A#", Scale: "Arabic", Bars: 2})
		assert.NoError(t, err, "bpm %d", bpm)
	}
}

func TestApply_SetStepChangesOnlyTargetCell(t *testing.T) {
	r := newTestRoom(t)
	r.MarkClean()
	// move track 1 off its first page to check the current page is targeted
	require.True(t, r.Apply(SetPage{Track: 1, Page: 2}))
	before := r.Snapshot()

	require.True(t, r.Apply(SetStep{Track: 1, X: 5, Y: 3, IsOn: 1}))
	assert.True(t, r.Dirty())

	after := r.Snapshot()
	for ti := range before.Tracks {
		for pi := range before.Tracks[ti].Pages {
			for ci := range before.Tracks[ti].Pages[pi] {
				want := before.Tracks[ti].Pages[pi][ci]
				if ti == 1 && pi == 2 && ci == 3*64+5 {
					want = 1
				}
				assert.Equal(t, want, after.Tracks[ti].Pages[pi][ci], "track %d page %d cell %d", ti, pi, ci)
			}
		}
	}
	on, ok := r.Step(1, 5, 3)
	assert.True(t, ok)
	assert.True(t, on)
}

func TestApply_OutOfRangeIsNoop(t *testing.T) {
	r := newTestRoom(t)
	r.MarkClean()
	before, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)

	mutations := []Mutation{
		SetStep{Track: 0, X: 64, Y: 0, IsOn: 1},
		SetStep{Track: 0, X: -1, Y: 0, IsOn: 1},
		SetStep{Track: 0, X: 0, Y: 4, IsOn: 1},
		SetStep{Track: 1, X: 0, Y: 8, IsOn: 1},
		SetStep{Track: 0, X: 0, Y: -1, IsOn: 1},
		SetStep{Track: 3, X: 0, Y: 0, IsOn: 1},
		SetStep{Track: -1, X: 0, Y: 0, IsOn: 1},
		SetStep{Track: 0, X: 0, Y: 0, IsOn: 2},
		SetStep{Track: 0, X: 0, Y: 0, IsOn: -1},
		SetPage{Track: 0, Page: PagesPerTrack},
		SetPage{Track: 0, Page: -1},
		SetPage{Track: 3, Page: 0},
		nil,
	}
	for _, m := range mutations {
		assert.False(t, r.Apply(m), "%#v", m)
	}

	after, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.False(t, r.Dirty())
}

func TestApply_SetStepIdempotent(t *testing.T) {
	once := newTestRoom(t)
	twice := &Room{Bars: once.Bars, Tracks: cloneTracks(once.Tracks)}
	m := SetStep{Track: 0, X: 10, Y: 2, IsOn: 1}
	require.True(t, once.Apply(m))
	require.True(t, twice.Apply(m))
	require.True(t, twice.Apply(m))
	assert.Equal(t, once.Tracks, twice.Tracks)
}

func TestApply_SetPageLeavesSteps(t *testing.T) {
	r := newTestRoom(t)
	require.True(t, r.Apply(SetStep{Track: 0, X: 0, Y: 0, IsOn: 1}))
	r.MarkClean()
	require.True(t, r.Apply(SetPage{Track: 0, Page: 1}))
	assert.Equal(t, 1, r.Tracks[0].Page)
	assert.False(t, r.Dirty())
	on, _ := r.Step(0, 0, 0)
	assert.False(t, on, "new page starts empty")
	assert.Equal(t, byte(1), r.Tracks[0].Pages[0][0])
}

func TestSnapshot_IsDeepCopy(t *testing.T) {
	r := newTestRoom(t)
	s := r.Snapshot()
	s.Tracks[0].Pages[0][0] = 1
	s.Tracks[0].Params["gain"] = json.RawMessage(`1`)
	assert.Equal(t, byte(0), r.Tracks[0].Pages[0][0])
	assert.JSONEq(t, `0.5`, string(r.Tracks[0].Params["gain"]))
}

func TestFromSnapshot(t *testing.T) {
	r := newTestRoom(t)
	require.True(t, r.Apply(SetStep{Track: 2, X: 63, Y: 7, IsOn: 1}))
	require.True(t, r.Apply(SetPage{Track: 1, Page: 3}))

	raw, err := json.Marshal(r.Snapshot())
	require.NoError(t, err)
	var decoded Snapshot
	require.NoError(t, json.Unmarshal(raw, &decoded))

	c, err := FromSnapshot(decoded)
	require.NoError(t, err)
	assert.Equal(t, r.Tracks, c.Tracks)
	assert.Equal(t, 4, c.Bars)
	assert.Equal(t, 3, c.Tracks[1].Page)

	decoded.Tracks[0].Pages[1] = decoded.Tracks[0].Pages[1][:10]
	_, err = FromSnapshot(decoded)
	assert.Error(t, err)
}

func TestTrackJSON_PassesParamsThrough(t *testing.T) {
	in := `{"type":"synth","gain":0.25,"custom":{"a":[1,2]},"page":1,"pages":["AAE=","AQA="]}`
	var tr Track
	require.NoError(t, json.Unmarshal([]byte(in), &tr))
	assert.Equal(t, Synth, tr.Kind)
	assert.Equal(t, 1, tr.Page)
	assert.Equal(t, [][]byte{{0, 1}, {1, 0}}, tr.Pages)
	assert.JSONEq(t, `{"a":[1,2]}`, string(tr.Params["custom"]))

	out, err := json.Marshal(tr)
	require.NoError(t, err)
	assert.JSONEq(t, in, string(out))
}

func TestFromRecord(t *testing.T) {
	r := newTestRoom(t)
	require.True(t, r.Apply(SetStep{Track: 0, X: 1, Y: 1, IsOn: 1}))
	require.True(t, r.Apply(SetPage{Track: 0, Page: 2}))

	restored, err := FromRecord(r.Record())
	require.NoError(t, err)
	assert.Equal(t, r.ID, restored.ID)
	assert.Equal(t, 0, restored.Tracks[0].Page)
	assert.Equal(t, byte(1), restored.Tracks[0].Pages[0][1*64+1])
	assert.False(t, restored.Dirty())

	bad := r.Record()
	bad.BPM = 10
	_, err = FromRecord(bad)
	assert.ErrorIs(t, err, ErrInvalidParams)

	bad = r.Record()
	bad.Tracks[1].Kind = "theremin"
	_, err = FromRecord(bad)
	assert.Error(t, err)
}
