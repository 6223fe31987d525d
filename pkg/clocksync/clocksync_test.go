package clocksync

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepDuration(t *testing.T) {
	assert.Equal(t, 150*time.Millisecond, StepDuration(100))
	assert.Equal(t, 125*time.Millisecond, StepDuration(120))
	assert.Equal(t, time.Duration(0), StepDuration(0))
}

func TestPosition(t *testing.T) {
	base := time.UnixMilli(0)
	assert.Equal(t, 0, Position(base, 0, 100, 64))
	assert.Equal(t, 1, Position(base.Add(150*time.Millisecond), 0, 100, 64))
	assert.Equal(t, 0, Position(base.Add(64*150*time.Millisecond), 0, 100, 64), "wraps around")
	assert.Equal(t, 2, Position(base, 300*time.Millisecond, 100, 64), "offset shifts the position")
}

func TestPosition_AgreesForCloseOffsets(t *testing.T) {
	const bpm, steps = 100, 64
	step := StepDuration(bpm)
	epsilon := step / 4
	// two clients whose local clocks disagree but whose offsets compensate within epsilon
	skew := 3*time.Second + 17*time.Millisecond
	for i := 0; i < 200; i++ {
		// the middle of step i
		wall := time.UnixMilli(150 * 11_000_000_000).Add(time.Duration(i)*step + step/2)
		localA := wall
		localB := wall.Add(-skew)
		offsetA := time.Duration(0)
		offsetB := skew + epsilon
		assert.Equal(t, Position(localA, offsetA, bpm, steps), Position(localB, offsetB, bpm, steps), "step %d", i)
	}
}

func TestAveragingEstimator(t *testing.T) {
	local := time.UnixMilli(1_000_000)
	var calls int
	e := &AveragingEstimator{
		Samples: 4,
		Sample: func(ctx context.Context) (time.Time, time.Time, time.Time, error) {
			calls++
			// server is 500ms ahead, the reply takes 10ms on the way back
			sent := local.Add(time.Duration(calls) * time.Second)
			received := sent.Add(20 * time.Millisecond)
			server := received.Add(500*time.Millisecond - 10*time.Millisecond)
			return server, sent, received, nil
		},
	}
	offset, err := e.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 490*time.Millisecond, offset)
}

func TestRoundTripEstimator(t *testing.T) {
	e := &RoundTripEstimator{
		Sample: func(ctx context.Context) (time.Time, time.Time, time.Time, error) {
			sent := time.UnixMilli(0)
			received := sent.Add(40 * time.Millisecond)
			server := sent.Add(20*time.Millisecond + 500*time.Millisecond)
			return server, sent, received, nil
		},
	}
	offset, err := e.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, offset)
}

func TestEstimator_PropagatesErrors(t *testing.T) {
	boom := errors.New("boom")
	e := &AveragingEstimator{Sample: func(ctx context.Context) (time.Time, time.Time, time.Time, error) {
		return time.Time{}, time.Time{}, time.Time{}, boom
	}}
	_, err := e.Estimate(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestHTTPSampler(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprintf(w, "%d", time.Now().Add(time.Hour).UnixMilli())
	}))
	defer srv.Close()

	e := &AveragingEstimator{Sample: HTTPSampler(srv.Client(), srv.URL, nil)}
	offset, err := e.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(DefaultSamples), hits.Load())
	assert.InDelta(t, float64(time.Hour), float64(offset), float64(time.Second))
}

func TestHTTPSampler_BadBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("soon"))
	}))
	defer srv.Close()

	_, _, _, err := HTTPSampler(srv.Client(), srv.URL, nil)(context.Background())
	assert.Error(t, err)
}
