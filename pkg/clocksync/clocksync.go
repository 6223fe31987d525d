// Package clocksync estimates the offset between the local clock and the room server's clock and
// turns it into a playback position that every participant agrees on.
package clocksync

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const DefaultSamples = 10

// Estimator produces serverTime - localTime.
type Estimator interface {
	Estimate(ctx context.Context) (time.Duration, error)
}

// Sampler performs one request against the time endpoint. sent and received are local
// timestamps taken around the request.
type Sampler func(ctx context.Context) (server, sent, received time.Time, err error)

// HTTPSampler polls url, which must answer with the server's unix time in decimal milliseconds.
func HTTPSampler(client *http.Client, url string, now func() time.Time) Sampler {
	if client == nil {
		client = http.DefaultClient
	}
	if now == nil {
		now = time.Now
	}
	return func(ctx context.Context) (time.Time, time.Time, time.Time, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("failed to build request: %w", err)
		}
		sent := now()
		resp, err := client.Do(req)
		if err != nil {
			return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("failed to get: %w", err)
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
		received := now()
		if err != nil {
			return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("failed to read body: %w", err)
		}
		if resp.StatusCode != http.StatusOK {
			return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
		}
		ms, err := strconv.ParseInt(strings.TrimSpace(string(body)), 10, 64)
		if err != nil {
			return time.Time{}, time.Time{}, time.Time{}, fmt.Errorf("failed to parse server time: %w", err)
		}
		return time.UnixMilli(ms), sent, received, nil
	}
}

// AveragingEstimator takes Samples sequential readings and averages server - receivedAt. It
// does not separate latency from skew, so the result carries the one-way delay.
type AveragingEstimator struct {
	Sample  Sampler
	Samples int
}

func (e *AveragingEstimator) Estimate(ctx context.Context) (time.Duration, error) {
	return estimate(ctx, e.Sample, e.Samples, func(server, _, received time.Time) time.Duration {
		return server.Sub(received)
	})
}

// RoundTripEstimator assumes the server read its clock halfway through the round trip.
type RoundTripEstimator struct {
	Sample  Sampler
	Samples int
}

func (e *RoundTripEstimator) Estimate(ctx context.Context) (time.Duration, error) {
	return estimate(ctx, e.Sample, e.Samples, func(server, sent, received time.Time) time.Duration {
		mid := sent.Add(received.Sub(sent) / 2)
		return server.Sub(mid)
	})
}

func estimate(ctx context.Context, sample Sampler, n int, delta func(server, sent, received time.Time) time.Duration) (time.Duration, error) {
	if n <= 0 {
		n = DefaultSamples
	}
	var sum time.Duration
	for i := 0; i < n; i++ {
		server, sent, received, err := sample(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to take sample %d: %w", i, err)
		}
		sum += delta(server, sent, received)
	}
	return sum / time.Duration(n), nil
}

// StepDuration is the length of one sixteenth note at bpm.
func StepDuration(bpm int) time.Duration {
	if bpm <= 0 {
		return 0
	}
	return time.Minute / time.Duration(bpm*4)
}

// Position is the step index playing at local time, given the estimated offset to the server.
// Participants with matching offsets compute the same index at the same instant.
func Position(local time.Time, offset time.Duration, bpm, steps int) int {
	step := StepDuration(bpm)
	if step <= 0 || steps <= 0 {
		return 0
	}
	ms := float64(local.UnixNano()+int64(offset)) / float64(time.Millisecond)
	stepMs := float64(step) / float64(time.Millisecond)
	return int(math.Floor(math.Mod(ms/stepMs, float64(steps))))
}
