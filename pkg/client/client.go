// Package client keeps one participant connected to a room. It mirrors the room state locally,
// applies local edits optimistically before sending them, and reconnects after transport failures.
// An ERROR frame from the server ends the session for good.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/steprooms/pkg/clocksync"
	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/protocol"
)

var (
	ErrNotJoined    = errors.New("no room state yet")
	ErrDisconnected = errors.New("not connected")
)

// FatalError is the reason the server gave before terminating the connection.
type FatalError struct {
	Room   string
	Reason string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("room %q: %s", e.Room, e.Reason)
}

// Dialer is satisfied by *websocket.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type Options struct {
	// BaseURL is the http(s) address of the room server.
	BaseURL   string
	Dialer    Dialer
	Estimator clocksync.Estimator
	Backoff   Backoff

	// OnEvent, OnSignal and OnSync run on the session goroutine after local state has been
	// updated. They must not call Join, Leave or Close, which wait for that goroutine.
	OnEvent  func(protocol.Message)
	OnSignal func(protocol.Signal)
	OnSync   func(offset time.Duration)
	// OnFatal runs once the session has ended, so it may Join another room.
	OnFatal func(error)
}

type Client struct {
	opts    Options
	baseURL *url.URL

	mu     sync.Mutex
	room   *grid.Room
	peers  []string
	offset time.Duration
	synced bool
	conn   *websocket.Conn
	fatal  error

	writeMu sync.Mutex

	sessionMu sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(opts Options) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", base.Scheme)
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Estimator == nil {
		opts.Estimator = &clocksync.AveragingEstimator{
			Sample:  clocksync.HTTPSampler(nil, base.JoinPath("sync").String(), nil),
			Samples: clocksync.DefaultSamples,
		}
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	return &Client{opts: opts, baseURL: base}, nil
}

// Join switches to room. Any current session is closed first and its pending reconnection is
// cancelled. An empty room selects the server's default room.
func (c *Client) Join(room string) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.stopLocked()

	c.mu.Lock()
	c.fatal = nil
	c.resetLocked()
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	c.cancel, c.done = cancel, done
	go func() {
		fatal := c.run(ctx, room)
		close(done)
		if fatal != nil && c.opts.OnFatal != nil {
			c.opts.OnFatal(fatal)
		}
	}()
}

// resetLocked forgets the room until the next INIT arrives. Local edits are refused meanwhile.
func (c *Client) resetLocked() {
	c.room = nil
	c.peers = nil
	c.synced = false
	c.conn = nil
}

// Leave closes the current session without reconnecting.
func (c *Client) Leave() {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()
	c.stopLocked()
}

func (c *Client) Close() error {
	c.Leave()
	return nil
}

func (c *Client) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	<-c.done
	c.cancel, c.done = nil, nil
}

// Wait blocks until the current session ends by itself, which only happens on a fatal error.
func (c *Client) Wait(ctx context.Context) error {
	c.sessionMu.Lock()
	done := c.done
	c.sessionMu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return c.Err()
}

// Err is the fatal error that ended the last session, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

func (c *Client) roomURL(room string) string {
	u := c.baseURL.JoinPath(room)
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// run keeps the room connected until ctx is done or the server refuses the room, in which case
// the refusal is returned.
func (c *Client) run(ctx context.Context, room string) error {
	retry := c.opts.Backoff.newBackOff()
	for {
		established, fatal := c.session(ctx, room)
		if fatal != nil {
			slog.Error("room connection failed permanently", "room", room, "err", fatal)
			c.mu.Lock()
			c.fatal = fatal
			c.mu.Unlock()
			return fatal
		}
		if ctx.Err() != nil {
			return nil
		}
		if established {
			retry.Reset()
		}
		delay := retry.NextBackOff()
		slog.Info("reconnecting", "room", room, "in", delay)
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled reconnect", "room", room)
			return nil
		}
	}
}

// session runs one connection until it closes. It reports whether the room snapshot was
// received and the server's ERROR, if one was sent.
func (c *Client) session(ctx context.Context, room string) (bool, error) {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.roomURL(room), nil)
	if err != nil {
		slog.Warn("failed to dial", "room", room, "err", err)
		return false, nil
	}
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-connCtx.Done()
		_ = conn.Close()
	}()

	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.peers = nil
		c.mu.Unlock()
	}()

	var fatal error
	established := false
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("connection closed", "room", room, "err", err)
			}
			return established, fatal
		}
		msg, err := protocol.Decode(raw)
		if err != nil {
			slog.Debug("ignoring malformed frame", "room", room, "err", err)
			continue
		}
		if !c.receive(msg, conn) {
			continue
		}
		switch m := msg.(type) {
		case protocol.Error:
			fatal = &FatalError{Room: room, Reason: m.Reason}
		case protocol.Init:
			established = true
			go c.syncClock(connCtx)
		}
	}
}

// receive applies a server event to the local state with the same function the server used. The
// connection only accepts local edits once its INIT has been loaded. It returns false for an
// INIT that could not be loaded.
func (c *Client) receive(msg protocol.Message, conn *websocket.Conn) bool {
	c.mu.Lock()
	switch m := msg.(type) {
	case protocol.Init:
		room, err := grid.FromSnapshot(m.Snapshot)
		if err != nil {
			c.mu.Unlock()
			slog.Error("failed to load room snapshot", "err", err)
			return false
		}
		c.room = room
		c.peers = append([]string(nil), m.Peers...)
		c.synced = false
		c.conn = conn
	case protocol.Join:
		c.peers = append(c.peers, m.ID)
	case protocol.Leave:
		for i, id := range c.peers {
			if id == m.ID {
				c.peers = append(c.peers[:i], c.peers[i+1:]...)
				break
			}
		}
	case protocol.Set:
		if c.room != nil {
			c.room.Apply(m.SetStep)
		}
	case protocol.Page:
		if c.room != nil {
			c.room.Apply(m.SetPage)
		}
	case protocol.Signal, protocol.Error:
	}
	c.mu.Unlock()

	if s, ok := msg.(protocol.Signal); ok && c.opts.OnSignal != nil {
		c.opts.OnSignal(s)
	}
	if c.opts.OnEvent != nil {
		c.opts.OnEvent(msg)
	}
	return true
}

// syncClock runs to completion unless the connection closes first.
func (c *Client) syncClock(ctx context.Context) {
	offset, err := c.opts.Estimator.Estimate(ctx)
	if err != nil {
		slog.Warn("failed to sync clock", "err", err)
		return
	}
	c.mu.Lock()
	if ctx.Err() != nil {
		c.mu.Unlock()
		return
	}
	c.offset = offset
	c.synced = true
	c.mu.Unlock()
	slog.Info("synced clock", "offset", offset)
	if c.opts.OnSync != nil {
		c.opts.OnSync(offset)
	}
}

// SetStep applies the step locally and sends it. It returns false when the step is out of range,
// in which case nothing is sent.
func (c *Client) SetStep(track, x, y int, on bool) (bool, error) {
	isOn := 0
	if on {
		isOn = 1
	}
	m := grid.SetStep{Track: track, X: x, Y: y, IsOn: isOn}
	return c.local(protocol.Set{SetStep: m}, m)
}

// Toggle flips the step on the track's current page.
func (c *Client) Toggle(track, x, y int) (bool, error) {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return false, ErrNotJoined
	}
	on, ok := c.room.Step(track, x, y)
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	return c.SetStep(track, x, y, !on)
}

func (c *Client) SetPage(track, page int) (bool, error) {
	m := grid.SetPage{Track: track, Page: page}
	return c.local(protocol.Page{SetPage: m}, m)
}

func (c *Client) local(msg protocol.Message, mut grid.Mutation) (bool, error) {
	c.mu.Lock()
	if c.room == nil {
		c.mu.Unlock()
		return false, ErrNotJoined
	}
	applied := c.room.Apply(mut)
	c.mu.Unlock()
	if !applied {
		return false, nil
	}
	return true, c.send(msg)
}

// Signal sends an opaque negotiation payload to another participant.
func (c *Client) Signal(to string, payload json.RawMessage) error {
	return c.send(protocol.Signal{To: to, Payload: payload})
}

func (c *Client) send(msg protocol.Message) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

// Snapshot copies the local room state.
func (c *Client) Snapshot() (grid.Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return grid.Snapshot{}, false
	}
	return c.room.Snapshot(), true
}

// Peers lists the other participants of the connected room.
func (c *Client) Peers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.peers...)
}

// Position is the shared playback step at local time now. It is not available until the clock
// has been synced for the current connection.
func (c *Client) Position(now time.Time) (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil || !c.synced {
		return 0, false
	}
	return clocksync.Position(now, c.offset, c.room.BPM, c.room.Steps()), true
}
