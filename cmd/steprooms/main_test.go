package main

import (
	"bytes"
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/steprooms/pkg/client"
	"github.com/astromechza/steprooms/pkg/config"
	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/persist"
	"github.com/astromechza/steprooms/pkg/protocol"
	"github.com/astromechza/steprooms/pkg/roomserver"
)

func TestCommandPresence(t *testing.T) {
	cmd := newRootCommand()
	for _, name := range []string{"serve", "join", "inspect"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			require.NoError(t, err)
			assert.Equal(t, name, sub.Name())
		})
	}
}

func TestServeFlags(t *testing.T) {
	cmd := newRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)
	for _, name := range []string{"config", "addr", "storage-driver", "storage-path", "rate", "mdns", "log-level"} {
		assert.NotNil(t, serveCmd.Flags().Lookup(name), name)
	}
	assert.Equal(t, "c", serveCmd.Flags().Lookup("config").Shorthand)
}

func TestServe_PersistsOnShutdown(t *testing.T) {
	cfg := config.Default()
	cfg.Addr = "127.0.0.1:0"
	cfg.Storage = config.Storage{Driver: persist.DriverFile, Path: filepath.Join(t.TempDir(), "rooms.json")}

	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan net.Addr, 1)
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg, ready) }()

	var addr net.Addr
	select {
	case addr = <-ready:
	case err := <-done:
		t.Fatalf("serve exited early: %v", err)
	}
	resp, err := http.Get("http://" + addr.String() + "/rooms")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}

	records, err := persist.NewFileStore(cfg.Storage.Path).Load(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "Default Song", records[0].Name)
}

func TestInspect_PrintsRooms(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rooms.json")
	r, err := grid.CreateRoom(grid.Params{Name: "inspected", BPM: 99, Root: "G", Scale: "Lydian"})
	require.NoError(t, err)
	r.Apply(grid.SetStep{Track: 1, X: 2, Y: 7, IsOn: 1})
	require.NoError(t, persist.NewFileStore(path).Save(context.Background(), []grid.Record{r.Record()}))

	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"inspect", "--storage-path", path})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `"inspected" 99 bpm G Lydian, 4 bars`)
	assert.Contains(t, out.String(), "..x.")
}

func TestInspect_RejectsNone(t *testing.T) {
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"inspect", "--storage-driver", "none"})
	assert.Error(t, cmd.Execute())
}

func startRoomServer(t *testing.T) (*roomserver.Server, *httptest.Server) {
	t.Helper()
	s := roomserver.New(roomserver.Options{})
	require.NoError(t, s.Load(context.Background()))
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Shutdown()
		hs.Close()
	})
	return s, hs
}

func TestJoin_UnknownRoomFails(t *testing.T) {
	_, hs := startRoomServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := join(ctx, joinOptions{Server: hs.URL, Room: "missing", Every: time.Hour})
	var fe *client.FatalError
	require.True(t, errors.As(err, &fe), "got %v", err)
	assert.Equal(t, "Room not found!", fe.Reason)
}

func TestJoin_TogglesUntilDuration(t *testing.T) {
	s, hs := startRoomServer(t)
	info, err := s.CreateRoom(grid.Params{BPM: 120, Root: "C", Scale: "Ionian"})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, join(context.Background(), joinOptions{
		Server:   hs.URL,
		Room:     info.ID,
		Every:    5 * time.Millisecond,
		Duration: 300 * time.Millisecond,
	}))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	require.Eventually(t, func() bool {
		for _, r := range s.Rooms() {
			if r.ID == info.ID {
				return r.Peers == 0
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestJoin_RejectsZeroInterval(t *testing.T) {
	assert.Error(t, join(context.Background(), joinOptions{Server: "http://localhost:1"}))
}

func TestJoin_GreetsNewPeers(t *testing.T) {
	s, hs := startRoomServer(t)
	info, err := s.CreateRoom(grid.Params{BPM: 120, Root: "C", Scale: "Ionian"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- join(ctx, joinOptions{Server: hs.URL, Room: info.ID, Every: time.Hour}) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool {
		for _, r := range s.Rooms() {
			if r.ID == info.ID {
				return r.Peers == 1
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(hs.URL, "http")+"/"+info.ID, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		msg, err := protocol.Decode(raw)
		require.NoError(t, err)
		if sig, ok := msg.(protocol.Signal); ok {
			assert.JSONEq(t, `{"hello":"from steprooms"}`, string(sig.Payload))
			return
		}
	}
}
