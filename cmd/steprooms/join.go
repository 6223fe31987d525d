package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/astromechza/steprooms/pkg/client"
	"github.com/astromechza/steprooms/pkg/discovery"
	"github.com/astromechza/steprooms/pkg/protocol"
)

var helloPayload = json.RawMessage(`{"hello":"from steprooms"}`)

type joinOptions struct {
	Server   string
	Discover bool
	Room     string
	Every    time.Duration
	Duration time.Duration
}

func newJoinCommand() *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join [room]",
		Short: "Join a room and toggle random steps",
		Long: `Join a room as a participant.

The participant logs everything that happens in the room and toggles a random
step at a random interval. Without a room id the server's default room is
joined.

Example:
  steprooms join --server http://localhost:8080
  steprooms join --discover 6f1c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				opts.Room = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if opts.Discover {
				discoverCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				endpoint, err := discovery.First(discoverCtx)
				cancel()
				if err != nil {
					return fmt.Errorf("failed to discover server: %w", err)
				}
				slog.Info("discovered server", "instance", endpoint.Instance, "url", endpoint.URL())
				opts.Server = endpoint.URL()
			}
			return join(ctx, *opts)
		},
	}
	cmd.Flags().StringVarP(&opts.Server, "server", "s", "http://localhost:8080", "room server url")
	cmd.Flags().BoolVar(&opts.Discover, "discover", false, "find the server over mDNS instead of --server")
	cmd.Flags().DurationVar(&opts.Every, "every", 2*time.Second, "base interval between random toggles")
	cmd.Flags().DurationVar(&opts.Duration, "duration", 0, "leave after this long, 0 stays until interrupted")
	return cmd
}

// join stays in the room until ctx is done, opts.Duration passes or the server refuses the room.
func join(ctx context.Context, opts joinOptions) error {
	if opts.Every <= 0 {
		return fmt.Errorf("toggle interval must be positive, got %s", opts.Every)
	}
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	var c *client.Client
	c, err := client.New(client.Options{
		BaseURL: opts.Server,
		OnEvent: func(m protocol.Message) {
			switch m := m.(type) {
			case protocol.Init:
				slog.Info("joined room", "name", m.Name, "bpm", m.BPM, "root", m.Root, "scale", m.Scale, "peers", len(m.Peers))
			case protocol.Join:
				slog.Info("peer joined", "peer", m.ID)
				if err := c.Signal(m.ID, helloPayload); err != nil {
					slog.Warn("failed to greet peer", "peer", m.ID, "err", err)
				}
			case protocol.Leave:
				slog.Info("peer left", "peer", m.ID)
			case protocol.Set:
				slog.Info("step", "track", m.Track, "x", m.X, "y", m.Y, "on", m.IsOn)
			case protocol.Page:
				slog.Info("page", "track", m.Track, "page", m.SetPage.Page)
			case protocol.Error:
				slog.Error("server refused", "reason", m.Reason)
			case protocol.Signal:
			}
		},
		OnSignal: func(s protocol.Signal) {
			slog.Info("signal", "from", s.From, "payload", string(s.Payload))
		},
		OnSync: func(offset time.Duration) {
			slog.Info("clock synced", "offset", offset)
		},
	})
	if err != nil {
		return err
	}
	defer c.Close()

	c.Join(opts.Room)
	fatal := make(chan struct{})
	go func() {
		if err := c.Wait(ctx); err != nil && ctx.Err() == nil {
			close(fatal)
		}
	}()

	for {
		t := time.NewTimer(opts.Every + time.Duration(rand.Int63n(int64(opts.Every)*2+1)))
		select {
		case <-t.C:
			toggleRandom(c)
		case <-fatal:
			t.Stop()
			return c.Err()
		case <-ctx.Done():
			t.Stop()
			slog.Info("stopping scheduled toggles")
			return nil
		}
	}
}

func toggleRandom(c *client.Client) {
	snap, ok := c.Snapshot()
	if !ok || len(snap.Tracks) == 0 {
		return
	}
	track := rand.Intn(len(snap.Tracks))
	x, y := rand.Intn(snap.Steps), rand.Intn(snap.Tracks[track].Voices())
	if _, err := c.Toggle(track, x, y); err != nil {
		slog.Warn("failed to toggle", "err", err)
		return
	}
	pos, synced := c.Position(time.Now())
	slog.Info("toggled", "track", track, "x", x, "y", y, "position", pos, "synced", synced)
}
