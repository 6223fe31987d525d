package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/steprooms/pkg/config"
	"github.com/astromechza/steprooms/pkg/discovery"
	"github.com/astromechza/steprooms/pkg/persist"
	"github.com/astromechza/steprooms/pkg/roomserver"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the room server",
		Long: `Run the room server.

Settings are read from the defaults, then the --config file, then any flags
given explicitly.

Example:
  steprooms serve --addr :8080 --storage-driver sqlite --storage-path rooms.db
  steprooms serve --config steprooms.yaml --mdns`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if err := cfg.ApplyFlags(cmd.Flags()); err != nil {
				return err
			}
			logger, err := cfg.Log.Logger(os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, nil)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	config.RegisterFlags(cmd.Flags())
	return cmd
}

// serve runs until ctx is done. ready, when not nil, receives the listening address.
func serve(ctx context.Context, cfg config.Config, ready chan<- net.Addr) error {
	store, err := persist.Open(cfg.Storage.Driver, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				slog.Error("failed to close storage", "err", err)
			}
		}()
	}

	s := roomserver.New(roomserver.Options{
		Store:             store,
		PersistInterval:   cfg.PersistInterval,
		SendBuffer:        cfg.SendBuffer,
		MessagesPerSecond: cfg.Limits.MessagesPerSecond,
		Burst:             cfg.Limits.Burst,
	})
	if err := s.Load(ctx); err != nil {
		return err
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	httpServer := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	slog.Info("listening", "addr", listener.Addr().String(), "storage", cfg.Storage.Driver)
	if ready != nil {
		ready <- listener.Addr()
	}

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		return s.RunPersistence(ctx)
	})
	if cfg.MDNS.Enabled {
		eg.Go(func() error {
			shutdown, err := discovery.Advertise(cfg.MDNS.Instance, listener.Addr().(*net.TCPAddr).Port)
			if err != nil {
				return err
			}
			<-ctx.Done()
			shutdown()
			return nil
		})
	}
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		s.Shutdown()
		return err
	})
	err = eg.Wait()

	if perr := s.Persist(context.Background()); perr != nil {
		err = errors.Join(err, perr)
	}
	return err
}
