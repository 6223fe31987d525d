package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/astromechza/steprooms/pkg/grid"
	"github.com/astromechza/steprooms/pkg/persist"
	"github.com/astromechza/steprooms/pkg/viz"
)

type inspectOptions struct {
	Driver string
	Path   string
	SVG    bool
}

func newInspectCommand() *cobra.Command {
	opts := &inspectOptions{}
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Print persisted rooms",
		Long: `Print the rooms a server persisted, with the pattern of every page that has
active steps.

Example:
  steprooms inspect --storage-path rooms.json
  steprooms inspect --storage-driver sqlite --storage-path rooms.db --svg`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rooms, err := loadRooms(cmd, *opts)
			if err != nil {
				return err
			}
			if err := viz.WriteText(cmd.OutOrStdout(), rooms); err != nil {
				return fmt.Errorf("failed to write rooms: %w", err)
			}
			if opts.SVG {
				path, err := viz.RenderToTemp(rooms)
				if err != nil {
					return fmt.Errorf("failed to render: %w", err)
				}
				slog.Info("rendered", "rooms", len(rooms), "path", "file://"+path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.Driver, "storage-driver", persist.DriverFile, "room storage: file or sqlite")
	cmd.Flags().StringVar(&opts.Path, "storage-path", "rooms.json", "room storage location")
	cmd.Flags().BoolVar(&opts.SVG, "svg", false, "also render the rooms as an SVG diagram in the temp dir")
	return cmd
}

func loadRooms(cmd *cobra.Command, opts inspectOptions) ([]*grid.Room, error) {
	store, err := persist.Open(opts.Driver, opts.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("storage driver %q has nothing to inspect", opts.Driver)
	}
	defer store.Close()

	records, err := store.Load(cmd.Context())
	if err != nil {
		return nil, fmt.Errorf("failed to load rooms: %w", err)
	}
	rooms := make([]*grid.Room, 0, len(records))
	for _, rec := range records {
		r, err := grid.FromRecord(rec)
		if err != nil {
			slog.Error("skipping unreadable room", "room", rec.ID, "err", err)
			continue
		}
		rooms = append(rooms, r)
	}
	return rooms, nil
}
