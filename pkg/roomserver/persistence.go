package roomserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/steprooms/pkg/grid"
)

// RunPersistence snapshots dirty rooms every PersistInterval until ctx is done. Mutations made
// after the last tick are lost if the process dies.
func (s *Server) RunPersistence(ctx context.Context) error {
	if s.opts.Store == nil {
		<-ctx.Done()
		return nil
	}
	t := time.NewTicker(s.opts.PersistInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.Persist(ctx); err != nil {
				slog.Error("failed to back up rooms", "err", err)
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Persist writes every room to the store if any of them changed since the last call. Room locks
// are only held while copying, never during the write.
func (s *Server) Persist(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	rooms := s.allRooms()
	var dirty []*room
	records := make([]grid.Record, 0, len(rooms))
	for _, rm := range rooms {
		rec, changed := rm.record()
		if changed {
			dirty = append(dirty, rm)
		}
		records = append(records, rec)
	}
	if len(dirty) == 0 {
		return nil
	}
	if err := s.opts.Store.Save(ctx, records); err != nil {
		for _, rm := range dirty {
			rm.markDirty()
		}
		return fmt.Errorf("failed to save %d rooms: %w", len(records), err)
	}
	slog.Info("backed up", "rooms", len(records), "changed", len(dirty))
	return nil
}
