// Package persist snapshots rooms to durable storage. Writes are best effort: whatever changed
// after the last successful Save is lost on a crash.
package persist

import (
	"context"
	"fmt"

	"github.com/astromechza/steprooms/pkg/grid"
)

// Store persists room records. Records are kept in the order they were saved, which is the room
// creation order.
type Store interface {
	Load(ctx context.Context) ([]grid.Record, error)
	Save(ctx context.Context, records []grid.Record) error
	Close() error
}

const (
	DriverNone   = "none"
	DriverFile   = "file"
	DriverSQLite = "sqlite"
)

// Open returns the store for driver. The "none" driver returns a nil Store.
func Open(driver, path string) (Store, error) {
	switch driver {
	case "", DriverNone:
		return nil, nil
	case DriverFile:
		return NewFileStore(path), nil
	case DriverSQLite:
		return OpenSQLite(path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", driver)
	}
}
