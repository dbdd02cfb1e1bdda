package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/busybox42/fedqueue/internal/datasource"
)

// Store is the durable record of undelivered entries.
type Store interface {
	// Insert assigns an id to e and persists it.
	Insert(ctx context.Context, e Entry) (Entry, error)

	// Get returns the entry with the given id or ErrNotFound.
	Get(ctx context.Context, id int64) (Entry, error)

	// ListDue returns entries matching the cutoffs, ordered by contact and
	// then creation time.
	ListDue(ctx context.Context, cut Cutoffs) ([]Entry, error)

	// ListExpired returns entries created before the given time.
	ListExpired(ctx context.Context, before time.Time) ([]Entry, error)

	// DeleteExpired removes entries created before the given time.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)

	// Touch records a delivery attempt at the given time.
	Touch(ctx context.Context, id int64, at time.Time) error

	// Delete removes a single entry. Deleting a missing entry returns
	// ErrNotFound.
	Delete(ctx context.Context, id int64) error

	// List returns every entry ordered by id.
	List(ctx context.Context) ([]Entry, error)

	// Close releases the store's resources.
	Close() error
}

// StoreConfig selects and configures a Store implementation.
type StoreConfig struct {
	Type       string // file, sqlite, mysql or postgres
	Dir        string // root directory for the file store
	Datasource datasource.Config
}

// OpenStore builds the configured store.
func OpenStore(ctx context.Context, cfg StoreConfig) (Store, error) {
	switch cfg.Type {
	case "file":
		return NewFileStore(cfg.Dir)
	case "sqlite", "mysql", "postgres", "":
		ds := cfg.Datasource
		if ds.Type == "" {
			ds.Type = cfg.Type
		}
		db, err := datasource.Open(ctx, ds)
		if err != nil {
			return nil, err
		}
		store, err := NewSQLStore(ctx, db)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported queue store type: %s", cfg.Type)
	}
}
