package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FileStore keeps one JSON document per entry under a directory. It suits a
// single runner process; use SQLStore when several processes share a queue.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

var _ Store = (*FileStore)(nil)

const (
	entriesDir   = "entries"
	sequenceFile = "sequence"
)

// NewFileStore creates the directory layout if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, entriesDir), 0755); err != nil {
		return nil, fmt.Errorf("failed to create queue directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory of the store.
func (fs *FileStore) Dir() string { return fs.dir }

// Insert saves a new entry
func (fs *FileStore) Insert(_ context.Context, e Entry) (Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	id, err := fs.nextID()
	if err != nil {
		return Entry{}, err
	}
	e.ID = id
	if err := fs.write(e); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// Get loads an entry by id
func (fs *FileStore) Get(_ context.Context, id int64) (Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.read(id)
}

// ListDue returns due entries in delivery order
func (fs *FileStore) ListDue(_ context.Context, cut Cutoffs) ([]Entry, error) {
	return fs.filter(cut.Due, true)
}

// ListExpired returns entries created before the cutoff
func (fs *FileStore) ListExpired(_ context.Context, before time.Time) ([]Entry, error) {
	return fs.filter(func(e Entry) bool { return e.CreatedAt.Before(before) }, false)
}

// DeleteExpired removes entries created before the cutoff
func (fs *FileStore) DeleteExpired(ctx context.Context, before time.Time) (int, error) {
	expired, err := fs.ListExpired(ctx, before)
	if err != nil {
		return 0, err
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	deleted := 0
	for _, e := range expired {
		err := os.Remove(fs.path(e.ID))
		if err != nil && !os.IsNotExist(err) {
			return deleted, fmt.Errorf("failed to delete entry file: %w", err)
		}
		if err == nil {
			deleted++
		}
	}
	return deleted, nil
}

// Touch updates the last attempt time of an entry
func (fs *FileStore) Touch(_ context.Context, id int64, at time.Time) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	e, err := fs.read(id)
	if err != nil {
		return err
	}
	e.LastAttemptAt = at
	return fs.write(e)
}

// Delete removes an entry
func (fs *FileStore) Delete(_ context.Context, id int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	if err := os.Remove(fs.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return fmt.Errorf("failed to delete entry file: %w", err)
	}
	return nil
}

// List returns all entries ordered by id
func (fs *FileStore) List(_ context.Context) ([]Entry, error) {
	entries, err := fs.filter(func(Entry) bool { return true }, false)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries, nil
}

// Close is a no-op for the file store
func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) filter(keep func(Entry) bool, deliveryOrder bool) ([]Entry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	files, err := os.ReadDir(filepath.Join(fs.dir, entriesDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read queue directory: %w", err)
	}

	entries := make([]Entry, 0, len(files))
	for _, file := range files {
		name := file.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		id, err := strconv.ParseInt(strings.TrimSuffix(name, ".json"), 10, 64)
		if err != nil {
			continue
		}
		e, err := fs.read(id)
		if err != nil {
			continue // skip unreadable files
		}
		if keep(e) {
			entries = append(entries, e)
		}
	}

	if deliveryOrder {
		sortForDelivery(entries)
	}
	return entries, nil
}

func (fs *FileStore) path(id int64) string {
	return filepath.Join(fs.dir, entriesDir, strconv.FormatInt(id, 10)+".json")
}

func (fs *FileStore) read(id int64) (Entry, error) {
	data, err := os.ReadFile(fs.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return Entry{}, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		return Entry{}, fmt.Errorf("failed to read entry file: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("failed to unmarshal entry %d: %w", id, err)
	}
	return e, nil
}

// write replaces the entry file atomically.
func (fs *FileStore) write(e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	tmp := fs.path(e.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write entry file: %w", err)
	}
	if err := os.Rename(tmp, fs.path(e.ID)); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write entry file: %w", err)
	}
	return nil
}

func (fs *FileStore) nextID() (int64, error) {
	seqPath := filepath.Join(fs.dir, sequenceFile)

	var last int64
	data, err := os.ReadFile(seqPath)
	switch {
	case err == nil:
		last, err = strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("corrupt sequence file: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return 0, fmt.Errorf("failed to read sequence file: %w", err)
	}

	next := last + 1
	if err := os.WriteFile(seqPath, []byte(strconv.FormatInt(next, 10)), 0644); err != nil {
		return 0, fmt.Errorf("failed to write sequence file: %w", err)
	}
	return next, nil
}
