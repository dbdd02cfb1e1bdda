package queue

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/fedqueue/internal/datasource"
)

func newSQLiteStore(t *testing.T) *SQLStore {
	t.Helper()
	db, err := datasource.Open(context.Background(), datasource.Config{
		Type:     "sqlite",
		Database: filepath.Join(t.TempDir(), "queue.db"),
	})
	require.NoError(t, err)

	store, err := NewSQLStore(context.Background(), db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newFileStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestStores(t *testing.T) {
	stores := map[string]func(t *testing.T) Store{
		"file":   func(t *testing.T) Store { return newFileStore(t) },
		"sqlite": func(t *testing.T) Store { return newSQLiteStore(t) },
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			t.Run("insert and get", func(t *testing.T) { testInsertGet(t, open(t)) })
			t.Run("due query", func(t *testing.T) { testListDue(t, open(t)) })
			t.Run("expiry", func(t *testing.T) { testExpiry(t, open(t)) })
			t.Run("touch and delete", func(t *testing.T) { testTouchDelete(t, open(t)) })
		})
	}
}

func insertAged(t *testing.T, s Store, contact int64, created, lastAttempt time.Duration) Entry {
	t.Helper()
	e, err := s.Insert(context.Background(), Entry{
		ContactID:     contact,
		Payload:       []byte("payload"),
		CreatedAt:     testNow.Add(-created),
		LastAttemptAt: testNow.Add(-lastAttempt),
	})
	require.NoError(t, err)
	return e
}

func testInsertGet(t *testing.T, s Store) {
	ctx := context.Background()

	first, err := s.Insert(ctx, Entry{
		ContactID:     42,
		Payload:       []byte{0x00, 0x01, 0xff},
		IsBatch:       true,
		CreatedAt:     testNow,
		LastAttemptAt: testNow,
	})
	require.NoError(t, err)
	second := insertAged(t, s, 42, 0, 0)
	assert.Greater(t, second.ID, first.ID, "ids are assigned in increasing order")

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(42), got.ContactID)
	assert.Equal(t, []byte{0x00, 0x01, 0xff}, got.Payload)
	assert.True(t, got.IsBatch)
	assert.True(t, got.CreatedAt.Equal(testNow))
	assert.True(t, got.LastAttemptAt.Equal(testNow))

	_, err = s.Get(ctx, 9999)
	assert.ErrorIs(t, err, ErrNotFound)

	all, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func testListDue(t *testing.T, s Store) {
	ctx := context.Background()

	dueOld := insertAged(t, s, 5, 20*time.Hour, 2*time.Hour)
	insertAged(t, s, 5, 20*time.Hour, 30*time.Minute) // old, retried recently
	dueYoung := insertAged(t, s, 2, time.Hour, 20*time.Minute)
	insertAged(t, s, 2, time.Hour, 5*time.Minute) // young, retried recently
	dueYoungOlder := insertAged(t, s, 2, 3*time.Hour, 16*time.Minute)

	due, err := s.ListDue(ctx, DefaultPolicy().Cutoffs(testNow))
	require.NoError(t, err)

	var ids []int64
	for _, e := range due {
		ids = append(ids, e.ID)
	}
	assert.Equal(t, []int64{dueYoungOlder.ID, dueYoung.ID, dueOld.ID}, ids,
		"grouped by contact, oldest first")
}

func testExpiry(t *testing.T, s Store) {
	ctx := context.Background()
	cutoff := testNow.Add(-72 * time.Hour)

	stale := insertAged(t, s, 1, 96*time.Hour, 2*time.Hour)
	fresh := insertAged(t, s, 1, 71*time.Hour, 2*time.Hour)

	expired, err := s.ListExpired(ctx, cutoff)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, stale.ID, expired[0].ID)

	n, err := s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.Get(ctx, stale.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(ctx, fresh.ID)
	assert.NoError(t, err)

	n, err = s.DeleteExpired(ctx, cutoff)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func testTouchDelete(t *testing.T, s Store) {
	ctx := context.Background()
	e := insertAged(t, s, 3, time.Hour, 30*time.Minute)

	require.NoError(t, s.Touch(ctx, e.ID, testNow))
	got, err := s.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.LastAttemptAt.Equal(testNow))
	assert.True(t, got.CreatedAt.Equal(e.CreatedAt), "createdAt is immutable")

	due, err := s.ListDue(ctx, DefaultPolicy().Cutoffs(testNow))
	require.NoError(t, err)
	assert.Empty(t, due, "a touched entry waits for the next interval")

	require.NoError(t, s.Delete(ctx, e.ID))
	assert.ErrorIs(t, s.Delete(ctx, e.ID), ErrNotFound)
	assert.ErrorIs(t, s.Touch(ctx, e.ID, testNow), ErrNotFound)
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()

	fs, err := OpenStore(ctx, StoreConfig{Type: "file", Dir: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, fs)

	ss, err := OpenStore(ctx, StoreConfig{
		Type:       "sqlite",
		Datasource: datasource.Config{Database: filepath.Join(t.TempDir(), "q.db")},
	})
	require.NoError(t, err)
	assert.IsType(t, &SQLStore{}, ss)
	require.NoError(t, ss.Close())

	_, err = OpenStore(ctx, StoreConfig{Type: "tape"})
	assert.Error(t, err)
}

func TestFileStoreSkipsForeignFiles(t *testing.T) {
	s := newFileStore(t)
	insertAged(t, s, 1, time.Hour, time.Hour)

	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), entriesDir, "README.txt"), []byte("hello"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(s.Dir(), entriesDir, "abc.json"), []byte("{}"), 0644))

	all, err := s.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestFileStoreSequenceSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := NewFileStore(dir)
	require.NoError(t, err)
	first := insertAged(t, s1, 1, 0, 0)

	s2, err := NewFileStore(dir)
	require.NoError(t, err)
	second := insertAged(t, s2, 1, 0, 0)
	assert.Equal(t, first.ID+1, second.ID)
}
