package main

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/fedqueue/internal/config"
	"github.com/busybox42/fedqueue/internal/datasource"
	"github.com/busybox42/fedqueue/internal/directory"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStoreConfig(t *testing.T) {
	sc := storeConfig(config.QueueConfig{Store: "file", Dir: "/q"})
	assert.Equal(t, "file", sc.Type)
	assert.Equal(t, "/q", sc.Dir)

	sc = storeConfig(config.QueueConfig{Store: "sql", Database: config.DatabaseConfig{Type: "postgres", Host: "db"}})
	assert.Equal(t, "postgres", sc.Type)
	assert.Equal(t, "db", sc.Datasource.Host)
	assert.Equal(t, "queue", sc.Datasource.Name)
}

func TestWorkerPoolConfig(t *testing.T) {
	rc := config.DefaultConfig().Runner
	rc.Workers = 3
	rc.JobTimeout = config.Duration{Duration: time.Second}

	wc := workerPoolConfig(rc)
	assert.Equal(t, 3, wc.Size)
	assert.Equal(t, time.Second, wc.JobTimeout)
	assert.Equal(t, int32(rc.MaxGoroutines), wc.MaxGoroutines)
}

func TestOpenStaticDirectory(t *testing.T) {
	dc := config.DirectoryConfig{
		Type:     "static",
		Contacts: []config.ContactConfig{{ID: 10, UID: 1, Name: "Bob", URL: "https://remote.example/profile/bob", Network: "dfrn"}},
		Users:    []config.UserConfig{{UID: 1, Nickname: "alice"}},
	}
	dir, closers, err := openDirectory(context.Background(), dc, discardLogger())
	require.NoError(t, err)
	assert.Empty(t, closers)

	c, err := dir.Contact(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, "Bob", c.Name)

	u, err := dir.User(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Nickname)

	_, err = dir.Contact(context.Background(), 11)
	assert.ErrorIs(t, err, directory.ErrNotFound)
}

func TestOpenSQLDirectory(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "directory.db")

	db, err := datasource.Open(ctx, datasource.Config{Type: "sqlite", Database: dbPath})
	require.NoError(t, err)
	seed, err := directory.NewSQLDirectory(db, "contact", "user")
	require.NoError(t, err)
	require.NoError(t, seed.EnsureSchema(ctx))
	require.NoError(t, seed.SaveContact(ctx, directory.Contact{ID: 7, UID: 2, Name: "Carol", Network: "dspr"}))
	require.NoError(t, seed.SaveUser(ctx, directory.User{UID: 2, Nickname: "dave"}))
	require.NoError(t, db.Close())

	dir, closers, err := openDirectory(ctx, config.DirectoryConfig{
		Type:         "sql",
		Database:     config.DatabaseConfig{Type: "sqlite", Database: dbPath},
		ContactTable: "contact",
		UserTable:    "user",
	}, discardLogger())
	require.NoError(t, err)
	require.Len(t, closers, 1)
	defer closers[0].Close()

	c, err := dir.Contact(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, "Carol", c.Name)
	u, err := dir.User(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, "dave", u.Nickname)
}

func TestBuildApp(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Dir = filepath.Join(t.TempDir(), "queue")
	cfg.Runner.Claims = "cache"
	cfg.Runner.Workers = 2

	reg := prometheus.NewRegistry()
	a, err := buildApp(context.Background(), cfg, discardLogger(), reg)
	require.NoError(t, err)
	defer func() { assert.NoError(t, a.Close()) }()

	require.NotNil(t, a.runner)
	require.NotNil(t, a.recorder)
	assert.Equal(t, "memory", a.cache.Type())
	assert.Equal(t, 15*time.Minute, a.dead.ContactTTL())
	assert.ElementsMatch(t, []string{"dfrn", "dspr", "stat"}, familyNames(a))

	require.NoError(t, a.pool.Start())
	report, err := a.runner.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Due)
	require.NoError(t, a.pool.Stop())

	cfg.API.Listen = "127.0.0.1:0"
	srv, err := a.apiServer(reg)
	require.NoError(t, err)
	assert.NotNil(t, srv.Handler())
}

func TestBuildAppRejectsBadCache(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Queue.Dir = filepath.Join(t.TempDir(), "queue")
	cfg.Cache.Type = "nosuch"

	_, err := buildApp(context.Background(), cfg, discardLogger(), prometheus.NewRegistry())
	assert.Error(t, err)
}

func familyNames(a *app) []string {
	var names []string
	for _, f := range a.registry.Families() {
		names = append(names, string(f))
	}
	return names
}
