package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/busybox42/fedqueue/internal/api"
	"github.com/busybox42/fedqueue/internal/cache"
	"github.com/busybox42/fedqueue/internal/config"
	"github.com/busybox42/fedqueue/internal/datasource"
	"github.com/busybox42/fedqueue/internal/delivery"
	"github.com/busybox42/fedqueue/internal/directory"
	"github.com/busybox42/fedqueue/internal/logging"
	"github.com/busybox42/fedqueue/internal/metrics"
	"github.com/busybox42/fedqueue/internal/prober"
	"github.com/busybox42/fedqueue/internal/protocol"
	"github.com/busybox42/fedqueue/internal/queue"
)

// app is every component built from one configuration.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    queue.Store
	queue    *queue.Manager
	cache    cache.Cache
	dead     *cache.DeadHosts
	dir      directory.Directory
	registry *protocol.Registry
	pool     *delivery.WorkerPool
	runner   *delivery.Runner
	tracker  *delivery.Tracker
	valkey   *metrics.ValkeyStore
	recorder *metrics.Recorder

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func loggingConfig(c config.LoggingConfig) logging.Config {
	return logging.Config{
		Level:    c.Level,
		Format:   c.Format,
		Output:   c.Output,
		File:     c.File,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge.Duration,
		MaxFiles: c.MaxFiles,
	}
}

func policyConfig(c config.ScheduleConfig) queue.Policy {
	return queue.Policy{
		DenseWindow:    c.DenseWindow.Duration,
		DenseInterval:  c.DenseInterval.Duration,
		SparseInterval: c.SparseInterval.Duration,
		Retention:      c.Retention.Duration,
	}
}

func datasourceConfig(name string, c config.DatabaseConfig) datasource.Config {
	return datasource.Config{
		Type:     c.Type,
		Name:     name,
		Host:     c.Host,
		Port:     c.Port,
		Database: c.Database,
		Username: c.Username,
		Password: c.Password,
		DSN:      c.DSN,
	}
}

func storeConfig(c config.QueueConfig) queue.StoreConfig {
	sc := queue.StoreConfig{Type: c.Store, Dir: c.Dir, Datasource: datasourceConfig("queue", c.Database)}
	if c.Store == "sql" {
		sc.Type = c.Database.Type
	}
	return sc
}

func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		Type:     c.Type,
		Name:     "dead-hosts",
		Host:     c.Host,
		Port:     c.Port,
		Password: c.Password,
		Database: c.Database,
		Servers:  c.Servers,
		Timeout:  c.Timeout.Duration,
	}
}

func workerPoolConfig(c config.RunnerConfig) *delivery.WorkerPoolConfig {
	wc := delivery.DefaultWorkerPoolConfig()
	wc.Size = c.Workers
	wc.LaneBufferSize = c.LaneBuffer
	wc.MaxGoroutines = int32(c.MaxGoroutines)
	wc.JobTimeout = c.JobTimeout.Duration
	wc.ShutdownTimeout = c.ShutdownTimeout.Duration
	return wc
}

// openQueue builds only the queue store and manager, for the commands that
// inspect the queue without delivering.
func openQueue(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*queue.Manager, queue.Store, error) {
	if cfg.Queue.Store == "file" {
		if err := cfg.EnsureQueueDirectory(); err != nil {
			return nil, nil, err
		}
	}
	store, err := queue.OpenStore(ctx, storeConfig(cfg.Queue))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open queue store: %w", err)
	}
	m := queue.NewManager(store,
		queue.WithPolicy(policyConfig(cfg.Schedule)),
		queue.WithLogger(logger),
	)
	return m, store, nil
}

// openDirectory builds the configured contact and user sources.
func openDirectory(ctx context.Context, cfg config.DirectoryConfig, logger *slog.Logger) (directory.Directory, []io.Closer, error) {
	var (
		contacts directory.ContactSource
		users    directory.UserSource
		closers  []io.Closer
	)

	switch cfg.Type {
	case "sql":
		db, err := datasource.Open(ctx, datasourceConfig("directory", cfg.Database))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open directory database: %w", err)
		}
		closers = append(closers, db)
		d, err := directory.NewSQLDirectory(db, cfg.ContactTable, cfg.UserTable)
		if err != nil {
			return nil, closers, err
		}
		contacts, users = d, d
	default:
		s := directory.NewStatic()
		for _, c := range cfg.Contacts {
			s.AddContact(directory.Contact{
				ID:      c.ID,
				UID:     c.UID,
				Name:    c.Name,
				Nick:    c.Nick,
				URL:     c.URL,
				Notify:  c.Notify,
				Batch:   c.Batch,
				Network: c.Network,
			})
		}
		for _, u := range cfg.Users {
			s.AddUser(directory.User{UID: u.UID, Nickname: u.Nickname, Name: u.Name, Email: u.Email})
		}
		contacts, users = s, s
	}

	if cfg.LDAP.Enabled {
		conn := datasource.NewLDAP(datasource.Config{
			Type:     "ldap",
			Name:     "directory-ldap",
			Host:     cfg.LDAP.Host,
			Port:     cfg.LDAP.Port,
			Username: cfg.LDAP.BindDN,
			Password: cfg.LDAP.BindPassword,
			Options:  map[string]string{"base_dn": cfg.LDAP.BaseDN},
		})
		if err := conn.Connect(); err != nil {
			return nil, closers, err
		}
		closers = append(closers, conn)
		users = directory.NewLDAPUsers(conn, cfg.LDAP.UserBase, cfg.LDAP.UIDAttribute)
		logger.Info("directory_ldap_users", "host", cfg.LDAP.Host, "base_dn", conn.BaseDN())
	}

	return directory.Composite{Contacts: contacts, Users: users}, closers, nil
}

// buildApp wires the runner and everything it depends on.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, reg prometheus.Registerer) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
			a = nil
		}
	}()

	a.queue, a.store, err = openQueue(ctx, cfg, logger)
	if err != nil {
		return a, err
	}
	a.closers = append(a.closers, a.store)

	a.cache, err = cache.Open(cacheConfig(cfg.Cache))
	if err != nil {
		return a, fmt.Errorf("failed to connect %s cache: %w", cfg.Cache.Type, err)
	}
	a.closers = append(a.closers, a.cache)
	a.dead = cache.NewDeadHosts(a.cache,
		cache.WithContactTTL(cfg.Cache.ContactTTL.Duration),
		cache.WithServerTTL(cfg.Cache.ServerTTL.Duration),
		cache.WithDeadHostLogger(logger),
	)

	var dirClosers []io.Closer
	a.dir, dirClosers, err = openDirectory(ctx, cfg.Directory, logger)
	a.closers = append(a.closers, dirClosers...)
	if err != nil {
		return a, err
	}

	a.registry = protocol.NewRegistry(logger)
	protocol.RegisterBuiltins(a.registry,
		protocol.NewHTTPTransport(cfg.Delivery.Timeout.Duration, cfg.Delivery.UserAgent))

	if cfg.Metrics.Enabled {
		m := metrics.GetMetrics()
		if reg != nil {
			m = metrics.New(reg)
		}
		if cfg.Metrics.ValkeyAddr != "" {
			a.valkey, err = metrics.NewValkeyStore(cfg.Metrics.ValkeyAddr, cfg.Metrics.ValkeyPassword)
			if err != nil {
				return a, fmt.Errorf("failed to connect metrics store: %w", err)
			}
			a.closers = append(a.closers, closerFunc(func() error { a.valkey.Close(); return nil }))
		}
		a.recorder = metrics.NewRecorder(m, a.valkey, logger)
	}

	a.pool = delivery.NewWorkerPool(workerPoolConfig(cfg.Runner), logger)
	a.tracker = delivery.NewTracker(200)

	priority, err := delivery.ParsePriority(cfg.Runner.TaskPriority)
	if err != nil {
		return a, err
	}

	opts := []delivery.RunnerOption{
		delivery.WithTracker(a.tracker),
		delivery.WithTaskPriority(priority),
		delivery.WithRunnerLogger(logger),
	}
	if a.recorder != nil {
		opts = append(opts, delivery.WithMetrics(a.recorder))
	}
	if cfg.Prober.Enabled {
		httpCfg := prober.DefaultHTTPConfig()
		httpCfg.Timeout = cfg.Prober.Timeout.Duration
		if cfg.Prober.UserAgent != "" {
			httpCfg.UserAgent = cfg.Prober.UserAgent
		}
		checker := prober.NewChecker(a.dead, prober.NewHTTPProber(httpCfg, logger),
			prober.WithTTL(cfg.Cache.ServerTTL.Duration),
			prober.WithLogger(logger),
		)
		opts = append(opts, delivery.WithLiveness(checker))
	}
	if cfg.Runner.Claims == "cache" {
		opts = append(opts, delivery.WithClaimer(delivery.NewCacheClaimer(a.cache, cfg.Runner.ClaimTTL.Duration)))
	}

	a.runner, err = delivery.NewRunner(delivery.Dependencies{
		Queue:      a.queue,
		Directory:  a.dir,
		DeadHosts:  a.dead,
		Dispatcher: a.registry,
		Submitter:  a.pool,
	}, opts...)
	if err != nil {
		return a, err
	}
	a.pool.Handle(delivery.TaskName, a.runner.HandleTask)
	return a, nil
}

// apiServer builds the admin API over the app's components.
func (a *app) apiServer(gatherer prometheus.Gatherer) (*api.Server, error) {
	deps := api.Dependencies{
		Queue:    a.queue,
		Runner:   a.runner,
		Tracker:  a.tracker,
		Pool:     a.pool,
		Gatherer: gatherer,
		Logger:   a.logger,
	}
	if a.valkey != nil {
		deps.Store = a.valkey
	}
	return api.NewServer(&api.Config{
		Enabled:    a.cfg.API.Enabled,
		ListenAddr: a.cfg.API.Listen,
		RateLimit:  api.RateLimitConfig{Enabled: true, RequestsPerSecond: 20, Burst: 40},
	}, deps)
}

// Close releases everything the app opened, in reverse order.
func (a *app) Close() error {
	var err error
	for i := len(a.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, a.closers[i].Close())
	}
	a.closers = nil
	return err
}

func parseEntryID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid entry id %q", arg)
	}
	return id, nil
}

// sweepTimeout bounds a one-shot run so a wedged host cannot hold the
// process forever.
func sweepTimeout(cfg *config.Config) time.Duration {
	return cfg.Runner.JobTimeout.Duration + cfg.Runner.ShutdownTimeout.Duration
}
