package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Duration is a time.Duration written as a string ("15m") in TOML.
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// Config represents the application configuration
type Config struct {
	Queue     QueueConfig     `toml:"queue"`
	Schedule  ScheduleConfig  `toml:"schedule"`
	Runner    RunnerConfig    `toml:"runner"`
	Cache     CacheConfig     `toml:"cache"`
	Directory DirectoryConfig `toml:"directory"`
	Prober    ProberConfig    `toml:"prober"`
	Delivery  DeliveryConfig  `toml:"delivery"`
	Logging   LoggingConfig   `toml:"logging"`
	API       APIConfig       `toml:"api"`
	Metrics   MetricsConfig   `toml:"metrics"`

	// Warnings collected while loading, for the caller to log.
	Warnings []string `toml:"-"`
}

// DatabaseConfig describes a SQL connection.
type DatabaseConfig struct {
	Type     string `toml:"type"` // sqlite, mysql or postgres
	Host     string `toml:"host,omitempty"`
	Port     int    `toml:"port,omitempty"`
	Database string `toml:"database,omitempty"` // database name, or file path for sqlite
	Username string `toml:"username,omitempty"`
	Password string `toml:"password,omitempty"`
	DSN      string `toml:"dsn,omitempty"`
}

// QueueConfig selects the queue store.
type QueueConfig struct {
	Store    string         `toml:"store"` // file or sql
	Dir      string         `toml:"dir"`
	Database DatabaseConfig `toml:"database"`
}

// ScheduleConfig holds the retry policy.
type ScheduleConfig struct {
	DenseWindow    Duration `toml:"dense_window"`
	DenseInterval  Duration `toml:"dense_interval"`
	SparseInterval Duration `toml:"sparse_interval"`
	Retention      Duration `toml:"retention"`
}

// RunnerConfig configures the sweep loop and the worker pool.
type RunnerConfig struct {
	Interval        Duration `toml:"interval"`
	PIDFile         string   `toml:"pid_file"`
	Workers         int      `toml:"workers"`
	LaneBuffer      int      `toml:"lane_buffer"`
	MaxGoroutines   int      `toml:"max_goroutines"`
	JobTimeout      Duration `toml:"job_timeout"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
	TaskPriority    string   `toml:"task_priority"` // high, medium or low
	Claims          string   `toml:"claims"`        // local or cache
	ClaimTTL        Duration `toml:"claim_ttl"`
}

// CacheConfig configures the dead-host cache backend.
type CacheConfig struct {
	Type       string   `toml:"type"` // memory, redis, memcached or valkey
	Host       string   `toml:"host,omitempty"`
	Port       int      `toml:"port,omitempty"`
	Password   string   `toml:"password,omitempty"`
	Database   int      `toml:"database,omitempty"`
	Servers    []string `toml:"servers,omitempty"`
	Timeout    Duration `toml:"timeout"`
	ContactTTL Duration `toml:"contact_ttl"`
	ServerTTL  Duration `toml:"server_ttl"`
}

// ContactConfig is a contact record of the static directory.
type ContactConfig struct {
	ID      int64  `toml:"id"`
	UID     int64  `toml:"uid"`
	Name    string `toml:"name"`
	Nick    string `toml:"nick,omitempty"`
	URL     string `toml:"url"`
	Notify  string `toml:"notify,omitempty"`
	Batch   string `toml:"batch,omitempty"`
	Network string `toml:"network"`
}

// UserConfig is a user record of the static directory.
type UserConfig struct {
	UID      int64  `toml:"uid"`
	Nickname string `toml:"nickname"`
	Name     string `toml:"name"`
	Email    string `toml:"email,omitempty"`
}

// LDAPConfig points user lookups at a directory server.
type LDAPConfig struct {
	Enabled      bool   `toml:"enabled"`
	Host         string `toml:"host,omitempty"`
	Port         int    `toml:"port,omitempty"`
	BindDN       string `toml:"bind_dn,omitempty"`
	BindPassword string `toml:"bind_password,omitempty"`
	BaseDN       string `toml:"base_dn,omitempty"`
	UserBase     string `toml:"user_base,omitempty"`
	UIDAttribute string `toml:"uid_attribute,omitempty"`
}

// DirectoryConfig selects where contacts and users come from.
type DirectoryConfig struct {
	Type         string          `toml:"type"` // static or sql
	Database     DatabaseConfig  `toml:"database"`
	ContactTable string          `toml:"contact_table,omitempty"`
	UserTable    string          `toml:"user_table,omitempty"`
	LDAP         LDAPConfig      `toml:"ldap"`
	Contacts     []ContactConfig `toml:"contacts,omitempty"`
	Users        []UserConfig    `toml:"users,omitempty"`
}

// ProberConfig configures server liveness probing.
type ProberConfig struct {
	Enabled   bool     `toml:"enabled"`
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
}

// DeliveryConfig configures the protocol transport.
type DeliveryConfig struct {
	Timeout   Duration `toml:"timeout"`
	UserAgent string   `toml:"user_agent"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level    string   `toml:"level"`
	Format   string   `toml:"format"`
	Output   string   `toml:"output"` // stdout, stderr or file
	File     string   `toml:"file,omitempty"`
	MaxSize  int64    `toml:"max_size,omitempty"`
	MaxAge   Duration `toml:"max_age"`
	MaxFiles int      `toml:"max_files,omitempty"`
}

// APIConfig configures the admin HTTP API.
type APIConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// MetricsConfig configures metric export.
type MetricsConfig struct {
	Enabled        bool   `toml:"enabled"`
	ValkeyAddr     string `toml:"valkey_addr,omitempty"`
	ValkeyPassword string `toml:"valkey_password,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Queue.Store = "file"
	cfg.Queue.Dir = "/var/lib/fedqueue/queue"
	cfg.Queue.Database.Type = "sqlite"
	cfg.Queue.Database.Database = "/var/lib/fedqueue/queue.db"

	cfg.Schedule.DenseWindow = Duration{12 * time.Hour}
	cfg.Schedule.DenseInterval = Duration{15 * time.Minute}
	cfg.Schedule.SparseInterval = Duration{time.Hour}
	cfg.Schedule.Retention = Duration{72 * time.Hour}

	cfg.Runner.Interval = Duration{5 * time.Minute}
	cfg.Runner.PIDFile = "/var/run/fedqueue.pid"
	cfg.Runner.Workers = 10
	cfg.Runner.LaneBuffer = 1000
	cfg.Runner.MaxGoroutines = 200
	cfg.Runner.JobTimeout = Duration{2 * time.Minute}
	cfg.Runner.ShutdownTimeout = Duration{time.Minute}
	cfg.Runner.TaskPriority = "low"
	cfg.Runner.Claims = "local"
	cfg.Runner.ClaimTTL = Duration{10 * time.Minute}

	cfg.Cache.Type = "memory"
	cfg.Cache.Timeout = Duration{5 * time.Second}
	cfg.Cache.ContactTTL = Duration{15 * time.Minute}
	cfg.Cache.ServerTTL = Duration{15 * time.Minute}

	cfg.Directory.Type = "static"
	cfg.Directory.Database.Type = "sqlite"
	cfg.Directory.ContactTable = "contact"
	cfg.Directory.UserTable = "user"

	cfg.Prober.Enabled = true
	cfg.Prober.Timeout = Duration{10 * time.Second}
	cfg.Prober.UserAgent = "fedqueue-prober/1.0"

	cfg.Delivery.Timeout = Duration{30 * time.Second}
	cfg.Delivery.UserAgent = "fedqueue/1.0"

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "text"
	cfg.Logging.Output = "stdout"
	cfg.Logging.MaxAge = Duration{7 * 24 * time.Hour}

	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8081"

	cfg.Metrics.Enabled = true

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./fedqueue.toml",
		"./config/fedqueue.toml",
		os.ExpandEnv("$HOME/.fedqueue.toml"),
		"/etc/fedqueue/fedqueue.toml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file. Without an explicit path
// and with no file in the usual locations the defaults are used. A .env
// file next to the config file and FEDQUEUE_* environment variables are
// applied on top.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	sv := NewSecurityValidator()

	configFile, err := FindConfigFile(configPath)
	switch {
	case err != nil && configPath != "":
		return nil, err
	case err == nil:
		if err := sv.ValidateConfigFileSize(configFile); err != nil {
			return nil, fmt.Errorf("config file security validation failed: %w", err)
		}

		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
		}
		if warnings, err := NewConfigFileSecurity().CheckPermissions(configFile); err == nil {
			cfg.Warnings = append(cfg.Warnings, warnings...)
		}

		configDir := filepath.Dir(configFile)
		cfg.resolvePaths(configDir)
		if err := loadDotEnv(filepath.Join(configDir, ".env")); err != nil {
			return nil, err
		}
	}

	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)

	result := cfg.Validate()
	if !result.Valid {
		var messages []string
		for _, e := range result.Errors {
			messages = append(messages, e.Error())
		}
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(messages, "; "))
	}
	for _, w := range result.Warnings {
		cfg.Warnings = append(cfg.Warnings, w.Error())
	}

	return cfg, nil
}

// resolvePaths makes relative file locations relative to the config file.
func (c *Config) resolvePaths(configDir string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) || p == ":memory:" {
			return p
		}
		return filepath.Join(configDir, p)
	}
	c.Queue.Dir = abs(c.Queue.Dir)
	if c.Queue.Database.Type == "sqlite" {
		c.Queue.Database.Database = abs(c.Queue.Database.Database)
	}
	if c.Directory.Database.Type == "sqlite" {
		c.Directory.Database.Database = abs(c.Directory.Database.Database)
	}
	c.Runner.PIDFile = abs(c.Runner.PIDFile)
	c.Logging.File = abs(c.Logging.File)
}

// EnsureQueueDirectory creates the file store directory.
func (c *Config) EnsureQueueDirectory() error {
	if c.Queue.Store != "file" {
		return nil
	}
	if err := os.MkdirAll(c.Queue.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create queue directory: %w", err)
	}
	return nil
}

// Marshal renders the configuration as TOML.
func (c *Config) Marshal() ([]byte, error) {
	data, err := toml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	return append([]byte("# fedqueue configuration\n\n"), data...), nil
}

// SaveConfig saves the configuration to a file in TOML format. Files
// carrying credentials are written owner-only.
func (c *Config) SaveConfig(configPath string) error {
	data, err := c.Marshal()
	if err != nil {
		return err
	}
	return NewConfigFileSecurity().CreateSecureConfigFile(configPath, data, c.HasSecrets())
}

// HasSecrets reports whether any credential is set.
func (c *Config) HasSecrets() bool {
	return c.Queue.Database.Password != "" ||
		c.Directory.Database.Password != "" ||
		c.Directory.LDAP.BindPassword != "" ||
		c.Cache.Password != "" ||
		c.Metrics.ValkeyPassword != "" ||
		strings.Contains(c.Queue.Database.DSN, "@") ||
		strings.Contains(c.Directory.Database.DSN, "@")
}

// Redacted returns a copy with credentials masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return redacted
	}
	out.Queue.Database.Password = mask(out.Queue.Database.Password)
	out.Queue.Database.DSN = redactDSN(out.Queue.Database.DSN)
	out.Directory.Database.Password = mask(out.Directory.Database.Password)
	out.Directory.Database.DSN = redactDSN(out.Directory.Database.DSN)
	out.Directory.LDAP.BindPassword = mask(out.Directory.LDAP.BindPassword)
	out.Cache.Password = mask(out.Cache.Password)
	out.Metrics.ValkeyPassword = mask(out.Metrics.ValkeyPassword)
	out.Directory.Contacts = append([]ContactConfig(nil), c.Directory.Contacts...)
	out.Directory.Users = append([]UserConfig(nil), c.Directory.Users...)
	out.Cache.Servers = append([]string(nil), c.Cache.Servers...)
	out.Warnings = nil
	return &out
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error in field '%s': %s (current value: %v)", e.Field, e.Message, e.Value)
}

// ValidationResult holds the results of configuration validation
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
	Valid    bool
}

// AddError adds a validation error
func (vr *ValidationResult) AddError(field string, value interface{}, message string) {
	vr.Errors = append(vr.Errors, ValidationError{Field: field, Value: value, Message: message})
	vr.Valid = false
}

// AddWarning adds a validation warning
func (vr *ValidationResult) AddWarning(field string, value interface{}, message string) {
	vr.Warnings = append(vr.Warnings, ValidationError{Field: field, Value: value, Message: message})
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{Valid: true}
	sv := NewSecurityValidator()

	c.validateQueue(result, sv)
	c.validateSchedule(result)
	c.validateRunner(result, sv)
	c.validateCache(result, sv)
	c.validateDirectory(result, sv)
	c.validateProber(result)
	c.validateLogging(result, sv)
	c.validateAPI(result, sv)
	c.validateMetrics(result, sv)

	return result
}

func (c *Config) validateQueue(result *ValidationResult, sv *SecurityValidator) {
	switch c.Queue.Store {
	case "file":
		if c.Queue.Dir == "" {
			result.AddError("queue.dir", c.Queue.Dir, "queue directory is required for the file store")
			return
		}
		if err := sv.ValidatePath(c.Queue.Dir, "queue.dir"); err != nil {
			result.AddError("queue.dir", c.Queue.Dir, err.Error())
			return
		}
		c.Queue.Dir = sv.SanitizePath(c.Queue.Dir)
	case "sql":
		validateDatabase(result, sv, "queue.database", &c.Queue.Database)
	default:
		result.AddError("queue.store", c.Queue.Store, "must be file or sql")
	}
}

func validateDatabase(result *ValidationResult, sv *SecurityValidator, field string, db *DatabaseConfig) {
	switch db.Type {
	case "sqlite":
		if db.Database == "" && db.DSN == "" {
			result.AddError(field+".database", db.Database, "sqlite database path is required")
		} else if db.Database != "" && db.Database != ":memory:" {
			if err := sv.ValidatePath(db.Database, field+".database"); err != nil {
				result.AddError(field+".database", db.Database, err.Error())
			}
		}
	case "mysql", "postgres":
		if db.DSN == "" && db.Host == "" {
			result.AddError(field+".host", db.Host, "host or dsn is required")
		}
		if db.Port != 0 {
			if err := sv.ValidatePort(db.Port, field+".port"); err != nil {
				result.AddError(field+".port", db.Port, err.Error())
			}
		}
		if db.DSN == "" && db.Password == "" {
			result.AddWarning(field+".password", "", "no database password configured")
		}
	default:
		result.AddError(field+".type", db.Type, "must be sqlite, mysql or postgres")
	}
}

func (c *Config) validateSchedule(result *ValidationResult) {
	s := c.Schedule
	for field, d := range map[string]Duration{
		"schedule.dense_window":    s.DenseWindow,
		"schedule.dense_interval":  s.DenseInterval,
		"schedule.sparse_interval": s.SparseInterval,
		"schedule.retention":       s.Retention,
	} {
		if d.Duration <= 0 {
			result.AddError(field, d.Duration, "must be positive")
		}
	}
	if s.DenseInterval.Duration > s.SparseInterval.Duration {
		result.AddWarning("schedule.dense_interval", s.DenseInterval.Duration, "dense retries are less frequent than sparse retries")
	}
	if s.Retention.Duration > 0 && s.Retention.Duration <= s.DenseWindow.Duration {
		result.AddWarning("schedule.retention", s.Retention.Duration, "entries expire before the dense retry window ends")
	}
}

func (c *Config) validateRunner(result *ValidationResult, sv *SecurityValidator) {
	r := &c.Runner
	if r.Interval.Duration < time.Second {
		result.AddError("runner.interval", r.Interval.Duration, "must be at least one second")
	}
	if err := sv.ValidateNumericBounds(int64(r.Workers), "runner.workers", 1, int64(sv.config.MaxWorkers)); err != nil {
		result.AddError("runner.workers", r.Workers, err.Error())
	}
	if err := sv.ValidateNumericBounds(int64(r.LaneBuffer), "runner.lane_buffer", 1, sv.config.MaxLaneBuffer); err != nil {
		result.AddError("runner.lane_buffer", r.LaneBuffer, err.Error())
	}
	if r.MaxGoroutines < 0 {
		result.AddError("runner.max_goroutines", r.MaxGoroutines, "must not be negative")
	}
	if r.JobTimeout.Duration <= 0 {
		result.AddError("runner.job_timeout", r.JobTimeout.Duration, "must be positive")
	}
	if r.ShutdownTimeout.Duration <= 0 {
		result.AddError("runner.shutdown_timeout", r.ShutdownTimeout.Duration, "must be positive")
	}
	switch strings.ToLower(r.TaskPriority) {
	case "high", "medium", "low", "":
	default:
		result.AddError("runner.task_priority", r.TaskPriority, "must be high, medium or low")
	}
	switch r.Claims {
	case "local", "":
	case "cache":
		if c.Cache.Type == "memory" || c.Cache.Type == "" {
			result.AddWarning("runner.claims", r.Claims, "cache claims with the memory cache only protect one process")
		}
	default:
		result.AddError("runner.claims", r.Claims, "must be local or cache")
	}
	if r.PIDFile != "" {
		if err := sv.ValidatePath(r.PIDFile, "runner.pid_file"); err != nil {
			result.AddError("runner.pid_file", r.PIDFile, err.Error())
		}
	}
}

func (c *Config) validateCache(result *ValidationResult, sv *SecurityValidator) {
	switch c.Cache.Type {
	case "memory", "":
	case "redis", "valkey", "memcached":
		if c.Cache.Host == "" && len(c.Cache.Servers) == 0 {
			result.AddError("cache.host", c.Cache.Host, "host is required for "+c.Cache.Type)
		} else if c.Cache.Host != "" {
			if err := sv.ValidateHostname(c.Cache.Host, "cache.host"); err != nil {
				result.AddError("cache.host", c.Cache.Host, err.Error())
			}
		}
		if c.Cache.Port != 0 {
			if err := sv.ValidatePort(c.Cache.Port, "cache.port"); err != nil {
				result.AddError("cache.port", c.Cache.Port, err.Error())
			}
		}
		for _, s := range c.Cache.Servers {
			if err := sv.ValidateNetworkAddress(s, "cache.servers"); err != nil {
				result.AddError("cache.servers", s, err.Error())
			}
		}
	default:
		result.AddError("cache.type", c.Cache.Type, "must be memory, redis, valkey or memcached")
	}
	if c.Cache.ContactTTL.Duration <= 0 {
		result.AddError("cache.contact_ttl", c.Cache.ContactTTL.Duration, "dead marks must expire")
	}
	if c.Cache.ServerTTL.Duration <= 0 {
		result.AddError("cache.server_ttl", c.Cache.ServerTTL.Duration, "liveness facts must expire")
	}
}

func (c *Config) validateDirectory(result *ValidationResult, sv *SecurityValidator) {
	d := &c.Directory
	switch d.Type {
	case "static":
		seen := make(map[int64]bool, len(d.Contacts))
		for i, contact := range d.Contacts {
			field := fmt.Sprintf("directory.contacts[%d]", i)
			if contact.ID <= 0 {
				result.AddError(field+".id", contact.ID, "must be positive")
			} else if seen[contact.ID] {
				result.AddError(field+".id", contact.ID, "duplicate contact id")
			}
			seen[contact.ID] = true
			if contact.Network == "" {
				result.AddWarning(field+".network", contact.Network, "contact has no protocol family")
			}
		}
		if len(d.Contacts) == 0 {
			result.AddWarning("directory.contacts", 0, "static directory has no contacts; every entry will be abandoned")
		}
	case "sql":
		validateDatabase(result, sv, "directory.database", &d.Database)
		for field, table := range map[string]string{"directory.contact_table": d.ContactTable, "directory.user_table": d.UserTable} {
			if !isIdentifier(table) {
				result.AddError(field, table, "must be a plain table name")
			}
		}
	default:
		result.AddError("directory.type", d.Type, "must be static or sql")
	}

	if d.LDAP.Enabled {
		if d.LDAP.Host == "" {
			result.AddError("directory.ldap.host", d.LDAP.Host, "host is required when ldap is enabled")
		} else if err := sv.ValidateHostname(d.LDAP.Host, "directory.ldap.host"); err != nil {
			result.AddError("directory.ldap.host", d.LDAP.Host, err.Error())
		}
		if d.LDAP.Port != 0 {
			if err := sv.ValidatePort(d.LDAP.Port, "directory.ldap.port"); err != nil {
				result.AddError("directory.ldap.port", d.LDAP.Port, err.Error())
			}
		}
		if d.LDAP.BindDN != "" && d.LDAP.BindPassword == "" {
			result.AddWarning("directory.ldap.bind_password", "", "bind dn set without a password")
		}
	}
}

func (c *Config) validateProber(result *ValidationResult) {
	if c.Prober.Enabled && c.Prober.Timeout.Duration <= 0 {
		result.AddError("prober.timeout", c.Prober.Timeout.Duration, "must be positive")
	}
	if c.Delivery.Timeout.Duration <= 0 {
		result.AddError("delivery.timeout", c.Delivery.Timeout.Duration, "must be positive")
	}
}

func (c *Config) validateLogging(result *ValidationResult, sv *SecurityValidator) {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		result.AddError("logging.level", c.Logging.Level, "must be debug, info, warn or error")
	}
	switch c.Logging.Format {
	case "text", "json", "":
	default:
		result.AddError("logging.format", c.Logging.Format, "must be text or json")
	}
	switch c.Logging.Output {
	case "stdout", "stderr", "":
	case "file":
		if c.Logging.File == "" {
			result.AddError("logging.file", c.Logging.File, "file is required when output is file")
		} else if err := sv.ValidatePath(c.Logging.File, "logging.file"); err != nil {
			result.AddError("logging.file", c.Logging.File, err.Error())
		}
	default:
		result.AddError("logging.output", c.Logging.Output, "must be stdout, stderr or file")
	}
	if c.Logging.MaxSize < 0 || c.Logging.MaxSize > sv.config.MaxLogFileSize {
		result.AddError("logging.max_size", c.Logging.MaxSize, fmt.Sprintf("must be between 0 and %d", sv.config.MaxLogFileSize))
	}
}

func (c *Config) validateAPI(result *ValidationResult, sv *SecurityValidator) {
	if !c.API.Enabled {
		return
	}
	if err := sv.ValidateNetworkAddress(c.API.Listen, "api.listen"); err != nil {
		result.AddError("api.listen", c.API.Listen, err.Error())
		return
	}
	if !isLoopback(c.API.Listen) {
		result.AddWarning("api.listen", c.API.Listen, "the admin API has no authentication; bind it to a loopback address")
	}
}

func (c *Config) validateMetrics(result *ValidationResult, sv *SecurityValidator) {
	if c.Metrics.ValkeyAddr == "" {
		return
	}
	if err := sv.ValidateNetworkAddress(c.Metrics.ValkeyAddr, "metrics.valkey_addr"); err != nil {
		result.AddError("metrics.valkey_addr", c.Metrics.ValkeyAddr, err.Error())
	}
}

func isIdentifier(s string) bool {
	if s == "" || len(s) > 64 {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// CreateDefaultConfig writes the default configuration to configPath.
func CreateDefaultConfig(configPath string) error {
	return DefaultConfig().SaveConfig(configPath)
}
