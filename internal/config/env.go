package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "FEDQUEUE_"

// loadDotEnv loads path into the process environment without overriding
// variables that are already set. A missing file is not an error.
func loadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return fmt.Errorf("failed to load %s: %w", path, err)
}

// ApplyEnv overrides credentials, DSNs and a few operational settings from
// FEDQUEUE_* variables. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				*dst = n
			}
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
				*dst = b
			}
		}
	}

	str("QUEUE_STORE", &c.Queue.Store)
	str("QUEUE_DIR", &c.Queue.Dir)
	str("QUEUE_DSN", &c.Queue.Database.DSN)
	str("QUEUE_DB_PASSWORD", &c.Queue.Database.Password)
	str("DIRECTORY_DSN", &c.Directory.Database.DSN)
	str("DIRECTORY_DB_PASSWORD", &c.Directory.Database.Password)
	str("LDAP_BIND_PASSWORD", &c.Directory.LDAP.BindPassword)
	str("CACHE_TYPE", &c.Cache.Type)
	str("CACHE_HOST", &c.Cache.Host)
	num("CACHE_PORT", &c.Cache.Port)
	str("CACHE_PASSWORD", &c.Cache.Password)
	str("METRICS_VALKEY_ADDR", &c.Metrics.ValkeyAddr)
	str("METRICS_VALKEY_PASSWORD", &c.Metrics.ValkeyPassword)
	str("LOG_LEVEL", &c.Logging.Level)
	str("LOG_FORMAT", &c.Logging.Format)
	str("API_LISTEN", &c.API.Listen)
	flag("API_ENABLED", &c.API.Enabled)
	num("RUNNER_WORKERS", &c.Runner.Workers)
	str("PID_FILE", &c.Runner.PIDFile)
}
