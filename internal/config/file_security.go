package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

// sensitiveKeys are TOML keys whose values are credentials.
var sensitiveKeys = []string{"password", "bind_password", "valkey_password", "dsn", "secret", "token"}

// dsnCredentials matches user:password@ in driver DSNs that are not URLs.
var dsnCredentials = regexp.MustCompile(`^([^:@/]+):([^@]*)@`)

// ConfigFileSecurity checks and writes configuration files.
type ConfigFileSecurity struct {
	securityValidator *SecurityValidator
}

// NewConfigFileSecurity creates a new configuration file security handler
func NewConfigFileSecurity() *ConfigFileSecurity {
	return &ConfigFileSecurity{
		securityValidator: NewSecurityValidator(),
	}
}

// ContainsSensitiveData reports whether the file sets any credential key to
// a non-empty value.
func (cfs *ConfigFileSecurity) ContainsSensitiveData(filePath string) (bool, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return false, err
	}

	for _, line := range strings.Split(string(content), "\n") {
		key, value, ok := splitAssignment(line)
		if ok && isSensitiveKey(key) && value != `""` && value != "''" && value != "" {
			return true, nil
		}
	}
	return false, nil
}

// CheckPermissions returns a warning when a file with credentials is
// readable by group or others, or when any config file is world-writable.
func (cfs *ConfigFileSecurity) CheckPermissions(filePath string) ([]string, error) {
	info, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("cannot stat config file: %w", err)
	}

	var warnings []string
	mode := info.Mode().Perm()
	if mode&0002 != 0 {
		warnings = append(warnings, fmt.Sprintf("config file %s is world-writable (%s)", filePath, mode))
	}

	sensitive, err := cfs.ContainsSensitiveData(filePath)
	if err != nil {
		return warnings, fmt.Errorf("cannot check file content for sensitive data: %w", err)
	}
	if sensitive && mode&0077 != 0 {
		warnings = append(warnings, fmt.Sprintf("config file %s contains credentials but is readable by group or others (%s)", filePath, mode))
	}
	return warnings, nil
}

// CreateSecureConfigFile writes content with 0600 permissions when it
// holds credentials and 0644 otherwise.
func (cfs *ConfigFileSecurity) CreateSecureConfigFile(filePath string, content []byte, containsSensitiveData bool) error {
	if filePath == "" {
		return fmt.Errorf("config file path cannot be empty")
	}
	if err := cfs.securityValidator.ValidatePath(filePath, "config_file"); err != nil {
		return fmt.Errorf("invalid config file path: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fileMode := os.FileMode(0644)
	if containsSensitiveData {
		fileMode = 0600
	}
	if err := os.WriteFile(filePath, content, fileMode); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(filePath, fileMode); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", filePath, err)
	}
	return nil
}

// SanitizeConfigContent masks credential values in TOML text.
func (cfs *ConfigFileSecurity) SanitizeConfigContent(content string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		key, _, ok := splitAssignment(line)
		if ok && isSensitiveKey(key) {
			indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
			lines[i] = fmt.Sprintf("%s%s = '%s'", indent, key, redacted)
		}
	}
	return strings.Join(lines, "\n")
}

func splitAssignment(line string) (key, value string, ok bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" || strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "[") {
		return "", "", false
	}
	key, value, ok = strings.Cut(trimmed, "=")
	if !ok {
		return "", "", false
	}
	return strings.TrimSpace(key), strings.TrimSpace(value), true
}

func isSensitiveKey(key string) bool {
	key = strings.ToLower(strings.Trim(key, `"'`))
	for _, s := range sensitiveKeys {
		if key == s || strings.HasSuffix(key, "_"+s) {
			return true
		}
	}
	return false
}

// redactDSN masks the password in URL and user:pass@ style DSNs.
func redactDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if u, err := url.Parse(dsn); err == nil && u.User != nil && u.Scheme != "" {
		if _, has := u.User.Password(); has {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
		return dsn
	}
	if dsnCredentials.MatchString(dsn) {
		return dsnCredentials.ReplaceAllString(dsn, "$1:"+redacted+"@")
	}
	return dsn
}
