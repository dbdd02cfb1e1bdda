package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// SecurityConfig holds security validation settings
type SecurityConfig struct {
	MaxFileSize         int64    // Maximum size of files the config points at
	MaxWorkers          int      // Maximum number of pool workers
	MaxLaneBuffer       int64    // Maximum queued tasks per priority lane
	MaxLogFileSize      int64    // Maximum log file size before rotation
	MaxConfigFileSize   int64    // Maximum config file size
	BlockedPathPatterns []string // Blocked path patterns
}

// DefaultSecurityConfig returns secure default security settings
func DefaultSecurityConfig() *SecurityConfig {
	return &SecurityConfig{
		MaxFileSize:       100 * 1024 * 1024, // 100MB
		MaxWorkers:        1000,
		MaxLaneBuffer:     1000000,
		MaxLogFileSize:    1024 * 1024 * 1024, // 1GB
		MaxConfigFileSize: 1024 * 1024,        // 1MB
		BlockedPathPatterns: []string{
			"/etc/passwd",
			"/etc/shadow",
			"/proc/",
			"/sys/",
			"/dev/",
			"/.ssh/",
		},
	}
}

// SecurityValidator checks paths and addresses taken from configuration.
type SecurityValidator struct {
	config *SecurityConfig
}

// NewSecurityValidator creates a new security validator
func NewSecurityValidator() *SecurityValidator {
	return &SecurityValidator{
		config: DefaultSecurityConfig(),
	}
}

// ValidatePath validates file paths for security issues
func (sv *SecurityValidator) ValidatePath(path, fieldName string) error {
	if path == "" {
		return nil
	}
	if strings.ContainsRune(path, 0) {
		return fmt.Errorf("null byte in %s", fieldName)
	}
	if err := sv.CheckPathTraversal(path); err != nil {
		return fmt.Errorf("path traversal detected in %s: %w", fieldName, err)
	}
	if err := sv.CheckBlockedPatterns(path); err != nil {
		return fmt.Errorf("blocked path pattern in %s: %w", fieldName, err)
	}
	if err := sv.CheckSymlinkAttack(path); err != nil {
		return fmt.Errorf("symlink attack detected in %s: %w", fieldName, err)
	}
	if len(path) > 4096 {
		return fmt.Errorf("path too long in %s: %d characters (max 4096)", fieldName, len(path))
	}
	return nil
}

// ValidateNumericBounds validates numeric values for resource exhaustion
func (sv *SecurityValidator) ValidateNumericBounds(value int64, fieldName string, min, max int64) error {
	if value < min {
		return fmt.Errorf("value too small for %s: %d (minimum: %d)", fieldName, value, min)
	}
	if value > max {
		return fmt.Errorf("value too large for %s: %d (maximum: %d)", fieldName, value, max)
	}
	return nil
}

// ValidatePort validates port numbers
func (sv *SecurityValidator) ValidatePort(port int, fieldName string) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("invalid port for %s: %d (must be 1-65535)", fieldName, port)
	}
	return nil
}

// ValidateNetworkAddress validates host:port and :port addresses
func (sv *SecurityValidator) ValidateNetworkAddress(addr, fieldName string) error {
	if addr == "" {
		return fmt.Errorf("network address cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(addr); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}
	if err := sv.validateAddressFormat(addr); err != nil {
		return fmt.Errorf("invalid address format for %s: %w", fieldName, err)
	}
	return nil
}

// ValidateHostname validates hostnames for security
func (sv *SecurityValidator) ValidateHostname(hostname, fieldName string) error {
	if hostname == "" {
		return fmt.Errorf("hostname cannot be empty for %s", fieldName)
	}
	if err := sv.checkInjectionPatterns(hostname); err != nil {
		return fmt.Errorf("injection pattern detected in %s: %w", fieldName, err)
	}
	if err := sv.validateHostnameFormat(hostname); err != nil {
		return fmt.Errorf("invalid hostname format for %s: %w", fieldName, err)
	}
	return nil
}

// ValidateStringLength validates string lengths to prevent memory exhaustion
func (sv *SecurityValidator) ValidateStringLength(str, fieldName string, maxLength int) error {
	if !utf8.ValidString(str) {
		return fmt.Errorf("invalid UTF-8 encoding in %s", fieldName)
	}
	if len(str) > maxLength {
		return fmt.Errorf("string too long for %s: %d characters (max: %d)", fieldName, len(str), maxLength)
	}
	return nil
}

// ValidateFileSize validates the size of an existing file
func (sv *SecurityValidator) ValidateFileSize(filePath, fieldName string) error {
	if filePath == "" {
		return nil
	}
	info, err := os.Stat(filePath)
	if err != nil {
		return nil
	}
	if info.Size() > sv.config.MaxFileSize {
		return fmt.Errorf("file too large for %s: %d bytes (max: %d)", fieldName, info.Size(), sv.config.MaxFileSize)
	}
	return nil
}

// CheckPathTraversal checks for directory traversal attacks
func (sv *SecurityValidator) CheckPathTraversal(path string) error {
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("parent directory reference detected: %s", path)
		}
	}
	return nil
}

// CheckBlockedPatterns checks for blocked path patterns
func (sv *SecurityValidator) CheckBlockedPatterns(path string) error {
	lowerPath := strings.ToLower(filepath.ToSlash(path))
	for _, pattern := range sv.config.BlockedPathPatterns {
		if strings.Contains(lowerPath, strings.ToLower(pattern)) {
			return fmt.Errorf("blocked pattern detected: %s", pattern)
		}
	}
	return nil
}

// CheckSymlinkAttack checks that an existing symlink does not point at a
// blocked location
func (sv *SecurityValidator) CheckSymlinkAttack(path string) error {
	return sv.checkSymlink(path, 0)
}

func (sv *SecurityValidator) checkSymlink(path string, depth int) error {
	if depth > 8 {
		return fmt.Errorf("too many levels of symbolic links: %s", path)
	}
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&os.ModeSymlink == 0 {
		return nil
	}

	target, err := os.Readlink(path)
	if err != nil {
		return fmt.Errorf("cannot read symlink target: %w", err)
	}
	if !filepath.IsAbs(target) {
		target = filepath.Join(filepath.Dir(path), target)
	}
	if err := sv.CheckBlockedPatterns(target); err != nil {
		return fmt.Errorf("symlink target contains blocked pattern: %w", err)
	}
	return sv.checkSymlink(target, depth+1)
}

// checkInjectionPatterns rejects shell metacharacters in hostnames and
// addresses.
func (sv *SecurityValidator) checkInjectionPatterns(input string) error {
	injectionPatterns := []string{
		"../",
		"..\\",
		"<script",
		"javascript:",
		"${",
		"$(",
		"`",
		";",
		"|",
		"&",
	}

	lowerInput := strings.ToLower(input)
	for _, pattern := range injectionPatterns {
		if strings.Contains(lowerInput, pattern) {
			return fmt.Errorf("injection pattern detected: %s", pattern)
		}
	}
	return nil
}

// validateAddressFormat validates network address format
func (sv *SecurityValidator) validateAddressFormat(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %w", err)
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid port: %s", portStr)
	}
	if err := sv.ValidatePort(port, "port"); err != nil {
		return err
	}

	if host != "" && net.ParseIP(host) == nil {
		return sv.ValidateHostname(host, "hostname")
	}
	return nil
}

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// validateHostnameFormat validates hostname format
func (sv *SecurityValidator) validateHostnameFormat(hostname string) error {
	if len(hostname) == 0 || len(hostname) > 253 {
		return fmt.Errorf("hostname length invalid: %d (must be 1-253)", len(hostname))
	}
	if hostname == "localhost" || net.ParseIP(hostname) != nil {
		return nil
	}
	if !hostnameRegex.MatchString(hostname) {
		return fmt.Errorf("invalid hostname format: %s", hostname)
	}
	return nil
}

// ValidateConfigFileSize validates the size of the configuration file
func (sv *SecurityValidator) ValidateConfigFileSize(filePath string) error {
	info, err := os.Stat(filePath)
	if err != nil {
		return fmt.Errorf("cannot stat config file: %w", err)
	}
	if info.Size() > sv.config.MaxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max: %d)", info.Size(), sv.config.MaxConfigFileSize)
	}
	return nil
}

// SanitizePath sanitizes a file path for safe use
func (sv *SecurityValidator) SanitizePath(path string) string {
	path = strings.ReplaceAll(path, "\x00", "")
	if path == "" {
		return path
	}
	return filepath.Clean(path)
}

// SanitizeString removes null bytes and control characters except
// newlines and tabs
func (sv *SecurityValidator) SanitizeString(str string) string {
	str = strings.ReplaceAll(str, "\x00", "")

	var result strings.Builder
	for _, r := range str {
		if r >= 32 || r == '\n' || r == '\t' {
			result.WriteRune(r)
		}
	}
	return result.String()
}

// isLoopback reports whether a listen address binds only to loopback.
func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil || host == "" {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
