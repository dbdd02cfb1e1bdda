package datasource

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// LDAP is a reconnecting LDAP client used for read-only directory lookups.
type LDAP struct {
	config    Config
	mu        sync.Mutex
	conn      *ldap.Conn
	connected bool
	baseDN    string
	timeout   time.Duration
}

// NewLDAP creates a new LDAP datasource
func NewLDAP(config Config) *LDAP {
	if config.Port == 0 {
		config.Port = 389 // use 636 for LDAPS
	}

	baseDN := "dc=example,dc=com"
	if base := config.Options["base_dn"]; base != "" {
		baseDN = base
	}

	timeout := 30 * time.Second
	if raw := config.Options["timeout"]; raw != "" {
		if d, err := time.ParseDuration(raw); err == nil && d > 0 {
			timeout = d
		}
	}

	return &LDAP{
		config:  config,
		baseDN:  baseDN,
		timeout: timeout,
	}
}

// BaseDN returns the search base.
func (l *LDAP) BaseDN() string { return l.baseDN }

// Connect establishes a connection to the LDAP server
func (l *LDAP) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connectLocked()
}

func (l *LDAP) connectLocked() error {
	if l.connected {
		return nil
	}

	scheme := "ldap"
	if l.config.Options["tls"] == "true" || l.config.Port == 636 {
		scheme = "ldaps"
	}
	conn, err := ldap.DialURL(fmt.Sprintf("%s://%s:%d", scheme, l.config.Host, l.config.Port))
	if err != nil {
		return fmt.Errorf("failed to connect to LDAP server: %w", err)
	}
	conn.SetTimeout(l.timeout)

	if l.config.Username != "" && l.config.Password != "" {
		if err := conn.Bind(l.config.Username, l.config.Password); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to bind to LDAP server: %w", err)
		}
	}

	l.conn = conn
	l.connected = true
	return nil
}

// Close closes the connection to the LDAP server
func (l *LDAP) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil
	}

	l.connected = false
	if err := l.conn.Close(); err != nil {
		return fmt.Errorf("failed to close LDAP connection: %w", err)
	}
	return nil
}

// IsConnected returns true if the datasource is connected
func (l *LDAP) IsConnected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.connected
}

// SearchOne runs a subtree search under base and returns the single
// matching entry. No match returns ErrNotFound.
func (l *LDAP) SearchOne(base, filter string, attributes []string) (*ldap.Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.connected {
		return nil, ErrNotConnected
	}

	if base == "" {
		base = l.baseDN
	} else if !strings.HasSuffix(base, l.baseDN) && !strings.Contains(base, ",") {
		base = base + "," + l.baseDN
	}

	req := ldap.NewSearchRequest(
		base,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 2, int(l.timeout/time.Second), false,
		filter,
		attributes,
		nil,
	)

	result, err := l.conn.Search(req)
	if err != nil && ldap.IsErrorWithCode(err, ldap.ErrorNetwork) {
		// the server dropped us; redial once
		_ = l.conn.Close()
		l.connected = false
		if cerr := l.connectLocked(); cerr != nil {
			return nil, cerr
		}
		result, err = l.conn.Search(req)
	}
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ldap search failed: %w", err)
	}

	switch len(result.Entries) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return result.Entries[0], nil
	default:
		return nil, fmt.Errorf("multiple entries match %s", filter)
	}
}

// EscapeFilter escapes a value for use inside an LDAP filter.
func EscapeFilter(value string) string {
	return ldap.EscapeFilter(value)
}
