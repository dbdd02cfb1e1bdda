package directory

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/busybox42/fedqueue/internal/datasource"
)

// LDAPUsers resolves owning users from an LDAP directory by their numeric
// uid attribute.
type LDAPUsers struct {
	conn     *datasource.LDAP
	userBase string
	uidAttr  string
}

var _ UserSource = (*LDAPUsers)(nil)

// NewLDAPUsers creates a user source. userBase defaults to "ou=users" under
// the connection's base DN and uidAttr to "uidNumber".
func NewLDAPUsers(conn *datasource.LDAP, userBase, uidAttr string) *LDAPUsers {
	if userBase == "" {
		userBase = "ou=users"
	}
	if uidAttr == "" {
		uidAttr = "uidNumber"
	}
	return &LDAPUsers{conn: conn, userBase: userBase, uidAttr: uidAttr}
}

// User implements UserSource
func (l *LDAPUsers) User(_ context.Context, uid int64) (User, error) {
	filter := fmt.Sprintf("(%s=%s)", l.uidAttr, datasource.EscapeFilter(strconv.FormatInt(uid, 10)))
	entry, err := l.conn.SearchOne(l.userBase, filter, []string{l.uidAttr, "uid", "cn", "mail"})
	if errors.Is(err, datasource.ErrNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user %d: %w", uid, err)
	}

	return User{
		UID:      uid,
		Nickname: entry.GetAttributeValue("uid"),
		Name:     entry.GetAttributeValue("cn"),
		Email:    entry.GetAttributeValue("mail"),
	}, nil
}
