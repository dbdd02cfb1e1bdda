package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"

	"github.com/busybox42/fedqueue/internal/datasource"
)

// SQLDirectory reads contacts and users from the application's tables.
type SQLDirectory struct {
	db           *datasource.DB
	contactTable string
	userTable    string
}

var _ Directory = (*SQLDirectory)(nil)

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,63}$`)

// NewSQLDirectory creates a directory over db. Empty table names default to
// "contact" and "user".
func NewSQLDirectory(db *datasource.DB, contactTable, userTable string) (*SQLDirectory, error) {
	if contactTable == "" {
		contactTable = "contact"
	}
	if userTable == "" {
		userTable = "user"
	}
	for _, name := range []string{contactTable, userTable} {
		if !identifierPattern.MatchString(name) {
			return nil, fmt.Errorf("invalid table name %q", name)
		}
	}
	return &SQLDirectory{db: db, contactTable: contactTable, userTable: userTable}, nil
}

// EnsureSchema creates minimal contact and user tables when they are
// missing. Production deployments point at the application's own tables.
func (d *SQLDirectory) EnsureSchema(ctx context.Context) error {
	return d.db.ExecAll(ctx, []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  id      BIGINT PRIMARY KEY,
  uid     BIGINT NOT NULL,
  name    VARCHAR(255) NOT NULL DEFAULT '',
  nick    VARCHAR(255) NOT NULL DEFAULT '',
  url     VARCHAR(255) NOT NULL DEFAULT '',
  notify  VARCHAR(255) NOT NULL DEFAULT '',
  batch   VARCHAR(255) NOT NULL DEFAULT '',
  network VARCHAR(16) NOT NULL DEFAULT ''
)`, d.quote(d.contactTable)),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  uid      BIGINT PRIMARY KEY,
  nickname VARCHAR(255) NOT NULL DEFAULT '',
  username VARCHAR(255) NOT NULL DEFAULT '',
  email    VARCHAR(255) NOT NULL DEFAULT ''
)`, d.quote(d.userTable)),
	})
}

// Contact implements ContactSource
func (d *SQLDirectory) Contact(ctx context.Context, id int64) (Contact, error) {
	query := fmt.Sprintf("SELECT id, uid, name, nick, url, notify, batch, network FROM %s WHERE id = ?", d.quote(d.contactTable))

	var c Contact
	err := d.db.QueryRowContext(ctx, d.db.Rebind(query), id).
		Scan(&c.ID, &c.UID, &c.Name, &c.Nick, &c.URL, &c.Notify, &c.Batch, &c.Network)
	if errors.Is(err, sql.ErrNoRows) {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, fmt.Errorf("failed to load contact %d: %w", id, err)
	}
	return c, nil
}

// User implements UserSource
func (d *SQLDirectory) User(ctx context.Context, uid int64) (User, error) {
	query := fmt.Sprintf("SELECT uid, nickname, username, email FROM %s WHERE uid = ?", d.quote(d.userTable))

	var u User
	err := d.db.QueryRowContext(ctx, d.db.Rebind(query), uid).Scan(&u.UID, &u.Nickname, &u.Name, &u.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("failed to load user %d: %w", uid, err)
	}
	return u, nil
}

// SaveContact upserts a contact. Used by tooling and tests.
func (d *SQLDirectory) SaveContact(ctx context.Context, c Contact) error {
	if _, err := d.db.ExecContext(ctx, d.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE id = ?", d.quote(d.contactTable))), c.ID); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (id, uid, name, nick, url, notify, batch, network) VALUES (?, ?, ?, ?, ?, ?, ?, ?)", d.quote(d.contactTable))
	_, err := d.db.ExecContext(ctx, d.db.Rebind(query), c.ID, c.UID, c.Name, c.Nick, c.URL, c.Notify, c.Batch, c.Network)
	return err
}

// SaveUser upserts a user. Used by tooling and tests.
func (d *SQLDirectory) SaveUser(ctx context.Context, u User) error {
	if _, err := d.db.ExecContext(ctx, d.db.Rebind(fmt.Sprintf("DELETE FROM %s WHERE uid = ?", d.quote(d.userTable))), u.UID); err != nil {
		return err
	}
	query := fmt.Sprintf("INSERT INTO %s (uid, nickname, username, email) VALUES (?, ?, ?, ?)", d.quote(d.userTable))
	_, err := d.db.ExecContext(ctx, d.db.Rebind(query), u.UID, u.Nickname, u.Name, u.Email)
	return err
}

// quote escapes table names; "user" is reserved in postgres.
func (d *SQLDirectory) quote(name string) string {
	if d.db.Dialect() == datasource.MySQL {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}
