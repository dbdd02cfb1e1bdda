package datasource

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRebind(t *testing.T) {
	tests := []struct {
		name    string
		dialect Dialect
		query   string
		want    string
	}{
		{"sqlite untouched", SQLite, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = ? AND b = ?"},
		{"mysql untouched", MySQL, "DELETE FROM t WHERE id = ?", "DELETE FROM t WHERE id = ?"},
		{"postgres numbered", Postgres, "SELECT * FROM t WHERE a = ? AND b = ?", "SELECT * FROM t WHERE a = $1 AND b = $2"},
		{"postgres quoted literal", Postgres, "SELECT '?' FROM t WHERE a = ?", "SELECT '?' FROM t WHERE a = $1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Rebind(tt.dialect, tt.query))
		})
	}
}

func TestOpenSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "queue.db")

	db, err := Open(context.Background(), Config{Type: "sqlite", Name: "test", Database: path})
	require.NoError(t, err)
	defer db.Close()

	assert.Equal(t, SQLite, db.Dialect())
	assert.Equal(t, "test", db.Name())
	assert.Equal(t, "INTEGER PRIMARY KEY AUTOINCREMENT", db.AutoIncrement())

	err = db.ExecAll(context.Background(), []string{
		"CREATE TABLE IF NOT EXISTS probe (id " + db.AutoIncrement() + ", v " + db.BlobType() + ")",
		"INSERT INTO probe (v) VALUES (x'01')",
	})
	require.NoError(t, err)

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM probe").Scan(&n))
	assert.Equal(t, 1, n)
}

func TestOpenUnsupported(t *testing.T) {
	_, err := Open(context.Background(), Config{Type: "oracle"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported datasource type")
}

func TestDialectColumnTypes(t *testing.T) {
	pg := &DB{dialect: Postgres}
	my := &DB{dialect: MySQL}

	assert.Equal(t, "BIGSERIAL PRIMARY KEY", pg.AutoIncrement())
	assert.Equal(t, "BYTEA", pg.BlobType())
	assert.Contains(t, my.AutoIncrement(), "AUTO_INCREMENT")
	assert.Equal(t, "LONGBLOB", my.BlobType())
}

func TestNewLDAPDefaults(t *testing.T) {
	l := NewLDAP(Config{Host: "ldap.example"})
	assert.Equal(t, "dc=example,dc=com", l.BaseDN())
	assert.False(t, l.IsConnected())

	_, err := l.SearchOne("", "(uid=1)", nil)
	assert.ErrorIs(t, err, ErrNotConnected)

	l = NewLDAP(Config{Host: "ldap.example", Options: map[string]string{"base_dn": "dc=fed,dc=test"}})
	assert.Equal(t, "dc=fed,dc=test", l.BaseDN())
}
