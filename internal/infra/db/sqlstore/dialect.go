package sqlstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3/database"
)

// Dialect captures the SQL differences between the supported backends.
type Dialect struct {
	Name     string
	numbered bool   // $1 placeholders instead of ?
	lockRow  string // row lock suffix for SELECTs inside a transaction
	goose    database.Dialect
}

var (
	SQLite   = Dialect{Name: "sqlite", goose: database.DialectSQLite3}
	MySQL    = Dialect{Name: "mysql", lockRow: " FOR UPDATE", goose: database.DialectMySQL}
	Postgres = Dialect{Name: "postgres", numbered: true, lockRow: " FOR UPDATE", goose: database.DialectPostgres}
)

// DialectFor resolves a configured driver name: sqlite, mysql or postgres.
// The returned Name is the one connectors and migrations are keyed by.
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case SQLite.Name:
		return SQLite, nil
	case MySQL.Name:
		return MySQL, nil
	case Postgres.Name:
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// rebind rewrites ? placeholders for dialects that number them.
func (d Dialect) rebind(q string) string {
	if !d.numbered {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}
