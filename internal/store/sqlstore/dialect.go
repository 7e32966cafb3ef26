package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures the few places where postgres and sqlite SQL differ.
// Queries are written with '?' placeholders and rebound per dialect.
type Dialect struct {
	Name       string
	DriverName string
	numbered   bool
}

var (
	Postgres = Dialect{Name: "postgres", DriverName: "postgres", numbered: true}
	SQLite   = Dialect{Name: "sqlite", DriverName: "sqlite"}
)

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, bool) {
	switch name {
	case Postgres.Name:
		return Postgres, true
	case SQLite.Name:
		return SQLite, true
	}
	return Dialect{}, false
}

// Rebind rewrites '?' placeholders into $1, $2, ... for postgres.
func (d Dialect) Rebind(query string) string {
	if !d.numbered {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
