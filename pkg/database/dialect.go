package database

import "strings"

// Dialect identifies the SQL engine behind the store. Queries are written
// once with `?` placeholders and rebound per dialect.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Rebind converts `?` placeholders to the dialect's native form.
// SQLite takes `?` as-is; PostgreSQL needs `$1..$n`. Queries never carry
// `?` inside string literals, so a plain scan is sufficient.
func (d Dialect) Rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// itoa avoids strconv for the tiny placeholder numbers in the hot rebind path.
func itoa(n int) string {
	if n < 10 {
		return string(rune('0' + n))
	}
	var buf [4]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}
