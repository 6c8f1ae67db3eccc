// Package sqlutil provides SQL utility functions for DuckDB.
package sqlutil

import (
	"regexp"
	"strings"
)

// QuoteIdentifier quotes a SQL identifier (table name, column name, etc.)
// with double quotes and escapes any double quotes within the identifier.
func QuoteIdentifier(name string) string {
	escaped := strings.ReplaceAll(name, `"`, `""`)
	return `"` + escaped + `"`
}

var unsafeTableChars = regexp.MustCompile(`[^A-Za-z0-9_]+`)

// TableName builds a table name from a prefix and free-form parts. Characters outside
// [A-Za-z0-9_] are replaced with "_" and parts are joined with "_".
func TableName(prefix string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	for _, p := range parts {
		b.WriteString("_")
		b.WriteString(unsafeTableChars.ReplaceAllString(p, "_"))
	}
	return b.String()
}
