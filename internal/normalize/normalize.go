// Package normalize canonicalizes column names and dimension values.
package normalize

import (
	"regexp"
	"strconv"
	"strings"
)

// Missing is the category every missing or empty dimension value maps to.
const Missing = "blank"

// DefaultColumn replaces a column name that normalizes to nothing.
const DefaultColumn = "col"

var nonAlnumRun = regexp.MustCompile(`[^a-z0-9]+`)

var missingTokens = map[string]struct{}{
	"nan":  {},
	"none": {},
	"null": {},
}

func canonical(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnumRun.ReplaceAllString(s, "_")
	return strings.Trim(s, "_")
}

// Column normalizes a column name: trimmed, lowercased, runs of characters outside
// [a-z0-9] collapsed to "_", leading and trailing "_" removed.
func Column(name string) string {
	if c := canonical(name); c != "" {
		return c
	}
	return DefaultColumn
}

// Value normalizes a dimension value with the same character rules as Column.
// Empty values and the textual nan/none/null tokens map to Missing.
func Value(v string) string {
	trimmed := strings.ToLower(strings.TrimSpace(v))
	if _, ok := missingTokens[trimmed]; ok {
		return Missing
	}
	if c := canonical(trimmed); c != "" {
		return c
	}
	return Missing
}

// Columns normalizes a header. Names that collide after normalization get a numeric
// suffix in order of appearance (region, region_2, ...).
func Columns(names []string) []string {
	out := make([]string, len(names))
	used := make(map[string]struct{}, len(names))
	for i, name := range names {
		base := Column(name)
		candidate := base
		for n := 2; ; n++ {
			if _, taken := used[candidate]; !taken {
				break
			}
			candidate = base + "_" + strconv.Itoa(n)
		}
		used[candidate] = struct{}{}
		out[i] = candidate
	}
	return out
}
