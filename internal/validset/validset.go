// Package validset holds the whitelist of dimension values and value combinations that
// occur in a dataset.
package validset

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"dimroute/internal/leafindex"
)

const keySep = "\x1f"

type set map[string]struct{}

// ValidSet records, for an ordered dimension list, the values seen per dimension and the
// value tuples seen at every depth. prefixes[d] holds tuples of length d+1 and
// prefixes[len(dims)-1] holds the full combinations.
//
// A ValidSet is immutable once built and safe for concurrent reads.
type ValidSet struct {
	dims     []string
	pos      map[string]int
	perDim   []set
	prefixes []set
}

func newValidSet(dims []string) *ValidSet {
	vs := &ValidSet{
		dims:     slices.Clone(dims),
		pos:      make(map[string]int, len(dims)),
		perDim:   make([]set, len(dims)),
		prefixes: make([]set, len(dims)),
	}
	for i, d := range dims {
		vs.pos[d] = i
		vs.perDim[i] = make(set)
		vs.prefixes[i] = make(set)
	}
	return vs
}

// Derive builds the valid set of a leaf index.
func Derive(idx *leafindex.Index) *ValidSet {
	vs := newValidSet(idx.Dims)
	for _, e := range idx.Entries {
		vs.add(e.Values)
	}
	return vs
}

func (vs *ValidSet) add(tuple []string) {
	for i, v := range tuple {
		vs.perDim[i][v] = struct{}{}
		vs.prefixes[i][strings.Join(tuple[:i+1], keySep)] = struct{}{}
	}
}

// Dims returns the ordered dimension list.
func (vs *ValidSet) Dims() []string {
	return slices.Clone(vs.dims)
}

// Depth returns the number of dimensions.
func (vs *ValidSet) Depth() int {
	return len(vs.dims)
}

// IsDim reports whether name is one of the dimensions.
func (vs *ValidSet) IsDim(name string) bool {
	_, ok := vs.pos[name]
	return ok
}

// Contains reports whether value occurs for dim.
func (vs *ValidSet) Contains(dim, value string) bool {
	i, ok := vs.pos[dim]
	if !ok {
		return false
	}
	_, ok = vs.perDim[i][value]
	return ok
}

// Values returns the sorted values of dim, or nil for an unknown dimension.
func (vs *ValidSet) Values(dim string) []string {
	i, ok := vs.pos[dim]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(vs.perDim[i]))
}

// HasPrefix reports whether tuple, read as values for the first len(tuple) dimensions,
// occurs in the data.
func (vs *ValidSet) HasPrefix(tuple []string) bool {
	if len(tuple) == 0 || len(tuple) > len(vs.dims) {
		return false
	}
	_, ok := vs.prefixes[len(tuple)-1][strings.Join(tuple, keySep)]
	return ok
}

// Prefixes returns the sorted tuples at depth (tuples of length depth+1).
func (vs *ValidSet) Prefixes(depth int) [][]string {
	if depth < 0 || depth >= len(vs.prefixes) {
		return nil
	}
	keys := slices.Sorted(maps.Keys(vs.prefixes[depth]))
	out := make([][]string, len(keys))
	for i, k := range keys {
		out[i] = strings.Split(k, keySep)
	}
	return out
}

// FullCombos returns the number of full dimension combinations.
func (vs *ValidSet) FullCombos() int {
	if len(vs.prefixes) == 0 {
		return 0
	}
	return len(vs.prefixes[len(vs.prefixes)-1])
}

// Validate checks that every tuple at depth k+1 truncates to a tuple at depth k and that
// the per-dimension values are exactly the values the tuples use.
func (vs *ValidSet) Validate() error {
	for depth, prefixes := range vs.prefixes {
		seen := make(set)
		for key := range prefixes {
			tuple := strings.Split(key, keySep)
			if len(tuple) != depth+1 {
				return fmt.Errorf("prefix %q at depth %d has %d values", key, depth, len(tuple))
			}
			if depth > 0 {
				if _, ok := vs.prefixes[depth-1][strings.Join(tuple[:depth], keySep)]; !ok {
					return fmt.Errorf("prefix %v has no parent at depth %d", tuple, depth-1)
				}
			}
			seen[tuple[depth]] = struct{}{}
		}
		if !maps.Equal(seen, vs.perDim[depth]) {
			return fmt.Errorf("values of %s do not match its prefixes", vs.dims[depth])
		}
	}
	return nil
}

// Equal reports whether a and b hold the same dimensions, values and tuples.
func Equal(a, b *ValidSet) bool {
	if !slices.Equal(a.dims, b.dims) {
		return false
	}
	for i := range a.dims {
		if !maps.Equal(a.perDim[i], b.perDim[i]) || !maps.Equal(a.prefixes[i], b.prefixes[i]) {
			return false
		}
	}
	return true
}

type document struct {
	Dims       []string            `json:"dims"`
	PerDim     map[string][]string `json:"per_dim"`
	PrefixSets [][][]string        `json:"prefix_sets"`
}

// MarshalJSON encodes the set with sorted values and tuples.
func (vs *ValidSet) MarshalJSON() ([]byte, error) {
	doc := document{
		Dims:       vs.Dims(),
		PerDim:     make(map[string][]string, len(vs.dims)),
		PrefixSets: make([][][]string, len(vs.dims)),
	}
	for i, d := range vs.dims {
		doc.PerDim[d] = vs.Values(d)
		doc.PrefixSets[i] = vs.Prefixes(i)
	}
	return json.Marshal(doc)
}

// UnmarshalJSON decodes and validates a set written by MarshalJSON.
func (vs *ValidSet) UnmarshalJSON(data []byte) error {
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.PrefixSets) != len(doc.Dims) {
		return fmt.Errorf("valid set has %d prefix sets for %d dimensions", len(doc.PrefixSets), len(doc.Dims))
	}

	decoded := newValidSet(doc.Dims)
	if len(decoded.pos) != len(doc.Dims) {
		return fmt.Errorf("valid set has duplicate dimensions %v", doc.Dims)
	}
	for i, d := range doc.Dims {
		for _, v := range doc.PerDim[d] {
			decoded.perDim[i][v] = struct{}{}
		}
		for _, tuple := range doc.PrefixSets[i] {
			decoded.prefixes[i][strings.Join(tuple, keySep)] = struct{}{}
		}
	}
	if err := decoded.Validate(); err != nil {
		return fmt.Errorf("invalid valid set: %w", err)
	}
	*vs = *decoded
	return nil
}
