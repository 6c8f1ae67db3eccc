package validset

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimroute/internal/leafindex"
	"dimroute/internal/source"
)

func buildIndex(t *testing.T, dims []string, rows ...[]string) *leafindex.Index {
	t.Helper()
	idx, err := leafindex.Build(&source.Table{Columns: dims, Rows: rows}, dims, nil)
	require.NoError(t, err)
	return idx
}

func TestDerive_Scenario(t *testing.T) {
	idx := buildIndex(t, []string{"l1", "region"},
		[]string{"chemicals", "americas"},
		[]string{"chemicals", "americas"},
		[]string{"chemicals", "americas"},
		[]string{"chemicals", "europe"},
	)

	vs := Derive(idx)

	assert.Equal(t, []string{"l1", "region"}, vs.Dims())
	assert.Equal(t, []string{"chemicals"}, vs.Values("l1"))
	assert.Equal(t, []string{"americas", "europe"}, vs.Values("region"))
	assert.True(t, vs.Contains("region", "europe"))
	assert.False(t, vs.Contains("region", "asia"))
	assert.False(t, vs.Contains("segment", "chemicals"))
	assert.Nil(t, vs.Values("segment"))

	assert.True(t, vs.HasPrefix([]string{"chemicals"}))
	assert.True(t, vs.HasPrefix([]string{"chemicals", "europe"}))
	assert.False(t, vs.HasPrefix([]string{"europe"}))
	assert.False(t, vs.HasPrefix(nil))
	assert.False(t, vs.HasPrefix([]string{"chemicals", "europe", "extra"}))

	assert.Equal(t, [][]string{{"chemicals"}}, vs.Prefixes(0))
	assert.Equal(t, [][]string{{"chemicals", "americas"}, {"chemicals", "europe"}}, vs.Prefixes(1))
	assert.Nil(t, vs.Prefixes(2))
	assert.Equal(t, 2, vs.FullCombos())
	require.NoError(t, vs.Validate())
}

func TestDerive_BlankIsACategory(t *testing.T) {
	vs := Derive(buildIndex(t, []string{"l1", "region"},
		[]string{"metals", "blank"},
		[]string{"metals", "asia"},
	))

	assert.True(t, vs.Contains("region", "blank"))
	assert.True(t, vs.HasPrefix([]string{"metals", "blank"}))
}

func TestDerive_NoDimensions(t *testing.T) {
	vs := Derive(buildIndex(t, nil, []string{}))
	assert.Equal(t, 0, vs.Depth())
	assert.Equal(t, 0, vs.FullCombos())
	require.NoError(t, vs.Validate())
}

func TestPrefixSetsAreMonotonic(t *testing.T) {
	vs := Derive(buildIndex(t, []string{"a", "b", "c"},
		[]string{"x", "p", "m"},
		[]string{"x", "q", "m"},
		[]string{"y", "p", "n"},
		[]string{"y", "p", "o"},
	))

	for depth := 1; depth < vs.Depth(); depth++ {
		for _, tuple := range vs.Prefixes(depth) {
			assert.True(t, vs.HasPrefix(tuple[:depth]), "parent of %v", tuple)
		}
	}
}

func TestJSONRoundTrip(t *testing.T) {
	vs := Derive(buildIndex(t, []string{"l1", "region"},
		[]string{"chemicals", "americas"},
		[]string{"metals", "europe"},
	))

	data, err := json.Marshal(vs)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"dims": ["l1", "region"],
		"per_dim": {"l1": ["chemicals", "metals"], "region": ["americas", "europe"]},
		"prefix_sets": [
			[["chemicals"], ["metals"]],
			[["chemicals", "americas"], ["metals", "europe"]]
		]
	}`, string(data))

	var back ValidSet
	require.NoError(t, json.Unmarshal(data, &back))
	assert.True(t, Equal(vs, &back))
}

func TestUnmarshalJSON_RejectsInconsistentSets(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{
			name: "orphan tuple",
			doc:  `{"dims":["a","b"],"per_dim":{"a":["x"],"b":["p"]},"prefix_sets":[[["x"]],[["y","p"]]]}`,
		},
		{
			name: "ungrounded value",
			doc:  `{"dims":["a"],"per_dim":{"a":["x","z"]},"prefix_sets":[[["x"]]]}`,
		},
		{
			name: "wrong tuple length",
			doc:  `{"dims":["a","b"],"per_dim":{"a":["x"],"b":[]},"prefix_sets":[[["x"]],[["x"]]]}`,
		},
		{
			name: "missing depth",
			doc:  `{"dims":["a","b"],"per_dim":{"a":["x"]},"prefix_sets":[[["x"]]]}`,
		},
		{
			name: "duplicate dimension",
			doc:  `{"dims":["a","a"],"per_dim":{"a":["x"]},"prefix_sets":[[["x"]],[["x","x"]]]}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var vs ValidSet
			assert.Error(t, json.Unmarshal([]byte(tt.doc), &vs))
		})
	}
}

func TestEqual_OrderIndependent(t *testing.T) {
	a := Derive(buildIndex(t, []string{"a", "b"}, []string{"x", "p"}, []string{"y", "q"}))
	b := Derive(buildIndex(t, []string{"a", "b"}, []string{"y", "q"}, []string{"x", "p"}))
	c := Derive(buildIndex(t, []string{"a", "b"}, []string{"x", "p"}))

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}
