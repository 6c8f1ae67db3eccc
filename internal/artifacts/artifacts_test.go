package artifacts

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dimroute/internal/apperr"
	"dimroute/internal/leafindex"
	"dimroute/internal/source"
	"dimroute/internal/taxonomy"
	"dimroute/internal/validset"
)

func testBundle(t *testing.T, version string, rows ...[]string) *Bundle {
	t.Helper()
	table := &source.Table{Columns: []string{"l1", "region", "spend"}, Rows: rows}
	idx, err := leafindex.Build(table, []string{"l1", "region", "segment"}, []string{"spend"})
	require.NoError(t, err)
	return &Bundle{
		Manifest: Manifest{
			DatasetID:   "spend",
			Version:     version,
			CreatedAt:   time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
			Dims:        idx.Dims,
			Metrics:     idx.Metrics,
			DroppedDims: idx.DroppedDims,
			Stats:       idx.Stats,
		},
		Normalized: table,
		Index:      idx,
		ValidSet:   validset.Derive(idx),
		Taxonomy:   taxonomy.Render(taxonomy.Build(idx)),
	}
}

func TestSaveLoad(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	b := testBundle(t, "v1",
		[]string{"chemicals", "americas", "1.5"},
		[]string{"chemicals", "europe", "2"},
		[]string{"metals", "asia", "x"},
	)
	require.NoError(t, store.Save(ctx, "spend", b))

	for _, name := range []string{NormalizedFile, LeafIndexFile, TaxonomyFile, ValidSetFile, ManifestFile} {
		assert.FileExists(t, filepath.Join(store.Dir("spend"), name))
	}

	got, err := store.Load(ctx, "spend")
	require.NoError(t, err)
	assert.Equal(t, b.Manifest, got.Manifest)
	assert.Equal(t, b.Normalized, got.Normalized)
	assert.Equal(t, b.Taxonomy, got.Taxonomy)
	assert.True(t, validset.Equal(b.ValidSet, got.ValidSet))
	assert.Equal(t, b.Index.Stats, got.Index.Stats)
	assert.Equal(t, []string{"segment"}, got.Index.DroppedDims)
	require.Len(t, got.Index.Entries, 3)
	assert.Equal(t, "1.5", got.Index.Entries[0].Sum(0))
}

func TestSave_ReplacesPreviousSet(t *testing.T) {
	root := t.TempDir()
	store, err := NewStore(root)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "spend", testBundle(t, "v1", []string{"chemicals", "americas", "1"})))
	require.NoError(t, store.Save(ctx, "spend", testBundle(t, "v2", []string{"metals", "asia", "1"})))

	got, err := store.Load(ctx, "spend")
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Manifest.Version)
	assert.Equal(t, []string{"metals"}, got.ValidSet.Values("l1"))

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	assert.Equal(t, []string{"spend"}, names, "staging and old directories are cleaned up")
}

func TestLoad_Missing(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "spend")
	assert.Equal(t, apperr.ValidationMissing, apperr.CodeOf(err))
}

func TestDelete(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "spend", testBundle(t, "v1", []string{"chemicals", "americas", "1"})))
	require.NoError(t, store.Delete("spend"))
	_, err = store.Load(ctx, "spend")
	assert.Equal(t, apperr.ValidationMissing, apperr.CodeOf(err))
}

func TestLock(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	unlock, err := store.Lock(context.Background(), "spend")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	_, err = store.Lock(ctx, "spend")
	assert.Error(t, err, "a second lock on the same dataset waits until the context expires")

	unlock()
	again, err := store.Lock(context.Background(), "spend")
	require.NoError(t, err)
	again()
}
