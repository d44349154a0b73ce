package item

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

func mk(rel string, size int64, mod time.Time) Item {
	root := "/data/in"
	p := filepath.Join(root, rel)
	return Item{Root: root, Path: p, RelativePath: rel, Name: filepath.Base(p), Size: size, ModTime: mod}
}

func names(items []Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		out = append(out, it.RelativePath)
	}
	return out
}

func TestItemNameParts(t *testing.T) {
	it := mk("sub/report.tar.gz", 1, time.Time{})
	assert.Equal(t, "gz", it.Ext())
	assert.Equal(t, "report.tar", it.NameNoExt())
	assert.Equal(t, "/data/in/sub", it.Parent())

	plain := mk("README", 1, time.Time{})
	assert.Equal(t, "", plain.Ext())
	assert.Equal(t, "README", plain.NameNoExt())

	hidden := mk(".env", 1, time.Time{})
	assert.True(t, hidden.Hidden())
	assert.Equal(t, ".env", hidden.NameNoExt())
}

func TestParseSortByChain(t *testing.T) {
	base := time.Unix(1700000000, 0)
	items := []Item{
		mk("b.txt", 1, base.Add(2*time.Second)),
		mk("A.txt", 1, base.Add(time.Second)),
		mk("c.txt", 1, base.Add(time.Second)),
		mk("a.txt", 1, base),
	}

	byName, err := ParseSortBy("file:name")
	require.NoError(t, err)
	sorted := append([]Item(nil), items...)
	Sort(sorted, byName)
	assert.Equal(t, []string{"A.txt", "a.txt", "b.txt", "c.txt"}, names(sorted))

	reversed, err := ParseSortBy("reverse:name")
	require.NoError(t, err)
	Sort(sorted, reversed)
	assert.Equal(t, []string{"c.txt", "b.txt", "a.txt", "A.txt"}, names(sorted))

	composite, err := ParseSortBy("reverse:file:modified;ignoreCase:file:name")
	require.NoError(t, err)
	Sort(sorted, composite)
	assert.Equal(t, []string{"b.txt", "A.txt", "c.txt", "a.txt"}, names(sorted))
}

func TestSortIsStableForTies(t *testing.T) {
	mod := time.Unix(1700000000, 0)
	items := []Item{mk("z", 5, mod), mk("y", 5, mod), mk("x", 5, mod)}
	bySize, err := ParseSortBy("file:size")
	require.NoError(t, err)
	Sort(items, bySize)
	assert.Equal(t, []string{"z", "y", "x"}, names(items))
}

func TestParseSortByRejectsUnknownKey(t *testing.T) {
	_, err := ParseSortBy("file:color")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fileerr.ErrConfiguration))

	c, err := ParseSortBy("  ")
	require.NoError(t, err)
	assert.Nil(t, c)
}
