package readlock

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
)

func writeItem(t *testing.T, dir, name, content string) item.Item {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0750))
	require.NoError(t, os.WriteFile(path, []byte(content), 0640))
	info, err := os.Stat(path)
	require.NoError(t, err)
	return item.FromInfo(dir, path, info)
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Timeout = 200 * time.Millisecond
	opts.CheckInterval = 10 * time.Millisecond
	return opts
}

func TestNewUnknownStrategy(t *testing.T) {
	_, err := New("bogus", afero.NewOsFs(), DefaultOptions())
	require.Error(t, err)
	assert.True(t, errors.Is(err, fileerr.ErrConfiguration))
}

func TestNewResolvesNames(t *testing.T) {
	fs := afero.NewOsFs()
	for kind, want := range map[string]string{
		"":           KindNone,
		"none":       KindNone,
		"markerFile": KindMarkerFile,
		"MARKERFILE": KindMarkerFile,
		"rename":     KindRename,
		"changed":    KindChanged,
		"fileLock":   KindOsLock,
	} {
		s, err := New(kind, fs, DefaultOptions())
		require.NoError(t, err, kind)
		assert.Equal(t, want, s.Name(), kind)
	}
}

func TestOsLockRejectsMemoryFs(t *testing.T) {
	_, err := New(KindOsLock, afero.NewMemMapFs(), DefaultOptions())
	assert.True(t, errors.Is(err, fileerr.ErrConfiguration))
}

func TestMarkerExcludesSecondOwner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	it := writeItem(t, dir, "a.txt", "payload")
	m := NewMarker(afero.NewOsFs(), fastOptions())

	first := NewLease(it)
	ok, err := m.Acquire(ctx, first)
	require.NoError(t, err)
	require.True(t, ok)
	assert.FileExists(t, it.Path+LockSuffix)

	second := NewLease(it)
	ok, err = m.Acquire(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.ReleaseOnCommit(ctx, first))
	assert.NoFileExists(t, it.Path+LockSuffix)

	// Releasing twice is harmless.
	require.NoError(t, m.ReleaseOnRollback(ctx, first))

	ok, err = m.Acquire(ctx, second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, m.ReleaseOnAbort(ctx, second))
}

func TestMarkerSkipsVanishedPayload(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	it := writeItem(t, dir, "gone.txt", "x")
	require.NoError(t, os.Remove(it.Path))

	m := NewMarker(afero.NewOsFs(), fastOptions())
	ok, err := m.Acquire(ctx, NewLease(it))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoFileExists(t, it.Path+LockSuffix)
}

func TestMarkerReleaseLeavesForeignMarker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	it := writeItem(t, dir, "a.txt", "x")
	m := NewMarker(afero.NewOsFs(), fastOptions())

	l := NewLease(it)
	ok, err := m.Acquire(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(it.Path+LockSuffix, []byte("1:someone-else"), 0600))
	require.NoError(t, m.ReleaseOnCommit(ctx, l))
	assert.FileExists(t, it.Path+LockSuffix)
}

func TestMarkerStartupRemovesOrphans(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeItem(t, dir, "a.txt", "x")
	writeItem(t, dir, "sub/b.txt", "x")

	// A pid that cannot be running and a pid that certainly is.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.lock"), []byte("garbage"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt.lock"), []byte("0:dead"), 0600))
	live := strconv.Itoa(os.Getpid()) + ":live"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.txt.lock"), []byte(live), 0600))

	opts := fastOptions()
	opts.Recursive = true
	require.NoError(t, NewMarker(afero.NewOsFs(), opts).PrepareOnStartup(ctx, dir))

	assert.NoFileExists(t, filepath.Join(dir, "a.txt.lock"))
	assert.NoFileExists(t, filepath.Join(dir, "sub", "b.txt.lock"))
	assert.FileExists(t, filepath.Join(dir, "c.txt.lock"))
}

func TestMarkerStartupCleanupDisabled(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt.lock"), []byte("0:dead"), 0600))

	opts := fastOptions()
	opts.DeleteOrphanLockFiles = false
	require.NoError(t, NewMarker(afero.NewOsFs(), opts).PrepareOnStartup(context.Background(), dir))
	assert.FileExists(t, filepath.Join(dir, "a.txt.lock"))
}

func TestRenameParksAndRestores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	it := writeItem(t, dir, "a.txt", "payload")
	r := NewRename(afero.NewOsFs(), fastOptions())

	l := NewLease(it)
	ok, err := r.Acquire(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, WorkPath(it.Path), l.Path)
	assert.NoFileExists(t, it.Path)
	assert.FileExists(t, l.Path)

	// A competing consumer finds nothing to rename.
	ok, err = r.Acquire(ctx, NewLease(it))
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.ReleaseOnRollback(ctx, l))
	assert.Equal(t, it.Path, l.Path)
	data, err := os.ReadFile(it.Path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestRenameCommitLeavesMovedFileAlone(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	it := writeItem(t, dir, "a.txt", "payload")
	r := NewRename(afero.NewOsFs(), fastOptions())

	l := NewLease(it)
	ok, err := r.Acquire(ctx, l)
	require.NoError(t, err)
	require.True(t, ok)

	done := filepath.Join(dir, ".done", "a.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(done), 0750))
	require.NoError(t, os.Rename(l.Path, done))
	l.Path = done

	require.NoError(t, r.ReleaseOnCommit(ctx, l))
	assert.FileExists(t, done)
	assert.NoFileExists(t, it.Path)
}

func TestRenameStartupRecoversStrandedFiles(t *testing.T) {
	dir := t.TempDir()
	writeItem(t, dir, filepath.Join(InProgressDir, "lost.txt"), "lost")
	writeItem(t, dir, filepath.Join(InProgressDir, "dup.txt"), "old")
	writeItem(t, dir, "dup.txt", "new")

	require.NoError(t, NewRename(afero.NewOsFs(), fastOptions()).PrepareOnStartup(context.Background(), dir))

	assert.FileExists(t, filepath.Join(dir, "lost.txt"))
	data, err := os.ReadFile(filepath.Join(dir, "dup.txt"))
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))
}

func TestChangedAcceptsStableFile(t *testing.T) {
	dir := t.TempDir()
	it := writeItem(t, dir, "a.txt", "done writing")
	c := NewChanged(afero.NewOsFs(), fastOptions())

	ok, err := c.Acquire(context.Background(), NewLease(it))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChangedTimesOutOnEmptyFile(t *testing.T) {
	dir := t.TempDir()
	it := writeItem(t, dir, "empty.txt", "")
	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond
	c := NewChanged(afero.NewOsFs(), opts)

	ok, err := c.Acquire(context.Background(), NewLease(it))
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, fileerr.ErrAcquisition))
	assert.True(t, errors.Is(err, ErrNotStable))
}

func TestChangedHonorsMinAge(t *testing.T) {
	dir := t.TempDir()
	it := writeItem(t, dir, "fresh.txt", "x")
	opts := fastOptions()
	opts.Timeout = 50 * time.Millisecond
	opts.MinAge = time.Hour
	c := NewChanged(afero.NewOsFs(), opts)

	ok, err := c.Acquire(context.Background(), NewLease(it))
	assert.False(t, ok)
	assert.Error(t, err)

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(it.Path, old, old))
	ok, err = c.Acquire(context.Background(), NewLease(it))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestChangedStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	it := writeItem(t, dir, "empty.txt", "")
	opts := fastOptions()
	opts.Timeout = 0
	c := NewChanged(afero.NewOsFs(), opts)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	ok, err := c.Acquire(ctx, NewLease(it))
	assert.False(t, ok)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChangedWithMarkerReleasesMarkerOnTimeout(t *testing.T) {
	dir := t.TempDir()
	it := writeItem(t, dir, "empty.txt", "")
	opts := fastOptions()
	opts.Timeout = 30 * time.Millisecond

	s, err := New(KindChanged, afero.NewOsFs(), opts)
	require.NoError(t, err)
	ok, err := s.Acquire(context.Background(), NewLease(it))
	assert.False(t, ok)
	assert.Error(t, err)
	assert.NoFileExists(t, it.Path+LockSuffix)
}
