package readlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// LockSuffix is appended to a payload name to form its marker file.
const LockSuffix = ".lock"

// Marker guards a file with a sibling <name>.lock created exclusively. The
// marker holds "<pid>:<token>" so startup cleanup can tell live owners from
// crashed ones.
type Marker struct {
	fs   afero.Fs
	opts Options
	log  zerolog.Logger
}

func NewMarker(fs afero.Fs, opts Options) *Marker {
	return &Marker{fs: fs, opts: opts, log: opts.Logger}
}

func (m *Marker) Name() string { return KindMarkerFile }

// IsMarker reports whether name is a marker file.
func IsMarker(name string) bool {
	return strings.HasSuffix(name, LockSuffix)
}

func (m *Marker) Acquire(_ context.Context, l *Lease) (bool, error) {
	path := l.Path + LockSuffix
	f, err := m.fs.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindMarkerFile, Err: err}
	}
	_, werr := f.WriteString(strconv.Itoa(os.Getpid()) + ":" + l.Token)
	cerr := f.Close()
	if err := errors.Join(werr, cerr); err != nil {
		_ = m.fs.Remove(path)
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindMarkerFile, Err: err}
	}

	// The payload may have been taken between scan and marker creation.
	if ok, _ := afero.Exists(m.fs, l.Path); !ok {
		_ = m.fs.Remove(path)
		return false, nil
	}
	l.marker = path
	return true, nil
}

func (m *Marker) ReleaseOnCommit(ctx context.Context, l *Lease) error   { return m.release(l) }
func (m *Marker) ReleaseOnRollback(ctx context.Context, l *Lease) error { return m.release(l) }
func (m *Marker) ReleaseOnAbort(ctx context.Context, l *Lease) error    { return m.release(l) }

// release deletes the marker only while it still carries our token.
func (m *Marker) release(l *Lease) error {
	if l.marker == "" {
		return nil
	}
	path := l.marker
	l.marker = ""
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read marker %s: %w", path, err)
	}
	if _, token := parseOwner(string(data)); token != l.Token {
		m.log.Warn().Str("marker", path).Msg("marker owned by another consumer, left in place")
		return nil
	}
	if err := m.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", path, err)
	}
	return nil
}

// PrepareOnStartup removes markers whose owning process is gone.
func (m *Marker) PrepareOnStartup(ctx context.Context, root string) error {
	if !m.opts.DeleteOrphanLockFiles {
		return nil
	}
	if ok, _ := afero.DirExists(m.fs, root); !ok {
		return nil
	}
	removed := 0
	err := afero.Walk(m.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if info.IsDir() {
			if path != root && !m.opts.Recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !IsMarker(info.Name()) {
			return nil
		}
		data, err := afero.ReadFile(m.fs, path)
		if err != nil {
			return nil
		}
		pid, _ := parseOwner(string(data))
		if processAlive(pid) {
			return nil
		}
		if err := m.fs.Remove(path); err == nil {
			removed++
			m.log.Info().Str("marker", path).Int("pid", pid).Msg("removed orphaned lock file")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("clean orphan lock files in %s: %w", root, err)
	}
	if removed > 0 {
		m.log.Info().Int("count", removed).Str("root", root).Msg("orphan lock cleanup finished")
	}
	return nil
}

func parseOwner(s string) (int, string) {
	pidStr, token, _ := strings.Cut(strings.TrimSpace(s), ":")
	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, token
	}
	return pid, token
}

// processAlive checks whether pid refers to a running process. Our own pid
// counts as alive: another consumer in this process may hold the marker.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	if pid == os.Getpid() {
		return true
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// markerDecorator adds a marker file around another strategy. The marker is
// taken first and released last.
type markerDecorator struct {
	inner  Strategy
	marker *Marker
}

// WithMarker wraps s so that a marker file is held for the whole lease.
func WithMarker(s Strategy, m *Marker) Strategy {
	return &markerDecorator{inner: s, marker: m}
}

func (d *markerDecorator) Name() string { return d.inner.Name() }

func (d *markerDecorator) PrepareOnStartup(ctx context.Context, root string) error {
	return errors.Join(d.marker.PrepareOnStartup(ctx, root), d.inner.PrepareOnStartup(ctx, root))
}

func (d *markerDecorator) Acquire(ctx context.Context, l *Lease) (bool, error) {
	ok, err := d.marker.Acquire(ctx, l)
	if !ok || err != nil {
		return ok, err
	}
	ok, err = d.inner.Acquire(ctx, l)
	if !ok || err != nil {
		if rerr := d.marker.release(l); rerr != nil {
			d.marker.log.Warn().Err(rerr).Str("path", l.Path).Msg("release marker after failed acquire")
		}
	}
	return ok, err
}

func (d *markerDecorator) ReleaseOnCommit(ctx context.Context, l *Lease) error {
	return errors.Join(d.inner.ReleaseOnCommit(ctx, l), d.marker.ReleaseOnCommit(ctx, l))
}

func (d *markerDecorator) ReleaseOnRollback(ctx context.Context, l *Lease) error {
	return errors.Join(d.inner.ReleaseOnRollback(ctx, l), d.marker.ReleaseOnRollback(ctx, l))
}

func (d *markerDecorator) ReleaseOnAbort(ctx context.Context, l *Lease) error {
	return errors.Join(d.inner.ReleaseOnAbort(ctx, l), d.marker.ReleaseOnAbort(ctx, l))
}
