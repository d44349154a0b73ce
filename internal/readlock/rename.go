package readlock

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/fsops"
)

// InProgressDir is the working sub-directory the rename strategy moves files
// into. It is hidden, so the scanner never picks it up.
const InProgressDir = ".inprogress"

// Rename takes ownership by renaming the file into <parent>/.inprogress.
// Rename is atomic on one filesystem, so at most one consumer wins. Rollback
// and abort move the file back; a file found in the working directory at
// startup is evidence of a crash and is restored.
type Rename struct {
	fs   afero.Fs
	opts Options
	log  zerolog.Logger
}

func NewRename(fs afero.Fs, opts Options) *Rename {
	return &Rename{fs: fs, opts: opts, log: opts.Logger}
}

func (r *Rename) Name() string { return KindRename }

// WorkPath returns where the rename strategy parks path while it is held.
func WorkPath(path string) string {
	return filepath.Join(filepath.Dir(path), InProgressDir, filepath.Base(path))
}

func (r *Rename) Acquire(_ context.Context, l *Lease) (bool, error) {
	work := WorkPath(l.Path)
	if err := fsops.EnsureDir(r.fs, filepath.Dir(work)); err != nil {
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindRename, Err: err}
	}
	// A leftover with the same name is a duplicate from an earlier run.
	if err := fsops.Remove(r.fs, work); err != nil {
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindRename, Err: err}
	}
	if err := r.fs.Rename(l.Path, work); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindRename, Err: err}
	}
	l.Path = work
	return true, nil
}

// ReleaseOnCommit puts the file back only if the commit left it parked, as a
// noop commit does.
func (r *Rename) ReleaseOnCommit(_ context.Context, l *Lease) error {
	return r.restore(l)
}

func (r *Rename) ReleaseOnRollback(_ context.Context, l *Lease) error {
	return r.restore(l)
}

func (r *Rename) ReleaseOnAbort(_ context.Context, l *Lease) error {
	return r.restore(l)
}

// restore only touches a file still parked in the working directory; a file
// already relocated by the caller stays where it is.
func (r *Rename) restore(l *Lease) error {
	if l.Path != WorkPath(l.Item.Path) {
		return nil
	}
	if ok, _ := afero.Exists(r.fs, l.Path); !ok {
		l.Path = l.Item.Path
		return nil
	}
	if err := fsops.Move(r.fs, l.Path, l.Item.Path); err != nil {
		return fmt.Errorf("restore %s: %w", l.Item.Path, err)
	}
	l.Path = l.Item.Path
	return nil
}

// PrepareOnStartup moves files stranded in working directories back into
// place. A file that reappeared at the original path meanwhile wins.
func (r *Rename) PrepareOnStartup(ctx context.Context, root string) error {
	if ok, _ := afero.DirExists(r.fs, root); !ok {
		return nil
	}
	var stranded []string
	err := afero.Walk(r.fs, root, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !info.IsDir() {
			if filepath.Base(filepath.Dir(path)) == InProgressDir {
				stranded = append(stranded, path)
			}
			return nil
		}
		if path == root || info.Name() == InProgressDir {
			return nil
		}
		if !r.opts.Recursive {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("recover in-progress files in %s: %w", root, err)
	}

	for _, path := range stranded {
		original := filepath.Join(filepath.Dir(filepath.Dir(path)), filepath.Base(path))
		if ok, _ := afero.Exists(r.fs, original); ok {
			r.log.Warn().Str("path", path).Msg("stranded file shadows a newer file, left in place")
			continue
		}
		if err := fsops.Move(r.fs, path, original); err != nil {
			r.log.Warn().Err(err).Str("path", path).Msg("recover stranded file")
			continue
		}
		r.log.Info().Str("path", original).Msg("recovered file from interrupted run")
	}
	return nil
}
