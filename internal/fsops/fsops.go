// Package fsops implements the filesystem primitives the consumer and producer
// build on: EXDEV-safe moves, copies, atomic writes and directory creation.
// Everything goes through afero.Fs so the same code runs against the OS or an
// in-memory tree.
package fsops

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
)

// DirPerm is the permission for directories created on demand.
const DirPerm = 0750

// FilePerm is the permission for files created by the producer.
const FilePerm = 0640

// EnsureDir creates dir and its parents. Idempotent.
func EnsureDir(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(dir, DirPerm); err != nil {
		return fmt.Errorf("create directory %s: %w", dir, err)
	}
	return nil
}

// Exists reports whether path exists.
func Exists(fs afero.Fs, path string) (bool, error) {
	return afero.Exists(fs, path)
}

// Move renames src to dst, creating dst's parent. An existing dst is
// replaced. If rename fails with EXDEV (cross-device link, common with bind
// mounts) it falls back to copy + remove.
func Move(fs afero.Fs, src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}
	if err := EnsureDir(fs, filepath.Dir(dst)); err != nil {
		return err
	}
	if err := removeIfExists(fs, dst); err != nil {
		return fmt.Errorf("replace %s: %w", dst, err)
	}
	err := fs.Rename(src, dst)
	if err == nil {
		return nil
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) || errno != syscall.EXDEV {
		return err
	}
	if err := Copy(fs, src, dst); err != nil {
		return err
	}
	return fs.Remove(src)
}

// Copy copies src to dst preserving permissions.
func Copy(fs afero.Fs, src, dst string) error {
	in, err := fs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := EnsureDir(fs, filepath.Dir(dst)); err != nil {
		return err
	}

	out, err := fs.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		_ = fs.Remove(dst)
		return err
	}
	return out.Close()
}

// Remove deletes path. A missing path is not an error.
func Remove(fs afero.Fs, path string) error {
	return removeIfExists(fs, path)
}

func removeIfExists(fs afero.Fs, path string) error {
	err := fs.Remove(path)
	if err == nil || errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
