// Package item holds the immutable filesystem snapshot handed through a poll
// cycle, plus the comparator chain used to order a batch.
package item

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Item is one filesystem entry as seen at scan time. Later changes on disk do
// not alter an Item that has already been selected.
type Item struct {
	Root         string    // starting directory of the endpoint
	Path         string    // absolute path
	RelativePath string    // path relative to Root
	Name         string    // base name
	Size         int64     // length in bytes, zero for directories
	ModTime      time.Time // last modification
	IsDir        bool
}

// FromInfo builds an Item for path found below root.
func FromInfo(root, path string, info os.FileInfo) Item {
	it := Item{
		Root:    filepath.Clean(root),
		Path:    filepath.Clean(path),
		Name:    info.Name(),
		ModTime: info.ModTime(),
		IsDir:   info.IsDir(),
	}
	if !info.IsDir() {
		it.Size = info.Size()
	}
	it.RelativePath = relativeTo(it.Root, it.Path)
	return it
}

// Ext returns the last extension without the dot, or "" when there is none.
func (it Item) Ext() string {
	ext := filepath.Ext(it.Name)
	if ext == "" || ext == it.Name {
		return ""
	}
	return ext[1:]
}

// NameNoExt returns the base name with its last extension stripped.
func (it Item) NameNoExt() string {
	ext := filepath.Ext(it.Name)
	if ext == "" || ext == it.Name {
		return it.Name
	}
	return strings.TrimSuffix(it.Name, ext)
}

// Parent returns the directory holding the item.
func (it Item) Parent() string {
	return filepath.Dir(it.Path)
}

// Hidden reports whether the base name starts with a dot.
func (it Item) Hidden() bool {
	return strings.HasPrefix(it.Name, ".")
}

func relativeTo(root, path string) string {
	if root == "" {
		return filepath.Base(path)
	}
	rel, err := filepath.Rel(root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return filepath.Base(path)
	}
	return rel
}
