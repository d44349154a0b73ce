// Package scan walks an endpoint's starting directory and selects the
// candidate batch for one poll cycle: eligible files, filtered, gated on
// done-files, sorted and capped at MaxMessagesPerPoll.
package scan

import (
	"context"
	"errors"
	"io/fs"
	"math/rand"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/expr"
	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/readlock"
)

// Options select which entries below the root are eligible.
type Options struct {
	Recursive bool
	// MinDepth and MaxDepth bound the depth of returned items; files directly
	// in the root have depth 1. Zero MaxDepth means unlimited when recursive.
	MinDepth int
	MaxDepth int

	IncludeHiddenFiles       bool
	IncludeHiddenDirectories bool

	IncludePrefixes []string
	IncludeSuffixes []string
	ExcludePrefixes []string
	ExcludeSuffixes []string
	// Include and Exclude are regular expressions matched against the whole name.
	Include    string
	Exclude    string
	IncludeExt []string
	ExcludeExt []string
	// AntInclude and AntExclude are matched against the relative path.
	AntInclude    []string
	AntExclude    []string
	AntIgnoreCase bool

	Filter          Predicate
	FilterDirectory Predicate
	FilterFile      Predicate

	// DoneFileName gates every file on its companion done-file.
	DoneFileName string
	// AllowEmptyDirectory returns empty directories as zero-length items.
	AllowEmptyDirectory bool
	// DirectoryMustExist turns a missing root into a ScanError.
	DirectoryMustExist bool

	SortBy             item.Comparator
	Shuffle            bool
	MaxMessagesPerPoll int

	// InProgress reports absolute paths already owned by an in-flight
	// delivery; such files are skipped.
	InProgress func(path string) bool
	// Processed reports items whose idempotent key is already known. They
	// are dropped before the batch is capped so they never take a slot.
	Processed func(it item.Item) bool

	Logger zerolog.Logger
}

// Scanner produces candidate batches. It holds no per-cycle state and is safe
// for concurrent use.
type Scanner struct {
	fs      afero.Fs
	root    string
	opts    Options
	filters []fileFilter
	done    *expr.DoneFile
	log     zerolog.Logger
}

// New validates opts and compiles the filters.
func New(fs afero.Fs, root string, opts Options) (*Scanner, error) {
	if root == "" {
		return nil, fileerr.Configf("directory", "starting directory is required")
	}
	if opts.MinDepth < 0 || opts.MaxDepth < 0 {
		return nil, fileerr.Configf("max_depth", "depths must not be negative")
	}
	if opts.MaxDepth > 0 && opts.MinDepth > opts.MaxDepth {
		return nil, fileerr.Configf("min_depth", "min_depth %d exceeds max_depth %d", opts.MinDepth, opts.MaxDepth)
	}
	if opts.Shuffle && opts.SortBy != nil {
		return nil, fileerr.Configf("shuffle", "shuffle and sort_by cannot be combined")
	}
	if opts.MaxMessagesPerPoll < 0 {
		opts.MaxMessagesPerPoll = 0
	}

	filters, err := compileFileFilters(opts)
	if err != nil {
		return nil, err
	}
	s := &Scanner{
		fs:      fs,
		root:    filepath.Clean(root),
		opts:    opts,
		filters: filters,
		log:     opts.Logger.With().Str("component", "scanner").Logger(),
	}
	if opts.DoneFileName != "" {
		if s.done, err = expr.CompileDoneFile(opts.DoneFileName); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Scan walks the tree once and returns the capped, ordered batch together
// with the number of eligible items found before the cap.
func (s *Scanner) Scan(ctx context.Context) ([]item.Item, int, error) {
	info, err := s.fs.Stat(s.root)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) && !s.opts.DirectoryMustExist {
			s.log.Debug().Str("dir", s.root).Msg("starting directory does not exist, nothing to poll")
			return nil, 0, nil
		}
		return nil, 0, &fileerr.ScanError{Dir: s.root, Err: err}
	}
	if !info.IsDir() {
		return nil, 0, &fileerr.ScanError{Dir: s.root, Err: errors.New("not a directory")}
	}

	w := walk{seen: make(map[string]struct{})}
	if err := s.walkDir(ctx, &w, s.root, 0); err != nil {
		return nil, 0, err
	}

	found := w.items
	switch {
	case s.opts.Shuffle:
		rand.Shuffle(len(found), func(i, j int) { found[i], found[j] = found[j], found[i] })
	case s.opts.SortBy != nil:
		item.Sort(found, s.opts.SortBy)
	}

	total := len(found)
	if limit := s.opts.MaxMessagesPerPoll; limit > 0 && len(found) > limit {
		s.log.Debug().Int("eligible", total).Int("limit", limit).Msg("limiting batch to max messages per poll")
		found = found[:limit]
	}
	return found, total, nil
}

type walk struct {
	items []item.Item
	seen  map[string]struct{}
}

func (s *Scanner) walkDir(ctx context.Context, w *walk, dir string, depth int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entries, err := afero.ReadDir(s.fs, dir)
	if err != nil {
		if dir != s.root && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return &fileerr.ScanError{Dir: dir, Err: err}
	}

	childDepth := depth + 1
	for _, info := range entries {
		path := filepath.Join(dir, info.Name())
		it := item.FromInfo(s.root, path, info)

		if info.IsDir() {
			if !s.acceptDirectory(it) {
				continue
			}
			if !s.opts.Recursive || (s.opts.MaxDepth > 0 && childDepth >= s.opts.MaxDepth) {
				continue
			}
			if s.opts.AllowEmptyDirectory {
				if empty, _ := afero.IsEmpty(s.fs, path); empty {
					if childDepth >= s.opts.MinDepth {
						w.add(it)
					}
					continue
				}
			}
			if err := s.walkDir(ctx, w, path, childDepth); err != nil {
				return err
			}
			continue
		}

		if childDepth < s.opts.MinDepth {
			continue
		}
		if s.acceptFile(it) {
			w.add(it)
		}
	}
	return nil
}

func (w *walk) add(it item.Item) {
	if _, dup := w.seen[it.Path]; dup {
		return
	}
	w.seen[it.Path] = struct{}{}
	w.items = append(w.items, it)
}

// acceptDirectory evaluates only directory rules against the directory itself.
func (s *Scanner) acceptDirectory(it item.Item) bool {
	if it.Hidden() && !s.opts.IncludeHiddenDirectories {
		return false
	}
	if s.opts.Filter != nil && !s.opts.Filter(it) {
		return false
	}
	if s.opts.FilterDirectory != nil && !s.opts.FilterDirectory(it) {
		return false
	}
	return true
}

func (s *Scanner) acceptFile(it item.Item) bool {
	if it.Hidden() && !s.opts.IncludeHiddenFiles {
		return false
	}
	if readlock.IsMarker(it.Name) {
		return false
	}
	if s.done != nil && s.done.Matches(it.Name) {
		return false
	}
	if s.opts.Filter != nil && !s.opts.Filter(it) {
		return false
	}
	for _, f := range s.filters {
		if !f(it) {
			return false
		}
	}
	if s.opts.FilterFile != nil && !s.opts.FilterFile(it) {
		return false
	}
	if s.done != nil {
		if ok, _ := afero.Exists(s.fs, s.done.For(it)); !ok {
			return false
		}
	}
	if s.opts.InProgress != nil && s.opts.InProgress(it.Path) {
		return false
	}
	if s.opts.Processed != nil && s.opts.Processed(it) {
		return false
	}
	return true
}
