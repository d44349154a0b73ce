// Package expr compiles the small filename language used by move, preMove,
// moveFailed, temp and done-file options. A pattern is literal text with
// ${...} placeholders evaluated against an item and the wall clock.
//
// Supported placeholders:
//
//	${file:name}            relative name with extension
//	${file:name.noext}      relative name without the last extension
//	${file:onlyname}        base name
//	${file:onlyname.noext}  base name without the last extension
//	${file:ext}             last extension without the dot
//	${file:parent}          directory holding the file
//	${file:path}            absolute path
//	${file:size}            size in bytes
//	${file:modified}        modification time in unix milliseconds
//	${name} ${name.noext}   base name without the last extension
//	${ext} ${parent}        shorthands for the file: forms
//	${date:now:FMT}         current time formatted with strftime FMT
//	${date:file:FMT}        modification time formatted with strftime FMT
//	${uuid}                 random UUID
//	${bean:NAME}            value returned by a registered Func
package expr

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ncruces/go-strftime"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
)

// Func is a named hook callable through ${bean:NAME}.
type Func func(it item.Item, now time.Time) (string, error)

type segment func(it item.Item, now time.Time) (string, error)

// Expression is a compiled pattern.
type Expression struct {
	source   string
	segments []segment
	dynamic  bool
}

// Compile parses pattern once. Unknown placeholders and unknown bean names
// are configuration errors.
func Compile(pattern string, beans map[string]Func) (*Expression, error) {
	e := &Expression{source: pattern}
	rest := pattern
	for rest != "" {
		start := strings.Index(rest, "${")
		if start < 0 {
			e.segments = append(e.segments, literal(rest))
			break
		}
		if start > 0 {
			e.segments = append(e.segments, literal(rest[:start]))
		}
		end := strings.Index(rest[start:], "}")
		if end < 0 {
			return nil, fileerr.Configf("expression", "unterminated placeholder in %q", pattern)
		}
		token := rest[start+2 : start+end]
		seg, err := placeholder(token, beans)
		if err != nil {
			return nil, fileerr.Configf("expression", "%q: %v", pattern, err)
		}
		e.segments = append(e.segments, seg)
		e.dynamic = true
		rest = rest[start+end+1:]
	}
	return e, nil
}

// String returns the source pattern.
func (e *Expression) String() string { return e.source }

// Dynamic reports whether the pattern contains placeholders.
func (e *Expression) Dynamic() bool { return e.dynamic }

// Evaluate renders the pattern for it.
func (e *Expression) Evaluate(it item.Item, now time.Time) (string, error) {
	var b strings.Builder
	for _, seg := range e.segments {
		s, err := seg(it, now)
		if err != nil {
			return "", fmt.Errorf("evaluate %q: %w", e.source, err)
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

// Resolve evaluates the pattern and turns the result into a path. Relative
// results are resolved against the item's parent directory; absolute results
// replace the whole path.
func (e *Expression) Resolve(it item.Item, now time.Time) (string, error) {
	out, err := e.Evaluate(it, now)
	if err != nil {
		return "", err
	}
	if out == "" {
		return "", fmt.Errorf("evaluate %q: empty result for %s", e.source, it.Path)
	}
	if filepath.IsAbs(out) {
		return filepath.Clean(out), nil
	}
	return filepath.Join(it.Parent(), out), nil
}

func literal(s string) segment {
	return func(item.Item, time.Time) (string, error) { return s, nil }
}

func placeholder(token string, beans map[string]Func) (segment, error) {
	switch token {
	case "file:name":
		return func(it item.Item, _ time.Time) (string, error) { return it.RelativePath, nil }, nil
	case "file:name.noext":
		return func(it item.Item, _ time.Time) (string, error) {
			ext := filepath.Ext(it.Name)
			if ext == "" || ext == it.Name {
				return it.RelativePath, nil
			}
			return strings.TrimSuffix(it.RelativePath, ext), nil
		}, nil
	case "file:onlyname":
		return func(it item.Item, _ time.Time) (string, error) { return it.Name, nil }, nil
	case "file:onlyname.noext", "name", "name.noext":
		return func(it item.Item, _ time.Time) (string, error) { return it.NameNoExt(), nil }, nil
	case "file:ext", "file:name.ext", "ext":
		return func(it item.Item, _ time.Time) (string, error) { return it.Ext(), nil }, nil
	case "file:parent", "parent":
		return func(it item.Item, _ time.Time) (string, error) { return it.Parent(), nil }, nil
	case "file:path", "file:absolute.path":
		return func(it item.Item, _ time.Time) (string, error) { return it.Path, nil }, nil
	case "file:size", "file:length":
		return func(it item.Item, _ time.Time) (string, error) { return strconv.FormatInt(it.Size, 10), nil }, nil
	case "file:modified":
		return func(it item.Item, _ time.Time) (string, error) {
			return strconv.FormatInt(it.ModTime.UnixMilli(), 10), nil
		}, nil
	case "uuid", "id":
		return func(item.Item, time.Time) (string, error) { return uuid.NewString(), nil }, nil
	}

	switch {
	case strings.HasPrefix(token, "date:now:"):
		layout := strings.TrimPrefix(token, "date:now:")
		if layout == "" {
			return nil, fmt.Errorf("empty date format")
		}
		return func(_ item.Item, now time.Time) (string, error) { return strftime.Format(layout, now), nil }, nil
	case strings.HasPrefix(token, "date:file:"):
		layout := strings.TrimPrefix(token, "date:file:")
		if layout == "" {
			return nil, fmt.Errorf("empty date format")
		}
		return func(it item.Item, _ time.Time) (string, error) { return strftime.Format(layout, it.ModTime), nil }, nil
	case strings.HasPrefix(token, "bean:"):
		name := strings.TrimPrefix(token, "bean:")
		fn, ok := beans[name]
		if !ok {
			return nil, fmt.Errorf("no bean registered as %q", name)
		}
		return segment(fn), nil
	}
	return nil, fmt.Errorf("unknown placeholder ${%s}", token)
}
