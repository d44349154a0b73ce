package scan

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
)

// Predicate is a caller-supplied filter. It sees directories as well as
// files; returning false for a directory prunes the whole subtree.
type Predicate func(it item.Item) bool

// fileFilter is one compiled file-only rule.
type fileFilter func(it item.Item) bool

// compileFileFilters turns the name-based options into a list of rules that
// must all accept a file.
func compileFileFilters(o Options) ([]fileFilter, error) {
	var filters []fileFilter

	if len(o.AntInclude) > 0 || len(o.AntExclude) > 0 {
		f, err := antFilter(o.AntInclude, o.AntExclude, o.AntIgnoreCase)
		if err != nil {
			return nil, err
		}
		filters = append(filters, f)
	}

	if len(o.ExcludeExt) > 0 {
		exts := normalizeExts(o.ExcludeExt)
		filters = append(filters, func(it item.Item) bool { return !hasExt(it.Name, exts) })
	}
	if len(o.IncludeExt) > 0 {
		exts := normalizeExts(o.IncludeExt)
		filters = append(filters, func(it item.Item) bool { return hasExt(it.Name, exts) })
	}

	if o.Exclude != "" {
		re, err := compileRegex("exclude", o.Exclude)
		if err != nil {
			return nil, err
		}
		filters = append(filters, func(it item.Item) bool { return !re.MatchString(it.Name) })
	}
	if o.Include != "" {
		re, err := compileRegex("include", o.Include)
		if err != nil {
			return nil, err
		}
		filters = append(filters, func(it item.Item) bool { return re.MatchString(it.Name) })
	}

	if len(o.ExcludePrefixes) > 0 || len(o.ExcludeSuffixes) > 0 {
		pre, suf := o.ExcludePrefixes, o.ExcludeSuffixes
		filters = append(filters, func(it item.Item) bool {
			return !hasAnyPrefix(it.Name, pre) && !hasAnySuffix(it.Name, suf)
		})
	}
	if len(o.IncludePrefixes) > 0 {
		pre := o.IncludePrefixes
		filters = append(filters, func(it item.Item) bool { return hasAnyPrefix(it.Name, pre) })
	}
	if len(o.IncludeSuffixes) > 0 {
		suf := o.IncludeSuffixes
		filters = append(filters, func(it item.Item) bool { return hasAnySuffix(it.Name, suf) })
	}

	return filters, nil
}

// compileRegex anchors pattern to the whole name.
func compileRegex(option, pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fileerr.Configf(option, "invalid regex %q: %v", pattern, err)
	}
	return re, nil
}

// antFilter matches the slash-separated relative path against Ant-style
// patterns. Excludes win over includes; no includes means include all.
func antFilter(includes, excludes []string, ignoreCase bool) (fileFilter, error) {
	norm := func(ps []string) ([]string, error) {
		out := make([]string, 0, len(ps))
		for _, p := range ps {
			p = strings.TrimSpace(filepath.ToSlash(p))
			if p == "" {
				continue
			}
			if strings.HasSuffix(p, "/") {
				p += "**"
			}
			if !doublestar.ValidatePattern(p) {
				return nil, fileerr.Configf("ant_include", "invalid pattern %q", p)
			}
			if ignoreCase {
				p = strings.ToLower(p)
			}
			out = append(out, p)
		}
		return out, nil
	}
	inc, err := norm(includes)
	if err != nil {
		return nil, err
	}
	exc, err := norm(excludes)
	if err != nil {
		return nil, err
	}

	return func(it item.Item) bool {
		path := filepath.ToSlash(it.RelativePath)
		if ignoreCase {
			path = strings.ToLower(path)
		}
		for _, p := range exc {
			if ok, _ := doublestar.Match(p, path); ok {
				return false
			}
		}
		if len(inc) == 0 {
			return true
		}
		for _, p := range inc {
			if ok, _ := doublestar.Match(p, path); ok {
				return true
			}
		}
		return false
	}, nil
}

func normalizeExts(exts []string) []string {
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, "."+e)
		}
	}
	return out
}

// hasExt matches multi-part extensions such as tar.gz as well.
func hasExt(name string, exts []string) bool {
	lower := strings.ToLower(name)
	for _, e := range exts {
		if strings.HasSuffix(lower, e) && len(lower) > len(e) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes []string) bool {
	for _, p := range suffixes {
		if p != "" && strings.HasSuffix(s, p) {
			return true
		}
	}
	return false
}
