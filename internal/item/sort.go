package item

import (
	"cmp"
	"slices"
	"strings"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// Comparator orders two items, returning <0, 0 or >0.
type Comparator func(a, b Item) int

// Chain combines comparators; ties are broken left to right.
func Chain(cs ...Comparator) Comparator {
	return func(a, b Item) int {
		for _, c := range cs {
			if r := c(a, b); r != 0 {
				return r
			}
		}
		return 0
	}
}

// Reverse inverts c.
func Reverse(c Comparator) Comparator {
	return func(a, b Item) int { return c(b, a) }
}

// Sort orders items in place. The sort is stable so equal items keep scan order.
func Sort(items []Item, c Comparator) {
	if c == nil {
		return
	}
	slices.SortStableFunc(items, c)
}

type keyFunc struct {
	text func(Item) string
	num  func(Item) int64
}

var sortKeys = map[string]keyFunc{
	"file:name":     {text: func(it Item) string { return it.RelativePath }},
	"file:onlyname": {text: func(it Item) string { return it.Name }},
	"file:path":     {text: func(it Item) string { return it.Path }},
	"file:parent":   {text: func(it Item) string { return it.Parent() }},
	"file:ext":      {text: func(it Item) string { return it.Ext() }},
	"file:modified": {num: func(it Item) int64 { return it.ModTime.UnixNano() }},
	"file:size":     {num: func(it Item) int64 { return it.Size }},
}

// ParseSortBy compiles a sortBy expression such as
// "reverse:file:modified;ignoreCase:file:name" into a comparator chain.
// Each group may carry the reverse: and ignoreCase: modifiers in any order.
// The file: prefix is optional.
func ParseSortBy(spec string) (Comparator, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, nil
	}
	var chain []Comparator
	for _, group := range strings.Split(spec, ";") {
		group = strings.TrimSpace(group)
		if group == "" {
			continue
		}
		reverse, ignoreCase := false, false
		for {
			switch {
			case strings.HasPrefix(group, "reverse:"):
				reverse = true
				group = strings.TrimPrefix(group, "reverse:")
				continue
			case strings.HasPrefix(group, "ignoreCase:"):
				ignoreCase = true
				group = strings.TrimPrefix(group, "ignoreCase:")
				continue
			}
			break
		}
		if !strings.HasPrefix(group, "file:") {
			group = "file:" + group
		}
		key, ok := sortKeys[group]
		if !ok {
			return nil, fileerr.Configf("sort_by", "unknown sort key %q", group)
		}
		c := compile(key, ignoreCase)
		if reverse {
			c = Reverse(c)
		}
		chain = append(chain, c)
	}
	if len(chain) == 0 {
		return nil, fileerr.Configf("sort_by", "no sort groups in %q", spec)
	}
	return Chain(chain...), nil
}

func compile(key keyFunc, ignoreCase bool) Comparator {
	if key.num != nil {
		return func(a, b Item) int { return cmp.Compare(key.num(a), key.num(b)) }
	}
	if ignoreCase {
		return func(a, b Item) int {
			return cmp.Compare(strings.ToLower(key.text(a)), strings.ToLower(key.text(b)))
		}
	}
	return func(a, b Item) int { return cmp.Compare(key.text(a), key.text(b)) }
}
