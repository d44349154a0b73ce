package expr

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
)

// doneTokens are the only placeholders a done-file pattern may use.
var doneTokens = []string{"${file:name}", "${file:name.noext}", "${name}", "${name.noext}", "${file:onlyname}", "${file:onlyname.noext}"}

// DoneFile resolves the companion done-file of a payload file. The done-file
// always lives next to its payload.
type DoneFile struct {
	pattern string
	expr    *Expression
	static  string
	prefix  bool
}

// CompileDoneFile validates pattern and prepares it for name matching.
func CompileDoneFile(pattern string) (*DoneFile, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return nil, fileerr.Configf("done_file_name", "pattern is empty")
	}
	if strings.ContainsAny(pattern, `/\`) {
		return nil, fileerr.Configf("done_file_name", "%q must not contain a directory", pattern)
	}
	static := pattern
	for _, tok := range doneTokens {
		static = strings.Replace(static, tok, "", 1)
	}
	if strings.Contains(static, "${") {
		return nil, fileerr.Configf("done_file_name", "%q may only use ${file:name} or ${file:name.noext}", pattern)
	}
	e, err := Compile(pattern, nil)
	if err != nil {
		return nil, err
	}
	return &DoneFile{
		pattern: pattern,
		expr:    e,
		static:  static,
		prefix:  strings.Index(pattern, "${") > 0,
	}, nil
}

// String returns the source pattern.
func (d *DoneFile) String() string { return d.pattern }

// For returns the absolute done-file path for a payload item.
func (d *DoneFile) For(it item.Item) string {
	local := it
	local.RelativePath = it.Name
	name, _ := d.expr.Evaluate(local, time.Time{})
	return filepath.Join(it.Parent(), name)
}

// ForName returns the done-file path for a payload written at path.
func (d *DoneFile) ForName(path string) string {
	return d.For(item.Item{Path: path, Name: filepath.Base(path)})
}

// Matches reports whether name is itself a done-file under this pattern.
func (d *DoneFile) Matches(name string) bool {
	if !d.expr.Dynamic() {
		return name == d.pattern
	}
	if d.static == "" {
		return false
	}
	if d.prefix {
		return strings.HasPrefix(name, d.static)
	}
	return strings.HasSuffix(name, d.static)
}
