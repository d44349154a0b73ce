// Package producer writes payloads into a directory so that polling readers
// never see partial content: the payload goes to a temporary name first and
// is renamed into place, optionally followed by a done-file.
package producer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/ppiankov/dropwatch/internal/expr"
	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/fsops"
	"github.com/ppiankov/dropwatch/internal/item"
)

// FileExist is the policy applied when the target file already exists.
type FileExist string

const (
	Override FileExist = "Override"
	Append   FileExist = "Append"
	Fail     FileExist = "Fail"
	Ignore   FileExist = "Ignore"
	// Move relocates the existing file to MoveExisting before writing.
	Move FileExist = "Move"
)

// ParseFileExist accepts the policy names case-insensitively.
func ParseFileExist(s string) (FileExist, error) {
	for _, p := range []FileExist{Override, Append, Fail, Ignore, Move} {
		if strings.EqualFold(s, string(p)) {
			return p, nil
		}
	}
	if s == "" {
		return Override, nil
	}
	return "", fileerr.Configf("file_exist", "unknown policy %q", s)
}

// DefaultFileName names written files after the source item.
const DefaultFileName = "${file:name}"

// ErrTargetExists is returned under the Fail policy.
var ErrTargetExists = errors.New("target file already exists")

// ErrNullBody is returned for a nil body unless AllowNullBody is set.
var ErrNullBody = errors.New("cannot write null body")

// Options configure a Producer.
type Options struct {
	FileExist FileExist
	// FileName is evaluated against the source item by WriteFor.
	FileName string
	// MoveExisting is where the Move policy puts the existing file. Relative
	// results resolve against the target's directory.
	MoveExisting string

	// TempPrefix and TempFileName are mutually exclusive ways of naming the
	// temporary file. With neither set the payload is written in place, so a
	// concurrent reader of the directory can see a partial file. Consumers
	// that need an atomic hand-off want one of these or DoneFileName.
	TempPrefix   string
	TempFileName string

	DoneFileName string
	Charset      string

	AutoCreate            bool
	EagerDeleteTargetFile bool
	AllowNullBody         bool

	Logger zerolog.Logger
	Now    func() time.Time
}

// DefaultOptions mirrors the defaults of the configuration layer.
func DefaultOptions() Options {
	return Options{
		FileExist:             Override,
		FileName:              DefaultFileName,
		AutoCreate:            true,
		EagerDeleteTargetFile: true,
	}
}

// Result describes one write.
type Result struct {
	Path     string
	DonePath string
	Bytes    int64
	// Skipped is set when the Ignore policy left an existing file alone, or
	// a null body was appended.
	Skipped bool
}

// Producer writes files below one directory. It is safe for concurrent use;
// writes to the same target are serialized.
type Producer struct {
	fs  afero.Fs
	dir string

	opts         Options
	fileName     *expr.Expression
	tempName     *expr.Expression
	moveExisting *expr.Expression
	doneFile     *expr.DoneFile
	encoder      encoding.Encoding
	log          zerolog.Logger

	mu    sync.Mutex
	locks map[string]*targetLock
}

type targetLock struct {
	mu   sync.Mutex
	refs int
}

// New validates opts. Conflicting options are a *fileerr.ConfigurationError.
func New(fs afero.Fs, dir string, opts Options) (*Producer, error) {
	if dir == "" {
		return nil, fileerr.Configf("dir", "is required")
	}
	policy, err := ParseFileExist(string(opts.FileExist))
	if err != nil {
		return nil, err
	}
	opts.FileExist = policy
	if opts.TempPrefix != "" && opts.TempFileName != "" {
		return nil, fileerr.Configf("temp_file_name", "cannot be combined with temp_prefix")
	}
	if opts.FileExist == Append && (opts.TempPrefix != "" || opts.TempFileName != "") {
		return nil, fileerr.Configf("file_exist", "Append cannot be used with a temporary file name")
	}
	if opts.FileExist == Move && opts.MoveExisting == "" {
		return nil, fileerr.Configf("move_existing", "is required when file_exist is Move")
	}
	if opts.FileName == "" {
		opts.FileName = DefaultFileName
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	p := &Producer{
		fs:    fs,
		dir:   filepath.Clean(dir),
		opts:  opts,
		log:   opts.Logger.With().Str("component", "producer").Logger(),
		locks: make(map[string]*targetLock),
	}

	if p.fileName, err = expr.Compile(opts.FileName, nil); err != nil {
		return nil, err
	}
	if opts.TempFileName != "" {
		if p.tempName, err = expr.Compile(opts.TempFileName, nil); err != nil {
			return nil, err
		}
	}
	if opts.MoveExisting != "" {
		if p.moveExisting, err = expr.Compile(opts.MoveExisting, nil); err != nil {
			return nil, err
		}
	}
	if opts.DoneFileName != "" {
		if p.doneFile, err = expr.CompileDoneFile(opts.DoneFileName); err != nil {
			return nil, err
		}
	}
	if opts.Charset != "" {
		enc, err := htmlindex.Get(opts.Charset)
		if err != nil {
			return nil, fileerr.Configf("charset", "unsupported charset %q", opts.Charset)
		}
		p.encoder = enc
	}
	return p, nil
}

// Dir returns the target directory.
func (p *Producer) Dir() string { return p.dir }

// WriteFor names the file by evaluating FileName against src and writes body.
func (p *Producer) WriteFor(ctx context.Context, src item.Item, body []byte) (Result, error) {
	name, err := p.fileName.Evaluate(src, p.opts.Now())
	if err != nil {
		return Result{}, err
	}
	return p.Write(ctx, name, body)
}

// Write stores body as name, relative to the producer directory. A nil body
// is a null body.
func (p *Producer) Write(ctx context.Context, name string, body []byte) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	target, err := p.targetPath(name)
	if err != nil {
		return Result{}, err
	}
	if body == nil && !p.opts.AllowNullBody {
		return Result{Path: target}, fmt.Errorf("%s: %w", target, ErrNullBody)
	}

	unlock := p.lock(target)
	defer unlock()

	if err := p.prepareDir(filepath.Dir(target)); err != nil {
		return Result{Path: target}, err
	}

	data := body
	if p.encoder != nil && len(body) > 0 {
		if data, err = p.encoder.NewEncoder().Bytes(body); err != nil {
			return Result{Path: target}, fmt.Errorf("encode %s as %s: %w", target, p.opts.Charset, err)
		}
	}

	res, err := p.write(target, data, body == nil)
	if err != nil || res.Skipped {
		return res, err
	}

	if p.doneFile != nil {
		done := p.doneFile.ForName(target)
		if err := afero.WriteFile(p.fs, done, nil, fsops.FilePerm); err != nil {
			return res, fmt.Errorf("write done file %s: %w", done, err)
		}
		res.DonePath = done
	}

	p.log.Debug().
		Str("path", target).
		Str("size", humanize.IBytes(uint64(res.Bytes))).
		Str("file_exist", string(p.opts.FileExist)).
		Msg("file written")
	return res, nil
}

func (p *Producer) targetPath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("empty file name")
	}
	if filepath.IsAbs(name) {
		return filepath.Clean(name), nil
	}
	target := filepath.Join(p.dir, name)
	if !strings.HasPrefix(target, p.dir+string(filepath.Separator)) {
		return "", fmt.Errorf("file name %q escapes %s", name, p.dir)
	}
	return target, nil
}

func (p *Producer) prepareDir(dir string) error {
	ok, err := afero.DirExists(p.fs, dir)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if !p.opts.AutoCreate {
		return fmt.Errorf("directory %s does not exist", dir)
	}
	return fsops.EnsureDir(p.fs, dir)
}

func (p *Producer) write(target string, data []byte, null bool) (Result, error) {
	res := Result{Path: target}
	if null && p.opts.FileExist == Append {
		res.Skipped = true
		return res, nil
	}
	exists, err := fsops.Exists(p.fs, target)
	if err != nil {
		return res, err
	}

	if exists {
		switch p.opts.FileExist {
		case Ignore:
			p.log.Debug().Str("path", target).Msg("target exists, ignoring")
			res.Skipped = true
			return res, nil
		case Fail:
			return res, fmt.Errorf("%s: %w", target, ErrTargetExists)
		case Move:
			if err := p.moveAside(target); err != nil {
				return res, err
			}
			exists = false
		}
	}

	temp, err := p.tempPath(target)
	if err != nil {
		return res, err
	}
	if temp == "" {
		return p.writeDirect(res, data)
	}

	if exists && p.opts.EagerDeleteTargetFile {
		if err := fsops.Remove(p.fs, target); err != nil {
			return res, fmt.Errorf("delete existing %s: %w", target, err)
		}
	}
	if err := fsops.Remove(p.fs, temp); err != nil {
		return res, fmt.Errorf("delete stale temp %s: %w", temp, err)
	}
	if err := p.writeFile(temp, data, os.O_WRONLY|os.O_CREATE|os.O_TRUNC); err != nil {
		_ = fsops.Remove(p.fs, temp)
		return res, err
	}
	// Move replaces a target that was not deleted eagerly.
	if err := fsops.Move(p.fs, temp, target); err != nil {
		_ = fsops.Remove(p.fs, temp)
		return res, fmt.Errorf("rename %s to %s: %w", temp, target, err)
	}
	res.Bytes = int64(len(data))
	return res, nil
}

func (p *Producer) writeDirect(res Result, data []byte) (Result, error) {
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if p.opts.FileExist == Append {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	if err := p.writeFile(res.Path, data, flag); err != nil {
		return res, err
	}
	res.Bytes = int64(len(data))
	return res, nil
}

func (p *Producer) writeFile(path string, data []byte, flag int) error {
	f, err := p.fs.OpenFile(path, flag, fsops.FilePerm)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	return f.Close()
}

// tempPath returns "" when the payload is written in place.
func (p *Producer) tempPath(target string) (string, error) {
	switch {
	case p.opts.TempPrefix != "":
		return filepath.Join(filepath.Dir(target), p.opts.TempPrefix+filepath.Base(target)), nil
	case p.tempName != nil:
		return p.tempName.Resolve(p.targetItem(target), p.opts.Now())
	default:
		return "", nil
	}
}

func (p *Producer) moveAside(target string) error {
	dst, err := p.moveExisting.Resolve(p.targetItem(target), p.opts.Now())
	if err != nil {
		return err
	}
	if err := fsops.Move(p.fs, target, dst); err != nil {
		return fmt.Errorf("move existing %s to %s: %w", target, dst, err)
	}
	p.log.Debug().Str("path", target).Str("to", dst).Msg("moved existing file aside")
	return nil
}

// targetItem describes the file about to be written so name expressions can
// refer to it.
func (p *Producer) targetItem(target string) item.Item {
	rel, err := filepath.Rel(p.dir, target)
	if err != nil {
		rel = filepath.Base(target)
	}
	return item.Item{
		Root:         p.dir,
		Path:         target,
		RelativePath: rel,
		Name:         filepath.Base(target),
		ModTime:      p.opts.Now(),
	}
}

func (p *Producer) lock(target string) func() {
	p.mu.Lock()
	l, ok := p.locks[target]
	if !ok {
		l = &targetLock{}
		p.locks[target] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.locks, target)
		}
		p.mu.Unlock()
	}
}
