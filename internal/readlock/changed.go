package readlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// ErrNotStable is wrapped by the AcquisitionError returned when a file keeps
// changing until the timeout.
var ErrNotStable = errors.New("file did not stabilize before timeout")

// Changed waits until a file stops growing: size and modification time must
// match across two consecutive checks, size must reach MinLength and the
// last modification must be at least MinAge old.
type Changed struct {
	fs   afero.Fs
	opts Options
	log  zerolog.Logger
	now  func() time.Time
}

func NewChanged(fs afero.Fs, opts Options) *Changed {
	return &Changed{fs: fs, opts: opts, log: opts.Logger, now: time.Now}
}

func (c *Changed) Name() string { return KindChanged }

func (c *Changed) PrepareOnStartup(context.Context, string) error { return nil }

func (c *Changed) Acquire(ctx context.Context, l *Lease) (bool, error) {
	start := c.now()
	var (
		lastSize int64 = -1
		lastMod  time.Time
	)
	for {
		info, err := c.fs.Stat(l.Path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return false, nil
			}
			return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindChanged, Err: err}
		}

		size, mod := info.Size(), info.ModTime()
		stable := size == lastSize && mod.Equal(lastMod)
		longEnough := size >= c.opts.MinLength
		oldEnough := c.opts.MinAge <= 0 || c.now().Sub(mod) >= c.opts.MinAge
		if stable && longEnough && oldEnough {
			return true, nil
		}

		if c.opts.Timeout > 0 && c.now().Sub(start) >= c.opts.Timeout {
			c.log.Debug().
				Str("path", l.Path).
				Str("size", humanize.IBytes(uint64(max(size, 0)))).
				Dur("timeout", c.opts.Timeout).
				Msg("file still changing")
			return false, &fileerr.AcquisitionError{
				Path:     l.Path,
				Strategy: KindChanged,
				Err:      fmt.Errorf("%w after %s", ErrNotStable, c.opts.Timeout),
			}
		}
		lastSize, lastMod = size, mod

		if err := sleep(ctx, c.opts.CheckInterval); err != nil {
			return false, err
		}
	}
}

func (c *Changed) ReleaseOnCommit(context.Context, *Lease) error   { return nil }
func (c *Changed) ReleaseOnRollback(context.Context, *Lease) error { return nil }
func (c *Changed) ReleaseOnAbort(context.Context, *Lease) error    { return nil }
