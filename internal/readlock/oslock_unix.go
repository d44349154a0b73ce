//go:build unix

package readlock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sys/unix"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// OsLock holds a non-blocking exclusive flock on the file for the duration of
// processing, retrying every CheckInterval until Timeout. Advisory locks only
// exclude writers that also lock, and are unreliable on some network
// filesystems.
type OsLock struct {
	fs   afero.Fs
	opts Options
	log  zerolog.Logger
}

// fder is satisfied by *os.File, which afero.OsFs hands out.
type fder interface {
	Fd() uintptr
}

// NewOsLock requires a filesystem backed by real file descriptors.
func NewOsLock(fs afero.Fs, opts Options) (*OsLock, error) {
	if _, ok := fs.(*afero.OsFs); !ok {
		return nil, fileerr.Configf("read_lock", "osLock needs the OS filesystem, got %s", fs.Name())
	}
	return &OsLock{fs: fs, opts: opts, log: opts.Logger}, nil
}

func (o *OsLock) Name() string { return KindOsLock }

func (o *OsLock) PrepareOnStartup(context.Context, string) error { return nil }

func (o *OsLock) Acquire(ctx context.Context, l *Lease) (bool, error) {
	f, err := o.fs.OpenFile(l.Path, os.O_RDWR, 0)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindOsLock, Err: err}
	}
	fd, ok := f.(fder)
	if !ok {
		f.Close()
		return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindOsLock, Err: errors.New("file has no descriptor")}
	}

	var waited time.Duration
	for {
		err := unix.Flock(int(fd.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EWOULDBLOCK) {
			f.Close()
			return false, &fileerr.AcquisitionError{Path: l.Path, Strategy: KindOsLock, Err: err}
		}
		if o.opts.Timeout > 0 && waited >= o.opts.Timeout {
			f.Close()
			o.log.Debug().Str("path", l.Path).Dur("timeout", o.opts.Timeout).Msg("file locked by another process")
			return false, nil
		}
		if err := sleep(ctx, o.opts.CheckInterval); err != nil {
			f.Close()
			return false, err
		}
		waited += o.opts.CheckInterval
	}

	l.unlock = func() error {
		uerr := unix.Flock(int(fd.Fd()), unix.LOCK_UN)
		if err := errors.Join(uerr, f.Close()); err != nil {
			return fmt.Errorf("unlock %s: %w", l.Item.Path, err)
		}
		return nil
	}
	return true, nil
}

func (o *OsLock) ReleaseOnCommit(_ context.Context, l *Lease) error   { return o.release(l) }
func (o *OsLock) ReleaseOnRollback(_ context.Context, l *Lease) error { return o.release(l) }
func (o *OsLock) ReleaseOnAbort(_ context.Context, l *Lease) error    { return o.release(l) }

func (o *OsLock) release(l *Lease) error {
	if l.unlock == nil {
		return nil
	}
	unlock := l.unlock
	l.unlock = nil
	return unlock()
}
