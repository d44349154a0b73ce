// Package readlock implements the exclusive-access strategies that guard a
// file while it is being consumed: none, markerFile, rename, changed and
// osLock. A strategy is safe for concurrent use across different items; a
// single Lease is only ever touched by the delivery that owns it.
package readlock

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
)

// Strategy names accepted by New.
const (
	KindNone       = "none"
	KindMarkerFile = "markerFile"
	KindRename     = "rename"
	KindChanged    = "changed"
	KindOsLock     = "osLock"
)

// Defaults applied by New for zero options.
const (
	DefaultTimeout       = 10 * time.Second
	DefaultCheckInterval = time.Second
	DefaultMinLength     = 1
)

// Strategy guards one item from acquire until exactly one of the release
// calls. Acquire returning false means the item is skipped this cycle.
type Strategy interface {
	Name() string
	// PrepareOnStartup removes artifacts left behind by a crashed run below root.
	PrepareOnStartup(ctx context.Context, root string) error
	Acquire(ctx context.Context, l *Lease) (bool, error)
	ReleaseOnCommit(ctx context.Context, l *Lease) error
	ReleaseOnRollback(ctx context.Context, l *Lease) error
	ReleaseOnAbort(ctx context.Context, l *Lease) error
}

// Lease is the lock token for one item. Item is the begin-time snapshot and
// never changes; Path is where the payload currently lives, which differs
// from Item.Path once a strategy or pre-move relocated it.
type Lease struct {
	Item  item.Item
	Path  string
	Token string

	marker string
	unlock func() error
}

// NewLease returns an unacquired lease for it.
func NewLease(it item.Item) *Lease {
	return &Lease{Item: it, Path: it.Path, Token: uuid.NewString()}
}

// Options tune the strategies. Zero values fall back to the defaults above
// where a default exists.
type Options struct {
	Timeout       time.Duration
	CheckInterval time.Duration
	// MinLength is the smallest size the changed strategy accepts.
	MinLength int64
	// MinAge is how old the last modification must be before changed accepts.
	MinAge time.Duration
	// MarkerFile makes changed and osLock take a marker file as well.
	MarkerFile bool
	// DeleteOrphanLockFiles enables marker cleanup in PrepareOnStartup.
	DeleteOrphanLockFiles bool
	// Recursive widens startup cleanup to subdirectories.
	Recursive bool
	Logger    zerolog.Logger
}

func (o Options) withDefaults() Options {
	if o.Timeout < 0 {
		o.Timeout = 0
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = DefaultCheckInterval
	}
	if o.MinLength < 0 {
		o.MinLength = 0
	}
	return o
}

// DefaultOptions returns the options used when a route configures nothing.
func DefaultOptions() Options {
	return Options{
		Timeout:               DefaultTimeout,
		CheckInterval:         DefaultCheckInterval,
		MinLength:             DefaultMinLength,
		MarkerFile:            true,
		DeleteOrphanLockFiles: true,
		Logger:                zerolog.Nop(),
	}
}

// New builds the strategy named kind. Names are matched case-insensitively;
// "fileLock" is accepted for osLock and "" for none.
func New(kind string, fs afero.Fs, opts Options) (Strategy, error) {
	opts = opts.withDefaults()
	log := opts.Logger.With().Str("component", "readlock").Str("strategy", kind).Logger()
	opts.Logger = log

	switch strings.ToLower(kind) {
	case "", strings.ToLower(KindNone):
		return None{}, nil
	case strings.ToLower(KindMarkerFile), "marker":
		return NewMarker(fs, opts), nil
	case strings.ToLower(KindRename):
		return NewRename(fs, opts), nil
	case strings.ToLower(KindChanged):
		var s Strategy = NewChanged(fs, opts)
		if opts.MarkerFile {
			s = WithMarker(s, NewMarker(fs, opts))
		}
		return s, nil
	case strings.ToLower(KindOsLock), "filelock":
		s, err := NewOsLock(fs, opts)
		if err != nil {
			return nil, err
		}
		if opts.MarkerFile {
			return WithMarker(s, NewMarker(fs, opts)), nil
		}
		return s, nil
	default:
		return nil, fileerr.Configf("read_lock", "unknown strategy %q", kind)
	}
}

// None takes no lock at all.
type None struct{}

func (None) Name() string                                    { return KindNone }
func (None) PrepareOnStartup(context.Context, string) error  { return nil }
func (None) Acquire(context.Context, *Lease) (bool, error)   { return true, nil }
func (None) ReleaseOnCommit(context.Context, *Lease) error   { return nil }
func (None) ReleaseOnRollback(context.Context, *Lease) error { return nil }
func (None) ReleaseOnAbort(context.Context, *Lease) error    { return nil }

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
