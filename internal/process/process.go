// Package process implements the two-phase protocol applied to every item a
// consumer delivers: Begin takes the idempotent key and the read lock and
// optionally pre-moves the file; Commit, Rollback or Abort then finish it.
package process

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/expr"
	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/fsops"
	"github.com/ppiankov/dropwatch/internal/idempotent"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/readlock"
)

// DefaultMove is applied on commit when neither noop, delete nor move is set.
const DefaultMove = ".done/${file:onlyname}"

// DefaultIdempotentKey identifies a file by relative path and size.
const DefaultIdempotentKey = "${file:name}-${file:size}"

// Options configure the commit behaviour.
type Options struct {
	// Noop leaves the source file in place after commit.
	Noop bool
	// Delete removes the source file after commit.
	Delete bool
	// Move, PreMove and MoveFailed are path expressions. Relative results
	// resolve against the file's original directory.
	Move       string
	PreMove    string
	MoveFailed string

	// Idempotent enables the idempotent repository.
	Idempotent    bool
	IdempotentKey string

	// DoneFileName names the gating done-file, deleted on commit unless Noop.
	DoneFileName string

	Beans map[string]expr.Func

	// ReadLockLoggingLevel is the level used when a lock is not acquired.
	ReadLockLoggingLevel zerolog.Level
	Logger               zerolog.Logger
	Now                  func() time.Time
}

// State is the position of a ticket in the protocol.
type State int

const (
	StateBegun State = iota + 1
	StateCommitted
	StateRolledBack
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateBegun:
		return "begun"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	case StateAborted:
		return "aborted"
	default:
		return "discovered"
	}
}

// Ticket carries one begun item to its terminal state. Item is the identity
// captured at Begin; nothing the processor does to its own copy affects
// what Commit or Rollback act on.
type Ticket struct {
	Item  item.Item
	Key   string
	lease *readlock.Lease
	state State
	keyed bool
}

// Path is where the payload lives right now.
func (t *Ticket) Path() string { return t.lease.Path }

// State returns the ticket's protocol state.
func (t *Ticket) State() State { return t.state }

// Strategy runs the protocol. It is safe for concurrent use across items.
type Strategy struct {
	fs         afero.Fs
	lock       readlock.Strategy
	repo       idempotent.Repository
	opts       Options
	move       *expr.Expression
	preMove    *expr.Expression
	moveFailed *expr.Expression
	key        *expr.Expression
	done       *expr.DoneFile
	log        zerolog.Logger
}

// New validates the option combination and compiles the expressions.
// A nil lock means no locking; repo may be nil when Idempotent is off.
func New(fs afero.Fs, lock readlock.Strategy, repo idempotent.Repository, opts Options) (*Strategy, error) {
	if opts.Delete && opts.Move != "" {
		return nil, fileerr.Configf("delete", "delete and move cannot both be set")
	}
	if opts.Noop && (opts.Delete || opts.Move != "") {
		return nil, fileerr.Configf("noop", "noop cannot be combined with delete or move")
	}
	if opts.Idempotent && repo == nil {
		return nil, fileerr.Configf("idempotent_repository", "idempotent consumption needs a repository")
	}
	if lock == nil {
		lock = readlock.None{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if !opts.Noop && !opts.Delete && opts.Move == "" {
		opts.Move = DefaultMove
	}
	if opts.IdempotentKey == "" {
		opts.IdempotentKey = DefaultIdempotentKey
	}

	s := &Strategy{
		fs:   fs,
		lock: lock,
		repo: repo,
		opts: opts,
		log:  opts.Logger.With().Str("component", "process").Logger(),
	}
	var err error
	compile := func(option, pattern string) *expr.Expression {
		if pattern == "" || err != nil {
			return nil
		}
		var e *expr.Expression
		e, err = expr.Compile(pattern, opts.Beans)
		if err != nil {
			err = fmt.Errorf("%s: %w", option, err)
		}
		return e
	}
	s.move = compile("move", opts.Move)
	s.preMove = compile("pre_move", opts.PreMove)
	s.moveFailed = compile("move_failed", opts.MoveFailed)
	s.key = compile("idempotent_key", opts.IdempotentKey)
	if err != nil {
		return nil, err
	}
	if opts.DoneFileName != "" {
		if s.done, err = expr.CompileDoneFile(opts.DoneFileName); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Lock returns the exclusive-access strategy in use.
func (s *Strategy) Lock() readlock.Strategy { return s.lock }

// Processed reports whether the idempotent key of it is already in the
// repository, in progress or confirmed. It is always false when the
// strategy is not idempotent. A key that cannot be evaluated or looked up
// counts as unseen so Begin reports the error.
func (s *Strategy) Processed(ctx context.Context, it item.Item) bool {
	if !s.opts.Idempotent {
		return false
	}
	key, err := s.key.Evaluate(it, s.opts.Now())
	if err != nil {
		return false
	}
	ok, err := s.repo.Contains(ctx, key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("idempotent lookup")
		return false
	}
	return ok
}

// Begin claims it. A false return means the item must not be delivered:
// it was already processed, the lock was not acquired or the pre-move
// failed. Acquisition failures come back as *fileerr.AcquisitionError.
func (s *Strategy) Begin(ctx context.Context, it item.Item) (*Ticket, bool, error) {
	t := &Ticket{Item: it, lease: readlock.NewLease(it)}

	if s.opts.Idempotent {
		key, err := s.key.Evaluate(it, s.opts.Now())
		if err != nil {
			return nil, false, err
		}
		t.Key = key
		added, err := s.repo.Add(ctx, key)
		if err != nil {
			return nil, false, fmt.Errorf("idempotent add %s: %w", it.Path, err)
		}
		if !added {
			s.log.Debug().Str("path", it.Path).Str("key", key).Msg("already processed, skipping")
			return nil, false, nil
		}
		t.keyed = true
	}

	ok, err := s.lock.Acquire(ctx, t.lease)
	if !ok || err != nil {
		s.log.WithLevel(s.opts.ReadLockLoggingLevel).
			Err(err).
			Str("path", it.Path).
			Str("read_lock", s.lock.Name()).
			Msg("cannot acquire read lock, skipping until next poll")
		s.forgetKey(t)
		t.state = StateAborted
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, false, err
	}

	if s.preMove != nil {
		target, err := s.preMove.Resolve(it, s.opts.Now())
		if err == nil {
			err = fsops.Move(s.fs, t.lease.Path, target)
		}
		if err != nil {
			s.Abort(ctx, t)
			return nil, false, fmt.Errorf("pre-move %s: %w", it.Path, err)
		}
		t.lease.Path = target
	}

	t.state = StateBegun
	return t, true, nil
}

// Commit finishes a successful delivery: the file is moved, deleted or left
// in place, the done-file is removed, the lock released and the key
// confirmed. A failure before confirmation returns *fileerr.CommitError and
// leaves the key unconfirmed.
func (s *Strategy) Commit(ctx context.Context, t *Ticket) error {
	if t.state != StateBegun {
		return fmt.Errorf("commit %s: ticket is %s", t.Item.Path, t.state)
	}
	ctx = context.WithoutCancel(ctx)
	t.state = StateCommitted

	var commitErr error
	switch {
	case s.opts.Noop:
	case s.opts.Delete:
		if err := fsops.Remove(s.fs, t.lease.Path); err != nil {
			commitErr = &fileerr.CommitError{Path: t.Item.Path, Op: "delete", Err: err}
		}
	default:
		target, err := s.move.Resolve(t.Item, s.opts.Now())
		if err == nil {
			err = fsops.Move(s.fs, t.lease.Path, target)
		}
		if err != nil {
			commitErr = &fileerr.CommitError{Path: t.Item.Path, Op: "move", Err: err}
		} else {
			t.lease.Path = target
		}
	}

	if commitErr == nil && s.done != nil && !s.opts.Noop {
		if err := fsops.Remove(s.fs, s.done.For(t.Item)); err != nil {
			commitErr = &fileerr.CommitError{Path: t.Item.Path, Op: "delete done-file", Err: err}
		}
	}

	if err := s.lock.ReleaseOnCommit(ctx, t.lease); err != nil {
		s.log.Warn().Err(err).Str("path", t.Item.Path).Msg("release read lock on commit")
	}

	if commitErr != nil {
		s.forgetKey(t)
		s.log.Error().Err(commitErr).Str("path", t.Item.Path).Msg("commit failed")
		return commitErr
	}

	if t.keyed {
		if err := s.repo.Confirm(ctx, t.Key); err != nil {
			s.forgetKey(t)
			return &fileerr.CommitError{Path: t.Item.Path, Op: "confirm", Err: err}
		}
	}

	s.log.Debug().
		Str("path", t.Item.Path).
		Str("now_at", t.lease.Path).
		Str("size", humanize.IBytes(uint64(max(t.Item.Size, 0)))).
		Msg("committed")
	return nil
}

// Rollback finishes a failed delivery. With MoveFailed the file is moved
// there; otherwise it is put back where Begin found it. The key is never
// confirmed, so the file is retried on a later poll unless it was moved away.
func (s *Strategy) Rollback(ctx context.Context, t *Ticket, cause error) error {
	if t.state != StateBegun {
		return fmt.Errorf("rollback %s: ticket is %s", t.Item.Path, t.state)
	}
	ctx = context.WithoutCancel(ctx)
	t.state = StateRolledBack

	var errs []error
	if s.moveFailed != nil {
		target, err := s.moveFailed.Resolve(t.Item, s.opts.Now())
		if err == nil {
			err = fsops.Move(s.fs, t.lease.Path, target)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("move failed file %s: %w", t.Item.Path, err))
			errs = append(errs, s.restore(t))
		} else {
			t.lease.Path = target
		}
	} else {
		errs = append(errs, s.restore(t))
	}

	if err := s.lock.ReleaseOnRollback(ctx, t.lease); err != nil {
		s.log.Warn().Err(err).Str("path", t.Item.Path).Msg("release read lock on rollback")
	}
	s.forgetKey(t)

	s.log.Debug().Err(cause).Str("path", t.Item.Path).Str("now_at", t.lease.Path).Msg("rolled back")
	return errors.Join(errs...)
}

// Abort releases an item that was begun but never delivered.
func (s *Strategy) Abort(ctx context.Context, t *Ticket) {
	ctx = context.WithoutCancel(ctx)
	t.state = StateAborted
	if err := s.restore(t); err != nil {
		s.log.Warn().Err(err).Str("path", t.Item.Path).Msg("restore on abort")
	}
	if err := s.lock.ReleaseOnAbort(ctx, t.lease); err != nil {
		s.log.Warn().Err(err).Str("path", t.Item.Path).Msg("release read lock on abort")
	}
	s.forgetKey(t)
}

// restore moves a pre-moved file back to its original path. Files parked by
// the rename lock are restored by the lock itself.
func (s *Strategy) restore(t *Ticket) error {
	p := t.lease.Path
	if p == t.Item.Path || p == readlock.WorkPath(t.Item.Path) {
		return nil
	}
	if ok, _ := afero.Exists(s.fs, p); !ok {
		return nil
	}
	if err := fsops.Move(s.fs, p, t.Item.Path); err != nil {
		return fmt.Errorf("restore %s: %w", t.Item.Path, err)
	}
	t.lease.Path = t.Item.Path
	return nil
}

func (s *Strategy) forgetKey(t *Ticket) {
	if !t.keyed {
		return
	}
	t.keyed = false
	if err := s.repo.Remove(context.Background(), t.Key); err != nil {
		s.log.Warn().Err(err).Str("key", t.Key).Msg("remove idempotent key")
	}
}
