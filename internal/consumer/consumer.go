// Package consumer ties the pieces of a file endpoint together: the
// scheduler triggers a poll round, the poll strategy wraps it, the scanner
// selects a batch and every item goes through the two-phase process strategy
// around the caller's Processor.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/fsops"
	"github.com/ppiankov/dropwatch/internal/idempotent"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/poll"
	"github.com/ppiankov/dropwatch/internal/process"
	"github.com/ppiankov/dropwatch/internal/readlock"
	"github.com/ppiankov/dropwatch/internal/scan"
)

// DefaultDelay is the poll interval used when none is configured.
const DefaultDelay = 500 * time.Millisecond

// Message is what a Processor receives for one item.
type Message struct {
	// Item is a copy of the scan-time snapshot. Changing it has no effect on
	// how the file is committed or rolled back.
	Item item.Item
	// Path is where the payload can be read right now.
	Path string
	// Body is the file content, decoded from Charset when one is set. Nil for
	// directory items.
	Body []byte

	BatchIndex    int
	BatchSize     int
	BatchComplete bool

	// Handled, set by the processor before returning an error, commits the
	// item as if it had succeeded.
	Handled bool
}

// Processor handles one message. A returned error rolls the item back
// unless the message was marked Handled.
type Processor interface {
	Process(ctx context.Context, msg *Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg *Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// ErrorHandler receives per-item failures that do not fail the whole round.
type ErrorHandler func(it item.Item, err error)

// Config assembles a consumer.
type Config struct {
	Name string
	Root string

	Scan      scan.Options
	Process   process.Options
	Lock      readlock.Strategy
	Repo      idempotent.Repository
	Strategy  poll.Strategy
	Scheduler poll.SchedulerOptions

	// Workers above one delivers a batch in parallel.
	Workers int
	Charset string

	AutoCreate                 bool
	StartingDirectoryMustExist bool
	// BridgeErrorHandler turns per-item begin failures into round failures
	// handled by the poll strategy's Rollback.
	BridgeErrorHandler bool

	ErrorHandler ErrorHandler
	Logger       zerolog.Logger
}

// Consumer polls one directory.
type Consumer struct {
	fs         afero.Fs
	cfg        Config
	processor  Processor
	scanner    *scan.Scanner
	proc       *process.Strategy
	strategy   poll.Strategy
	scheduler  *poll.Scheduler
	inProgress *idempotent.Memory
	decoder    encoding.Encoding
	log        zerolog.Logger

	retries atomic.Int64
}

// New validates cfg and builds the consumer. Configuration conflicts are
// reported here as *fileerr.ConfigurationError, never while polling.
func New(fs afero.Fs, cfg Config, p Processor) (*Consumer, error) {
	if p == nil {
		return nil, fileerr.Configf("processor", "is required")
	}
	if cfg.Name == "" {
		cfg.Name = cfg.Root
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	c := &Consumer{
		fs:         fs,
		cfg:        cfg,
		processor:  p,
		inProgress: idempotent.NewMemory(0),
		log:        cfg.Logger.With().Str("component", "consumer").Str("consumer", cfg.Name).Logger(),
	}

	if cfg.Charset != "" {
		enc, err := htmlindex.Get(cfg.Charset)
		if err != nil {
			return nil, fileerr.Configf("charset", "unsupported charset %q", cfg.Charset)
		}
		c.decoder = enc
	}

	scanOpts := cfg.Scan
	if scanOpts.DoneFileName == "" {
		scanOpts.DoneFileName = cfg.Process.DoneFileName
	}

	procOpts := cfg.Process
	if procOpts.DoneFileName == "" {
		procOpts.DoneFileName = scanOpts.DoneFileName
	}
	procOpts.Logger = c.log
	var err error
	c.proc, err = process.New(fs, cfg.Lock, cfg.Repo, procOpts)
	if err != nil {
		return nil, err
	}

	scanOpts.InProgress = c.isInProgress
	if procOpts.Idempotent {
		scanOpts.Processed = c.isProcessed
	}
	scanOpts.Logger = c.log
	c.scanner, err = scan.New(fs, cfg.Root, scanOpts)
	if err != nil {
		return nil, err
	}

	c.strategy = cfg.Strategy
	if c.strategy == nil {
		c.strategy = &poll.Default{Logger: c.log}
	}

	schedOpts := cfg.Scheduler
	if schedOpts.Delay <= 0 {
		schedOpts.Delay = DefaultDelay
	}
	schedOpts.Logger = c.log
	c.scheduler, err = poll.NewScheduler(schedOpts, c.Poll)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the consumer name used in logs and poll cycles.
func (c *Consumer) Name() string { return c.cfg.Name }

// Prepare creates or checks the starting directory and lets the read lock
// clean up after a crashed run. Start calls it.
func (c *Consumer) Prepare(ctx context.Context) error {
	exists, err := afero.DirExists(c.fs, c.cfg.Root)
	if err != nil {
		return fmt.Errorf("check starting directory: %w", err)
	}
	if !exists {
		switch {
		case c.cfg.AutoCreate:
			if err := fsops.EnsureDir(c.fs, c.cfg.Root); err != nil {
				return err
			}
		case c.cfg.StartingDirectoryMustExist:
			return fmt.Errorf("starting directory %s does not exist", c.cfg.Root)
		}
	}
	if err := c.proc.Lock().PrepareOnStartup(ctx, c.cfg.Root); err != nil {
		return fmt.Errorf("prepare read lock: %w", err)
	}
	return nil
}

// Start prepares the directory and starts polling in the background.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.Prepare(ctx); err != nil {
		return err
	}
	c.retries.Store(0)
	c.scheduler.Start(ctx)
	c.log.Info().Str("dir", c.cfg.Root).Msg("consumer started")
	return nil
}

// Stop ends polling. The round in flight finishes first, so no item is left
// holding a lock.
func (c *Consumer) Stop() {
	c.scheduler.Stop()
	c.log.Info().Msg("consumer stopped")
}

// Running reports whether the consumer is polling.
func (c *Consumer) Running() bool { return c.scheduler.Running() }

// Suspended reports whether the poll strategy suspended the consumer.
func (c *Consumer) Suspended() bool { return c.scheduler.Suspended() }

// Poll runs one round synchronously and returns the number of items
// delivered. A returned error wrapping poll.ErrSuspend means the poll
// strategy asked to stop.
func (c *Consumer) Poll(ctx context.Context) (int, error) {
	cycle := &poll.Cycle{Consumer: c.cfg.Name, Started: time.Now()}

	ok, err := c.strategy.Begin(ctx, cycle)
	if err != nil || !ok {
		if err == nil {
			err = fileerr.ErrPollVetoed
		}
		return 0, c.rollback(ctx, cycle, err)
	}

	items, eligible, err := c.scanner.Scan(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, c.rollback(ctx, cycle, err)
	}
	if len(items) > 0 {
		var bytes int64
		for _, it := range items {
			bytes += it.Size
		}
		c.log.Debug().
			Int("batch", len(items)).
			Int("eligible", eligible).
			Str("bytes", humanize.IBytes(uint64(bytes))).
			Msg("polled batch")
	}

	processed, err := c.processBatch(ctx, items)
	if err != nil {
		return processed, c.rollback(ctx, cycle, err)
	}

	c.retries.Store(0)
	if err := c.strategy.Commit(ctx, cycle, processed); err != nil {
		return processed, fmt.Errorf("poll strategy commit: %w", err)
	}
	return processed, nil
}

func (c *Consumer) rollback(ctx context.Context, cycle *poll.Cycle, cause error) error {
	retry := c.retries.Add(1)
	keep, err := c.strategy.Rollback(ctx, cycle, int(retry), cause)
	if err != nil {
		return fmt.Errorf("poll strategy rollback: %w", errors.Join(err, cause))
	}
	if !keep {
		return fmt.Errorf("%w: %w", poll.ErrSuspend, cause)
	}
	return cause
}

func (c *Consumer) processBatch(ctx context.Context, items []item.Item) (int, error) {
	var delivered atomic.Int64
	size := len(items)

	if c.cfg.Workers == 1 || size < 2 {
		for i, it := range items {
			if ctx.Err() != nil {
				break
			}
			ok, err := c.deliver(ctx, it, i, size)
			if err != nil {
				return int(delivered.Load()), err
			}
			if ok {
				delivered.Add(1)
			}
		}
		return int(delivered.Load()), nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.Workers)
	for i, it := range items {
		if gctx.Err() != nil {
			break
		}
		i, it := i, it
		g.Go(func() error {
			ok, err := c.deliver(gctx, it, i, size)
			if ok {
				delivered.Add(1)
			}
			return err
		})
	}
	err := g.Wait()
	return int(delivered.Load()), err
}

// deliver runs one item through begin, the processor and commit or
// rollback. The bool reports whether the processor was invoked. Only a
// bridged begin failure is returned as an error.
func (c *Consumer) deliver(ctx context.Context, it item.Item, index, size int) (bool, error) {
	added, _ := c.inProgress.Add(ctx, it.Path)
	if !added {
		return false, nil
	}
	defer func() { _ = c.inProgress.Remove(context.Background(), it.Path) }()

	ticket, ok, err := c.proc.Begin(ctx, it)
	if err != nil {
		if c.cfg.BridgeErrorHandler {
			return false, err
		}
		if !errors.Is(err, fileerr.ErrAcquisition) && ctx.Err() == nil {
			c.handleError(it, err)
		}
		return false, nil
	}
	if !ok {
		return false, nil
	}
	if ctx.Err() != nil {
		c.proc.Abort(ctx, ticket)
		return false, nil
	}

	msg := &Message{
		Item:          ticket.Item,
		Path:          ticket.Path(),
		BatchIndex:    index,
		BatchSize:     size,
		BatchComplete: index == size-1,
	}
	procErr := c.readBody(msg)
	if procErr == nil {
		procErr = c.processor.Process(ctx, msg)
	}

	if procErr != nil && !msg.Handled {
		perr := &fileerr.ProcessingError{Path: it.Path, Err: procErr}
		if err := c.proc.Rollback(ctx, ticket, perr); err != nil {
			c.handleError(it, errors.Join(perr, err))
		} else {
			c.handleError(it, perr)
		}
		return true, nil
	}
	if procErr != nil {
		c.log.Debug().Err(procErr).Str("path", it.Path).Msg("processor error marked handled, committing")
	}

	if err := c.proc.Commit(ctx, ticket); err != nil {
		c.handleError(it, err)
	}
	return true, nil
}

func (c *Consumer) readBody(msg *Message) error {
	if msg.Item.IsDir {
		return nil
	}
	data, err := afero.ReadFile(c.fs, msg.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", msg.Path, err)
	}
	if c.decoder != nil {
		if data, err = c.decoder.NewDecoder().Bytes(data); err != nil {
			return fmt.Errorf("decode %s as %s: %w", msg.Path, c.cfg.Charset, err)
		}
	}
	msg.Body = data
	return nil
}

func (c *Consumer) handleError(it item.Item, err error) {
	if c.cfg.ErrorHandler != nil {
		c.cfg.ErrorHandler(it, err)
		return
	}
	ev := c.log.Warn()
	if errors.Is(err, fileerr.ErrCommit) {
		ev = c.log.Error()
	}
	ev.Err(err).Str("path", it.Path).Msg("item failed")
}

func (c *Consumer) isProcessed(it item.Item) bool {
	return c.proc.Processed(context.Background(), it)
}

func (c *Consumer) isInProgress(path string) bool {
	ok, _ := c.inProgress.Contains(context.Background(), path)
	return ok
}
