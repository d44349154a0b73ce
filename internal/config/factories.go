package config

import (
	"context"
	"fmt"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/idempotent"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/logging"
	"github.com/ppiankov/dropwatch/internal/poll"
	"github.com/ppiankov/dropwatch/internal/process"
	"github.com/ppiankov/dropwatch/internal/producer"
	"github.com/ppiankov/dropwatch/internal/readlock"
	"github.com/ppiankov/dropwatch/internal/scan"
)

// CreateRepository opens the idempotent repository described by cfg.
//
// Supported types:
//   - "memory": in-process map, unbounded unless size caps it as an LRU (option: size)
//   - "journal": append-only file replayed on open (option: path)
//   - "badger": BadgerDB (options: path, in_memory, retention, in_progress_ttl, namespace)
//   - "sql": sqlite or postgres table (options: dialect, dsn, table, processor, in_progress_ttl)
func CreateRepository(ctx context.Context, name string, cfg RepositoryConfig) (idempotent.Repository, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryRepository(cfg.Options)
	case "journal":
		return createJournalRepository(cfg.Options)
	case "badger":
		return createBadgerRepository(name, cfg.Options)
	case "sql":
		return createSQLRepository(ctx, name, cfg.Options)
	default:
		return nil, fileerr.Configf("idempotent_repositories."+name+".type", "unknown repository type %q (supported: memory, journal, badger, sql)", cfg.Type)
	}
}

func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}
	return decoder.Decode(options)
}

func createMemoryRepository(options map[string]any) (idempotent.Repository, error) {
	type MemoryRepositoryOptions struct {
		Size int `mapstructure:"size"`
	}
	// Zero size keeps every key.
	var opts MemoryRepositoryOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fileerr.Configf("idempotent_repository.options", "memory: %v", err)
	}
	return idempotent.NewMemory(opts.Size), nil
}

func createJournalRepository(options map[string]any) (idempotent.Repository, error) {
	type JournalRepositoryOptions struct {
		Path string `mapstructure:"path"`
	}
	var opts JournalRepositoryOptions
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fileerr.Configf("idempotent_repository.options", "journal: %v", err)
	}
	if opts.Path == "" {
		return nil, fileerr.Configf("idempotent_repository.options.path", "journal: path is required")
	}
	j, err := idempotent.OpenJournal(opts.Path)
	if err != nil {
		return nil, err
	}
	return j, nil
}

func createBadgerRepository(name string, options map[string]any) (idempotent.Repository, error) {
	type BadgerRepositoryOptions struct {
		Path          string        `mapstructure:"path"`
		InMemory      bool          `mapstructure:"in_memory"`
		Retention     time.Duration `mapstructure:"retention"`
		InProgressTTL time.Duration `mapstructure:"in_progress_ttl"`
		Namespace     string        `mapstructure:"namespace"`
	}
	opts := BadgerRepositoryOptions{Namespace: name}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fileerr.Configf("idempotent_repository.options", "badger: %v", err)
	}
	if opts.Path == "" && !opts.InMemory {
		return nil, fileerr.Configf("idempotent_repository.options.path", "badger: path is required unless in_memory is set")
	}
	b, err := idempotent.OpenBadger(idempotent.BadgerConfig{
		Path:          opts.Path,
		InMemory:      opts.InMemory,
		Retention:     opts.Retention,
		InProgressTTL: opts.InProgressTTL,
		Namespace:     opts.Namespace,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func createSQLRepository(ctx context.Context, name string, options map[string]any) (idempotent.Repository, error) {
	type SQLRepositoryOptions struct {
		Dialect       string        `mapstructure:"dialect"`
		DSN           string        `mapstructure:"dsn"`
		Table         string        `mapstructure:"table"`
		Processor     string        `mapstructure:"processor"`
		InProgressTTL time.Duration `mapstructure:"in_progress_ttl"`
	}
	opts := SQLRepositoryOptions{Dialect: idempotent.DialectSQLite, Processor: name}
	if err := decodeOptions(options, &opts); err != nil {
		return nil, fileerr.Configf("idempotent_repository.options", "sql: %v", err)
	}
	db, err := idempotent.OpenSQL(ctx, idempotent.SQLConfig{
		Dialect:       opts.Dialect,
		DSN:           opts.DSN,
		Table:         opts.Table,
		Processor:     opts.Processor,
		InProgressTTL: opts.InProgressTTL,
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// ScanOptions converts the scanner part of a consumer.
func (c *ConsumerConfig) ScanOptions() (scan.Options, error) {
	sortBy, err := item.ParseSortBy(c.SortBy)
	if err != nil {
		return scan.Options{}, fileerr.Configf("sort_by", "%v", err)
	}
	return scan.Options{
		Recursive:                c.Recursive,
		MinDepth:                 c.MinDepth,
		MaxDepth:                 c.MaxDepth,
		IncludeHiddenFiles:       c.IncludeHiddenFiles,
		IncludeHiddenDirectories: c.IncludeHiddenDirectories,
		AllowEmptyDirectory:      c.AllowEmptyDirectory,
		IncludePrefixes:          c.IncludePrefixes,
		IncludeSuffixes:          c.IncludeSuffixes,
		ExcludePrefixes:          c.ExcludePrefixes,
		ExcludeSuffixes:          c.ExcludeSuffixes,
		Include:                  c.Include,
		Exclude:                  c.Exclude,
		IncludeExt:               c.IncludeExt,
		ExcludeExt:               c.ExcludeExt,
		AntInclude:               c.AntInclude,
		AntExclude:               c.AntExclude,
		AntIgnoreCase:            c.AntCaseSensitive != nil && !*c.AntCaseSensitive,
		DoneFileName:             c.DoneFileName,
		DirectoryMustExist:       c.DirectoryMustExist,
		SortBy:                   sortBy,
		Shuffle:                  c.Shuffle,
		MaxMessagesPerPoll:       c.MaxMessagesPerPoll,
	}, nil
}

// NewReadLock builds the read lock strategy.
func (c *ConsumerConfig) NewReadLock(fs afero.Fs, log zerolog.Logger) (readlock.Strategy, error) {
	return readlock.New(c.ReadLockKind(), fs, readlock.Options{
		Timeout:               c.ReadLockTimeout,
		CheckInterval:         c.ReadLockCheckInterval,
		MinLength:             deref(c.ReadLockMinLength, readlock.DefaultMinLength),
		MinAge:                c.ReadLockMinAge,
		MarkerFile:            deref(c.ReadLockMarkerFile, true),
		DeleteOrphanLockFiles: deref(c.ReadLockDeleteOrphanLockFiles, true),
		Recursive:             c.Recursive,
		Logger:                log,
	})
}

// ReadLockKind returns the configured strategy name.
func (c *ConsumerConfig) ReadLockKind() string {
	if c.ReadLock == "" {
		return readlock.KindNone
	}
	return c.ReadLock
}

// ProcessOptions converts the commit/rollback part of a consumer.
func (c *ConsumerConfig) ProcessOptions() (process.Options, error) {
	level := zerolog.DebugLevel
	if c.ReadLockLoggingLevel != "" {
		var err error
		if level, err = logging.ParseLevel(c.ReadLockLoggingLevel); err != nil {
			return process.Options{}, fileerr.Configf("read_lock_logging_level", "%v", err)
		}
	}
	return process.Options{
		Noop:                 c.Noop,
		Delete:               c.Delete,
		Move:                 c.Move,
		PreMove:              c.PreMove,
		MoveFailed:           c.MoveFailed,
		Idempotent:           deref(c.Idempotent, c.Noop),
		IdempotentKey:        c.IdempotentKey,
		DoneFileName:         c.DoneFileName,
		ReadLockLoggingLevel: level,
	}, nil
}

// SchedulerOptions converts the poll cadence.
func (c *ConsumerConfig) SchedulerOptions() poll.SchedulerOptions {
	return poll.SchedulerOptions{
		InitialDelay:          c.InitialDelay,
		Delay:                 c.Delay,
		UseFixedDelay:         c.UseFixedDelay,
		BackoffMultiplier:     c.BackoffMultiplier,
		BackoffIdleThreshold:  c.BackoffIdleThreshold,
		BackoffErrorThreshold: c.BackoffErrorThreshold,
	}
}

// NewPollStrategy builds the poll strategy.
func (c *ConsumerConfig) NewPollStrategy(log zerolog.Logger) (poll.Strategy, error) {
	switch c.pollStrategyType() {
	case "default":
		return &poll.Default{Logger: log}, nil
	case "limited":
		return poll.NewLimited(c.PollStrategy.MaxFailures, log)
	default:
		return nil, fileerr.Configf("poll_strategy.type", "unknown poll strategy %q", c.PollStrategy.Type)
	}
}

func (c *ConsumerConfig) pollStrategyType() string {
	if c.PollStrategy.Type == "" {
		return "default"
	}
	return c.PollStrategy.Type
}

// Options converts a producer section.
func (p *ProducerConfig) Options(log zerolog.Logger) (producer.Options, error) {
	policy, err := producer.ParseFileExist(p.FileExist)
	if err != nil {
		return producer.Options{}, err
	}
	return producer.Options{
		FileExist:             policy,
		FileName:              p.FileName,
		MoveExisting:          p.MoveExisting,
		TempPrefix:            p.TempPrefix,
		TempFileName:          p.TempFileName,
		DoneFileName:          p.DoneFileName,
		Charset:               p.Charset,
		AutoCreate:            deref(p.AutoCreate, true),
		EagerDeleteTargetFile: deref(p.EagerDeleteTargetFile, true),
		AllowNullBody:         p.AllowNullBody,
		Logger:                log,
	}, nil
}

func deref[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}
