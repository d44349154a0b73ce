package idempotent

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerConfig configures the badger-backed repository.
type BadgerConfig struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps the database in RAM (tests, ephemeral consumers).
	InMemory bool
	// Retention evicts confirmed keys after this long. Zero keeps them forever.
	Retention time.Duration
	// InProgressTTL lets a new Add take over an in-progress key older than
	// this, recovering keys stranded by a crash. Zero disables takeover.
	InProgressTTL time.Duration
	// Namespace prefixes every key so several consumers can share one database.
	Namespace string
}

// Badger is a durable single-process repository stored in BadgerDB.
type Badger struct {
	db  *badger.DB
	cfg BadgerConfig
}

// maxConflictRetries bounds optimistic transaction retries under contention.
const maxConflictRetries = 8

// OpenBadger opens the database described by cfg.
func OpenBadger(cfg BadgerConfig) (*Badger, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, fmt.Errorf("badger idempotent repository: path is required")
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger repository: %w", err)
	}
	return &Badger{db: db, cfg: cfg}, nil
}

func (b *Badger) dbKey(key string) []byte {
	return []byte("idem:" + b.cfg.Namespace + ":" + key)
}

func encodeValue(s state, at time.Time) []byte {
	buf := make([]byte, 9)
	buf[0] = byte(s)
	binary.BigEndian.PutUint64(buf[1:], uint64(at.UnixMilli()))
	return buf
}

func decodeValue(v []byte) (state, time.Time) {
	if len(v) != 9 {
		return stateConfirmed, time.Time{}
	}
	return state(v[0]), time.UnixMilli(int64(binary.BigEndian.Uint64(v[1:])))
}

func (b *Badger) update(fn func(txn *badger.Txn) error) error {
	var err error
	for i := 0; i < maxConflictRetries; i++ {
		err = b.db.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return err
}

func (b *Badger) Add(_ context.Context, key string) (bool, error) {
	added := false
	err := b.update(func(txn *badger.Txn) error {
		added = false
		k := b.dbKey(key)
		it, err := txn.Get(k)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
		case err != nil:
			return err
		default:
			v, err := it.ValueCopy(nil)
			if err != nil {
				return err
			}
			st, at := decodeValue(v)
			stale := st == stateInProgress && b.cfg.InProgressTTL > 0 && time.Since(at) > b.cfg.InProgressTTL
			if !stale {
				return nil
			}
		}
		added = true
		return txn.Set(k, encodeValue(stateInProgress, time.Now()))
	})
	if err != nil {
		return false, fmt.Errorf("badger add %q: %w", key, err)
	}
	return added, nil
}

func (b *Badger) Contains(_ context.Context, key string) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(b.dbKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("badger contains %q: %w", key, err)
	}
	return found, nil
}

func (b *Badger) Remove(_ context.Context, key string) error {
	err := b.update(func(txn *badger.Txn) error {
		return txn.Delete(b.dbKey(key))
	})
	if err != nil {
		return fmt.Errorf("badger remove %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Confirm(_ context.Context, key string) error {
	err := b.update(func(txn *badger.Txn) error {
		e := badger.NewEntry(b.dbKey(key), encodeValue(stateConfirmed, time.Now()))
		if b.cfg.Retention > 0 {
			e = e.WithTTL(b.cfg.Retention)
		}
		return txn.SetEntry(e)
	})
	if err != nil {
		return fmt.Errorf("badger confirm %q: %w", key, err)
	}
	return nil
}

func (b *Badger) Close() error {
	return b.db.Close()
}
