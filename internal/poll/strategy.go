// Package poll holds the cycle-level hooks wrapped around every scan-and-
// process round (the poll strategy) and the scheduler that drives the rounds.
package poll

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// Cycle describes one poll round.
type Cycle struct {
	Consumer string
	Started  time.Time
}

// Strategy wraps a poll round. Begin may veto the round before the scanner
// runs; Commit fires once the batch is done; Rollback fires on any error that
// escaped the round and decides whether the consumer keeps polling.
type Strategy interface {
	Begin(ctx context.Context, c *Cycle) (bool, error)
	Commit(ctx context.Context, c *Cycle, processed int) error
	Rollback(ctx context.Context, c *Cycle, retryCounter int, cause error) (bool, error)
}

// Default never vetoes and always keeps the consumer scheduled.
type Default struct {
	Logger zerolog.Logger
}

func (d *Default) Begin(context.Context, *Cycle) (bool, error) { return true, nil }

func (d *Default) Commit(context.Context, *Cycle, int) error { return nil }

func (d *Default) Rollback(_ context.Context, c *Cycle, retryCounter int, cause error) (bool, error) {
	d.Logger.Warn().
		Err(cause).
		Str("consumer", c.Consumer).
		Int("retry", retryCounter).
		Msg("poll cycle failed, retrying on next schedule")
	return true, nil
}

// Limited suspends a consumer after MaxFailures consecutive failed rounds.
// A committed round resets the count. A suspended consumer must be resumed
// explicitly. The zero value with MaxFailures set is ready to use.
type Limited struct {
	MaxFailures int
	Logger      zerolog.Logger

	mu       sync.Mutex
	failures map[string]int
}

// NewLimited returns a strategy that tolerates maxFailures-1 failures in a row.
func NewLimited(maxFailures int, log zerolog.Logger) (*Limited, error) {
	if maxFailures < 1 {
		return nil, fileerr.Configf("poll_strategy.max_failures", "must be at least 1, got %d", maxFailures)
	}
	return &Limited{MaxFailures: maxFailures, Logger: log}, nil
}

func (l *Limited) Begin(context.Context, *Cycle) (bool, error) { return true, nil }

func (l *Limited) Commit(_ context.Context, c *Cycle, _ int) error {
	l.mu.Lock()
	delete(l.failures, c.Consumer)
	l.mu.Unlock()
	return nil
}

func (l *Limited) Rollback(_ context.Context, c *Cycle, _ int, cause error) (bool, error) {
	l.mu.Lock()
	if l.failures == nil {
		l.failures = make(map[string]int)
	}
	l.failures[c.Consumer]++
	n := l.failures[c.Consumer]
	if n >= l.MaxFailures {
		delete(l.failures, c.Consumer)
	}
	l.mu.Unlock()

	if n >= l.MaxFailures {
		l.Logger.Error().
			Err(cause).
			Str("consumer", c.Consumer).
			Int("failures", n).
			Msg("too many consecutive poll failures, suspending consumer")
		return false, nil
	}
	l.Logger.Warn().Err(cause).Str("consumer", c.Consumer).Int("failures", n).Msg("poll cycle failed")
	return true, nil
}

// Failures returns the current consecutive failure count for consumer.
func (l *Limited) Failures(consumer string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.failures[consumer]
}
