package poll

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// ErrSuspend returned by a Task stops the scheduler until Start is called again.
var ErrSuspend = errors.New("consumer suspended")

// Task runs one poll round and reports how many items it processed.
type Task func(ctx context.Context) (processed int, err error)

// SchedulerOptions control the cadence.
type SchedulerOptions struct {
	InitialDelay time.Duration
	Delay        time.Duration
	// UseFixedDelay measures Delay from the end of a round; otherwise rounds
	// start at a fixed rate. Rounds never overlap either way.
	UseFixedDelay bool

	// BackoffMultiplier scales Delay once BackoffIdleThreshold consecutive
	// idle rounds or BackoffErrorThreshold consecutive failed rounds occur.
	BackoffMultiplier     int
	BackoffIdleThreshold  int
	BackoffErrorThreshold int

	Logger zerolog.Logger
}

// Scheduler runs a Task on its own goroutine. Stop waits for the goroutine to
// exit, so the in-flight round finishes before Stop returns.
type Scheduler struct {
	opts SchedulerOptions
	task Task
	log  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	idle      int
	failures  int
	suspended bool
}

// NewScheduler validates opts.
func NewScheduler(opts SchedulerOptions, task Task) (*Scheduler, error) {
	if opts.Delay <= 0 {
		return nil, fileerr.Configf("delay", "must be positive")
	}
	if opts.InitialDelay < 0 {
		return nil, fileerr.Configf("initial_delay", "must not be negative")
	}
	if opts.BackoffMultiplier < 0 {
		return nil, fileerr.Configf("backoff_multiplier", "must not be negative")
	}
	if opts.BackoffMultiplier > 1 && opts.BackoffIdleThreshold <= 0 && opts.BackoffErrorThreshold <= 0 {
		return nil, fileerr.Configf("backoff_multiplier", "needs backoff_idle_threshold or backoff_error_threshold")
	}
	return &Scheduler{opts: opts, task: task, log: opts.Logger}, nil
}

// Start launches the polling goroutine. Starting a running scheduler is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		select {
		case <-s.done:
		default:
			return
		}
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.suspended = false
	s.idle, s.failures = 0, 0
	go s.loop(runCtx, s.done)
}

// Stop cancels the schedule and waits for the current round to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the polling goroutine is alive.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Suspended reports whether the last run ended because the task asked to stop.
func (s *Scheduler) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.suspended
}

func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	wait := s.opts.InitialDelay
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		started := time.Now()
		processed, err := s.task(ctx)
		if errors.Is(err, ErrSuspend) {
			s.mu.Lock()
			s.suspended = true
			s.mu.Unlock()
			s.log.Warn().Msg("consumer suspended")
			return
		}

		wait = s.nextDelay(processed, err)
		if !s.opts.UseFixedDelay {
			wait -= time.Since(started)
			if wait < 0 {
				wait = 0
			}
		}
	}
}

// nextDelay applies backoff. Counters reset on the first round that
// processes something or succeeds.
func (s *Scheduler) nextDelay(processed int, err error) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.failures++
	} else {
		s.failures = 0
	}
	if err == nil && processed == 0 {
		s.idle++
	} else if processed > 0 {
		s.idle = 0
	}

	if s.opts.BackoffMultiplier <= 1 {
		return s.opts.Delay
	}
	idleHit := s.opts.BackoffIdleThreshold > 0 && s.idle >= s.opts.BackoffIdleThreshold
	errHit := s.opts.BackoffErrorThreshold > 0 && s.failures >= s.opts.BackoffErrorThreshold
	if idleHit || errHit {
		return s.opts.Delay * time.Duration(s.opts.BackoffMultiplier)
	}
	return s.opts.Delay
}
