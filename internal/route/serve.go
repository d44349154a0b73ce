package route

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/ppiankov/dropwatch/internal/config"
)

// Supervisor runs the routes of one configuration file and swaps them when
// the file changes.
type Supervisor struct {
	fs   afero.Fs
	path string
	log  zerolog.Logger

	mu      sync.Mutex
	cfg     *config.Config
	runtime *Runtime
}

// NewSupervisor builds a supervisor for an already loaded configuration.
// path is the file reloads read from.
func NewSupervisor(fs afero.Fs, path string, cfg *config.Config, log zerolog.Logger) *Supervisor {
	return &Supervisor{
		fs:   fs,
		path: path,
		cfg:  cfg,
		log:  log.With().Str("component", "supervisor").Logger(),
	}
}

// Runtime returns the routes currently running.
func (s *Supervisor) Runtime() *Runtime {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtime
}

// Serve starts the routes and blocks until ctx is cancelled, then stops
// them within the configured shutdown timeout.
func (s *Supervisor) Serve(ctx context.Context) error {
	if s.cfg.Instance.PIDFile != "" {
		release, err := AcquirePIDLock(s.cfg.Instance.PIDFile)
		if err != nil {
			return err
		}
		defer release()
	}

	rt, err := s.start(ctx, s.cfg)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.Instance.Reload && s.path != "" {
		reloader, err := NewReloader(s.path, func() error { return s.Reload(ctx) }, s.log)
		if err != nil {
			s.log.Warn().Err(err).Msg("hot reload disabled")
		} else {
			g.Go(func() error { return reloader.Run(gctx) })
		}
	}
	s.mu.Lock()
	s.runtime = rt
	s.mu.Unlock()
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	waitErr := g.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return waitErr
	}
	s.log.Info().Msg("shutting down routes")
	stopErr := s.runtime.Stop(s.cfg.Instance.ShutdownTimeout)
	closeErr := s.runtime.Close()
	s.runtime = nil
	switch {
	case waitErr != nil:
		return waitErr
	case stopErr != nil:
		return stopErr
	default:
		return closeErr
	}
}

// Reload loads the configuration file again and replaces the running
// routes. The current routes are stopped before the new ones are built so
// file based repositories can be reopened. If the new configuration cannot
// be loaded or started, the previous one is started again.
func (s *Supervisor) Reload(ctx context.Context) error {
	next, err := config.Load(s.path)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runtime == nil {
		return fmt.Errorf("supervisor is not serving")
	}

	if err := s.runtime.Stop(s.cfg.Instance.ShutdownTimeout); err != nil {
		return err
	}
	if err := s.runtime.Close(); err != nil {
		s.log.Warn().Err(err).Msg("close idempotent repositories")
	}

	rt, err := s.start(ctx, next)
	if err != nil {
		prev, restoreErr := s.start(ctx, s.cfg)
		if restoreErr != nil {
			s.runtime = nil
			return fmt.Errorf("reload: %w; restore previous routes: %v", err, restoreErr)
		}
		s.runtime = prev
		return fmt.Errorf("reload: %w", err)
	}
	s.cfg = next
	s.runtime = rt
	return nil
}

func (s *Supervisor) start(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	rt, err := Build(ctx, s.fs, cfg, s.log)
	if err != nil {
		return nil, err
	}
	if err := rt.Start(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}
