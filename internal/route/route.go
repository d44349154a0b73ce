// Package route assembles consumers and producers from a loaded
// configuration and runs them: start, stop, one-shot polling, an instance
// PID lock and hot reload of the configuration file.
package route

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/config"
	"github.com/ppiankov/dropwatch/internal/consumer"
	"github.com/ppiankov/dropwatch/internal/idempotent"
	"github.com/ppiankov/dropwatch/internal/producer"
)

// Route is one configured consumer, optionally writing into a producer.
type Route struct {
	Name     string
	Consumer *consumer.Consumer
	Producer *producer.Producer
}

// Runtime owns every route built from one configuration and the
// repositories they share.
type Runtime struct {
	routes []*Route
	repos  map[string]idempotent.Repository
	owned  []idempotent.Repository
	log    zerolog.Logger
}

// Build creates the repositories and routes of cfg. Nothing is started.
// Configuration conflicts surface here as *fileerr.ConfigurationError.
func Build(ctx context.Context, fs afero.Fs, cfg *config.Config, log zerolog.Logger) (*Runtime, error) {
	rt := &Runtime{
		repos: make(map[string]idempotent.Repository),
		log:   log.With().Str("component", "route").Logger(),
	}
	for name, repoCfg := range cfg.Repositories {
		repo, err := config.CreateRepository(ctx, name, repoCfg)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("idempotent repository %s: %w", name, err)
		}
		rt.repos[name] = repo
		rt.owned = append(rt.owned, repo)
	}

	for i := range cfg.Routes {
		r, err := rt.build(fs, &cfg.Routes[i], log)
		if err != nil {
			_ = rt.Close()
			return nil, fmt.Errorf("route %s: %w", cfg.Routes[i].Name, err)
		}
		rt.routes = append(rt.routes, r)
	}
	return rt, nil
}

func (rt *Runtime) build(fs afero.Fs, rc *config.RouteConfig, log zerolog.Logger) (*Route, error) {
	from := &rc.From
	log = log.With().Str("route", rc.Name).Logger()

	scanOpts, err := from.ScanOptions()
	if err != nil {
		return nil, err
	}
	procOpts, err := from.ProcessOptions()
	if err != nil {
		return nil, err
	}
	lock, err := from.NewReadLock(fs, log)
	if err != nil {
		return nil, err
	}
	strategy, err := from.NewPollStrategy(log)
	if err != nil {
		return nil, err
	}

	var repo idempotent.Repository
	switch {
	case from.IdempotentRepository != "":
		repo = rt.repos[from.IdempotentRepository]
	case procOpts.Idempotent:
		mem := idempotent.NewMemory(0)
		rt.owned = append(rt.owned, mem)
		repo = mem
	}

	r := &Route{Name: rc.Name}
	var processor consumer.Processor = &logProcessor{log: log}
	if rc.To != nil {
		prodOpts, err := rc.To.Options(log)
		if err != nil {
			return nil, err
		}
		if r.Producer, err = producer.New(fs, rc.To.Dir, prodOpts); err != nil {
			return nil, err
		}
		processor = &copyProcessor{producer: r.Producer}
	}

	r.Consumer, err = consumer.New(fs, consumer.Config{
		Name:                       rc.Name,
		Root:                       from.Dir,
		Scan:                       scanOpts,
		Process:                    procOpts,
		Lock:                       lock,
		Repo:                       repo,
		Strategy:                   strategy,
		Scheduler:                  from.SchedulerOptions(),
		Workers:                    from.Workers,
		Charset:                    from.Charset,
		AutoCreate:                 from.AutoCreate == nil || *from.AutoCreate,
		StartingDirectoryMustExist: from.StartingDirectoryMustExist,
		BridgeErrorHandler:         from.BridgeErrorHandler,
		Logger:                     log,
	}, processor)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// Routes returns the built routes in configuration order.
func (rt *Runtime) Routes() []*Route { return rt.routes }

// Start starts every consumer. If one fails to start, the ones already
// started are stopped again.
func (rt *Runtime) Start(ctx context.Context) error {
	for i, r := range rt.routes {
		if err := r.Consumer.Start(ctx); err != nil {
			for _, started := range rt.routes[:i] {
				started.Consumer.Stop()
			}
			return fmt.Errorf("start route %s: %w", r.Name, err)
		}
	}
	rt.log.Info().Int("routes", len(rt.routes)).Msg("routes started")
	return nil
}

// Stop stops every consumer, waiting for in-flight items. It gives up
// waiting after timeout; zero waits indefinitely.
func (rt *Runtime) Stop(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, r := range rt.routes {
			r.Consumer.Stop()
		}
	}()
	if timeout <= 0 {
		<-done
		return nil
	}
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("routes did not stop within %s", timeout)
	}
}

// PollOnce runs one poll round per route, preparing the directories first.
// It returns the number of delivered items per route.
func (rt *Runtime) PollOnce(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, len(rt.routes))
	var errs []error
	for _, r := range rt.routes {
		if err := r.Consumer.Prepare(ctx); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.Name, err))
			continue
		}
		n, err := r.Consumer.Poll(ctx)
		counts[r.Name] = n
		if err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", r.Name, err))
		}
	}
	return counts, errors.Join(errs...)
}

// Close releases the repositories. Call after Stop.
func (rt *Runtime) Close() error {
	var errs []error
	for _, repo := range rt.owned {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.owned = nil
	return errors.Join(errs...)
}

// copyProcessor writes every consumed file into the route's producer.
type copyProcessor struct {
	producer *producer.Producer
}

func (p *copyProcessor) Process(ctx context.Context, msg *consumer.Message) error {
	if msg.Item.IsDir {
		return nil
	}
	body := msg.Body
	if body == nil {
		body = []byte{}
	}
	_, err := p.producer.WriteFor(ctx, msg.Item, body)
	return err
}

// logProcessor only records what it saw. Routes without a producer use it
// to drain or audit a directory.
type logProcessor struct {
	log zerolog.Logger
}

func (p *logProcessor) Process(_ context.Context, msg *consumer.Message) error {
	p.log.Info().
		Str("file", msg.Item.RelativePath).
		Str("size", humanize.IBytes(uint64(len(msg.Body)))).
		Int("batch_index", msg.BatchIndex).
		Int("batch_size", msg.BatchSize).
		Msg("file consumed")
	return nil
}
