package config

import (
	"strings"
	"time"

	"github.com/ppiankov/dropwatch/internal/producer"
	"github.com/ppiankov/dropwatch/internal/readlock"
)

// Defaults applied to zero values after decoding.
const (
	DefaultDelay           = 500 * time.Millisecond
	DefaultShutdownTimeout = 30 * time.Second
)

// ApplyDefaults fills unspecified fields. Explicit values are kept. Tristate
// options are pointers so an explicit false survives.
func ApplyDefaults(cfg *Config) {
	applyLoggingDefaults(&cfg.Logging)
	if cfg.Instance.ShutdownTimeout == 0 {
		cfg.Instance.ShutdownTimeout = DefaultShutdownTimeout
	}
	for name, repo := range cfg.Repositories {
		if repo.Options == nil {
			repo.Options = make(map[string]any)
			cfg.Repositories[name] = repo
		}
	}
	for i := range cfg.Routes {
		applyConsumerDefaults(&cfg.Routes[i].From)
		if cfg.Routes[i].To != nil {
			applyProducerDefaults(cfg.Routes[i].To)
		}
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	cfg.Level = strings.ToLower(cfg.Level)
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stderr"
	}
}

func applyConsumerDefaults(c *ConsumerConfig) {
	if c.Delay == 0 {
		c.Delay = DefaultDelay
	}
	if c.ReadLock == "" {
		c.ReadLock = readlock.KindNone
	}
	if c.ReadLockTimeout == 0 {
		c.ReadLockTimeout = readlock.DefaultTimeout
	}
	if c.ReadLockCheckInterval == 0 {
		c.ReadLockCheckInterval = readlock.DefaultCheckInterval
	}
	if c.ReadLockMinLength == nil {
		c.ReadLockMinLength = ptr(int64(readlock.DefaultMinLength))
	}
	if c.ReadLockMarkerFile == nil {
		c.ReadLockMarkerFile = ptr(true)
	}
	if c.ReadLockDeleteOrphanLockFiles == nil {
		c.ReadLockDeleteOrphanLockFiles = ptr(true)
	}
	if c.ReadLockLoggingLevel == "" {
		c.ReadLockLoggingLevel = "debug"
	}
	if c.Idempotent == nil {
		c.Idempotent = ptr(c.Noop)
	}
	if c.AutoCreate == nil {
		c.AutoCreate = ptr(true)
	}
	if c.AntCaseSensitive == nil {
		c.AntCaseSensitive = ptr(true)
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
	if c.PollStrategy.Type == "" {
		c.PollStrategy.Type = "default"
	}
	if c.PollStrategy.Type == "limited" && c.PollStrategy.MaxFailures == 0 {
		c.PollStrategy.MaxFailures = 3
	}
}

func applyProducerDefaults(p *ProducerConfig) {
	if p.FileName == "" {
		p.FileName = producer.DefaultFileName
	}
	if p.FileExist == "" {
		p.FileExist = string(producer.Override)
	}
	if p.AutoCreate == nil {
		p.AutoCreate = ptr(true)
	}
	if p.EagerDeleteTargetFile == nil {
		p.EagerDeleteTargetFile = ptr(true)
	}
}

func ptr[T any](v T) *T { return &v }
