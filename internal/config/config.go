// Package config loads the dropwatch configuration: logging, instance
// settings, shared idempotent repositories and the list of routes, each a
// consumer directory optionally copied into a producer directory.
//
// Sources in order of precedence:
//  1. Environment variables (DROPWATCH_*)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the whole configuration file.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Instance InstanceConfig `mapstructure:"instance" yaml:"instance"`

	// Repositories are named idempotent repositories routes can share.
	Repositories map[string]RepositoryConfig `mapstructure:"idempotent_repositories" yaml:"idempotent_repositories,omitempty" validate:"dive"`

	Routes []RouteConfig `mapstructure:"routes" yaml:"routes" validate:"required,min=1,dive"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"required,loglevel"`
	Format string `mapstructure:"format" yaml:"format" validate:"required,oneof=text json"`
	// Output is stdout, stderr or a file path.
	Output string `mapstructure:"output" yaml:"output" validate:"required"`
}

// InstanceConfig holds process-wide settings.
type InstanceConfig struct {
	// PIDFile, when set, keeps a second instance from polling the same
	// directories.
	PIDFile         string        `mapstructure:"pid_file" yaml:"pid_file,omitempty"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gt=0"`
	// Reload restarts the routes when the configuration file changes.
	Reload bool `mapstructure:"reload" yaml:"reload"`
}

// RepositoryConfig selects an idempotent repository implementation. Options
// are decoded by the matching factory.
type RepositoryConfig struct {
	Type    string         `mapstructure:"type" yaml:"type" validate:"required,oneof=memory journal badger sql"`
	Options map[string]any `mapstructure:"options" yaml:"options,omitempty"`
}

// RouteConfig is one consumer with an optional producer.
type RouteConfig struct {
	Name string          `mapstructure:"name" yaml:"name" validate:"required"`
	From ConsumerConfig  `mapstructure:"from" yaml:"from"`
	To   *ProducerConfig `mapstructure:"to" yaml:"to,omitempty"`
}

// ConsumerConfig is the consumer side of a route.
type ConsumerConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir" validate:"required"`

	Recursive                bool `mapstructure:"recursive" yaml:"recursive"`
	MinDepth                 int  `mapstructure:"min_depth" yaml:"min_depth,omitempty" validate:"gte=0"`
	MaxDepth                 int  `mapstructure:"max_depth" yaml:"max_depth,omitempty" validate:"gte=0"`
	IncludeHiddenFiles       bool `mapstructure:"include_hidden_files" yaml:"include_hidden_files,omitempty"`
	IncludeHiddenDirectories bool `mapstructure:"include_hidden_directories" yaml:"include_hidden_directories,omitempty"`
	AllowEmptyDirectory      bool `mapstructure:"allow_empty_directory" yaml:"allow_empty_directory,omitempty"`

	Include          string   `mapstructure:"include" yaml:"include,omitempty"`
	Exclude          string   `mapstructure:"exclude" yaml:"exclude,omitempty"`
	IncludeExt       []string `mapstructure:"include_ext" yaml:"include_ext,omitempty"`
	ExcludeExt       []string `mapstructure:"exclude_ext" yaml:"exclude_ext,omitempty"`
	IncludePrefixes  []string `mapstructure:"include_prefixes" yaml:"include_prefixes,omitempty"`
	ExcludePrefixes  []string `mapstructure:"exclude_prefixes" yaml:"exclude_prefixes,omitempty"`
	IncludeSuffixes  []string `mapstructure:"include_suffixes" yaml:"include_suffixes,omitempty"`
	ExcludeSuffixes  []string `mapstructure:"exclude_suffixes" yaml:"exclude_suffixes,omitempty"`
	AntInclude       []string `mapstructure:"ant_include" yaml:"ant_include,omitempty"`
	AntExclude       []string `mapstructure:"ant_exclude" yaml:"ant_exclude,omitempty"`
	AntCaseSensitive *bool    `mapstructure:"ant_filter_case_sensitive" yaml:"ant_filter_case_sensitive,omitempty"`

	SortBy             string `mapstructure:"sort_by" yaml:"sort_by,omitempty"`
	Shuffle            bool   `mapstructure:"shuffle" yaml:"shuffle,omitempty"`
	MaxMessagesPerPoll int    `mapstructure:"max_messages_per_poll" yaml:"max_messages_per_poll,omitempty" validate:"gte=0"`

	InitialDelay          time.Duration `mapstructure:"initial_delay" yaml:"initial_delay" validate:"gte=0"`
	Delay                 time.Duration `mapstructure:"delay" yaml:"delay" validate:"gt=0"`
	UseFixedDelay         bool          `mapstructure:"use_fixed_delay" yaml:"use_fixed_delay"`
	BackoffMultiplier     int           `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier,omitempty" validate:"gte=0"`
	BackoffIdleThreshold  int           `mapstructure:"backoff_idle_threshold" yaml:"backoff_idle_threshold,omitempty" validate:"gte=0"`
	BackoffErrorThreshold int           `mapstructure:"backoff_error_threshold" yaml:"backoff_error_threshold,omitempty" validate:"gte=0"`

	ReadLock                      string        `mapstructure:"read_lock" yaml:"read_lock" validate:"readlock"`
	ReadLockTimeout               time.Duration `mapstructure:"read_lock_timeout" yaml:"read_lock_timeout" validate:"gte=0"`
	ReadLockCheckInterval         time.Duration `mapstructure:"read_lock_check_interval" yaml:"read_lock_check_interval" validate:"gt=0"`
	ReadLockMinLength             *int64        `mapstructure:"read_lock_min_length" yaml:"read_lock_min_length,omitempty"`
	ReadLockMinAge                time.Duration `mapstructure:"read_lock_min_age" yaml:"read_lock_min_age,omitempty" validate:"gte=0"`
	ReadLockMarkerFile            *bool         `mapstructure:"read_lock_marker_file" yaml:"read_lock_marker_file,omitempty"`
	ReadLockDeleteOrphanLockFiles *bool         `mapstructure:"read_lock_delete_orphan_lock_files" yaml:"read_lock_delete_orphan_lock_files,omitempty"`
	ReadLockLoggingLevel          string        `mapstructure:"read_lock_logging_level" yaml:"read_lock_logging_level,omitempty" validate:"omitempty,loglevel"`

	Noop   bool `mapstructure:"noop" yaml:"noop"`
	Delete bool `mapstructure:"delete" yaml:"delete"`
	// Idempotent defaults to true with noop and false otherwise.
	Idempotent           *bool  `mapstructure:"idempotent" yaml:"idempotent,omitempty"`
	IdempotentKey        string `mapstructure:"idempotent_key" yaml:"idempotent_key,omitempty"`
	IdempotentRepository string `mapstructure:"idempotent_repository" yaml:"idempotent_repository,omitempty"`

	Move         string `mapstructure:"move" yaml:"move,omitempty"`
	PreMove      string `mapstructure:"pre_move" yaml:"pre_move,omitempty"`
	MoveFailed   string `mapstructure:"move_failed" yaml:"move_failed,omitempty"`
	DoneFileName string `mapstructure:"done_file_name" yaml:"done_file_name,omitempty"`

	Charset                    string `mapstructure:"charset" yaml:"charset,omitempty"`
	AutoCreate                 *bool  `mapstructure:"auto_create" yaml:"auto_create,omitempty"`
	StartingDirectoryMustExist bool   `mapstructure:"starting_directory_must_exist" yaml:"starting_directory_must_exist,omitempty"`
	DirectoryMustExist         bool   `mapstructure:"directory_must_exist" yaml:"directory_must_exist,omitempty"`

	BridgeErrorHandler bool               `mapstructure:"bridge_error_handler" yaml:"bridge_error_handler,omitempty"`
	Workers            int                `mapstructure:"workers" yaml:"workers" validate:"gte=1"`
	PollStrategy       PollStrategyConfig `mapstructure:"poll_strategy" yaml:"poll_strategy"`
}

// PollStrategyConfig selects the poll strategy.
type PollStrategyConfig struct {
	Type string `mapstructure:"type" yaml:"type" validate:"oneof=default limited"`
	// MaxFailures is the number of consecutive failed polls after which the
	// limited strategy suspends the consumer.
	MaxFailures int `mapstructure:"max_failures" yaml:"max_failures,omitempty" validate:"gte=0"`
}

// ProducerConfig is the producer side of a route.
type ProducerConfig struct {
	Dir          string `mapstructure:"dir" yaml:"dir" validate:"required"`
	FileName     string `mapstructure:"file_name" yaml:"file_name,omitempty"`
	FileExist    string `mapstructure:"file_exist" yaml:"file_exist" validate:"omitempty,oneof=Override Append Fail Ignore Move override append fail ignore move"`
	MoveExisting string `mapstructure:"move_existing" yaml:"move_existing,omitempty"`

	TempPrefix   string `mapstructure:"temp_prefix" yaml:"temp_prefix,omitempty"`
	TempFileName string `mapstructure:"temp_file_name" yaml:"temp_file_name,omitempty"`
	DoneFileName string `mapstructure:"done_file_name" yaml:"done_file_name,omitempty"`
	Charset      string `mapstructure:"charset" yaml:"charset,omitempty"`

	AutoCreate            *bool `mapstructure:"auto_create" yaml:"auto_create,omitempty"`
	EagerDeleteTargetFile *bool `mapstructure:"eager_delete_target_file" yaml:"eager_delete_target_file,omitempty"`
	AllowNullBody         bool  `mapstructure:"allow_null_body" yaml:"allow_null_body,omitempty"`
}

// Load reads configPath, applies defaults and validates. An empty path
// searches the default location; a missing default file yields an error
// from validation because no route is configured.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// DROPWATCH_LOGGING_LEVEL=debug overrides logging.level.
	v.SetEnvPrefix("DROPWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range []string{"logging.level", "logging.format", "logging.output", "instance.pid_file", "instance.shutdown_timeout", "instance.reload"} {
		_ = v.BindEnv(key)
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		return
	}
	v.AddConfigPath(ConfigDir())
	v.SetConfigName("config")
	v.SetConfigType("yaml")
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// ConfigDir returns $XDG_CONFIG_HOME/dropwatch, ~/.config/dropwatch, or the
// current directory when no home is known.
func ConfigDir() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "dropwatch")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "dropwatch")
}

// DefaultConfigPath is where init writes and run looks by default.
func DefaultConfigPath() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}
