package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/ppiankov/dropwatch/internal/fileerr"
	"github.com/ppiankov/dropwatch/internal/item"
	"github.com/ppiankov/dropwatch/internal/logging"
	"github.com/ppiankov/dropwatch/internal/producer"
	"github.com/ppiankov/dropwatch/internal/readlock"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("loglevel", func(fl validator.FieldLevel) bool {
		_, err := logging.ParseLevel(fl.Field().String())
		return err == nil
	})
	_ = validate.RegisterValidation("readlock", func(fl validator.FieldLevel) bool {
		switch strings.ToLower(fl.Field().String()) {
		case "", strings.ToLower(readlock.KindNone), strings.ToLower(readlock.KindMarkerFile), "marker",
			strings.ToLower(readlock.KindRename), strings.ToLower(readlock.KindChanged),
			strings.ToLower(readlock.KindOsLock), "filelock":
			return true
		}
		return false
	})
}

// Validate checks struct tags and the rules that span several fields. Every
// failure is a *fileerr.ConfigurationError.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	return validateCustomRules(cfg)
}

func validateCustomRules(cfg *Config) error {
	names := make(map[string]bool)
	for i, route := range cfg.Routes {
		prefix := fmt.Sprintf("routes[%d]", i)
		if names[route.Name] {
			return fileerr.Configf(prefix+".name", "duplicate route name %q", route.Name)
		}
		names[route.Name] = true

		if err := validateConsumer(prefix+".from", &route.From, cfg.Repositories); err != nil {
			return err
		}
		if route.To != nil {
			if err := validateProducer(prefix+".to", route.To); err != nil {
				return err
			}
			if !route.From.Recursive {
				continue
			}
			if within(route.To.Dir, route.From.Dir) {
				return fileerr.Configf(prefix+".to.dir", "%s is inside the recursive consumer directory %s", route.To.Dir, route.From.Dir)
			}
		}
	}
	return nil
}

func validateConsumer(prefix string, c *ConsumerConfig, repos map[string]RepositoryConfig) error {
	switch {
	case c.Delete && c.Move != "":
		return fileerr.Configf(prefix+".delete", "cannot be combined with move")
	case c.Noop && (c.Delete || c.Move != ""):
		return fileerr.Configf(prefix+".noop", "cannot be combined with delete or move")
	case c.Shuffle && c.SortBy != "":
		return fileerr.Configf(prefix+".shuffle", "cannot be combined with sort_by")
	case c.MaxDepth > 0 && c.MinDepth > c.MaxDepth:
		return fileerr.Configf(prefix+".min_depth", "%d is greater than max_depth %d", c.MinDepth, c.MaxDepth)
	case c.BackoffMultiplier > 1 && c.BackoffIdleThreshold == 0 && c.BackoffErrorThreshold == 0:
		return fileerr.Configf(prefix+".backoff_multiplier", "needs backoff_idle_threshold or backoff_error_threshold")
	}
	if _, err := item.ParseSortBy(c.SortBy); err != nil {
		return fileerr.Configf(prefix+".sort_by", "%v", err)
	}
	if c.IdempotentRepository != "" {
		if _, ok := repos[c.IdempotentRepository]; !ok {
			return fileerr.Configf(prefix+".idempotent_repository", "no repository named %q", c.IdempotentRepository)
		}
	}
	return nil
}

func validateProducer(prefix string, p *ProducerConfig) error {
	policy, err := producer.ParseFileExist(p.FileExist)
	if err != nil {
		return err
	}
	if policy == producer.Append && (p.TempPrefix != "" || p.TempFileName != "") {
		return fileerr.Configf(prefix+".file_exist", "Append cannot be used with a temporary file name")
	}
	if policy == producer.Move && p.MoveExisting == "" {
		return fileerr.Configf(prefix+".move_existing", "is required when file_exist is Move")
	}
	if p.TempPrefix != "" && p.TempFileName != "" {
		return fileerr.Configf(prefix+".temp_file_name", "cannot be combined with temp_prefix")
	}
	return nil
}

func within(dir, root string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(dir))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fileerr.Configf(e.Namespace(), "validation failed on '%s' tag (value: %v)", e.Tag(), e.Value())
	}
	return &fileerr.ConfigurationError{Reason: err.Error()}
}
