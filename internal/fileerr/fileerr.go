// Package fileerr defines the error taxonomy shared by the consumer and
// producer: scan, acquisition, configuration, processing and commit failures.
package fileerr

import (
	"errors"
	"fmt"
)

// Sentinels matched by errors.Is against the typed errors below.
var (
	ErrScan          = errors.New("scan failed")
	ErrAcquisition   = errors.New("exclusive access not acquired")
	ErrConfiguration = errors.New("invalid configuration")
	ErrProcessing    = errors.New("processing failed")
	ErrCommit        = errors.New("commit failed")

	// ErrPollVetoed is the rollback cause when a poll strategy refuses to begin a cycle.
	ErrPollVetoed = errors.New("poll vetoed by poll strategy")
)

// ScanError reports an unreadable directory. Fatal for the poll cycle.
type ScanError struct {
	Dir string
	Err error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("scan %s: %v", e.Dir, e.Err)
}

func (e *ScanError) Unwrap() error { return e.Err }

func (e *ScanError) Is(target error) bool { return target == ErrScan }

// AcquisitionError reports a lock or timeout failure for one item.
// The item is left untouched and reconsidered on the next cycle.
type AcquisitionError struct {
	Path     string
	Strategy string
	Err      error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s lock not acquired for %s", e.Strategy, e.Path)
	}
	return fmt.Sprintf("%s lock not acquired for %s: %v", e.Strategy, e.Path, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

func (e *AcquisitionError) Is(target error) bool { return target == ErrAcquisition }

// ConfigurationError reports conflicting or invalid options. Raised when an
// endpoint is created, never while it runs.
type ConfigurationError struct {
	Option string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Option == "" {
		return "configuration: " + e.Reason
	}
	return fmt.Sprintf("configuration %s: %s", e.Option, e.Reason)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// Configf builds a ConfigurationError for option with a formatted reason.
func Configf(option, format string, args ...any) error {
	return &ConfigurationError{Option: option, Reason: fmt.Sprintf(format, args...)}
}

// ProcessingError wraps a failure returned by the downstream processor.
type ProcessingError struct {
	Path string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("process %s: %v", e.Path, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func (e *ProcessingError) Is(target error) bool { return target == ErrProcessing }

// CommitError reports that the final move, delete or done-file handling failed
// after the processor succeeded. The idempotent key is never confirmed.
type CommitError struct {
	Path string
	Op   string
	Err  error
}

func (e *CommitError) Error() string {
	return fmt.Sprintf("commit %s (%s): %v", e.Path, e.Op, e.Err)
}

func (e *CommitError) Unwrap() error { return e.Err }

func (e *CommitError) Is(target error) bool { return target == ErrCommit }
