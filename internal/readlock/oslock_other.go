//go:build !unix

package readlock

import (
	"github.com/spf13/afero"

	"github.com/ppiankov/dropwatch/internal/fileerr"
)

// OsLock is unavailable on this platform.
type OsLock struct {
	None
}

func NewOsLock(afero.Fs, Options) (*OsLock, error) {
	return nil, fileerr.Configf("read_lock", "osLock is not supported on this platform")
}
