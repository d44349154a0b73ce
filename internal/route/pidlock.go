package route

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// AcquirePIDLock writes the current PID to path so a second instance with the
// same configuration refuses to start. A file left by a dead process is
// replaced. The returned func removes the file.
func AcquirePIDLock(path string) (func(), error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid != os.Getpid() && running(pid) {
			return nil, fmt.Errorf("another instance is running (PID %d)", pid)
		}
		// Stale PID file.
		_ = os.Remove(path)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("create pid directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return nil, fmt.Errorf("create pid file: %w", err)
	}
	if _, err := f.WriteString(strconv.Itoa(os.Getpid())); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write pid file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}

func running(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
