// Package lockfile guards the local state directory: only one client process
// may mutate a given store at a time. The lock is a file recording the owning
// PID and acquisition time; a lock whose owner is gone or that is older than
// an hour is treated as stale and taken over.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("state directory is locked by another process")

// staleAfter bounds how long a lock from a still-running PID stays valid.
// Covers PID reuse after reboot.
const staleAfter = time.Hour

// Lockfile is a file-based single-instance lock.
type Lockfile struct {
	path   string
	file   *os.File
	pid    int
	locked bool
}

// New creates a lock handle for the given path. The lock is not acquired
// until TryAcquire.
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire takes the lock, replacing a stale one if necessary. It never
// blocks waiting for a live owner.
func (l *Lockfile) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if os.IsExist(err) {
		stale, reason := l.checkStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if removeErr := os.Remove(l.path); removeErr != nil {
			return fmt.Errorf("failed to remove stale lock (%s): %w", reason, removeErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to create lock file: %w", err)
	}

	l.file = file
	l.pid = os.Getpid()
	l.locked = true
	if err := l.writeOwner(); err != nil {
		l.Release()
		return err
	}
	return nil
}

// writeOwner stamps the lock file with the owning PID and acquisition time.
func (l *Lockfile) writeOwner() error {
	content := fmt.Sprintf("%d\n%s\n", l.pid, time.Now().Format(time.RFC3339))
	if _, err := l.file.WriteString(content); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync lock file: %w", err)
	}
	return nil
}

// checkStale decides whether an existing lock file can be taken over and
// names the reason.
func (l *Lockfile) checkStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lock file"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid PID in lock file"
	}

	running, reason := isProcessRunning(pid)
	if !running {
		return true, reason
	}

	if len(lines) >= 2 {
		acquired, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
		if err == nil && time.Since(acquired) > staleAfter {
			return true, "lock file is older than 1 hour"
		}
	}

	return false, fmt.Sprintf("process with PID %d is running", pid)
}

// Release drops the lock and removes the file. Releasing an unheld lock is
// a no-op.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		if err != nil {
			err = fmt.Errorf("%v; failed to remove lock file: %w", err, removeErr)
		} else {
			err = fmt.Errorf("failed to remove lock file: %w", removeErr)
		}
	}

	l.locked = false
	return err
}

// PID returns the PID recorded when the lock was acquired.
func (l *Lockfile) PID() int {
	return l.pid
}

// Locked reports whether this handle currently holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// Path returns the lock file path.
func (l *Lockfile) Path() string {
	return l.path
}
