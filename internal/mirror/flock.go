package mirror

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"
)

// ErrLocked is returned by Flock.Lock when another process already
// holds the lock.
var ErrLocked = errors.New("mirror directory is locked by another process")

// validateLockFilePath rejects a lock file path outside the mirror
// directory it's meant to guard.
func validateLockFilePath(mirrorDir, lockPath string) error {
	cleanLock := filepath.Clean(lockPath)
	cleanDir := filepath.Clean(mirrorDir)
	rel, err := filepath.Rel(cleanDir, cleanLock)
	if err != nil {
		return errors.Wrap(err, "validateLockFilePath")
	}
	if strings.HasPrefix(rel, "..") {
		return errors.New("lock file path escapes mirror directory: " + lockPath)
	}
	return nil
}

// Flock is a mirror-wide advisory exclusive lock backed by flock(2) on
// a regular file. A single Flock guards one mirror directory against
// concurrent runs of any pypimirror command (mirror, verify, sync,
// delete): the Mirror Controller acquires it in ACQUIRE_LOCK and
// releases it on every exit path, including panics recovered by the
// caller.
type Flock struct {
	file *os.File
	path string
}

// NewFlock opens (creating if necessary) the lock file at path. The
// file is not locked until Lock is called.
func NewFlock(path string) (*Flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600) // #nosec G304 - path validated by caller via validateLockFilePath
	if err != nil {
		return nil, errors.Wrap(err, "open lock file")
	}
	return &Flock{file: f, path: path}, nil
}

// Lock acquires the exclusive, non-blocking lock. It returns ErrLocked,
// wrapped, if another process already holds it.
func (l *Flock) Lock() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return errors.Wrap(ErrLocked, l.path)
		}
		return errors.Wrap(err, "flock")
	}
	return nil
}

// Unlock releases the lock and closes the underlying file. It is not
// idempotent: a second call fails in syscall.Flock on the already
// closed descriptor and returns that error wrapped as "flock unlock".
func (l *Flock) Unlock() error {
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		return errors.Wrap(err, "flock unlock")
	}
	return l.file.Close()
}
