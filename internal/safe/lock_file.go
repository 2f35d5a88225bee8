package safe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockSuffix is appended to the path of a resource to form the name of its lock file.
const LockSuffix = ".lock"

// ErrFileLocked is returned when the lock file of a resource already exists.
var ErrFileLocked = errors.New("file already locked")

type lockFileState int

const (
	lockFileStateOpen = lockFileState(iota)
	lockFileStateLocked
	lockFileStateClosed
)

// LockFile guards a single file by creating `<path>.lock` exclusively. While the lock is held
// the new contents of the file are written into the lock file itself, and Commit atomically
// renames the lock file over the target. Unlock drops the lock without touching the target.
type LockFile struct {
	path  string
	file  *os.File
	state lockFileState
}

// NewLockFile creates a new, unlocked LockFile for the given target path.
func NewLockFile(path string) *LockFile {
	return &LockFile{path: path}
}

// Lock creates the lock file. It returns ErrFileLocked if someone else holds the lock. Missing
// parent directories of the target are created.
func (l *LockFile) Lock() error {
	if l.state != lockFileStateOpen {
		return fmt.Errorf("lock file not lockable")
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating lock directory: %w", err)
	}

	file, err := os.OpenFile(l.LockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrFileLocked, l.LockPath())
		}
		return fmt.Errorf("creating lock file: %w", err)
	}

	l.file = file
	l.state = lockFileStateLocked

	return nil
}

// Write writes new contents for the target into the lock file. Must be called on a locked
// LockFile.
func (l *LockFile) Write(p []byte) (int, error) {
	if l.state != lockFileStateLocked {
		return 0, fmt.Errorf("lock file not accepting writes")
	}
	return l.file.Write(p)
}

// Commit syncs the lock file and renames it over the target, which releases the lock.
func (l *LockFile) Commit() error {
	if l.state != lockFileStateLocked {
		return fmt.Errorf("lock file not locked")
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing lock file: %w", err)
	}
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing lock file: %w", err)
	}
	if err := os.Rename(l.LockPath(), l.path); err != nil {
		_ = os.Remove(l.LockPath())
		l.state = lockFileStateClosed
		return fmt.Errorf("renaming lock file: %w", err)
	}
	l.state = lockFileStateClosed

	return syncDir(filepath.Dir(l.path))
}

// Unlock removes the lock file without changing the target. Unlocking a LockFile which does not
// hold the lock does nothing, so that it is safe to defer.
func (l *LockFile) Unlock() error {
	if l.state != lockFileStateLocked {
		return nil
	}
	l.state = lockFileStateClosed

	_ = l.file.Close()
	if err := os.Remove(l.LockPath()); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock file: %w", err)
	}

	return nil
}

// IsLocked tells whether this LockFile currently holds the lock.
func (l *LockFile) IsLocked() bool {
	return l.state == lockFileStateLocked
}

// Path returns the path of the target file.
func (l *LockFile) Path() string {
	return l.path
}

// LockPath returns the path of the lock file.
func (l *LockFile) LockPath() string {
	return l.path + LockSuffix
}
