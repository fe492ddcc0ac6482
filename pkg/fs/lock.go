package fs

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// ErrLocked is returned when the engine lock is held by another process.
var ErrLocked = errors.New("data directory locked by another process")

// DirLock is an exclusive, flock(2)-based lock on a data directory.
//
// flock is advisory and applies to an inode, not a pathname: all cooperating
// processes must take the lock for it to have effect. The engine takes it on
// a dedicated lock file inside the data directory, which must not be
// replaced or unlinked while locks may be held.
//
// This implementation is Unix-only. In-process coordination is the caller's
// job (goroutines in one process share the same flock); the engine layers an
// RWMutex above it, always acquired before the flock.
type DirLock struct {
	file File
	path string
}

// AcquireDirLock takes an exclusive non-blocking lock on path, creating the
// file if needed. Returns [ErrLocked] if another process holds it.
func AcquireDirLock(fsys FS, path string) (*DirLock, error) {
	file, err := fsys.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}

	err = syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		_ = file.Close()

		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, path)
		}

		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	return &DirLock{file: file, path: path}, nil
}

// Close releases the lock. Safe to call once; the lock file is left on disk.
func (l *DirLock) Close() error {
	err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
	if err != nil {
		_ = l.file.Close()

		return fmt.Errorf("unlock %s: %w", l.path, err)
	}

	err = l.file.Close()
	if err != nil {
		return fmt.Errorf("close lock file %s: %w", l.path, err)
	}

	return nil
}
