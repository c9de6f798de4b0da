package probe

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/omnistat/omnistat/pkg/util"
	"golang.org/x/sys/unix"
)

// ErrLocked is returned by AcquireLock when another owner holds the lock.
var ErrLocked = errors.New("lock is held by another process")

func LockFilePath(storagePath string) string {
	return filepath.Join(storagePath, util.LockFileName)
}

// TryLock attempts a non-blocking exclusive flock on path and releases it
// immediately. It reports true when nobody holds the lock. A missing lock
// file is treated as released.
func TryLock(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, nil
		}
		return false, err
	}
	defer func() {
		_ = file.Close()
	}()
	fd := int(file.Fd())
	if err = unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		if errors.Is(err, unix.EWOULDBLOCK) {
			return false, nil
		}
		return false, fmt.Errorf("flock %s: %w", path, err)
	}
	_ = unix.Flock(fd, unix.LOCK_UN)
	return true, nil
}

// FileLock is an exclusive advisory lock held on an open file.
type FileLock struct {
	file *os.File
}

// AcquireLock creates path if needed and takes a non-blocking exclusive
// flock on it, the way a time-series server claims its storage directory.
func AcquireLock(path string) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	if err = unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}
	return &FileLock{file: file}, nil
}

// Release drops the lock and closes the file. Safe to call more than once.
func (l *FileLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
