package daemon

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked is returned when another daemon holds the lock.
var ErrLocked = errors.New("another daemon is running")

// Lock is an exclusive lock on a file next to the store. It is released
// when the process exits, even without Release.
type Lock struct {
	path string
	file *os.File
}

// AcquireLock takes the lock at path and records the pid in it. It fails
// with ErrLocked, naming the holder's pid when known, if the lock is held.
func AcquireLock(path string) (*Lock, error) {
	// #nosec G304 - path is derived from the data directory
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}
	if err := lockFile(f); err != nil {
		holder := readPID(f)
		f.Close()
		if errors.Is(err, ErrLocked) && holder > 0 {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, holder)
		}
		return nil, err
	}

	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{path: path, file: f}, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	f := l.file
	l.file = nil
	_ = f.Truncate(0)
	if err := unlockFile(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

func readPID(f *os.File) int {
	buf := make([]byte, 32)
	n, _ := f.ReadAt(buf, 0)
	pid, err := strconv.Atoi(strings.TrimSpace(string(buf[:n])))
	if err != nil {
		return 0
	}
	return pid
}
