package instancelock

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrLocked means another conductor already manages the same root.
var ErrLocked = errors.New("another conductor instance holds the lock")

// Lock is an exclusive flock on a file, held for the life of the process.
type Lock struct {
	path   string
	fd     int
	logger *slog.Logger
}

// Acquire takes the lock at path without blocking. The holder's pid is
// written into the file.
func Acquire(path string, logger *slog.Logger) (*Lock, error) {
	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(fd, unix.LOCK_EX|unix.LOCK_NB); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EWOULDBLOCK) {
			if pid := Holder(path); pid > 0 {
				return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}

	pid := fmt.Sprintf("%d\n", os.Getpid())
	if err := unix.Ftruncate(fd, 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to truncate lock file: %w", err)
	}
	if _, err := unix.Pwrite(fd, []byte(pid), 0); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to write PID: %w", err)
	}

	l := &Lock{path: path, fd: fd, logger: logger.With("component", "instance-lock")}
	l.logger.Info("acquired instance lock", "lock_file", path)
	return l, nil
}

// Holder returns the pid recorded in the lock file, or 0.
func Holder(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}

// Release drops the lock. It is safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.fd < 0 {
		return
	}
	unix.Flock(l.fd, unix.LOCK_UN)
	unix.Close(l.fd)
	l.fd = -1
	l.logger.Info("released instance lock", "lock_file", l.path)
}
