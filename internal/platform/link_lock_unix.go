//go:build unix

package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

type unixLinkLock struct {
	path string
	file *os.File
}

func acquireFileLock(path string) (LinkLock, error) {
	// #nosec G304 -- path is built from the state dir and a sanitized descriptor.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open link lock file: %w", err)
	}

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		_ = file.Close()
		if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrLinkBusy
		}

		return nil, fmt.Errorf("acquire link file lock: %w", err)
	}

	_ = file.Truncate(0)
	_, _ = fmt.Fprintf(file, "%d\n", os.Getpid())

	return &unixLinkLock{path: path, file: file}, nil
}

func (l *unixLinkLock) Path() string {
	return l.path
}

func (l *unixLinkLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil && !errors.Is(unlockErr, unix.EBADF) {
		return fmt.Errorf("unlock link file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close link lock file: %w", closeErr)
	}

	return nil
}
