//go:build windows

package platform

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

type windowsLinkLock struct {
	path string
	file *os.File
}

func acquireFileLock(path string) (LinkLock, error) {
	// #nosec G304 -- path is built from the state dir and a sanitized descriptor.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open link lock file: %w", err)
	}

	ol := new(windows.Overlapped)
	flags := uint32(windows.LOCKFILE_EXCLUSIVE_LOCK | windows.LOCKFILE_FAIL_IMMEDIATELY)
	if err := windows.LockFileEx(windows.Handle(file.Fd()), flags, 0, 1, 0, ol); err != nil {
		_ = file.Close()
		if errors.Is(err, windows.ERROR_LOCK_VIOLATION) {
			return nil, ErrLinkBusy
		}

		return nil, fmt.Errorf("acquire link file lock: %w", err)
	}

	return &windowsLinkLock{path: path, file: file}, nil
}

func (l *windowsLinkLock) Path() string {
	return l.path
}

func (l *windowsLinkLock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}

	ol := new(windows.Overlapped)
	unlockErr := windows.UnlockFileEx(windows.Handle(l.file.Fd()), 0, 1, 0, ol)
	closeErr := l.file.Close()
	l.file = nil

	if unlockErr != nil {
		return fmt.Errorf("unlock link file lock: %w", unlockErr)
	}
	if closeErr != nil {
		return fmt.Errorf("close link lock file: %w", closeErr)
	}

	return nil
}
