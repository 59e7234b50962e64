package platform

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrLinkBusy indicates another process already relays the same link.
var ErrLinkBusy = errors.New("link is already in use by another process")

// ErrLinkLockUnsupported indicates the current platform has no lock backend.
var ErrLinkLockUnsupported = errors.New("link lock unsupported")

// LinkLock is an acquired per-link process lock.
type LinkLock interface {
	Path() string
	Release() error
}

// AcquireLinkLock takes an exclusive, non-blocking lock named after the link
// descriptor inside dir. The lock is released when the process exits.
func AcquireLinkLock(dir, descriptor string) (LinkLock, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	return acquireFileLock(LinkLockPath(dir, descriptor))
}

// LinkLockPath is the lock file used for descriptor.
func LinkLockPath(dir, descriptor string) string {
	return filepath.Join(dir, lockComponent(descriptor, "link")+".lock")
}

func lockComponent(raw, fallback string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback
	}

	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			b.WriteRune(r)
		case r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	normalized := strings.Trim(b.String(), "_-.")
	if normalized == "" {
		return fallback
	}

	return normalized
}
