//go:build !unix && !windows

package platform

import (
	"fmt"
	"runtime"
)

func acquireFileLock(_ string) (LinkLock, error) {
	return nil, fmt.Errorf("%w on %s", ErrLinkLockUnsupported, runtime.GOOS)
}
