//go:build unix

package validation

import (
	"os"

	"golang.org/x/sys/unix"
)

// probeLock asks for a non-blocking shared advisory lock. A conflicting
// exclusive lock held elsewhere makes flock fail with EWOULDBLOCK.
func probeLock(f *os.File) (bool, error) {
	fd := int(f.Fd())
	err := unix.Flock(fd, unix.LOCK_SH|unix.LOCK_NB)
	switch err {
	case nil:
		return false, unix.Flock(fd, unix.LOCK_UN)
	case unix.EWOULDBLOCK:
		return true, nil
	default:
		return false, err
	}
}
