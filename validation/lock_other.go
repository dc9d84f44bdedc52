//go:build !unix

package validation

import "os"

// probeLock has no advisory lock to consult on this platform.
func probeLock(*os.File) (bool, error) {
	return false, nil
}
