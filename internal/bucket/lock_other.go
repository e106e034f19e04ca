//go:build !unix

package bucket

import "os"

// tryLockFile is a no-op where flock is unavailable; the store's in-process
// locks still apply.
func tryLockFile(f *os.File) error {
	return nil
}
