//go:build unix

package config

import "golang.org/x/sys/unix"

// checkReadable asks the kernel whether the current user may read path,
// without opening it.
func checkReadable(path string) error {
	return unix.Access(path, unix.R_OK)
}
