//go:build !unix

package config

import "os"

func checkReadable(path string) error {
	f, err := os.Open(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return err
	}
	return f.Close()
}
