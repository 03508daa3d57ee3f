// Package common contains filesystem helpers shared by the test runner.
package common

import (
	"fmt"
	"os"
	"syscall"
)

// Mkdir creates a directory iff it does not exist, and otherwise
// ensures that the filesystem permissions are sufficiently restrictive.
func Mkdir(d string) error {
	const permDir = os.FileMode(0o700)

	fi, err := os.Lstat(d)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(d, permDir)
		}
		return err
	}

	fm := fi.Mode()
	if !fm.IsDir() {
		return fmt.Errorf("common/Mkdir: path '%s' is not a directory", d)
	}
	if fm.Perm() != permDir {
		return fmt.Errorf("common/Mkdir: path '%s' has invalid permissions: %v, expected: %v", d, fm.Perm(), permDir)
	}
	if fs, ok := fi.Sys().(*syscall.Stat_t); ok {
		if euid := os.Geteuid(); euid != int(fs.Uid) {
			return fmt.Errorf("common/Mkdir: path '%s' has invalid owner: %d, expected: %d", d, fs.Uid, euid)
		}
	}

	return nil
}
