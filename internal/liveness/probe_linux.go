//go:build linux

package liveness

import (
	"errors"

	"golang.org/x/sys/unix"
)

func probePID(pid int) error {
	err := unix.Kill(pid, 0)
	// EPERM means the process exists but belongs to another user.
	if err == nil || errors.Is(err, unix.EPERM) {
		return nil
	}
	return err
}
