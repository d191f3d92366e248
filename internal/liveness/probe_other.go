//go:build !linux

package liveness

import (
	"os"
	"syscall"
)

func probePID(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(syscall.Signal(0))
}
