// Package liveness checks that an observed workload has not died between
// harness stages.
package liveness

import (
	"fmt"
	"io"
	"log"
)

// Process is the view of a running child the monitor needs.
type Process interface {
	Name() string
	Alive() bool
	ExitCode() (int, bool)
}

// UnexpectedExitError reports a workload that terminated before it was
// expected to.
type UnexpectedExitError struct {
	Name       string
	Checkpoint string
	ExitCode   int
	Output     string
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("%s stopped unexpectedly at %s, exit value: %d", e.Name, e.Checkpoint, e.ExitCode)
}

// Monitor records liveness checkpoints.
type Monitor struct {
	Logger *log.Logger
}

// AssertAlive fails if p has already exited.
func (m *Monitor) AssertAlive(checkpoint string, p Process) error {
	logger := m.logger()
	if p.Alive() {
		logger.Printf("event=liveness.alive checkpoint=%s name=%s", checkpoint, p.Name())
		return nil
	}
	code, _ := p.ExitCode()
	logger.Printf("event=liveness.exited checkpoint=%s name=%s code=%d", checkpoint, p.Name(), code)
	err := &UnexpectedExitError{Name: p.Name(), Checkpoint: checkpoint, ExitCode: code}
	if o, ok := p.(interface{ Output() string }); ok {
		err.Output = o.Output()
	}
	return err
}

// ProbePID reports whether pid names a live process in the caller's process
// table.
func (m *Monitor) ProbePID(pid int) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := probePID(pid); err != nil {
		m.logger().Printf("event=liveness.probe-failed pid=%d error=%q", pid, err)
		return fmt.Errorf("probe pid %d: %w", pid, err)
	}
	return nil
}

func (m *Monitor) logger() *log.Logger {
	if m == nil || m.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return m.Logger
}
