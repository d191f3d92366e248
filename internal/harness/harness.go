// Package harness runs one cross-namespace diagnostic check: it launches the
// workload container, waits for readiness, resolves the workload's process id
// and drives the diagnostic tool against it. Teardown runs exactly once on
// every path.
package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/strongdm/crossns/internal/container"
	"github.com/strongdm/crossns/internal/diag"
	"github.com/strongdm/crossns/internal/liveness"
	"github.com/strongdm/crossns/internal/procid"
	"github.com/strongdm/crossns/internal/readiness"
	"github.com/strongdm/crossns/internal/telemetry/otel"
)

// Stage names, in execution order.
const (
	StageStart     = "start"
	StageReadiness = "readiness"
	StageLiveness  = "liveness"
	StageResolve   = "resolve"
	StageDiagnose  = "diagnose"
	StageAwaitExit = "await-exit"
	StageTeardown  = "teardown"
)

// Liveness checkpoints.
const (
	CheckpointPostReadiness = "post-readiness"
	CheckpointPreDiagnostic = "pre-diagnostic"
)

// Lifecycle owns the workload container.
type Lifecycle interface {
	Acquire(spec container.WorkloadSpec) *container.Handle
	Build(ctx context.Context, h *container.Handle) error
	Start(ctx context.Context, h *container.Handle) (*readiness.Process, error)
	Stop(ctx context.Context, h *container.Handle) error
}

// Diagnostics runs the host-side tool against a resolved id.
type Diagnostics interface {
	Invoke(ctx context.Context, id int, args ...string) (*diag.Result, error)
}

// Checks is what the diagnostic answer must satisfy.
type Checks struct {
	Args     []string
	ExitCode int
	Expect   []string
	Reject   []string
}

// Harness wires the components of one run together.
type Harness struct {
	RunID    string
	Spec     container.WorkloadSpec
	Strategy procid.Strategy
	Policy   procid.Policy
	// Target is the substring naming the workload in a process listing.
	Target string
	Checks Checks
	// ProbeHostPID confirms a host-vantage id with kill(pid, 0) before the
	// diagnostic runs.
	ProbeHostPID bool
	AwaitExit    bool

	Lifecycle   Lifecycle
	Diagnostics Diagnostics
	Monitor     *liveness.Monitor
	Stages      *otel.StageInstruments
	Logger      *log.Logger
	Verbose     bool
}

// StageError wraps the failure of one stage. Output carries the workload's
// captured output tail when it was available.
type StageError struct {
	Stage  string
	Err    error
	Output string
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func (h *Harness) logger() *log.Logger {
	if h.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return h.Logger
}

func (h *Harness) debugf(format string, args ...interface{}) {
	if h.Verbose {
		h.logger().Printf(format, args...)
	}
}

// Run executes every stage in order, stopping at the first failure. The
// returned report is never nil; the error, when set, is a *StageError.
func (h *Harness) Run(ctx context.Context) (report *Report, err error) {
	if h.Lifecycle == nil || h.Diagnostics == nil {
		return nil, errors.New("harness requires a lifecycle and a diagnostics driver")
	}
	report = &Report{
		RunID:     h.RunID,
		Strategy:  h.Strategy.Name,
		Container: h.Spec.Name,
		Image:     h.Spec.Image,
		Target:    h.Target,
		Started:   time.Now(),
	}
	logger := h.logger()
	logger.Printf("event=harness.begin run=%s strategy=%s target=%q", h.RunID, h.Strategy.Name, h.Target)

	handle := h.Lifecycle.Acquire(h.Spec)
	var proc *readiness.Process
	defer func() {
		h.teardown(ctx, handle, proc, report)
		report.Err = err
		report.Finished = time.Now()
		logger.Printf("event=harness.end run=%s passed=%t", h.RunID, err == nil)
	}()

	err = h.stage(ctx, report, StageStart, func(ctx context.Context) error {
		if err := h.Lifecycle.Build(ctx, handle); err != nil {
			return err
		}
		p, err := h.Lifecycle.Start(ctx, handle)
		if err != nil {
			return err
		}
		proc = p
		report.LauncherPID = p.Pid()
		return nil
	})
	if err != nil {
		return report, err
	}

	err = h.stage(ctx, report, StageReadiness, proc.AwaitReady)
	if err != nil {
		return report, h.withOutput(err, proc)
	}

	err = h.stage(ctx, report, StageLiveness, func(context.Context) error {
		return h.Monitor.AssertAlive(CheckpointPostReadiness, proc)
	})
	if err != nil {
		return report, h.withOutput(err, proc)
	}

	var identity procid.Identity
	err = h.stage(ctx, report, StageResolve, func(ctx context.Context) error {
		resolver := &procid.Resolver{Strategy: h.Strategy, Policy: h.Policy, Logger: h.Logger}
		if h.Strategy.Vantage == procid.VantageHost {
			resolver.Exclude = []int{proc.Pid()}
		}
		id, err := resolver.Resolve(ctx, h.Target)
		if err != nil {
			return err
		}
		identity = id
		report.Identity = &id
		if h.ProbeHostPID && id.Vantage == procid.VantageHost {
			return h.Monitor.ProbePID(id.ID)
		}
		return nil
	})
	if err != nil {
		return report, h.withOutput(err, proc)
	}

	err = h.stage(ctx, report, StageLiveness, func(context.Context) error {
		return h.Monitor.AssertAlive(CheckpointPreDiagnostic, proc)
	})
	if err != nil {
		return report, h.withOutput(err, proc)
	}

	err = h.stage(ctx, report, StageDiagnose, func(ctx context.Context) error {
		res, err := h.Diagnostics.Invoke(ctx, identity.ID, h.Checks.Args...)
		if err != nil {
			return err
		}
		report.Diagnostic = res
		return h.Checks.verify(res)
	})
	if err != nil {
		return report, h.withOutput(err, proc)
	}

	if h.AwaitExit {
		err = h.stage(ctx, report, StageAwaitExit, func(ctx context.Context) error {
			if err := proc.Wait(ctx); err != nil {
				code, _ := proc.ExitCode()
				return fmt.Errorf("workload exited with code %d: %w", code, err)
			}
			return nil
		})
		if err != nil {
			return report, h.withOutput(err, proc)
		}
	}
	return report, nil
}

// stage times fn, records its outcome and wraps its failure.
func (h *Harness) stage(ctx context.Context, report *Report, name string, fn func(context.Context) error) error {
	span, stageCtx := h.Stages.Start(ctx, h.RunID, name)
	h.debugf("stage %s: begin", name)
	err := fn(stageCtx)
	elapsed := h.Stages.Finish(span, err)
	report.Stages = append(report.Stages, StageResult{Name: name, Duration: elapsed, Err: err})
	if err != nil {
		h.logger().Printf("event=harness.stage-failed run=%s stage=%s elapsed=%s error=%q", h.RunID, name, elapsed.Round(time.Millisecond), err)
		return &StageError{Stage: name, Err: err}
	}
	h.logger().Printf("event=harness.stage run=%s stage=%s elapsed=%s", h.RunID, name, elapsed.Round(time.Millisecond))
	return nil
}

func (h *Harness) withOutput(err error, proc *readiness.Process) error {
	var se *StageError
	if errors.As(err, &se) && proc != nil {
		se.Output = proc.Output()
	}
	return err
}

// teardown removes the container and owned image. Its error is recorded on
// the report and never replaces the run's verdict.
func (h *Harness) teardown(ctx context.Context, handle *container.Handle, proc *readiness.Process, report *Report) {
	start := time.Now()
	stopErr := h.Lifecycle.Stop(ctx, handle)
	if proc != nil {
		proc.Kill()
		report.WorkloadOutput = proc.Output()
	}
	report.Stages = append(report.Stages, StageResult{Name: StageTeardown, Duration: time.Since(start), Err: stopErr})
	if stopErr != nil {
		report.TeardownErr = stopErr
		h.logger().Printf("event=harness.teardown-error run=%s error=%q", h.RunID, stopErr)
		return
	}
	h.debugf("stage %s: done", StageTeardown)
}

func (c Checks) verify(res *diag.Result) error {
	if err := res.ShouldHaveExitValue(c.ExitCode); err != nil {
		return err
	}
	if err := res.ShouldContain(c.Expect...); err != nil {
		return err
	}
	return res.ShouldNotContain(c.Reject...)
}
