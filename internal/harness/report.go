package harness

import (
	"errors"
	"time"

	"github.com/strongdm/crossns/internal/diag"
	"github.com/strongdm/crossns/internal/procid"
)

// StageResult is the outcome of one executed stage.
type StageResult struct {
	Name     string
	Duration time.Duration
	Err      error
}

// Report summarises a run for rendering and triage.
type Report struct {
	RunID       string
	Strategy    string
	Container   string
	Image       string
	Target      string
	LauncherPID int
	Started     time.Time
	Finished    time.Time

	Stages         []StageResult
	Identity       *procid.Identity
	Diagnostic     *diag.Result
	WorkloadOutput string
	TeardownErr    error
	Err            error
}

// Passed reports whether every stage succeeded. Teardown errors do not
// change the verdict.
func (r *Report) Passed() bool {
	return r != nil && r.Err == nil
}

// FailedStage names the stage that failed, or "" for a passing run.
func (r *Report) FailedStage() string {
	if r == nil {
		return ""
	}
	var se *StageError
	if errors.As(r.Err, &se) {
		return se.Stage
	}
	return ""
}

// Listing returns the process listing a failed resolution was made from.
func (r *Report) Listing() string {
	if r == nil {
		return ""
	}
	var nf *procid.NotFoundError
	if errors.As(r.Err, &nf) {
		return nf.Listing
	}
	return ""
}

// Elapsed is the wall time of the whole run.
func (r *Report) Elapsed() time.Duration {
	if r == nil || r.Finished.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}
