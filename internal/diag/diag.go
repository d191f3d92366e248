// Package diag drives a host-side diagnostic tool against a process id and
// checks its responses.
//
// A tool that cannot be started yields an InvocationError. A tool that ran
// but answered unexpectedly yields an AssertionError from the Result helpers.
// Callers tell the two apart with errors.As.
package diag

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
)

// Driver invokes the diagnostic tool.
type Driver struct {
	Tool string
	// Wrap is prepended to every invocation, e.g. `docker exec <container>`
	// to run the tool inside the workload's namespace.
	Wrap   []string
	Env    []string
	Logger *log.Logger
}

// Result is one completed invocation.
type Result struct {
	Args     []string
	ExitCode int
	Output   string
}

// InvocationError reports that the tool could not be run at all.
type InvocationError struct {
	Tool string
	Args []string
	Err  error
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("run %s %s: %v", e.Tool, strings.Join(e.Args, " "), e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// AssertionError reports a response that did not meet an expectation.
type AssertionError struct {
	Command     string
	Expectation string
	Output      string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s", e.Command, e.Expectation)
}

// Invoke runs `<tool> <id> <args...>`.
func (d *Driver) Invoke(ctx context.Context, id int, args ...string) (*Result, error) {
	if id < 0 {
		return nil, &InvocationError{Tool: d.Tool, Args: args, Err: fmt.Errorf("invalid process id %d", id)}
	}
	argv := append([]string{strconv.Itoa(id)}, args...)
	return d.run(ctx, argv)
}

// List runs the tool's listing form, `<tool> -l`.
func (d *Driver) List(ctx context.Context) (*Result, error) {
	return d.run(ctx, []string{"-l"})
}

// ListCommand is the command line List runs.
func (d *Driver) ListCommand() []string {
	return d.argv([]string{"-l"})
}

func (d *Driver) argv(args []string) []string {
	argv := make([]string, 0, len(d.Wrap)+1+len(args))
	argv = append(argv, d.Wrap...)
	argv = append(argv, d.Tool)
	return append(argv, args...)
}

func (d *Driver) run(ctx context.Context, args []string) (*Result, error) {
	logger := d.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if strings.TrimSpace(d.Tool) == "" {
		return nil, &InvocationError{Args: args, Err: errors.New("diagnostic tool path is empty")}
	}

	argv := d.argv(args)
	logger.Printf("event=diag.invoke tool=%s args=%q", d.Tool, args)
	out, code, err := runTool(ctx, argv[0], d.Env, argv[1:])
	if err != nil {
		logger.Printf("event=diag.invoke-error tool=%s error=%q", d.Tool, err)
		return nil, &InvocationError{Tool: d.Tool, Args: args, Err: err}
	}
	logger.Printf("event=diag.result tool=%s exit=%d bytes=%d", d.Tool, code, len(out))
	return &Result{
		Args:     argv,
		ExitCode: code,
		Output:   out,
	}, nil
}

// CommandLine renders the invocation for messages.
func (r *Result) CommandLine() string {
	return strings.Join(r.Args, " ")
}

// Lines splits the output into lines without the trailing empty line.
func (r *Result) Lines() []string {
	text := strings.TrimRight(r.Output, "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// ShouldHaveExitValue fails unless the tool exited with code.
func (r *Result) ShouldHaveExitValue(code int) error {
	if r.ExitCode == code {
		return nil
	}
	return &AssertionError{
		Command:     r.CommandLine(),
		Expectation: fmt.Sprintf("exit value %d, got %d", code, r.ExitCode),
		Output:      r.Output,
	}
}

// ShouldContain fails on the first marker missing from the output.
func (r *Result) ShouldContain(markers ...string) error {
	for _, m := range markers {
		if !strings.Contains(r.Output, m) {
			return &AssertionError{
				Command:     r.CommandLine(),
				Expectation: fmt.Sprintf("output to contain %q", m),
				Output:      r.Output,
			}
		}
	}
	return nil
}

// ShouldNotContain fails on the first marker present in the output.
func (r *Result) ShouldNotContain(markers ...string) error {
	for _, m := range markers {
		if strings.Contains(r.Output, m) {
			return &AssertionError{
				Command:     r.CommandLine(),
				Expectation: fmt.Sprintf("output not to contain %q", m),
				Output:      r.Output,
			}
		}
	}
	return nil
}

var runTool = runToolImpl

// runToolImpl returns combined output and the exit code. A tool that ran and
// then failed, including one killed by a signal (exit code -1), is not an
// error; only failing to start or being interrupted through ctx is.
func runToolImpl(ctx context.Context, tool string, env []string, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, tool, args...)
	if len(env) > 0 {
		cmd.Env = append(cmd.Environ(), env...)
	}
	out, err := cmd.CombinedOutput()
	if err == nil {
		return string(out), 0, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return string(out), -1, ctxErr
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return string(out), exitErr.ExitCode(), nil
	}
	return string(out), -1, err
}
