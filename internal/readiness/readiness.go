// Package readiness launches a child process, drains its combined output in
// the background, and lets callers block until an in-band sentinel line has
// been printed.
package readiness

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout  = 5 * time.Second
	defaultTailSize = 200
)

// Options controls how a process is observed.
type Options struct {
	// Name labels the process in logs and errors.
	Name string
	// Sentinel is the substring that marks readiness.
	Sentinel string
	// Match overrides the default substring check against Sentinel.
	Match func(line string) bool
	// Timeout bounds AwaitReady. Zero selects a five second default.
	Timeout time.Duration
	// TailSize caps how many output lines are retained for triage.
	TailSize int
	// Echo, when set, receives every output line as it is read.
	Echo io.Writer
	Logger *log.Logger
}

// StartError reports that the child could not be launched at all.
type StartError struct {
	Name string
	Path string
	Err  error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %s (%s): %v", e.Name, e.Path, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that the sentinel was not observed in time. Exited is
// set when the child had already terminated by the deadline.
type TimeoutError struct {
	Name     string
	Sentinel string
	Timeout  time.Duration
	Exited   bool
	ExitCode int
	Output   string
}

func (e *TimeoutError) Error() string {
	msg := fmt.Sprintf("%s: sentinel %q not observed within %s", e.Name, e.Sentinel, e.Timeout)
	if e.Exited {
		msg += fmt.Sprintf(" (process exited with code %d)", e.ExitCode)
	}
	return msg
}

// Process is a launched child whose output is being drained.
type Process struct {
	name    string
	cmd     *exec.Cmd
	opts    Options
	match   func(string) bool
	logger  *log.Logger
	started time.Time

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}

	mu       sync.Mutex
	tail     []string
	exitCode int
	waitErr  error
}

// Launch starts cmd with stdout and stderr joined onto a single pipe and
// begins draining it. The caller must not set cmd.Stdout or cmd.Stderr.
func Launch(ctx context.Context, cmd *exec.Cmd, opts Options) (*Process, error) {
	if cmd == nil {
		return nil, &StartError{Name: opts.Name, Err: errors.New("nil command")}
	}
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.TailSize <= 0 {
		opts.TailSize = defaultTailSize
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = cmd.Path
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	match := opts.Match
	if match == nil {
		sentinel := opts.Sentinel
		match = func(line string) bool { return strings.Contains(line, sentinel) }
	}
	if err := ctx.Err(); err != nil {
		return nil, &StartError{Name: name, Path: cmd.Path, Err: err}
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, &StartError{Name: name, Path: cmd.Path, Err: fmt.Errorf("create output pipe: %w", err)}
	}
	cmd.Stdout = pw
	cmd.Stderr = pw

	p := &Process{
		name:   name,
		cmd:    cmd,
		opts:   opts,
		match:  match,
		logger: logger,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, &StartError{Name: name, Path: cmd.Path, Err: err}
	}
	// The child holds its own copy of the write end; closing ours lets the
	// reader observe EOF once the child exits.
	_ = pw.Close()
	p.started = time.Now()
	logger.Printf("event=readiness.launch name=%s pid=%d", name, cmd.Process.Pid)

	go p.drain(pr)
	return p, nil
}

// Start launches cmd and blocks until it is ready. On success the returned
// process is still running.
func Start(ctx context.Context, cmd *exec.Cmd, opts Options) (*Process, error) {
	p, err := Launch(ctx, cmd, opts)
	if err != nil {
		return nil, err
	}
	if err := p.AwaitReady(ctx); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Process) drain(r io.ReadCloser) {
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		p.record(line)
		if p.opts.Echo != nil {
			fmt.Fprintf(p.opts.Echo, "[%s] %s\n", p.name, line)
		}
		if p.match(line) {
			p.readyOnce.Do(func() {
				p.logger.Printf("event=readiness.sentinel name=%s elapsed=%s", p.name, time.Since(p.started).Round(time.Millisecond))
				close(p.ready)
			})
		}
	}
	if err := scanner.Err(); err != nil {
		p.logger.Printf("event=readiness.drain-error name=%s error=%q", p.name, err)
		// Keep the pipe empty so the child never blocks on a full buffer.
		_, _ = io.Copy(io.Discard, r)
	}

	err := p.cmd.Wait()
	p.mu.Lock()
	p.waitErr = err
	p.exitCode = exitCodeOf(p.cmd, err)
	p.mu.Unlock()
	p.logger.Printf("event=readiness.exit name=%s code=%d", p.name, p.exitCode)
	close(p.done)
}

func (p *Process) record(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tail = append(p.tail, line)
	if over := len(p.tail) - p.opts.TailSize; over > 0 {
		p.tail = append(p.tail[:0], p.tail[over:]...)
	}
}

// AwaitReady blocks until the sentinel has been seen or the timeout elapses.
// A child that exits early does not end the wait; the timeout still applies.
func (p *Process) AwaitReady(ctx context.Context) error {
	timer := time.NewTimer(p.opts.Timeout)
	defer timer.Stop()

	select {
	case <-p.ready:
		return nil
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}

	// The sentinel may have raced the timer.
	select {
	case <-p.ready:
		return nil
	default:
	}

	terr := &TimeoutError{
		Name:     p.name,
		Sentinel: p.opts.Sentinel,
		Timeout:  p.opts.Timeout,
	}
	if code, exited := p.ExitCode(); exited {
		terr.Exited = true
		terr.ExitCode = code
	} else {
		p.Kill()
	}
	terr.Output = p.Output()
	return terr
}

// Ready is closed once the sentinel has been observed.
func (p *Process) Ready() <-chan struct{} {
	return p.ready
}

// Done is closed once the output stream reached EOF and the child was reaped.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Pid returns the OS process id of the launched child.
func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Name returns the label given at launch.
func (p *Process) Name() string {
	return p.name
}

// Alive reports whether the child is still running.
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// ExitCode returns the exit status and whether the child has exited.
func (p *Process) ExitCode() (int, bool) {
	select {
	case <-p.done:
	default:
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitCode, true
}

// Output returns the retained tail of combined output.
func (p *Process) Output() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return strings.Join(p.tail, "\n")
}

// Wait blocks until the child exits and returns its wait error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitErr
}

// Kill terminates the child if it is still running.
func (p *Process) Kill() {
	if !p.Alive() || p.cmd.Process == nil {
		return
	}
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		p.logger.Printf("event=readiness.kill-error name=%s error=%q", p.name, err)
	}
}

func exitCodeOf(cmd *exec.Cmd, err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	if err != nil {
		return -1
	}
	return 0
}
