// Package container starts a workload inside a container through the runtime
// CLI and removes it, together with any image built for it, afterwards.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/strongdm/crossns/internal/readiness"
)

const defaultRuntime = "docker"

// Controller drives a container runtime CLI (docker or podman).
type Controller struct {
	Runtime          string
	ReadinessTimeout time.Duration
	// Echo receives workload output lines as they are read.
	Echo    io.Writer
	Logger  *log.Logger
	Verbose bool
}

// Handle is the run-scoped reference to a container and its image. It is
// acquired before launch so that teardown can run however far launch got.
type Handle struct {
	Spec      WorkloadSpec
	Name      string
	Image     string
	OwnsImage bool

	mu       sync.Mutex
	launched bool
	proc     *readiness.Process
	stopOnce sync.Once
	stopErr  error
	stopped  bool
}

// Process returns the launcher process once Start succeeded.
func (h *Handle) Process() *readiness.Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// Stopped reports whether teardown already ran.
func (h *Handle) Stopped() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopped
}

func (c *Controller) runtime() string {
	if strings.TrimSpace(c.Runtime) == "" {
		return defaultRuntime
	}
	return c.Runtime
}

func (c *Controller) logger() *log.Logger {
	if c.Logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return c.Logger
}

func (c *Controller) debugf(format string, args ...interface{}) {
	if c.Verbose {
		c.logger().Printf(format, args...)
	}
}

// Acquire binds spec to a new handle. Nothing is started.
func (c *Controller) Acquire(spec WorkloadSpec) *Handle {
	return &Handle{
		Spec:  spec,
		Name:  spec.Name,
		Image: spec.Image,
	}
}

// Build renders the provisioning script and builds the handle's image when
// the spec requires it. The image is then owned by the run and removed by
// Stop.
func (c *Controller) Build(ctx context.Context, h *Handle) error {
	if !h.Spec.NeedsBuild() {
		return nil
	}
	if err := h.Spec.Validate(); err != nil {
		return fmt.Errorf("invalid workload: %w", err)
	}
	bctx, err := c.buildContext(h.Spec)
	if err != nil {
		return err
	}
	defer os.RemoveAll(bctx.dir)

	scriptSpec := h.Spec
	scriptSpec.Provision.Payload = bctx.payload
	script, err := ProvisioningScript(scriptSpec)
	if err != nil {
		return err
	}

	c.logger().Printf("event=container.build image=%s base=%s identity=%s", h.Image, h.Spec.Provision.BaseImage, h.Spec.Identity.Mode)
	c.debugf("provisioning script:\n%s", script)

	// Mark ownership before building so a partially built image is removed.
	h.mu.Lock()
	h.OwnsImage = true
	h.mu.Unlock()
	if err := runCommandWithInput(ctx, strings.NewReader(script), c.runtime(), "build", "-t", h.Image, "-f", "-", bctx.dir); err != nil {
		return fmt.Errorf("build image %s: %w", h.Image, err)
	}
	return nil
}

// RunArgs composes the runtime's `run` argv for spec.
func RunArgs(spec WorkloadSpec) []string {
	args := []string{"run", "--rm", "--name", spec.Name}
	for _, m := range spec.Mounts {
		args = append(args, "--volume", m.Spec())
	}
	for _, capability := range spec.Capabilities {
		capability = strings.TrimSpace(capability)
		if capability == "" {
			continue
		}
		args = append(args, "--cap-add="+strings.ToUpper(capability))
	}
	if spec.Identity.Mode == IdentityNumeric {
		args = append(args, "--user", strconv.Itoa(spec.Identity.UID)+":"+strconv.Itoa(spec.Identity.GID))
	}
	if spec.WorkDir != "" {
		args = append(args, "--workdir", spec.WorkDir)
	}
	for _, env := range spec.Env {
		args = append(args, "--env", env)
	}
	args = append(args, spec.Image, spec.Executable)
	args = append(args, spec.Args...)
	return args
}

// Start launches the workload and begins draining its output. It does not
// wait for readiness; call AwaitReady on the returned process.
func (c *Controller) Start(ctx context.Context, h *Handle) (*readiness.Process, error) {
	if err := h.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid workload: %w", err)
	}
	h.mu.Lock()
	if h.launched {
		h.mu.Unlock()
		return nil, fmt.Errorf("container %s already launched", h.Name)
	}
	h.launched = true
	h.mu.Unlock()

	args := RunArgs(h.Spec)
	c.logger().Printf("event=container.run name=%s image=%s identity=%s", h.Name, h.Image, h.Spec.Identity.Mode)
	c.debugf("%s %s", c.runtime(), shellQuote(args))

	proc, err := launch(ctx, c.runtime(), args, readiness.Options{
		Name:     "main-container-process",
		Sentinel: h.Spec.Sentinel,
		Timeout:  c.ReadinessTimeout,
		Echo:     c.Echo,
		Logger:   c.Logger,
	})
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.proc = proc
	h.mu.Unlock()
	return proc, nil
}

// Stop force-removes the container and, when the run built it, its image.
// It runs at most once per handle; later calls return the first result.
func (c *Controller) Stop(ctx context.Context, h *Handle) error {
	h.stopOnce.Do(func() {
		ctx = cleanupContext(ctx)
		var errs []error

		h.mu.Lock()
		launched, owns, proc := h.launched, h.OwnsImage, h.proc
		h.mu.Unlock()

		if launched {
			if err := runQuiet(ctx, c.runtime(), "rm", "--force", h.Name); err != nil && !isNoSuchObject(err) {
				errs = append(errs, fmt.Errorf("remove container %s: %w", h.Name, err))
			}
			if proc != nil {
				proc.Kill()
			}
		}
		if owns {
			if err := runQuiet(ctx, c.runtime(), "rmi", "--force", h.Image); err != nil && !isNoSuchObject(err) {
				errs = append(errs, fmt.Errorf("remove image %s: %w", h.Image, err))
			}
		}

		h.mu.Lock()
		h.stopped = true
		h.stopErr = errors.Join(errs...)
		h.mu.Unlock()
		c.logger().Printf("event=container.teardown name=%s image=%s owned=%t ok=%t", h.Name, h.Image, owns, h.stopErr == nil)
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stopErr
}

// cleanupContext lets teardown proceed after the run's context was cancelled.
func cleanupContext(ctx context.Context) context.Context {
	if ctx == nil || ctx.Err() != nil {
		return context.Background()
	}
	return ctx
}

func isNoSuchObject(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "No such container") ||
		strings.Contains(msg, "No such image") ||
		strings.Contains(msg, "No such object") ||
		strings.Contains(msg, "no such container") ||
		strings.Contains(msg, "image not known")
}

func shellQuote(parts []string) string {
	quoted := make([]string, len(parts))
	for i, p := range parts {
		switch {
		case p == "":
			quoted[i] = "''"
		case strings.IndexFunc(p, func(r rune) bool { return !isSafeArgRune(r) }) < 0:
			quoted[i] = p
		default:
			quoted[i] = "'" + strings.ReplaceAll(p, "'", `'"'"'`) + "'"
		}
	}
	return strings.Join(quoted, " ")
}

func isSafeArgRune(r rune) bool {
	if isSafeShellRune(r) {
		return true
	}
	switch r {
	case '@', '%', '+', '=', ':', ',', '/':
		return true
	}
	return false
}

var (
	launch                = launchImpl
	runCommandWithInput   = runCommandWithInputImpl
	runQuiet              = commandCombinedImpl
	buildContextMaterials = copyPayload
)

func launchImpl(ctx context.Context, name string, args []string, opts readiness.Options) (*readiness.Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return readiness.Launch(ctx, cmd, opts)
}

func runCommandWithInputImpl(ctx context.Context, input io.Reader, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdin = input
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, args[0], err, lastLines(msg, 20))
		}
		return fmt.Errorf("%s %s: %w", name, args[0], err)
	}
	return nil
}

func commandCombinedImpl(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			return fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
		}
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return nil
}

func lastLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
