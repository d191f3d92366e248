// Package runner is the crossns command-line front end. It layers flags over
// environment and file configuration, wires the harness components together
// and maps the run's verdict onto the process exit status.
package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/strongdm/crossns/internal/configstore"
	"github.com/strongdm/crossns/internal/container"
	"github.com/strongdm/crossns/internal/diag"
	"github.com/strongdm/crossns/internal/harness"
	"github.com/strongdm/crossns/internal/liveness"
	"github.com/strongdm/crossns/internal/report"
	"github.com/strongdm/crossns/internal/telemetry/otel"
	"github.com/strongdm/crossns/internal/triage"
)

// ExitCodeError carries the exit status main should terminate with. The
// failure itself has already been reported when it is returned.
type ExitCodeError struct {
	code int
}

func (e *ExitCodeError) Error() string {
	return fmt.Sprintf("command exited with code %d", e.code)
}

func (e *ExitCodeError) ExitCode() int {
	return e.code
}

type runner struct {
	opts    options
	cfg     configstore.Config
	verbose bool
	logger  *log.Logger
	stdout  io.Writer
	color   bool
}

// Main runs crossns with the provided argv slice. When args is empty,
// os.Args is used.
func Main(args []string) error {
	if len(args) == 0 {
		args = os.Args
	}
	name := commandName(args)
	return execute(name, args[1:])
}

func execute(cmdName string, args []string) error {
	opts, err := parseArgs(cmdName, args)
	if err != nil {
		if errors.Is(err, errShowUsage) {
			fmt.Println(usage(cmdName))
			return nil
		}
		return err
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}

	if opts.subcommand == "init-config" {
		return initConfig(opts, cfg)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := ensureCommand(cfg.Runtime); err != nil {
		return err
	}

	r := &runner{
		opts:    opts,
		cfg:     cfg,
		verbose: cfg.Verbose,
		logger:  log.New(os.Stderr, "", 0),
		stdout:  os.Stdout,
		color:   !opts.noColor && report.UseColor(os.Stdout),
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)

	var interrupted int32
	go func() {
		for range sigCh {
			if atomic.CompareAndSwapInt32(&interrupted, 0, 1) {
				cancel()
				continue
			}
			os.Exit(1)
		}
	}()

	return r.run(ctx)
}

func loadConfig(opts options) (configstore.Config, error) {
	var (
		cfg configstore.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = configstore.LoadFile(opts.configPath)
	} else {
		cfg, err = configstore.Load()
	}
	if err != nil {
		return cfg, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	opts.applyFlags(&cfg)
	return cfg, nil
}

func initConfig(opts options, cfg configstore.Config) error {
	path := opts.configPath
	if path == "" {
		_, file, err := configstore.GetConfigPath()
		if err != nil {
			return err
		}
		path = file
	}
	if _, err := os.Stat(path); err == nil && !opts.force {
		return fmt.Errorf("%s already exists; pass --force to overwrite", path)
	}
	if err := configstore.SaveFile(cfg, filepath.Dir(path), filepath.Base(path)); err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func (r *runner) run(ctx context.Context) error {
	h, err := harness.Plan(r.cfg, "")
	if err != nil {
		return err
	}
	timeout, _ := r.cfg.Timeout()

	provider, err := otel.Setup(ctx, otel.Config{
		ServiceName:   "crossns",
		EnableMetrics: r.cfg.Telemetry.Metrics,
		EnableTraces:  r.cfg.Telemetry.Traces,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			r.debugf("failed to flush telemetry: %v", err)
		}
	}()

	var echo io.Writer
	if r.verbose {
		echo = os.Stderr
	}
	h.Lifecycle = &container.Controller{
		Runtime:          r.cfg.Runtime,
		ReadinessTimeout: timeout,
		Echo:             echo,
		Logger:           r.logger,
		Verbose:          r.verbose,
	}
	h.Diagnostics = &diag.Driver{Tool: r.cfg.Diagnostic.Tool, Logger: r.logger}
	h.Monitor = &liveness.Monitor{Logger: r.logger}
	h.Stages = provider.Stages()
	h.Logger = r.logger

	r.debugf("crossns %s run=%s strategy=%s container=%s image=%s", versionTag(), h.RunID, h.Strategy.Name, h.Spec.Name, h.Spec.Image)
	rep, runErr := h.Run(ctx)
	if rep == nil {
		return runErr
	}
	return r.finish(rep, runErr)
}

// finish renders the report, writes a triage bundle when one is due and turns
// the verdict into an exit status.
func (r *runner) finish(rep *harness.Report, runErr error) error {
	if err := report.Render(r.stdout, rep, report.Options{Color: r.color, Verbose: r.verbose}); err != nil {
		r.debugf("failed to render report: %v", err)
	}

	if runErr != nil || r.cfg.Triage.Always {
		dir := r.cfg.Triage.Dir
		if strings.TrimSpace(dir) == "" {
			dir = filepath.Join(os.TempDir(), "crossns-triage")
		}
		if path, err := triage.Write(dir, rep); err != nil {
			r.logger.Printf("event=triage.error error=%q", err)
		} else {
			r.logger.Printf("event=triage.written path=%s", path)
		}
	}

	if runErr != nil {
		r.logger.Printf("crossns: %v", runErr)
		return &ExitCodeError{code: 1}
	}
	return nil
}

func commandName(args []string) string {
	if len(args) == 0 {
		return "crossns"
	}
	name := strings.TrimSpace(args[0])
	if name == "" {
		return "crossns"
	}
	return filepath.Base(name)
}

func ensureCommand(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("required command %q not found in PATH", name)
	}
	return nil
}

func (r *runner) debugf(format string, args ...interface{}) {
	if r.verbose {
		r.logger.Printf(format, args...)
	}
}
