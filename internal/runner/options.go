package runner

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/strongdm/crossns/internal/configstore"
)

var errShowUsage = errors.New("show usage")

type options struct {
	subcommand string
	configPath string
	force      bool
	noColor    bool
	flags      *pflag.FlagSet

	runtime    string
	strategy   string
	image      string
	target     string
	sentinel   string
	timeout    time.Duration
	identity   string
	uid        int
	gid        int
	build      bool
	baseImage  string
	payload    string
	volumes    []string
	envVars    []string
	diagTool   string
	diagArgs   []string
	expect     []string
	reject     []string
	inside     bool
	awaitExit  bool
	triageDir  string
	alwaysDump bool
	verbose    bool
}

func newFlagSet(name string, opts *options) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVarP(&opts.configPath, "config", "c", "", "config file (defaults to $CROSSNS_HOME/config.toml or the XDG location)")
	fs.BoolVar(&opts.force, "force", false, "overwrite an existing config file (init-config)")
	fs.BoolVar(&opts.noColor, "no-color", false, "disable coloured output")

	fs.StringVar(&opts.runtime, "runtime", "", "container runtime CLI (docker or podman)")
	fs.StringVarP(&opts.strategy, "strategy", "s", "", "identity resolution strategy: host-table or namespace-diagnostic")
	fs.StringVar(&opts.image, "image", "", "workload image reference")
	fs.StringVar(&opts.target, "target", "", "substring naming the workload in a process listing")
	fs.StringVar(&opts.sentinel, "sentinel", "", "output line marking the workload ready")
	fs.DurationVarP(&opts.timeout, "timeout", "t", 0, "readiness timeout")
	fs.StringVar(&opts.identity, "identity", "", "identity mode: numeric (--user uid:gid) or baked (user created in the image)")
	fs.IntVar(&opts.uid, "uid", 0, "workload uid (defaults to the invoking user)")
	fs.IntVar(&opts.gid, "gid", 0, "workload gid (defaults to the invoking group)")
	fs.BoolVar(&opts.build, "build", false, "build the workload image even in numeric identity mode")
	fs.StringVar(&opts.baseImage, "base-image", "", "base image for built workloads")
	fs.StringVar(&opts.payload, "payload", "", "host directory copied into built images or mounted read-only")
	fs.StringArrayVarP(&opts.volumes, "volume", "v", nil, "bind mount host:container[:ro] (repeatable)")
	fs.StringArrayVarP(&opts.envVars, "env", "e", nil, "KEY=VALUE set in the workload (repeatable)")
	fs.StringVar(&opts.diagTool, "diag-tool", "", "path to the host-side diagnostic tool")
	fs.StringArrayVar(&opts.diagArgs, "diag-arg", nil, "argument passed to the diagnostic tool after the id (repeatable)")
	fs.StringArrayVar(&opts.expect, "expect", nil, "text the diagnostic output must contain (repeatable)")
	fs.StringArrayVar(&opts.reject, "reject", nil, "text the diagnostic output must not contain (repeatable)")
	fs.BoolVar(&opts.inside, "list-in-container", false, "run the namespace listing through the runtime's exec")
	fs.BoolVar(&opts.awaitExit, "await-exit", false, "wait for the workload to exit before teardown")
	fs.StringVar(&opts.triageDir, "triage-dir", "", "directory for triage bundles")
	fs.BoolVar(&opts.alwaysDump, "triage-always", false, "write a triage bundle for passing runs too")
	fs.BoolVarP(&opts.verbose, "verbose", "V", false, "enable verbose logging")
	fs.BoolP("help", "h", false, "show help")
	return fs
}

func parseArgs(name string, args []string) (options, error) {
	opts := options{subcommand: "run"}
	if len(args) > 0 {
		switch args[0] {
		case "run", "init-config":
			opts.subcommand = args[0]
			args = args[1:]
		}
	}
	fs := newFlagSet(name, &opts)
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return opts, errShowUsage
		}
		return opts, err
	}
	if help, _ := fs.GetBool("help"); help {
		return opts, errShowUsage
	}
	if rest := fs.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	opts.flags = fs
	return opts, nil
}

// applyFlags overlays explicitly set flags onto cfg.
func (o options) applyFlags(cfg *configstore.Config) {
	if o.flags == nil {
		return
	}
	set := func(name string) bool { return o.flags.Changed(name) }
	if set("runtime") {
		cfg.Runtime = o.runtime
	}
	if set("strategy") {
		cfg.Strategy = o.strategy
	}
	if set("image") {
		cfg.Workload.Image = o.image
	}
	if set("target") {
		cfg.Workload.Match = o.target
	}
	if set("sentinel") {
		cfg.Workload.Sentinel = o.sentinel
	}
	if set("timeout") {
		cfg.ReadinessTimeout = o.timeout.String()
	}
	if set("identity") {
		cfg.Identity.Mode = o.identity
	}
	if set("uid") {
		uid := o.uid
		cfg.Identity.UID = &uid
	}
	if set("gid") {
		gid := o.gid
		cfg.Identity.GID = &gid
	}
	if set("build") {
		cfg.Build.Enabled = o.build
	}
	if set("base-image") {
		cfg.Build.BaseImage = o.baseImage
	}
	if set("payload") {
		cfg.Build.Payload = o.payload
	}
	if set("volume") {
		cfg.Workload.Volumes = append(cfg.Workload.Volumes, o.volumes...)
	}
	if set("env") {
		cfg.Workload.Env = append(cfg.Workload.Env, o.envVars...)
	}
	if set("diag-tool") {
		cfg.Diagnostic.Tool = o.diagTool
	}
	if set("diag-arg") {
		cfg.Diagnostic.Args = append([]string(nil), o.diagArgs...)
	}
	if set("expect") {
		cfg.Diagnostic.Expect = append([]string(nil), o.expect...)
	}
	if set("reject") {
		cfg.Diagnostic.Reject = append([]string(nil), o.reject...)
	}
	if set("list-in-container") {
		cfg.Diagnostic.ListInContainer = o.inside
	}
	if set("await-exit") {
		cfg.AwaitExit = o.awaitExit
	}
	if set("triage-dir") {
		cfg.Triage.Dir = o.triageDir
	}
	if set("triage-always") {
		cfg.Triage.Always = o.alwaysDump
	}
	if set("verbose") {
		cfg.Verbose = o.verbose
	}
}

func usage(cmdName string) string {
	opts := options{}
	return fmt.Sprintf(`Usage: %s [run] [flags]
       %s init-config [--config <path>] [--force]

Launch a workload in a container, wait for it to report ready, resolve its
process id across the namespace boundary and drive a host-side diagnostic tool
against it. The container and any image built for the run are removed
afterwards.

Flags:
%s
Environment variables:
  CROSSNS_HOME                Directory holding config.toml (overrides XDG_CONFIG_HOME/crossns).
  CROSSNS_RUNTIME             Container runtime CLI.
  CROSSNS_STRATEGY            Identity resolution strategy.
  CROSSNS_READINESS_TIMEOUT   Readiness timeout (e.g. 30s).
  CROSSNS_IMAGE               Workload image reference.
  CROSSNS_DIAG_TOOL           Host-side diagnostic tool.
  CROSSNS_IDENTITY_MODE       numeric or baked.
  CROSSNS_UID, CROSSNS_GID    Workload identity.
  CROSSNS_TRIAGE_DIR          Directory for triage bundles.
  CROSSNS_OTEL_TRACES         Export stage spans to stderr.
  CROSSNS_OTEL_METRICS        Record stage metrics.

Exit status is 0 when every stage passes and 1 otherwise.`, cmdName, cmdName, newFlagSet(cmdName, &opts).FlagUsages())
}
