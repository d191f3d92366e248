package configstore

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the persisted harness configuration.
type Config struct {
	Runtime          string `toml:"runtime"`
	Strategy         string `toml:"strategy"`
	ReadinessTimeout string `toml:"readiness_timeout"`
	AwaitExit        bool   `toml:"await_exit"`
	Verbose          bool   `toml:"verbose"`

	Workload   Workload   `toml:"workload"`
	Identity   Identity   `toml:"identity"`
	Build      Build      `toml:"build"`
	Diagnostic Diagnostic `toml:"diagnostic"`
	Triage     Triage     `toml:"triage"`
	Telemetry  Telemetry  `toml:"telemetry"`
}

// Workload describes the process launched inside the container.
type Workload struct {
	Image        string   `toml:"image"`
	Name         string   `toml:"name"`
	Executable   string   `toml:"executable"`
	Args         []string `toml:"args"`
	WorkDir      string   `toml:"workdir"`
	Sentinel     string   `toml:"sentinel"`
	Match        string   `toml:"match"`
	Capabilities []string `toml:"capabilities"`
	Volumes      []string `toml:"volumes"`
	Env          []string `toml:"env"`
}

// Identity selects the user the workload runs as. Nil ids default to the
// invoking user's so the host-side tool may attach.
type Identity struct {
	Mode  string `toml:"mode"`
	UID   *int   `toml:"uid,omitempty"`
	GID   *int   `toml:"gid,omitempty"`
	User  string `toml:"user"`
	Group string `toml:"group"`
}

// Build controls generation of the workload image.
type Build struct {
	Enabled     bool   `toml:"enabled"`
	BaseImage   string `toml:"base_image"`
	Flavor      string `toml:"flavor"`
	Payload     string `toml:"payload"`
	PayloadDest string `toml:"payload_dest"`
}

// Diagnostic configures the host-side tool and what its answer must contain.
type Diagnostic struct {
	Tool            string   `toml:"tool" comment:"host-side tool run as <tool> <pid> <args...>, e.g. /usr/lib/jvm/default/bin/jcmd"`
	Args            []string `toml:"args"`
	Expect          []string `toml:"expect" comment:"markers the answer must contain; for jcmd help use [\"Java System Properties\", \"VM Flags\"]"`
	Reject          []string `toml:"reject" comment:"markers the answer must not contain, e.g. [\"Exception\"]"`
	ExitCode        int      `toml:"exit_code"`
	ListInContainer bool     `toml:"list_in_container" comment:"run <tool> -l through the runtime's exec inside the workload"`
	HostTable       []string `toml:"host_table" comment:"host listing command; a leading row titled PID is treated as the header"`
}

// Triage controls where post-mortem bundles are written.
type Triage struct {
	Dir    string `toml:"dir"`
	Always bool   `toml:"always"`
}

// Telemetry toggles OTEL export.
type Telemetry struct {
	Traces  bool `toml:"traces"`
	Metrics bool `toml:"metrics"`
}

const (
	DefaultRuntime          = "docker"
	DefaultStrategy         = "host-table"
	DefaultReadinessTimeout = 30 * time.Second
	DefaultSentinel         = "STARTED"
	DefaultWorkloadName     = "crossns-workload"
)

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Runtime:          DefaultRuntime,
		Strategy:         DefaultStrategy,
		ReadinessTimeout: DefaultReadinessTimeout.String(),
		Workload: Workload{
			Image:        "crossns-workload",
			Name:         "crossns",
			Executable:   "/payload/crossns-workload",
			Args:         []string{"--duration", "30s"},
			WorkDir:      "/payload",
			Sentinel:     DefaultSentinel,
			Match:        DefaultWorkloadName,
			Capabilities: []string{"SYS_PTRACE"},
		},
		Identity: Identity{
			Mode:  "numeric",
			User:  "crossns",
			Group: "crossns",
		},
		Build: Build{
			BaseImage:   "debian:12-slim",
			Flavor:      "debian",
			PayloadDest: "/payload",
		},
		Diagnostic: Diagnostic{
			Args:      []string{"help"},
			HostTable: []string{"ps", "-ef"},
		},
	}
}

// Timeout parses ReadinessTimeout, falling back to the default when unset.
func (c Config) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.ReadinessTimeout)
	if raw == "" {
		return DefaultReadinessTimeout, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid readiness_timeout %q: %w", raw, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("readiness_timeout must be positive, got %s", d)
	}
	return d, nil
}

// Validate reports every field that cannot drive a run.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Timeout(); err != nil {
		errs = append(errs, err)
	}
	switch c.Strategy {
	case "host-table", "namespace-diagnostic":
	default:
		errs = append(errs, fmt.Errorf("unknown strategy %q (expected host-table or namespace-diagnostic)", c.Strategy))
	}
	switch strings.ToLower(strings.TrimSpace(c.Identity.Mode)) {
	case "", "numeric", "baked":
	default:
		errs = append(errs, fmt.Errorf("unknown identity mode %q", c.Identity.Mode))
	}
	if strings.TrimSpace(c.Diagnostic.Tool) == "" {
		errs = append(errs, errors.New("diagnostic.tool is required"))
	}
	if strings.TrimSpace(c.Workload.Match) == "" {
		errs = append(errs, errors.New("workload.match is required"))
	}
	if strings.TrimSpace(c.Workload.Sentinel) == "" {
		errs = append(errs, errors.New("workload.sentinel is required"))
	}
	return errors.Join(errs...)
}

func intPtr(v int) *int {
	return &v
}
