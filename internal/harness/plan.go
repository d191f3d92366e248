package harness

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/strongdm/crossns/internal/configstore"
	"github.com/strongdm/crossns/internal/container"
	"github.com/strongdm/crossns/internal/diag"
	"github.com/strongdm/crossns/internal/procid"
)

var (
	getuid = os.Getuid
	getgid = os.Getgid
)

// NewRunID returns a fresh run identifier.
func NewRunID() string {
	return uuid.NewString()
}

// shortID is the run-scoped suffix used in container names and image tags.
func shortID(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return id
}

// Plan derives the run's workload, strategy and checks from cfg. The
// returned harness still needs its Lifecycle and Diagnostics wired.
func Plan(cfg configstore.Config, runID string) (*Harness, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(runID) == "" {
		runID = NewRunID()
	}

	spec, err := WorkloadSpec(cfg, runID)
	if err != nil {
		return nil, err
	}
	strategy, err := StrategyFor(cfg, spec.Name)
	if err != nil {
		return nil, err
	}

	return &Harness{
		RunID:    runID,
		Spec:     spec,
		Strategy: strategy,
		Policy:   procid.FirstMatch,
		Target:   cfg.Workload.Match,
		Checks: Checks{
			Args:     append([]string(nil), cfg.Diagnostic.Args...),
			ExitCode: cfg.Diagnostic.ExitCode,
			Expect:   append([]string(nil), cfg.Diagnostic.Expect...),
			Reject:   append([]string(nil), cfg.Diagnostic.Reject...),
		},
		ProbeHostPID: strategy.Vantage == procid.VantageHost,
		AwaitExit:    cfg.AwaitExit,
		Verbose:      cfg.Verbose,
	}, nil
}

// WorkloadSpec builds the container workload for one run. Unset ids default
// to the invoking user's so the host-side tool is allowed to attach. A baked
// identity never defaults to root; it falls back to DefaultBakedID.
func WorkloadSpec(cfg configstore.Config, runID string) (container.WorkloadSpec, error) {
	mode, err := container.ParseIdentityMode(cfg.Identity.Mode)
	if err != nil {
		return container.WorkloadSpec{}, err
	}
	uid, gid := getuid(), getgid()
	if mode == container.IdentityBaked {
		if uid == 0 {
			uid = container.DefaultBakedID
		}
		if gid == 0 {
			gid = container.DefaultBakedID
		}
	}
	if cfg.Identity.UID != nil {
		uid = *cfg.Identity.UID
	}
	if cfg.Identity.GID != nil {
		gid = *cfg.Identity.GID
	}

	suffix := shortID(runID)
	spec := container.WorkloadSpec{
		Image:        cfg.Workload.Image,
		Name:         container.SanitizeName(cfg.Workload.Name + "-" + suffix),
		Executable:   cfg.Workload.Executable,
		Args:         append([]string(nil), cfg.Workload.Args...),
		WorkDir:      cfg.Workload.WorkDir,
		Env:          append(append([]string(nil), cfg.Workload.Env...), "CROSSNS_RUN_ID="+runID),
		Capabilities: append([]string(nil), cfg.Workload.Capabilities...),
		Identity: container.Identity{
			Mode:  mode,
			UID:   uid,
			GID:   gid,
			User:  cfg.Identity.User,
			Group: cfg.Identity.Group,
		},
		Sentinel: cfg.Workload.Sentinel,
		Build:    cfg.Build.Enabled,
		Provision: container.Provision{
			BaseImage:   cfg.Build.BaseImage,
			Flavor:      cfg.Build.Flavor,
			Payload:     cfg.Build.Payload,
			PayloadDest: cfg.Build.PayloadDest,
		},
	}
	if spec.NeedsBuild() {
		// Built images are tagged per run so teardown never removes a shared tag.
		repo, _, _ := strings.Cut(spec.Image, ":")
		spec.Image = repo + ":" + suffix
	}

	for _, raw := range cfg.Workload.Volumes {
		m, err := container.ParseMount(raw)
		if err != nil {
			return container.WorkloadSpec{}, fmt.Errorf("workload.volumes: %w", err)
		}
		spec.Mounts = append(spec.Mounts, m)
	}
	if !spec.NeedsBuild() && strings.TrimSpace(cfg.Build.Payload) != "" {
		dest := cfg.Build.PayloadDest
		if dest == "" {
			dest = "/payload"
		}
		spec.Mounts = append(spec.Mounts, container.Mount{Host: cfg.Build.Payload, Container: dest, ReadOnly: true})
	}
	return spec, nil
}

// StrategyFor returns the named resolution strategy. The namespace listing
// runs inside the container through the runtime's exec when configured to.
func StrategyFor(cfg configstore.Config, containerName string) (procid.Strategy, error) {
	switch cfg.Strategy {
	case procid.StrategyHostTable:
		return procid.HostTable(cfg.Diagnostic.HostTable...), nil
	case procid.StrategyNamespaceDiagnostic:
		lister := &diag.Driver{Tool: cfg.Diagnostic.Tool}
		if cfg.Diagnostic.ListInContainer {
			runtime := cfg.Runtime
			if runtime == "" {
				runtime = configstore.DefaultRuntime
			}
			lister.Wrap = []string{runtime, "exec", containerName}
		}
		s := procid.NamespaceDiagnostic(lister.ListCommand()...)
		s.List = func(ctx context.Context) (string, error) {
			res, err := lister.List(ctx)
			if err != nil {
				return "", err
			}
			if err := res.ShouldHaveExitValue(0); err != nil {
				return "", err
			}
			return res.Output, nil
		}
		return s, nil
	default:
		return procid.Strategy{}, fmt.Errorf("unknown strategy %q", cfg.Strategy)
	}
}
