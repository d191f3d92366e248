//go:build e2e

package e2e

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/strongdm/crossns/internal/configstore"
	"github.com/strongdm/crossns/internal/container"
	"github.com/strongdm/crossns/internal/diag"
	"github.com/strongdm/crossns/internal/harness"
	"github.com/strongdm/crossns/internal/liveness"
	"github.com/strongdm/crossns/internal/procid"
)

const runTimeout = 5 * time.Minute

func TestHostTableNumericIdentity(t *testing.T) {
	runVariant(t, "numeric")
}

func TestHostTableBakedIdentity(t *testing.T) {
	runVariant(t, "baked")
}

// runVariant launches the reference workload in a real container and checks
// that a host-side tool reading /proc through the resolved id sees it.
func runVariant(t *testing.T, identity string) {
	skipUnlessE2E(t)
	if err := checkDockerAvailable(); err != nil {
		t.Skipf("skipping: docker not available: %v", err)
	}

	payload := buildWorkload(t)
	cfg := configstore.Default()
	cfg.Identity.Mode = identity
	cfg.ReadinessTimeout = "60s"
	cfg.Build.Payload = payload
	cfg.Build.Enabled = true
	cfg.Workload.Args = []string{"--duration", "20s"}
	cfg.Diagnostic.Tool = writeProcTool(t)
	cfg.Diagnostic.Args = []string{"cmdline"}
	cfg.Diagnostic.Expect = []string{"crossns-workload"}

	h, err := harness.Plan(cfg, "")
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	logger := log.New(os.Stderr, "", 0)
	h.Lifecycle = &container.Controller{Runtime: "docker", ReadinessTimeout: 60 * time.Second, Logger: logger, Verbose: true}
	h.Diagnostics = &diag.Driver{Tool: cfg.Diagnostic.Tool, Logger: logger}
	h.Monitor = &liveness.Monitor{Logger: logger}
	h.Logger = logger

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	report, err := h.Run(ctx)
	if err != nil {
		t.Fatalf("run failed at %s: %v\nworkload output:\n%s", report.FailedStage(), err, report.WorkloadOutput)
	}
	if report.Identity == nil || report.Identity.Vantage != procid.VantageHost {
		t.Fatalf("expected a host identity, got %+v", report.Identity)
	}
	if report.Identity.ID == report.LauncherPID {
		t.Fatalf("resolved the launcher %d instead of the workload", report.LauncherPID)
	}

	waitForReadiness(t, "container removal", func() bool {
		return !dockerObjectExists("container", h.Spec.Name)
	})
	if dockerObjectExists("image", h.Spec.Image) {
		t.Fatalf("image %s survived teardown", h.Spec.Image)
	}
}

func skipUnlessE2E(t *testing.T) {
	t.Helper()
	if !envTruthy(os.Getenv("CROSSNS_E2E")) {
		t.Skip("set CROSSNS_E2E=1 to run end-to-end tests")
	}
}

func envTruthy(val string) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func checkDockerAvailable() error {
	cmd := exec.Command("docker", "info")
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run()
}

func dockerObjectExists(kind, name string) bool {
	cmd := exec.Command("docker", kind, "inspect", name)
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	return cmd.Run() == nil
}

func moduleRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("determine working directory: %w", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("go.mod not found above working directory")
		}
		dir = parent
	}
}

// buildWorkload compiles a static crossns-workload into a payload directory.
func buildWorkload(t *testing.T) string {
	t.Helper()
	root, err := moduleRoot()
	if err != nil {
		t.Fatal(err)
	}
	payload := t.TempDir()
	cmd := exec.Command("go", "build", "-trimpath", "-o", filepath.Join(payload, "crossns-workload"), "./cmd/crossns-workload")
	cmd.Dir = root
	cmd.Env = append(os.Environ(), "CGO_ENABLED=0", "GOOS=linux")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build workload: %v\n%s", err, out)
	}
	return payload
}

// writeProcTool stands in for a diagnostic tool: it reads the target's
// command line through the host's /proc, which only works for a host id.
func writeProcTool(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "proc-tool")
	script := "#!/bin/sh\ntr '\\0' ' ' < /proc/\"$1\"/\"$2\"\necho\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}
