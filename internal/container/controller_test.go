package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/strongdm/crossns/internal/readiness"
)

var commandOverrideMu sync.Mutex

func testSpec() WorkloadSpec {
	return WorkloadSpec{
		Image:        "crossns-workload:run1",
		Name:         "crossns-run1",
		Executable:   "/payload/crossns-workload",
		Args:         []string{"--duration", "30s"},
		WorkDir:      "/payload",
		Env:          []string{"CROSSNS_RUN=run1"},
		Capabilities: []string{"sys_ptrace"},
		Mounts:       []Mount{{Host: "/tmp/payload", Container: "/payload", ReadOnly: true}},
		Identity:     Identity{Mode: IdentityNumeric, UID: 1000, GID: 1001},
		Sentinel:     "STARTED",
	}
}

func TestRunArgsNumericIdentity(t *testing.T) {
	t.Parallel()

	got := RunArgs(testSpec())
	want := []string{
		"run", "--rm", "--name", "crossns-run1",
		"--volume", "/tmp/payload:/payload:ro",
		"--cap-add=SYS_PTRACE",
		"--user", "1000:1001",
		"--workdir", "/payload",
		"--env", "CROSSNS_RUN=run1",
		"crossns-workload:run1", "/payload/crossns-workload", "--duration", "30s",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("RunArgs mismatch:\n got %q\nwant %q", got, want)
	}
}

func TestRunArgsBakedIdentityOmitsUser(t *testing.T) {
	t.Parallel()

	spec := testSpec()
	spec.Identity = Identity{Mode: IdentityBaked, UID: 1000, GID: 1000, User: "probe", Group: "probe"}
	for _, arg := range RunArgs(spec) {
		if arg == "--user" {
			t.Fatalf("baked identity must not inject --user: %q", RunArgs(spec))
		}
	}
}

func TestParseMount(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw     string
		want    Mount
		wantErr bool
	}{
		{raw: "/host/classes:/payload:ro", want: Mount{Host: "/host/classes", Container: "/payload", ReadOnly: true}},
		{raw: "/host/classes/:/payload/", want: Mount{Host: "/host/classes", Container: "/payload"}},
		{raw: "/a:/b:rw", want: Mount{Host: "/a", Container: "/b"}},
		{raw: "/a", wantErr: true},
		{raw: "/a:relative", wantErr: true},
		{raw: "/a:/b:zz", wantErr: true},
		{raw: ":/b", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMount(tc.raw)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("ParseMount(%q) expected error", tc.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseMount(%q) returned error: %v", tc.raw, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMount(%q) = %+v, want %+v", tc.raw, got, tc.want)
		}
	}
}

func TestValidateCollectsProblems(t *testing.T) {
	t.Parallel()

	err := (WorkloadSpec{Identity: Identity{Mode: IdentityBaked}}).Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"image is required", "container name is required", "executable is required", "sentinel", "user and group", "non-root ids", "base image"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
	if err := testSpec().Validate(); err != nil {
		t.Fatalf("expected valid spec, got %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	t.Parallel()

	if got := SanitizeName("  Test Container__42 "); got != "test-container-42" {
		t.Fatalf("SanitizeName = %q", got)
	}
	if got := SanitizeName(strings.Repeat("a", 70)); len(got) != 63 {
		t.Fatalf("expected 63 characters, got %d", len(got))
	}
}

type recordedCall struct {
	name  string
	args  []string
	input string
}

func stubRuntime(t *testing.T, fail map[string]error) *[]recordedCall {
	t.Helper()
	commandOverrideMu.Lock()
	var calls []recordedCall
	var mu sync.Mutex
	restoreQuiet, restoreInput := runQuiet, runCommandWithInput
	runQuiet = func(ctx context.Context, name string, args ...string) error {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, recordedCall{name: name, args: args})
		return fail[args[0]]
	}
	runCommandWithInput = func(ctx context.Context, input io.Reader, name string, args ...string) error {
		data, _ := io.ReadAll(input)
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, recordedCall{name: name, args: args, input: string(data)})
		return fail[args[0]]
	}
	t.Cleanup(func() {
		runQuiet, runCommandWithInput = restoreQuiet, restoreInput
		commandOverrideMu.Unlock()
	})
	return &calls
}

func TestBuildStagesPayloadAndOwnsImage(t *testing.T) {
	calls := stubRuntime(t, nil)

	payload := filepath.Join(t.TempDir(), "classes")
	if err := os.MkdirAll(filepath.Join(payload, "nested"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(payload, "nested", "Main.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	spec := testSpec()
	spec.Identity = Identity{Mode: IdentityBaked, UID: 1000, GID: 1000, User: "probe", Group: "probe"}
	spec.Provision = Provision{BaseImage: "debian:12-slim", Payload: payload, PayloadDest: "/payload"}

	c := &Controller{Runtime: "podman"}
	h := c.Acquire(spec)
	if err := c.Build(context.Background(), h); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if !h.OwnsImage {
		t.Fatalf("expected built image to be owned")
	}
	if len(*calls) != 1 {
		t.Fatalf("expected one build call, got %+v", *calls)
	}
	call := (*calls)[0]
	if call.name != "podman" || call.args[0] != "build" || call.args[2] != "crossns-workload:run1" {
		t.Fatalf("unexpected build call %+v", call)
	}
	if !strings.Contains(call.input, "COPY classes /payload") {
		t.Fatalf("expected payload copy relative to context, got:\n%s", call.input)
	}
	if !strings.Contains(call.input, "USER probe:probe") {
		t.Fatalf("expected user switch, got:\n%s", call.input)
	}
	ctxDir := call.args[len(call.args)-1]
	if _, err := os.Stat(ctxDir); !os.IsNotExist(err) {
		t.Fatalf("expected build context %s to be removed, stat err=%v", ctxDir, err)
	}
}

func TestBuildRejectsRootBakedIdentity(t *testing.T) {
	calls := stubRuntime(t, nil)

	spec := testSpec()
	spec.Identity = Identity{Mode: IdentityBaked, UID: 0, GID: 0, User: "probe", Group: "probe"}
	spec.Provision = Provision{BaseImage: "debian:12-slim"}

	c := &Controller{}
	h := c.Acquire(spec)
	err := c.Build(context.Background(), h)
	if err == nil || !strings.Contains(err.Error(), "non-root ids") {
		t.Fatalf("expected root baked identity to be rejected, got %v", err)
	}
	if len(*calls) != 0 || h.OwnsImage {
		t.Fatalf("expected no build attempt, got calls=%+v owns=%t", *calls, h.OwnsImage)
	}
}

func TestBuildSkippedForPrebuiltNumericImage(t *testing.T) {
	calls := stubRuntime(t, nil)

	c := &Controller{}
	h := c.Acquire(testSpec())
	if err := c.Build(context.Background(), h); err != nil {
		t.Fatalf("Build returned error: %v", err)
	}
	if len(*calls) != 0 || h.OwnsImage {
		t.Fatalf("expected no build, got calls=%+v owns=%t", *calls, h.OwnsImage)
	}
}

func TestBuildFailureStillOwnsImageForTeardown(t *testing.T) {
	calls := stubRuntime(t, map[string]error{"build": errors.New("exit status 1")})

	spec := testSpec()
	spec.Build = true
	spec.Provision = Provision{BaseImage: "alpine:3.20", Flavor: "alpine"}

	c := &Controller{}
	h := c.Acquire(spec)
	if err := c.Build(context.Background(), h); err == nil {
		t.Fatalf("expected build error")
	}
	if err := c.Stop(context.Background(), h); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	last := (*calls)[len(*calls)-1]
	if last.args[0] != "rmi" {
		t.Fatalf("expected image removal after failed build, got %+v", *calls)
	}
}

func TestStopRunsOnceAndIgnoresMissingObjects(t *testing.T) {
	calls := stubRuntime(t, map[string]error{"rm": fmt.Errorf("Error: No such container: crossns-run1")})

	c := &Controller{}
	h := c.Acquire(testSpec())
	h.launched = true
	h.OwnsImage = true

	for i := 0; i < 3; i++ {
		if err := c.Stop(context.Background(), h); err != nil {
			t.Fatalf("Stop returned error: %v", err)
		}
	}
	if len(*calls) != 2 {
		t.Fatalf("expected rm and rmi exactly once, got %+v", *calls)
	}
	if !h.Stopped() {
		t.Fatalf("expected handle to be marked stopped")
	}
}

func TestStopReportsRemovalFailure(t *testing.T) {
	stubRuntime(t, map[string]error{"rmi": errors.New("permission denied")})

	c := &Controller{}
	h := c.Acquire(testSpec())
	h.OwnsImage = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Stop(ctx, h)
	if err == nil || !strings.Contains(err.Error(), "remove image") {
		t.Fatalf("expected image removal error, got %v", err)
	}
}

func TestStartLaunchesRunArgs(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	commandOverrideMu.Lock()
	restore := launch
	var gotName string
	var gotArgs []string
	launch = func(ctx context.Context, name string, args []string, opts readiness.Options) (*readiness.Process, error) {
		gotName, gotArgs = name, args
		cmd := exec.Command(sh, "-c", "echo "+opts.Sentinel+"; exec sleep 5")
		return readiness.Launch(ctx, cmd, opts)
	}
	t.Cleanup(func() {
		launch = restore
		commandOverrideMu.Unlock()
	})

	c := &Controller{ReadinessTimeout: 5 * time.Second}
	h := c.Acquire(testSpec())
	proc, err := c.Start(context.Background(), h)
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	t.Cleanup(proc.Kill)
	if err := proc.AwaitReady(context.Background()); err != nil {
		t.Fatalf("AwaitReady returned error: %v", err)
	}
	if gotName != "docker" || !reflect.DeepEqual(gotArgs, RunArgs(testSpec())) {
		t.Fatalf("unexpected launch %s %q", gotName, gotArgs)
	}
	if h.Process() != proc {
		t.Fatalf("expected handle to retain the process")
	}
	if _, err := c.Start(context.Background(), h); err == nil {
		t.Fatalf("expected second Start on the same handle to fail")
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	t.Parallel()

	c := &Controller{}
	h := c.Acquire(WorkloadSpec{})
	if _, err := c.Start(context.Background(), h); err == nil {
		t.Fatalf("expected invalid workload error")
	}
}

func TestShellQuote(t *testing.T) {
	t.Parallel()

	got := shellQuote([]string{"run", "--user", "1000:1000", "it's", ""})
	if want := `run --user 1000:1000 'it'"'"'s' ''`; got != want {
		t.Fatalf("shellQuote = %q, want %q", got, want)
	}
}
