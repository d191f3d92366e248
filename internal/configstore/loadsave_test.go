package configstore

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	lockEnv(t)
	testSetEnv(t, "CROSSNS_HOME", t.TempDir())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Strategy != DefaultStrategy || cfg.Workload.Sentinel != DefaultSentinel {
		t.Fatalf("expected defaults, got %+v", cfg)
	}
	timeout, err := cfg.Timeout()
	if err != nil || timeout != DefaultReadinessTimeout {
		t.Fatalf("Timeout() = %s, %v", timeout, err)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	lockEnv(t)
	payload := t.TempDir()
	testSetEnv(t, "PAYLOAD_ROOT", payload)

	path := filepath.Join(t.TempDir(), "config.toml")
	const body = `
strategy = "namespace-diagnostic"
readiness_timeout = "5s"

[workload]
match = "EventGeneratorLoop"
volumes = ["${PAYLOAD_ROOT}:/payload:ro"]

[identity]
mode = "baked"
uid = 1500
gid = 1600

[diagnostic]
tool = "/opt/jdk/bin/jcmd"
expect = ["VM Flags"]
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile returned error: %v", err)
	}
	if cfg.Strategy != "namespace-diagnostic" {
		t.Fatalf("strategy = %q", cfg.Strategy)
	}
	if d, _ := cfg.Timeout(); d != 5*time.Second {
		t.Fatalf("timeout = %s", d)
	}
	if cfg.Identity.UID == nil || *cfg.Identity.UID != 1500 || *cfg.Identity.GID != 1600 {
		t.Fatalf("unexpected identity %+v", cfg.Identity)
	}
	if cfg.Workload.Volumes[0] != payload+":/payload:ro" {
		t.Fatalf("expected env expansion in volumes, got %q", cfg.Workload.Volumes[0])
	}
	if cfg.Workload.Sentinel != DefaultSentinel {
		t.Fatalf("expected untouched defaults to survive, got sentinel %q", cfg.Workload.Sentinel)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
}

func TestLoadFileRejectsUnknownKeys(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("stratgy = \"host-table\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %v", err)
	}
	if !strings.Contains(err.Error(), "stratgy") {
		t.Fatalf("expected offending key in message, got %q", err.Error())
	}
}

func TestLoadFileSyntaxError(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("strategy = \n"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := LoadFile(path)
	var parseErr *ParseError
	if !errors.As(err, &parseErr) || parseErr.Path != path {
		t.Fatalf("expected ParseError for %s, got %v", path, err)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()

	env := map[string]string{
		"CROSSNS_STRATEGY":  "namespace-diagnostic",
		"CROSSNS_DIAG_TOOL": "/usr/bin/jcmd",
		"CROSSNS_UID":       "42",
		"CROSSNS_VERBOSE":   "true",
		"CROSSNS_RUNTIME":   "  ",
	}
	cfg := Default()
	err := cfg.ApplyEnv(func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	})
	if err != nil {
		t.Fatalf("ApplyEnv returned error: %v", err)
	}
	if cfg.Strategy != "namespace-diagnostic" || cfg.Diagnostic.Tool != "/usr/bin/jcmd" || !cfg.Verbose {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.Identity.UID == nil || *cfg.Identity.UID != 42 {
		t.Fatalf("expected uid 42, got %v", cfg.Identity.UID)
	}
	if cfg.Runtime != DefaultRuntime {
		t.Fatalf("blank env must not override runtime, got %q", cfg.Runtime)
	}

	bad := Default()
	err = bad.ApplyEnv(func(key string) (string, bool) {
		if key == "CROSSNS_GID" {
			return "abc", true
		}
		return "", false
	})
	if err == nil || !strings.Contains(err.Error(), "CROSSNS_GID") {
		t.Fatalf("expected CROSSNS_GID parse error, got %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Strategy = "guess"
	cfg.ReadinessTimeout = "-1s"
	cfg.Identity.Mode = "root"
	cfg.Workload.Match = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"strategy", "readiness_timeout", "identity mode", "diagnostic.tool", "workload.match"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in %q", want, err.Error())
		}
	}
}

func TestSaveFileRoundTrip(t *testing.T) {
	lockEnv(t)
	home := t.TempDir()
	testSetEnv(t, "CROSSNS_HOME", home)

	cfg := Default()
	cfg.Diagnostic.Tool = "/usr/bin/jcmd"
	cfg.Identity.UID = intPtr(7)
	dir, file, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	if err := SaveFile(cfg, dir, filepath.Base(file)); err != nil {
		t.Fatalf("SaveFile returned error: %v", err)
	}
	if file != filepath.Join(home, configFileName) {
		t.Fatalf("unexpected path %q", file)
	}
	info, err := os.Stat(file)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}

	loaded, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if loaded.Diagnostic.Tool != "/usr/bin/jcmd" || loaded.Identity.UID == nil || *loaded.Identity.UID != 7 {
		t.Fatalf("round trip lost values: %+v", loaded)
	}

	raw, err := os.ReadFile(file)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(raw), "# ") || !strings.Contains(string(raw), "Java System Properties") {
		t.Fatalf("expected diagnostic hints in saved config:\n%s", raw)
	}
}

func TestGetConfigPathXDG(t *testing.T) {
	lockEnv(t)
	xdg := t.TempDir()
	testSetEnv(t, "CROSSNS_HOME", "")
	testSetEnv(t, "XDG_CONFIG_HOME", xdg)

	dir, file, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	if dir != filepath.Join(xdg, "crossns") || file != filepath.Join(xdg, "crossns", "config.toml") {
		t.Fatalf("unexpected paths %q %q", dir, file)
	}
}

func TestGetConfigPathHomeFallback(t *testing.T) {
	lockEnv(t)
	home := t.TempDir()
	testSetEnv(t, "CROSSNS_HOME", "")
	testSetEnv(t, "XDG_CONFIG_HOME", "")
	testSetEnv(t, "HOME", home+"/")

	_, file, err := GetConfigPath()
	if err != nil {
		t.Fatalf("GetConfigPath returned error: %v", err)
	}
	if want := filepath.Join(home, ".config", "crossns", "config.toml"); file != want {
		t.Fatalf("file = %q, want %q", file, want)
	}
}
