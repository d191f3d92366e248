package configstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// ParseError represents a TOML decode failure.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse config %s: %v", e.Path, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Load reads the persisted config from its default location. Missing files
// result in the built-in defaults.
func Load() (Config, error) {
	_, file, err := GetConfigPath()
	if err != nil {
		return Default(), err
	}
	return LoadFile(file)
}

// LoadFile reads config from path layered over the defaults.
func LoadFile(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := decodeConfig(data, path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decodeConfig(data []byte, path string, cfg *Config) error {
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		var decodeErr *toml.DecodeError
		var strictErr *toml.StrictMissingError
		switch {
		case errors.As(err, &decodeErr):
			return &ParseError{Path: path, Err: decodeErr}
		case errors.As(err, &strictErr):
			return &ParseError{Path: path, Err: fmt.Errorf("unknown keys: %s", strictErr.String())}
		}
		return &ParseError{Path: path, Err: err}
	}
	cfg.expandPaths()
	return nil
}

// expandPaths resolves $VARS in host-side paths.
func (c *Config) expandPaths() {
	c.Diagnostic.Tool = os.ExpandEnv(c.Diagnostic.Tool)
	c.Build.Payload = os.ExpandEnv(c.Build.Payload)
	c.Triage.Dir = os.ExpandEnv(c.Triage.Dir)
	for i, v := range c.Workload.Volumes {
		c.Workload.Volumes[i] = os.ExpandEnv(v)
	}
}

// ApplyEnv overlays CROSSNS_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
	integer := func(key string, dst **int) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = intPtr(n)
	}

	str("CROSSNS_RUNTIME", &c.Runtime)
	str("CROSSNS_STRATEGY", &c.Strategy)
	str("CROSSNS_READINESS_TIMEOUT", &c.ReadinessTimeout)
	str("CROSSNS_IMAGE", &c.Workload.Image)
	str("CROSSNS_DIAG_TOOL", &c.Diagnostic.Tool)
	str("CROSSNS_IDENTITY_MODE", &c.Identity.Mode)
	str("CROSSNS_BASE_IMAGE", &c.Build.BaseImage)
	str("CROSSNS_PAYLOAD", &c.Build.Payload)
	str("CROSSNS_TRIAGE_DIR", &c.Triage.Dir)
	integer("CROSSNS_UID", &c.Identity.UID)
	integer("CROSSNS_GID", &c.Identity.GID)
	boolean("CROSSNS_VERBOSE", &c.Verbose)
	boolean("CROSSNS_OTEL_TRACES", &c.Telemetry.Traces)
	boolean("CROSSNS_OTEL_METRICS", &c.Telemetry.Metrics)
	return errors.Join(errs...)
}

// SaveFile atomically writes cfg to dir/name.
func SaveFile(cfg Config, dir, name string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "config-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleaned := false
	defer func() {
		if !cleaned {
			_ = os.Remove(tmpName)
		}
	}()

	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}

	encoder := toml.NewEncoder(tmp)
	if err := encoder.Encode(cfg); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("rename temp config: %w", err)
	}
	cleaned = true
	return nil
}
