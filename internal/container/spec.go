package container

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// IdentityMode selects how the workload's user and group are established.
type IdentityMode int

const (
	// IdentityNumeric injects `--user uid:gid` at launch.
	IdentityNumeric IdentityMode = iota
	// IdentityBaked creates a dedicated user in the image and switches to it.
	// Needed when the runtime cannot inject arbitrary numeric ids.
	IdentityBaked
)

func (m IdentityMode) String() string {
	switch m {
	case IdentityNumeric:
		return "numeric"
	case IdentityBaked:
		return "baked"
	default:
		return fmt.Sprintf("IdentityMode(%d)", int(m))
	}
}

// ParseIdentityMode accepts "numeric" or "baked".
func ParseIdentityMode(raw string) (IdentityMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "numeric":
		return IdentityNumeric, nil
	case "baked":
		return IdentityBaked, nil
	default:
		return 0, fmt.Errorf("unknown identity mode %q (expected numeric or baked)", raw)
	}
}

// DefaultBakedID is the uid and gid baked into the image when the invoking
// user is root, whose ids the base image already owns.
const DefaultBakedID = 4242

// Identity maps the workload onto a user and group.
type Identity struct {
	Mode  IdentityMode
	UID   int
	GID   int
	User  string
	Group string
}

// Mount is a bind volume.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// Spec renders the mount in `-v` syntax.
func (m Mount) Spec() string {
	spec := fmt.Sprintf("%s:%s", m.Host, m.Container)
	if m.ReadOnly {
		spec += ":ro"
	}
	return spec
}

// ParseMount reads `host:container[:ro|rw]`.
func ParseMount(raw string) (Mount, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return Mount{}, fmt.Errorf("invalid volume %q (expected host:container[:ro])", raw)
	}
	host := strings.TrimSpace(parts[0])
	target := strings.TrimSpace(parts[1])
	if host == "" || target == "" {
		return Mount{}, fmt.Errorf("invalid volume %q (expected host:container[:ro])", raw)
	}
	if !strings.HasPrefix(target, "/") {
		return Mount{}, fmt.Errorf("invalid volume %q: container path must be absolute", raw)
	}
	m := Mount{Host: filepath.Clean(host), Container: filepath.Clean(target)}
	if len(parts) == 3 {
		switch strings.TrimSpace(parts[2]) {
		case "ro":
			m.ReadOnly = true
		case "rw", "":
		default:
			return Mount{}, fmt.Errorf("invalid volume mode %q in %q", parts[2], raw)
		}
	}
	return m, nil
}

// Provision describes the image built for baked identities.
type Provision struct {
	// BaseImage is the FROM reference, including its version tag.
	BaseImage string
	// Flavor selects user-creation commands: "debian" or "alpine".
	Flavor string
	// Payload is a host path copied into the image at PayloadDest.
	Payload     string
	PayloadDest string
}

// WorkloadSpec describes what runs inside the container. It is built once per
// run and not modified afterwards.
type WorkloadSpec struct {
	Image        string
	Name         string
	Executable   string
	Args         []string
	WorkDir      string
	Env          []string
	Capabilities []string
	Mounts       []Mount
	Identity     Identity
	Sentinel     string
	// Build requests that Image be built from Provision before launch, even
	// in numeric identity mode.
	Build     bool
	Provision Provision
}

// NeedsBuild reports whether the controller must build Image first.
func (s WorkloadSpec) NeedsBuild() bool {
	return s.Build || s.Identity.Mode == IdentityBaked
}

// Validate checks the fields every launch relies on.
func (s WorkloadSpec) Validate() error {
	var errs []error
	if strings.TrimSpace(s.Image) == "" {
		errs = append(errs, errors.New("image is required"))
	}
	if strings.TrimSpace(s.Name) == "" {
		errs = append(errs, errors.New("container name is required"))
	}
	if strings.TrimSpace(s.Executable) == "" {
		errs = append(errs, errors.New("executable is required"))
	}
	if strings.TrimSpace(s.Sentinel) == "" {
		errs = append(errs, errors.New("readiness sentinel is required"))
	}
	switch s.Identity.Mode {
	case IdentityNumeric:
		if s.Identity.UID < 0 || s.Identity.GID < 0 {
			errs = append(errs, fmt.Errorf("invalid numeric identity %d:%d", s.Identity.UID, s.Identity.GID))
		}
	case IdentityBaked:
		if strings.TrimSpace(s.Identity.User) == "" || strings.TrimSpace(s.Identity.Group) == "" {
			errs = append(errs, errors.New("baked identity requires user and group names"))
		}
		if s.Identity.UID <= 0 || s.Identity.GID <= 0 {
			errs = append(errs, fmt.Errorf("baked identity requires non-root ids, got %d:%d", s.Identity.UID, s.Identity.GID))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported identity mode %s", s.Identity.Mode))
	}
	if s.NeedsBuild() && strings.TrimSpace(s.Provision.BaseImage) == "" {
		errs = append(errs, errors.New("image build requires a base image"))
	}
	return errors.Join(errs...)
}

// SanitizeName lowercases raw and folds anything outside [a-z0-9] into
// single hyphens so it is usable as a container name or image tag.
func SanitizeName(raw string) string {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return ""
	}

	var (
		builder    strings.Builder
		lastHyphen bool
	)
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			builder.WriteRune(r)
			lastHyphen = false
		default:
			if builder.Len() == 0 || lastHyphen {
				continue
			}
			builder.WriteRune('-')
			lastHyphen = true
		}
	}

	result := strings.Trim(builder.String(), "-")
	if len(result) > 63 {
		result = strings.Trim(result[:63], "-")
	}
	return result
}
