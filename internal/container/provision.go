package container

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"
)

const defaultPayloadDest = "/payload"

var provisionTemplate = template.Must(template.New("provision").Parse(`FROM {{ .BaseImage }}
{{- if .Payload }}
COPY {{ .Payload }} {{ .PayloadDest }}
{{- end }}
{{- if .Baked }}
RUN {{ .CreateGroup }} && \
    {{ .CreateUser }}
USER {{ .User }}:{{ .Group }}
{{- end }}
{{- if .WorkDir }}
WORKDIR {{ .WorkDir }}
{{- end }}
CMD {{ .Cmd }}
`))

type provisionData struct {
	BaseImage   string
	Payload     string
	PayloadDest string
	Baked       bool
	CreateGroup string
	CreateUser  string
	User        string
	Group       string
	WorkDir     string
	Cmd         string
}

// ProvisioningScript renders the image definition handed to the runtime's
// build command. Payload, when set, must be relative to the build context.
func ProvisioningScript(spec WorkloadSpec) (string, error) {
	p := spec.Provision
	if strings.TrimSpace(p.BaseImage) == "" {
		return "", fmt.Errorf("provisioning requires a base image")
	}
	data := provisionData{
		BaseImage: p.BaseImage,
		WorkDir:   spec.WorkDir,
	}
	if p.Payload != "" {
		data.Payload = filepath.ToSlash(p.Payload)
		data.PayloadDest = p.PayloadDest
		if data.PayloadDest == "" {
			data.PayloadDest = defaultPayloadDest
		}
	}

	if spec.Identity.Mode == IdentityBaked {
		id := spec.Identity
		if !isSafeShellWord(id.User) || !isSafeShellWord(id.Group) || id.User == "" || id.Group == "" {
			return "", fmt.Errorf("unsafe user/group name %q/%q", id.User, id.Group)
		}
		if id.UID < 0 || id.GID < 0 {
			return "", fmt.Errorf("invalid identity %d:%d", id.UID, id.GID)
		}
		group, user, err := identityCommands(p.Flavor, id)
		if err != nil {
			return "", err
		}
		data.Baked = true
		data.CreateGroup = group
		data.CreateUser = user
		data.User = id.User
		data.Group = id.Group
	}

	argv := append([]string{spec.Executable}, spec.Args...)
	cmd, err := json.Marshal(argv)
	if err != nil {
		return "", fmt.Errorf("encode default command: %w", err)
	}
	data.Cmd = string(cmd)

	var buf bytes.Buffer
	if err := provisionTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render provisioning script: %w", err)
	}
	return buf.String(), nil
}

func identityCommands(flavor string, id Identity) (string, string, error) {
	switch strings.ToLower(strings.TrimSpace(flavor)) {
	case "", "debian":
		return fmt.Sprintf("groupadd --gid %d %s", id.GID, id.Group),
			fmt.Sprintf("useradd --uid %d --gid %d --no-create-home %s", id.UID, id.GID, id.User), nil
	case "alpine":
		return fmt.Sprintf("addgroup -g %d %s", id.GID, id.Group),
			fmt.Sprintf("adduser -D -H -u %d -G %s %s", id.UID, id.Group, id.User), nil
	default:
		return "", "", fmt.Errorf("unknown provisioning flavor %q (expected debian or alpine)", flavor)
	}
}

func isSafeShellWord(s string) bool {
	for _, r := range s {
		if !isSafeShellRune(r) {
			return false
		}
	}
	return true
}

func isSafeShellRune(r rune) bool {
	if r >= 'a' && r <= 'z' {
		return true
	}
	if r >= 'A' && r <= 'Z' {
		return true
	}
	if r >= '0' && r <= '9' {
		return true
	}
	switch r {
	case '_', '.', '-':
		return true
	}
	return false
}
