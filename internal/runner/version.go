package runner

import "strings"

var (
	productVersion = "dev"
	productCommit  = ""
)

// SetVersion records the build's version and commit for log lines.
func SetVersion(version, commit string) {
	if v := strings.TrimSpace(version); v != "" {
		productVersion = v
	}
	if c := strings.TrimSpace(commit); c != "" && c != "unknown" {
		if len(c) > 7 {
			c = c[:7]
		}
		productCommit = c
	}
}

// versionTag renders the version as "v1.2.3" or "v1.2.3+abc1234".
func versionTag() string {
	v := strings.TrimSpace(productVersion)
	if v == "" {
		v = "dev"
	}
	if v != "dev" && !strings.HasPrefix(strings.ToLower(v), "v") {
		v = "v" + v
	}
	if productCommit != "" {
		v += "+" + productCommit
	}
	return v
}
