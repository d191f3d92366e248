// Package configstore loads crossns harness configuration from an
// XDG-compliant TOML file. Values resolve as built-in defaults, then the
// config file, then CROSSNS_* environment variables; command-line flags are
// applied last by the caller.
package configstore
