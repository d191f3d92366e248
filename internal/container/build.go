package container

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

type buildDir struct {
	dir string
	// payload is the payload's path relative to dir, empty when none.
	payload string
}

// buildContext stages a temporary build context holding the payload.
func (c *Controller) buildContext(spec WorkloadSpec) (buildDir, error) {
	dir, err := os.MkdirTemp("", "crossns-build-")
	if err != nil {
		return buildDir{}, fmt.Errorf("create build context: %w", err)
	}
	out := buildDir{dir: dir}
	src := strings.TrimSpace(spec.Provision.Payload)
	if src == "" {
		return out, nil
	}
	rel, err := buildContextMaterials(src, dir)
	if err != nil {
		_ = os.RemoveAll(dir)
		return buildDir{}, fmt.Errorf("stage payload %s: %w", src, err)
	}
	out.payload = rel
	c.debugf("staged payload %s into %s as %s", src, dir, rel)
	return out, nil
}

// copyPayload copies a file or directory tree into dir under its base name.
func copyPayload(src, dir string) (string, error) {
	src = filepath.Clean(src)
	info, err := os.Stat(src)
	if err != nil {
		return "", err
	}
	base := filepath.Base(src)
	dest := filepath.Join(dir, base)
	if !info.IsDir() {
		return base, copyFile(src, dest, info.Mode().Perm())
	}
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		return copyFile(path, target, fi.Mode().Perm())
	})
	if err != nil {
		return "", err
	}
	return base, nil
}

func copyFile(src, dest string, perm fs.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
