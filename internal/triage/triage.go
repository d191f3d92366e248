// Package triage writes a compressed post-mortem bundle for a harness run:
// the stage timeline, the process listing a failed resolution saw, the
// diagnostic exchange and the workload's output tail.
package triage

import (
	"archive/tar"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/strongdm/crossns/internal/harness"
)

// Entry is one file in the bundle.
type Entry struct {
	Name string
	Body string
}

// Entries lists what a bundle for r contains. Empty sections are omitted.
func Entries(r *harness.Report) []Entry {
	entries := []Entry{{Name: "summary.txt", Body: summary(r)}}
	if listing := r.Listing(); listing != "" {
		entries = append(entries, Entry{Name: "listing.txt", Body: listing})
	}
	if r.Diagnostic != nil {
		var b strings.Builder
		fmt.Fprintf(&b, "$ %s\nexit value: %d\n\n%s", r.Diagnostic.CommandLine(), r.Diagnostic.ExitCode, r.Diagnostic.Output)
		entries = append(entries, Entry{Name: "diagnostic.txt", Body: b.String()})
	}
	output := r.WorkloadOutput
	var se *harness.StageError
	if output == "" && errors.As(r.Err, &se) {
		output = se.Output
	}
	if output != "" {
		entries = append(entries, Entry{Name: "workload.log", Body: output + "\n"})
	}
	return entries
}

func summary(r *harness.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run: %s\n", r.RunID)
	fmt.Fprintf(&b, "strategy: %s\n", r.Strategy)
	fmt.Fprintf(&b, "container: %s\n", r.Container)
	fmt.Fprintf(&b, "image: %s\n", r.Image)
	fmt.Fprintf(&b, "target: %q\n", r.Target)
	if r.LauncherPID > 0 {
		fmt.Fprintf(&b, "launcher pid: %d\n", r.LauncherPID)
	}
	if r.Identity != nil {
		fmt.Fprintf(&b, "identity: %d (%s) %s\n", r.Identity.ID, r.Identity.Vantage, r.Identity.Record.Line)
	}
	if r.Passed() {
		b.WriteString("verdict: pass\n")
	} else {
		fmt.Fprintf(&b, "verdict: fail at %s: %v\n", r.FailedStage(), r.Err)
	}
	if r.TeardownErr != nil {
		fmt.Fprintf(&b, "teardown: %v\n", r.TeardownErr)
	}
	b.WriteString("\nstages:\n")
	for _, s := range r.Stages {
		status := "ok"
		if s.Err != nil {
			status = s.Err.Error()
		}
		fmt.Fprintf(&b, "  %-12s %10s  %s\n", s.Name, s.Duration.Round(time.Millisecond), status)
	}
	return b.String()
}

// Write stores the bundle for r under dir and returns its path.
func Write(dir string, r *harness.Report) (string, error) {
	if r == nil {
		return "", errors.New("no report to write")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create triage dir: %w", err)
	}
	name := "crossns-" + r.RunID + ".tar.zst"
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("create triage bundle: %w", err)
	}
	tmpPath := tmp.Name()

	if err := writeBundle(tmp, Entries(r), r.Finished); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	target := filepath.Join(dir, name)
	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	return target, nil
}

func writeBundle(f *os.File, entries []Entry, modTime time.Time) error {
	if modTime.IsZero() {
		modTime = time.Now()
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("create zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.Name,
			Mode:    0o644,
			Size:    int64(len(e.Body)),
			ModTime: modTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			zw.Close()
			return fmt.Errorf("write %s header: %w", e.Name, err)
		}
		if _, err := tw.Write([]byte(e.Body)); err != nil {
			zw.Close()
			return fmt.Errorf("write %s: %w", e.Name, err)
		}
	}
	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("finish tar stream: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("finish zstd stream: %w", err)
	}
	return nil
}
