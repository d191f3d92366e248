// Package procid resolves the numeric process id of a named workload from a
// process listing taken from either the host or the workload's namespace.
//
// Resolution is text based: a strategy runs a listing command, every row is
// parsed into a Record, and a Matcher selects the row naming the workload.
// A missing process is never retried.
package procid

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strings"
)

// Resolver runs a strategy's listing and selects the target row.
type Resolver struct {
	Strategy Strategy
	Policy   Policy
	// Exclude lists ids that must never be selected, such as the launcher
	// process whose command line also names the workload.
	Exclude []int
	Logger  *log.Logger
}

// Resolve returns the identity of the first row whose line contains name.
func (r *Resolver) Resolve(ctx context.Context, name string) (Identity, error) {
	if strings.TrimSpace(name) == "" {
		return Identity{}, errors.New("target process name is required")
	}
	return r.ResolveMatch(ctx, Substring(name))
}

// ResolveMatch is Resolve with a caller-supplied matcher.
func (r *Resolver) ResolveMatch(ctx context.Context, m Matcher) (Identity, error) {
	logger := r.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if r.Strategy.List == nil && len(r.Strategy.Command) == 0 {
		return Identity{}, fmt.Errorf("%s strategy has no listing command", r.Strategy.Name)
	}

	var listing string
	var err error
	if r.Strategy.List != nil {
		listing, err = r.Strategy.List(ctx)
	} else {
		listing, err = commandOutput(ctx, r.Strategy.Command[0], r.Strategy.Command[1:]...)
	}
	if err != nil {
		return Identity{}, fmt.Errorf("%s listing: %w", r.Strategy.Name, err)
	}

	records, err := ParseListing(r.Strategy, listing)
	if err != nil {
		return Identity{}, err
	}

	rec, err := Select(records, Exclude(m, r.Exclude...), r.Policy)
	if err != nil {
		var nf *NotFoundError
		if errors.As(err, &nf) {
			nf.Strategy = r.Strategy.Name
			nf.Listing = listing
		}
		logger.Printf("event=procid.not-found strategy=%s target=%q rows=%d", r.Strategy.Name, m, len(records))
		return Identity{}, err
	}

	logger.Printf("event=procid.resolved strategy=%s vantage=%s id=%d line=%q", r.Strategy.Name, r.Strategy.Vantage, rec.ID, rec.Line)
	return Identity{ID: rec.ID, Vantage: r.Strategy.Vantage, Record: rec}, nil
}

var commandOutput = commandOutputImpl

func commandOutputImpl(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(string(exitErr.Stderr))
			if msg != "" {
				return "", fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, msg)
			}
		}
		return "", fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	return string(out), nil
}
