// Command crossns-workload is the reference process observed by crossns. It
// prints its readiness sentinel as soon as main starts and then emits events
// until its run duration elapses or it is signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
)

type config struct {
	sentinel string
	duration time.Duration
	interval time.Duration
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Stderr.WriteString("crossns-workload: " + err.Error() + "\n")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdout, cfg); err != nil {
		os.Stderr.WriteString("crossns-workload: " + err.Error() + "\n")
		os.Exit(1)
	}
}

func parseFlags(args []string) (config, error) {
	cfg := config{}
	fs := pflag.NewFlagSet("crossns-workload", pflag.ContinueOnError)
	fs.StringVar(&cfg.sentinel, "sentinel", "STARTED", "line printed once the process is running")
	fs.DurationVar(&cfg.duration, "duration", 30*time.Second, "how long to keep emitting events")
	fs.DurationVar(&cfg.interval, "interval", 100*time.Millisecond, "delay between events")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if cfg.interval <= 0 {
		return cfg, fmt.Errorf("interval must be positive, got %s", cfg.interval)
	}
	if cfg.duration < 0 {
		return cfg, fmt.Errorf("duration must not be negative, got %s", cfg.duration)
	}
	return cfg, nil
}

// run prints the sentinel and then one numbered event per interval. A
// cancelled context ends the loop cleanly.
func run(ctx context.Context, w io.Writer, cfg config) error {
	if _, err := fmt.Fprintln(w, cfg.sentinel); err != nil {
		return err
	}

	deadline := time.NewTimer(cfg.duration)
	defer deadline.Stop()
	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for n := 1; ; n++ {
		select {
		case <-ctx.Done():
			fmt.Fprintf(w, "stopping after %d events\n", n-1)
			return nil
		case <-deadline.C:
			fmt.Fprintf(w, "finished after %d events\n", n-1)
			return nil
		case <-ticker.C:
			if _, err := fmt.Fprintf(w, "event %d pid=%d\n", n, os.Getpid()); err != nil {
				return err
			}
		}
	}
}
