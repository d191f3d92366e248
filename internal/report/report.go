// Package report renders a harness run as a short human-readable summary.
package report

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/strongdm/crossns/internal/harness"
)

// Options controls rendering.
type Options struct {
	Color bool
	// Verbose appends the diagnostic output and workload tail.
	Verbose bool
}

type styles struct {
	title  lipgloss.Style
	label  lipgloss.Style
	value  lipgloss.Style
	stage  lipgloss.Style
	faint  lipgloss.Style
	pass   lipgloss.Style
	fail   lipgloss.Style
	indent lipgloss.Style
}

func newStyles(color bool) styles {
	s := styles{
		title:  lipgloss.NewStyle(),
		label:  lipgloss.NewStyle().Width(11),
		value:  lipgloss.NewStyle(),
		stage:  lipgloss.NewStyle().Width(12),
		faint:  lipgloss.NewStyle(),
		pass:   lipgloss.NewStyle(),
		fail:   lipgloss.NewStyle(),
		indent: lipgloss.NewStyle().PaddingLeft(2),
	}
	if !color {
		return s
	}
	s.title = s.title.Bold(true)
	s.label = s.label.Faint(true)
	s.faint = s.faint.Faint(true)
	s.pass = s.pass.Bold(true).Foreground(lipgloss.Color("#3fb950"))
	s.fail = s.fail.Bold(true).Foreground(lipgloss.Color("#f85149"))
	return s
}

// UseColor reports whether f is an interactive terminal that accepts colour.
func UseColor(f *os.File) bool {
	if f == nil || strings.TrimSpace(os.Getenv("NO_COLOR")) != "" {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Render writes r to w.
func Render(w io.Writer, r *harness.Report, opts Options) error {
	_, err := io.WriteString(w, String(r, opts))
	return err
}

// String renders r.
func String(r *harness.Report, opts Options) string {
	st := newStyles(opts.Color)
	var b strings.Builder

	verdict := st.pass.Render("PASS")
	if !r.Passed() {
		verdict = st.fail.Render("FAIL")
	}
	fmt.Fprintf(&b, "%s %s\n", st.title.Render("crossns run "+r.RunID), verdict)

	field := func(label, value string) {
		if value == "" {
			return
		}
		b.WriteString(st.indent.Render(st.label.Render(label)+st.value.Render(value)) + "\n")
	}
	field("strategy", r.Strategy)
	field("container", r.Container)
	field("image", r.Image)
	if r.Identity != nil {
		field("identity", fmt.Sprintf("%d (%s vantage)", r.Identity.ID, r.Identity.Vantage))
	}
	if r.Diagnostic != nil {
		field("diagnostic", fmt.Sprintf("%s (exit %d)", r.Diagnostic.CommandLine(), r.Diagnostic.ExitCode))
	}
	if d := r.Elapsed(); d > 0 {
		field("elapsed", d.Round(time.Millisecond).String())
	}

	b.WriteString("\n")
	for _, s := range r.Stages {
		result := st.pass.Render("ok")
		if s.Err != nil {
			result = st.fail.Render("error") + " " + st.faint.Render(firstLine(s.Err.Error()))
		}
		line := st.stage.Render(s.Name) + fmt.Sprintf("%10s  ", s.Duration.Round(time.Millisecond)) + result
		b.WriteString(st.indent.Render(line) + "\n")
	}

	if !r.Passed() {
		fmt.Fprintf(&b, "\n%s %v\n", st.fail.Render("failure:"), r.Err)
	}
	if r.TeardownErr != nil {
		fmt.Fprintf(&b, "%s %v\n", st.faint.Render("teardown:"), r.TeardownErr)
	}

	if opts.Verbose {
		if r.Diagnostic != nil && r.Diagnostic.Output != "" {
			b.WriteString("\n" + st.title.Render("diagnostic output") + "\n")
			b.WriteString(strings.TrimRight(r.Diagnostic.Output, "\n") + "\n")
		}
		if r.WorkloadOutput != "" {
			b.WriteString("\n" + st.title.Render("workload output") + "\n")
			b.WriteString(strings.TrimRight(r.WorkloadOutput, "\n") + "\n")
		}
	}
	return b.String()
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}
