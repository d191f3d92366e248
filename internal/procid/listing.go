package procid

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Vantage names the process-table view an identifier was read from.
type Vantage string

const (
	VantageHost      Vantage = "host"
	VantageNamespace Vantage = "namespace"
)

// Record is one row of a process listing.
type Record struct {
	ID   int
	Line string
}

// Identity is the identifier selected for a workload together with the view
// it is valid in.
type Identity struct {
	ID      int
	Vantage Vantage
	Record  Record
}

// LineParser extracts the raw identifier token from a listing row.
type LineParser func(line string) (string, bool)

// Strategy describes how to obtain and interpret one kind of listing.
type Strategy struct {
	Name    string
	Vantage Vantage
	Command []string
	// Header is the column title found in place of the identifier on a
	// leading header row. Only a first row carrying exactly this token is
	// skipped; listings without a header are read from their first row.
	Header string
	Parse  LineParser
	// List, when set, produces the listing text instead of running Command.
	// Command still names the listing in logs and errors.
	List func(ctx context.Context) (string, error)
}

const (
	StrategyHostTable           = "host-table"
	StrategyNamespaceDiagnostic = "namespace-diagnostic"
)

// HostTable lists the host process table. The identifier is the second
// whitespace-delimited column, after the leading owner column. With no
// arguments it runs `ps -ef`.
func HostTable(command ...string) Strategy {
	if len(command) == 0 {
		command = []string{"ps", "-ef"}
	}
	return Strategy{
		Name:    StrategyHostTable,
		Vantage: VantageHost,
		Command: command,
		Header:  "PID",
		Parse:   secondField,
	}
}

// NamespaceDiagnostic uses the diagnostic tool's own listing, whose rows start
// with the identifier followed by a space. command is typically `<tool> -l`,
// optionally prefixed with `docker exec <container>` to read the
// namespace's own view.
func NamespaceDiagnostic(command ...string) Strategy {
	return Strategy{
		Name:    StrategyNamespaceDiagnostic,
		Vantage: VantageNamespace,
		Command: command,
		Parse:   leadingToken,
	}
}

func secondField(line string) (string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", false
	}
	return fields[1], true
}

func leadingToken(line string) (string, bool) {
	line = strings.TrimLeft(line, " \t")
	head, _, _ := strings.Cut(line, " ")
	head = strings.TrimSpace(head)
	return head, head != ""
}

// MalformedListingError reports a row whose identifier column is not a
// non-negative integer.
type MalformedListingError struct {
	Strategy string
	LineNo   int
	Line     string
	Field    string
	Err      error
}

func (e *MalformedListingError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s listing line %d has no identifier column: %q", e.Strategy, e.LineNo, e.Line)
	}
	return fmt.Sprintf("%s listing line %d: identifier %q is not a process id: %q", e.Strategy, e.LineNo, e.Field, e.Line)
}

func (e *MalformedListingError) Unwrap() error {
	return e.Err
}

// ParseListing converts listing text into records in listing order. Blank
// lines and a recognised header row are skipped; any other row that does not
// carry a valid identifier fails the whole listing.
func ParseListing(s Strategy, text string) ([]Record, error) {
	parse := s.Parse
	if parse == nil {
		parse = leadingToken
	}
	var records []Record
	first := true
	for i, line := range strings.Split(text, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		field, ok := parse(line)
		if first {
			first = false
			if ok && s.Header != "" && field == s.Header {
				continue
			}
		}
		if !ok {
			return nil, &MalformedListingError{Strategy: s.Name, LineNo: i + 1, Line: line}
		}
		id, err := strconv.Atoi(field)
		if err == nil && id < 0 {
			err = fmt.Errorf("negative id %d", id)
		}
		if err != nil {
			return nil, &MalformedListingError{Strategy: s.Name, LineNo: i + 1, Line: line, Field: field, Err: err}
		}
		records = append(records, Record{ID: id, Line: line})
	}
	return records, nil
}
