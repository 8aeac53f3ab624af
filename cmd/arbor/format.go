package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/jward/arbor/internal/tracestore"
)

// validFormats lists accepted values for --format.
var validFormats = []string{"json", "text"}

// validateFormat checks that the --format flag value is recognized.
func validateFormat(format string) error {
	for _, f := range validFormats {
		if format == f {
			return nil
		}
	}
	return fmt.Errorf("invalid format %q: must be %s", format, strings.Join(validFormats, " or "))
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// writeSummary prints a run summary.
func writeSummary(w io.Writer, format string, sum *runSummary) error {
	if format == "json" {
		return writeJSON(w, sum)
	}
	fmt.Fprintf(w, "Session: %s\n", sum.Session)
	fmt.Fprintf(w, "Files: %d, roots: %d, bindings: %d, failed: %d (%s)\n",
		sum.Files, sum.Roots, sum.Bindings, sum.Failed, sum.Duration)
	if len(sum.Counts) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	kinds := make([]string, 0, len(sum.Counts))
	for kind := range sum.Counts {
		kinds = append(kinds, kind)
	}
	sort.Strings(kinds)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tEVENTS")
	for _, kind := range kinds {
		fmt.Fprintf(tw, "%s\t%d\n", kind, sum.Counts[kind])
	}
	return tw.Flush()
}

// cliEvent is the JSON form of a recorded event.
type cliEvent struct {
	ID      int64    `json:"id"`
	Binding string   `json:"binding"`
	Kind    string   `json:"kind"`
	Source  string   `json:"source,omitempty"`
	Root    string   `json:"root,omitempty"`
	Line    int      `json:"line,omitempty"`
	EndLine int      `json:"end_line,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Value   string   `json:"value,omitempty"`
	Error   string   `json:"error,omitempty"`
}

// writeEvents prints events as aligned columns or JSON.
func writeEvents(w io.Writer, format string, events []*tracestore.Event) error {
	if format == "json" {
		out := make([]cliEvent, 0, len(events))
		for _, ev := range events {
			out = append(out, cliEvent{
				ID: ev.ID, Binding: ev.Binding, Kind: ev.Kind, Source: ev.SourceName, Root: ev.Root,
				Line: ev.StartLine, EndLine: ev.EndLine, Tags: ev.Tags, Value: ev.Value, Error: ev.Error,
			})
		}
		return writeJSON(w, out)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tBINDING\tKIND\tLOCATION\tROOT\tTAGS\tVALUE")
	for _, ev := range events {
		value := ev.Value
		if ev.Error != "" {
			value = "error: " + ev.Error
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, ev.Binding, ev.Kind, location(ev), ev.Root, strings.Join(ev.Tags, ","), oneLine(value))
	}
	return tw.Flush()
}

func location(ev *tracestore.Event) string {
	if ev.SourceName == "" {
		return "-"
	}
	if ev.StartLine == 0 {
		return ev.SourceName
	}
	if ev.EndLine > ev.StartLine {
		return fmt.Sprintf("%s:%d-%d", ev.SourceName, ev.StartLine, ev.EndLine)
	}
	return fmt.Sprintf("%s:%d", ev.SourceName, ev.StartLine)
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
