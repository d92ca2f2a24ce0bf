package main

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/fatih/color"

	"github.com/seanblong/repocontext/internal/pipeline"
)

var (
	red    = color.New(color.FgRed)
	yellow = color.New(color.FgYellow)
	green  = color.New(color.FgGreen)
	cyan   = color.New(color.FgCyan)
	bold   = color.New(color.Bold)
	dim    = color.New(color.Faint)
)

func printOutcome(w io.Writer, mode pipeline.Mode, o pipeline.Outcome) {
	if o.Failure != nil {
		red.Fprintf(w, "✗ %s\n", o.Failure)
		return
	}
	c := o.Chunk
	switch mode {
	case pipeline.ModeChunk:
		bold.Fprintf(w, "%s#%d", c.Path, c.Index)
		dim.Fprintf(w, " [%d:%d] %s\n", c.Span.Start, c.Span.End, o.Language)
		fmt.Fprintln(w, c.Text)
		fmt.Fprintln(w)
	case pipeline.ModeEnrich:
		bold.Fprintf(w, "%s#%d\n", c.Path, c.Index)
		cyan.Fprintln(w, o.Context)
		fmt.Fprintln(w)
	case pipeline.ModeIndex:
		green.Fprint(w, "✓ ")
		fmt.Fprintln(w, o.RecordID)
	}
}

func printSummary(w io.Writer, mode pipeline.Mode, s pipeline.Summary) {
	fmt.Fprintln(w)
	bold.Fprintln(w, "Summary")
	fmt.Fprintf(w, "  files:     %d\n", s.Files)
	fmt.Fprintf(w, "  attempted: %d\n", s.Attempted)
	if mode != pipeline.ModeChunk {
		fmt.Fprintf(w, "  enriched:  %d\n", s.Enriched)
	}
	if mode == pipeline.ModeIndex {
		fmt.Fprintf(w, "  written:   %d\n", s.Written)
	}
	if len(s.Failures) == 0 {
		green.Fprintln(w, "  no failures")
		return
	}

	counts := s.Counts()
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, string(k))
	}
	slices.Sort(kinds)
	parts := make([]string, len(kinds))
	for i, k := range kinds {
		parts[i] = fmt.Sprintf("%s %d", k, counts[pipeline.Kind(k)])
	}
	yellow.Fprintf(w, "  failures:  %d (%s)\n", len(s.Failures), strings.Join(parts, ", "))
	for _, f := range s.Failures {
		dim.Fprintf(w, "    %s\n", f)
	}
}
