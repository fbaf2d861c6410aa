package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/graph"
	"github.com/petal-labs/petalstream/hydrate"
	"github.com/petal-labs/petalstream/loader"
	"github.com/petal-labs/petalstream/registry"
)

// validateReport is the outcome of validating one flowgraph file.
type validateReport struct {
	File        string             `json:"file"`
	Flowgraph   string             `json:"flowgraph,omitempty"`
	Valid       bool               `json:"valid"`
	Blocks      int                `json:"blocks"`
	Edges       int                `json:"edges"`
	Order       []string           `json:"order,omitempty"`
	Diagnostics []graph.Diagnostic `json:"diagnostics"`
}

// NewValidateCmd creates the "validate" subcommand.
func NewValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a flowgraph file against the block registry without running it",
		Long: `Decode a flowgraph file, check its structure and block parameters against
the registry, and finalize the resulting flowgraph. Valid graphs also report
the order in which blocks are first scheduled.`,
		Args: cobra.ExactArgs(1),
		RunE: runValidate,
	}

	cmd.Flags().String("format", "text", "Output format: text | json")
	cmd.Flags().Bool("strict", false, "Fail on warnings as well as errors")

	return cmd
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	format, _ := cmd.Flags().GetString("format")
	strict, _ := cmd.Flags().GetBool("strict")

	data, err := os.ReadFile(path) // #nosec G304 -- path from user CLI arg
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return exitError(exitFileNotFound, "file not found: %s", path)
		}
		return exitError(exitValidation, "reading file: %v", err)
	}

	report := inspectFlowgraph(data, path)
	out := cmd.OutOrStdout()
	if format == "json" {
		if err := writeJSON(out, report); err != nil {
			return err
		}
	} else {
		writeValidateText(out, report)
	}

	if !report.Valid || (strict && len(graph.Warnings(report.Diagnostics)) > 0) {
		return exitError(exitValidation, "validation failed")
	}
	return nil
}

// inspectFlowgraph runs definition checks and, when those pass, finalizes
// the hydrated flowgraph so policy errors surface without a run.
func inspectFlowgraph(data []byte, path string) validateReport {
	report := validateReport{File: path, Diagnostics: []graph.Diagnostic{}}

	gd, diags, err := loader.Inspect(data, path, registry.Global())
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, graph.Diagnostic{
			Code:     "FG-000",
			Severity: graph.SeverityError,
			Message:  fmt.Sprintf("Not a readable flowgraph: %v", err),
		})
		return report
	}
	report.Flowgraph = gd.ID
	report.Blocks = len(gd.Blocks)
	report.Edges = len(gd.Edges)
	report.Diagnostics = append(report.Diagnostics, diags...)
	if graph.HasErrors(diags) {
		return report
	}

	fg, err := hydrate.Build(gd, nil, nil)
	if err == nil {
		err = fg.Validate()
	}
	if err != nil {
		report.Diagnostics = append(report.Diagnostics, graph.Diagnostic{
			Code:     "FG-010",
			Severity: graph.SeverityError,
			Message:  err.Error(),
		})
		return report
	}
	report.Valid = true
	report.Order = fg.Order()
	return report
}

func writeValidateText(w io.Writer, r validateReport) {
	writeDiagnostics(w, r.Diagnostics)
	if !r.Valid {
		return
	}
	name := r.Flowgraph
	if name == "" {
		name = r.File
	}
	fmt.Fprintf(w, "%s: %d %s, %d %s\n", name,
		r.Blocks, pluralize("block", r.Blocks), r.Edges, pluralize("edge", r.Edges))
	fmt.Fprintf(w, "Order: %s\n", strings.Join(r.Order, " -> "))
}

// writeDiagnostics prints one line per diagnostic and a summary. The run
// command uses it for load failures too.
func writeDiagnostics(w io.Writer, diags []graph.Diagnostic) {
	for _, d := range diags {
		line := fmt.Sprintf("%s [%s]: %s", strings.ToUpper(d.Severity), d.Code, d.Message)
		if d.Path != "" {
			line += " (at " + d.Path + ")"
		}
		fmt.Fprintln(w, line)
	}

	nerr, nwarn := len(graph.Errors(diags)), len(graph.Warnings(diags))
	switch {
	case nerr > 0:
		fmt.Fprintf(w, "\n%d %s, %d %s\n", nerr, pluralize("error", nerr), nwarn, pluralize("warning", nwarn))
	case nwarn > 0:
		fmt.Fprintf(w, "\nValid! (%d %s)\n", nwarn, pluralize("warning", nwarn))
	default:
		fmt.Fprintln(w, "Valid!")
	}
}

func pluralize(word string, count int) string {
	if count == 1 {
		return word
	}
	return word + "s"
}
