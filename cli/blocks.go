package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/petal-labs/petalstream/registry"
)

// NewBlocksCmd creates the "blocks" subcommand listing registered block types.
func NewBlocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks [type]",
		Short: "List block types, or describe one",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runBlocks,
	}
	cmd.Flags().String("category", "", "Only list types in this category (source, sink, stream, math)")
	cmd.Flags().String("format", "text", "Output format: text | json")
	return cmd
}

func runBlocks(cmd *cobra.Command, args []string) error {
	reg := registry.Global()
	format, _ := cmd.Flags().GetString("format")
	out := cmd.OutOrStdout()

	if len(args) == 1 {
		def, ok := reg.Get(args[0])
		if !ok {
			return exitError(exitInputParse, "unknown block type %q", args[0])
		}
		if format == "json" {
			return writeJSON(out, def)
		}
		return describeBlockType(out, def)
	}

	category, _ := cmd.Flags().GetString("category")
	var defs []registry.BlockTypeDef
	for _, def := range reg.All() {
		if category == "" || def.Category == category {
			defs = append(defs, def)
		}
	}
	if format == "json" {
		if defs == nil {
			defs = []registry.BlockTypeDef{}
		}
		return writeJSON(out, defs)
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TYPE\tCATEGORY\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", def.Type, def.Category, def.Description)
	}
	return tw.Flush()
}

func describeBlockType(w io.Writer, def registry.BlockTypeDef) error {
	fmt.Fprintf(w, "%s (%s)\n", def.DisplayName, def.Type)
	fmt.Fprintf(w, "  %s\n\n", def.Description)
	fmt.Fprintf(w, "Inputs:  %s\n", portList(def.Ports.Inputs, def.Ports.VariadicInputs))
	fmt.Fprintf(w, "Outputs: %s\n", portList(def.Ports.Outputs, def.Ports.VariadicOutputs))
	if len(def.Params) == 0 {
		return nil
	}
	fmt.Fprintln(w, "\nParameters:")
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, p := range def.Params {
		req := ""
		if p.Required {
			req = "required"
		} else if p.Default != nil {
			req = fmt.Sprintf("default %v", p.Default)
		}
		fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", p.Name, p.Type, req, p.Description)
	}
	return tw.Flush()
}

func portList(ports []registry.PortDef, variadic bool) string {
	if len(ports) == 0 {
		return "none"
	}
	names := make([]string, len(ports))
	for i, p := range ports {
		names[i] = p.Name + ":" + p.Type
	}
	s := strings.Join(names, ", ")
	if variadic {
		s += ", ..."
	}
	return s
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
