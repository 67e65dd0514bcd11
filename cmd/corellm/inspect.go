package main

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/graph"
	"github.com/23skdu/corellm/internal/ollama"
)

func (a *app) inspectCmd() *cobra.Command {
	var asJSON, tensors bool
	cmd := &cobra.Command{
		Use:   "inspect MODEL",
		Long:  "Summarize a GGUF file. MODEL is a path or the name of a model in the local Ollama store.",
		Short: "Summarize a GGUF file's metadata and tensors",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := ollama.ResolveModelPath(args[0])
			if err != nil {
				return err
			}
			f, err := gguf.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			out := cmd.OutOrStdout()
			report := gguf.Analyze(f)
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			fmt.Fprintln(out, report.String())
			supported := false
			for _, arch := range graph.Supported() {
				supported = supported || strings.EqualFold(arch, report.Architecture)
			}
			fmt.Fprintf(out, "supported architecture: %v\n", supported)
			if tensors {
				for _, t := range f.Tensors {
					fmt.Fprintf(out, "%-40s %-5s %v\n", t.Name, t.Type, t.Shape)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the report as JSON")
	cmd.Flags().BoolVar(&tensors, "tensors", false, "List every tensor")
	return cmd
}
