package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/toymodel"
)

func toyCmd() *cobra.Command {
	o := toymodel.Default()
	var weightType string
	cmd := &cobra.Command{
		Use:   "toy OUT",
		Short: "Write a small random-weight model for testing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, ok := gguf.ParseType(weightType)
			if !ok {
				return fmt.Errorf("unknown weight type %q", weightType)
			}
			o.WeightType = t
			if err := toymodel.WriteFile(args[0], o); err != nil {
				return err
			}
			logger.Log.Info("toy model written", "path", args[0], "arch", o.Arch, "layers", o.Layers, "type", t)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&o.Arch, "arch", o.Arch, "Architecture (llama, mistral, qwen2)")
	f.IntVar(&o.Layers, "layers", o.Layers, "Transformer blocks")
	f.IntVar(&o.Context, "context", o.Context, "Trained context length")
	f.IntVar(&o.SlidingWindow, "sliding-window", o.SlidingWindow, "Attention window (mistral)")
	f.Int64Var(&o.Seed, "seed", o.Seed, "Weight seed")
	f.BoolVar(&o.TiedOutput, "tied", o.TiedOutput, "Share the output projection with the embedding")
	f.StringVar(&weightType, "type", "F32", "Weight type (F32, F16, Q8_0, Q4_0)")
	return cmd
}
