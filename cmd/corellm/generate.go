package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/generation"
)

func (a *app) generateCmd() *cobra.Command {
	var (
		prompt       string
		parseSpecial bool
	)
	cmd := &cobra.Command{
		Use:   "generate MODEL [PROMPT...]",
		Short: "Stream a completion for a prompt",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applySamplingFlags(cmd); err != nil {
				return err
			}
			if prompt == "" {
				prompt = strings.Join(args[1:], " ")
			}
			if prompt == "" {
				return fmt.Errorf("no prompt given")
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.close()

			req := a.request(prompt)
			req.ParseSpecial = parseSpecial
			ch, err := e.rt.Generate(ctx, e.sess, req)
			if err != nil {
				return err
			}
			last := e.stream(ch, cmd.OutOrStdout())
			reportStats(cmd.ErrOrStderr(), last)
			if last.Kind == generation.FailedEvent {
				return last.Err
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "Prompt text (defaults to the remaining arguments)")
	cmd.Flags().BoolVar(&parseSpecial, "parse-special", false, "Map special token text in the prompt to token ids")
	a.samplingFlags(cmd)
	return cmd
}
