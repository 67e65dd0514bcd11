package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/chat"
	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
)

const chatHelp = `Commands:
  /clear           forget the conversation
  /system TEXT     replace the system prompt
  /memory          print the conversation as JSON
  /exit            leave`

func (a *app) chatCmd() *cobra.Command {
	var system, template, history string
	cmd := &cobra.Command{
		Use:   "chat MODEL",
		Short: "Hold an interactive conversation with a model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.applySamplingFlags(cmd); err != nil {
				return err
			}
			if system != "" {
				a.cfg.SystemPrompt = system
			}
			if template != "" {
				a.cfg.Template = template
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			e, err := a.open(ctx, args[0])
			if err != nil {
				return err
			}
			defer e.close()

			conv, err := chat.New(e.rt, e.sess, chat.Options{
				SystemPrompt: a.cfg.SystemPrompt,
				Template:     a.cfg.Template,
				Request:      a.request(""),
			})
			if err != nil {
				return err
			}
			if history != "" {
				data, err := os.ReadFile(history)
				switch {
				case err == nil:
					if err := conv.UnmarshalMemory(data); err != nil {
						return err
					}
				case !os.IsNotExist(err):
					return err
				}
			}

			loopErr := chatLoop(ctx, conv, e, cmd.InOrStdin(), cmd.OutOrStdout())
			if history != "" {
				data, err := conv.MarshalMemory()
				if err == nil {
					err = os.WriteFile(history, data, 0o644)
				}
				if err != nil && loopErr == nil {
					loopErr = err
				}
			}
			return loopErr
		},
	}
	cmd.Flags().StringVar(&system, "system", "", "System prompt")
	cmd.Flags().StringVar(&template, "template", "", "Prompt template (chatml, llama2, plain)")
	cmd.Flags().StringVar(&history, "history", "", "Load and save the conversation in this JSON file")
	a.samplingFlags(cmd)
	return cmd
}

func chatLoop(ctx context.Context, conv *chat.Conversation, e *env, in io.Reader, out io.Writer) error {
	sc := bufio.NewScanner(in)
	fmt.Fprint(out, ">>> ")
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case line == "/exit" || line == "/bye":
			return nil
		case line == "/help" || line == "/?":
			fmt.Fprintln(out, chatHelp)
		case line == "/clear":
			conv.ClearMemory()
			fmt.Fprintln(out, "Cleared conversation.")
		case strings.HasPrefix(line, "/system "):
			conv.SetSystemPrompt(strings.TrimSpace(strings.TrimPrefix(line, "/system ")))
			fmt.Fprintln(out, "Set system prompt.")
		case line == "/memory":
			data, err := conv.MarshalMemory()
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(data))
		default:
			ch, err := conv.Chat(ctx, line)
			if err != nil {
				return err
			}
			last := e.stream(ch, out)
			fmt.Fprintln(out)
			switch last.Kind {
			case generation.CancelledEvent:
				return nil
			case generation.FailedEvent:
				if !errs.IsRecoverable(last.Err) {
					return last.Err
				}
				logger.Log.Warn("reply failed", "error", last.Err)
				fmt.Fprintln(out, "The conversation no longer fits the context; use /clear.")
			}
		}
		fmt.Fprint(out, ">>> ")
	}
	return sc.Err()
}
