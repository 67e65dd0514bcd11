package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/config"
	"github.com/23skdu/corellm/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app carries the resolved configuration shared by every subcommand.
type app struct {
	configPath string
	logLevel   string
	backend    string
	threads    int
	ctxLen     int

	cfg config.Runtime
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "corellm",
		Short:        "Run GGUF language models locally",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.resolve()
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "Config file (.yaml, .json or .toml)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVar(&a.backend, "backend", "", "Compute backend (reference, parallel)")
	pf.IntVar(&a.threads, "threads", 0, "Worker threads for the parallel backend")
	pf.IntVar(&a.ctxLen, "ctx", 0, "Context length cap (0 uses the config value, default 4096)")

	root.AddCommand(
		a.generateCmd(),
		a.chatCmd(),
		a.inspectCmd(),
		toyCmd(),
		traceCollectorCmd(),
	)
	return root
}

func (a *app) resolve() error {
	cfg, err := config.Resolve(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	if a.backend != "" {
		cfg.Backend = a.backend
	}
	if a.threads > 0 {
		cfg.Threads = a.threads
	}
	if a.ctxLen > 0 {
		cfg.ContextLength = a.ctxLen
	}
	a.cfg = cfg
	logger.Setup(cfg.LogLevel, cfg.LogFormat)
	return nil
}
