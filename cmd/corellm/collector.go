package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/arrow_client"
	"github.com/23skdu/corellm/internal/logger"
)

func traceCollectorCmd() *cobra.Command {
	var addr, out string
	cmd := &cobra.Command{
		Use:   "trace-collector",
		Short: "Receive generation traces over Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			col := arrow_client.NewCollector()
			if _, err := col.Listen(addr); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				col.Shutdown()
			}()
			if err := col.Serve(); err != nil {
				return err
			}

			steps := col.Steps()
			logger.Log.Info("trace collector stopped", "rows", len(steps))
			if out == "" {
				return nil
			}
			sink, err := arrow_client.NewFileSink(out)
			if err != nil {
				return err
			}
			rec := arrow_client.NewTraceRecorder(sink, 0)
			for _, s := range steps {
				if err := rec.Record(s); err != nil {
					rec.Close()
					return err
				}
			}
			return rec.Close()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":3000", "Flight listen address")
	cmd.Flags().StringVar(&out, "out", "", "Save received traces to this Arrow IPC file on exit")
	return cmd
}
