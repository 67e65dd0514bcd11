package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/23skdu/corellm/internal/arrow_client"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/monitoring"
	"github.com/23skdu/corellm/internal/ollama"
	"github.com/23skdu/corellm/internal/runtime"
	"github.com/23skdu/corellm/internal/sampler"
)

// env is one loaded model with an open session plus the optional trace
// exporter and health server.
type env struct {
	rt     *runtime.Runtime
	model  runtime.ModelHandle
	sess   runtime.SessionHandle
	trace  *arrow_client.TraceRecorder
	health *monitoring.HealthMonitor
}

func (a *app) open(ctx context.Context, path string) (_ *env, err error) {
	e := &env{}
	defer func() {
		if err != nil {
			e.close()
		}
	}()

	opts := []runtime.Option{runtime.WithEventBuffer(a.cfg.EventBuffer)}
	if sink, err := a.traceSink(ctx); err != nil {
		return nil, err
	} else if sink != nil {
		e.trace = arrow_client.NewTraceRecorder(sink, 0)
		opts = append(opts, runtime.WithRecorder(e.trace))
	}
	e.rt = runtime.New(opts...)

	if a.cfg.MetricsAddr != "" {
		e.health = monitoring.NewHealthMonitor(e.rt)
		if _, err := e.health.Start(a.cfg.MetricsAddr); err != nil {
			return nil, fmt.Errorf("metrics server: %w", err)
		}
	}

	if path, err = ollama.ResolveModelPath(path); err != nil {
		return nil, err
	}
	lc := runtime.DefaultLoadConfig()
	lc.Backend = a.cfg.Backend
	lc.Threads = a.cfg.Threads
	lc.ContextLength = a.cfg.ContextLength
	if e.model, err = e.rt.LoadModel(path, lc); err != nil {
		return nil, err
	}
	if e.sess, err = e.rt.CreateSession(e.model); err != nil {
		return nil, err
	}
	info, _ := e.rt.Model(e.model)
	logger.Log.Info("model ready",
		"arch", info.Architecture,
		"blocks", info.Blocks,
		"context", info.ContextLength,
		"backend", info.Backend)
	return e, nil
}

func (a *app) traceSink(ctx context.Context) (arrow_client.Sink, error) {
	switch {
	case a.cfg.TraceFlightAddr != "":
		c, err := arrow_client.NewFlightClient(a.cfg.TraceFlightAddr)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	case a.cfg.TraceFile != "":
		return arrow_client.NewFileSink(a.cfg.TraceFile)
	}
	return nil, nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if e.rt != nil {
		if err := e.rt.Close(ctx); err != nil {
			logger.Log.Warn("runtime close", "error", err)
		}
	}
	if e.trace != nil {
		if err := e.trace.Close(); err != nil {
			logger.Log.Warn("trace export", "error", err)
		}
	}
	if e.health != nil {
		_ = e.health.Stop(ctx)
	}
}

// stream copies token text to out and returns the terminal event.
func (e *env) stream(ch <-chan generation.Event, out io.Writer) generation.Event {
	var last generation.Event
	for ev := range ch {
		if ev.Kind == generation.TokenEmitted {
			fmt.Fprint(out, ev.Text)
			continue
		}
		last = ev
		if e.health != nil {
			e.health.Observe(ev)
		}
	}
	return last
}

// request builds a generation request from the resolved configuration.
func (a *app) request(prompt string) generation.Request {
	s := a.cfg.Sampling
	return generation.Request{
		Prompt:    prompt,
		MaxTokens: a.cfg.MaxTokens,
		Sampling: sampler.Config{
			Greedy:            s.Greedy,
			Temperature:       float64(s.Temperature),
			TopK:              s.TopK,
			TopP:              float64(s.TopP),
			RepetitionPenalty: float64(s.RepetitionPenalty),
			PenaltyWindow:     s.PenaltyWindow,
			Seed:              s.Seed,
		},
		Stop:         a.cfg.Stop,
		AddSpecial:   true,
		ContextShift: a.cfg.ContextShift,
	}
}

// samplingFlags registers per-command overrides of the sampling settings.
func (a *app) samplingFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.IntP("max-tokens", "n", 0, "Maximum tokens to generate")
	f.Bool("greedy", false, "Always pick the most likely token")
	f.Float32("temperature", 0, "Sampling temperature")
	f.Int("top-k", 0, "Keep only the k most likely tokens")
	f.Float32("top-p", 0, "Nucleus sampling mass")
	f.Float32("repeat-penalty", 0, "Repetition penalty (1 disables)")
	f.Int64("seed", 0, "Random seed (0 seeds from the clock)")
	f.StringSlice("stop", nil, "Stop sequence (repeatable)")
	f.Bool("context-shift", false, "Drop old context instead of failing when full")
	f.String("trace-file", "", "Write per-token traces to this Arrow IPC file")
	f.String("trace-flight", "", "Send per-token traces to this Arrow Flight address")
	f.String("metrics-addr", "", "Serve /health, /status and /metrics on this address")
}

// applySamplingFlags copies explicitly set flags over the configuration.
// The getters only fail on a type mismatch with samplingFlags.
func (a *app) applySamplingFlags(cmd *cobra.Command) error {
	f := cmd.Flags()
	if f.Changed("max-tokens") {
		a.cfg.MaxTokens, _ = f.GetInt("max-tokens")
	}
	if f.Changed("greedy") {
		a.cfg.Sampling.Greedy, _ = f.GetBool("greedy")
	}
	if f.Changed("temperature") {
		a.cfg.Sampling.Temperature, _ = f.GetFloat32("temperature")
	}
	if f.Changed("top-k") {
		a.cfg.Sampling.TopK, _ = f.GetInt("top-k")
	}
	if f.Changed("top-p") {
		a.cfg.Sampling.TopP, _ = f.GetFloat32("top-p")
	}
	if f.Changed("repeat-penalty") {
		a.cfg.Sampling.RepetitionPenalty, _ = f.GetFloat32("repeat-penalty")
	}
	if f.Changed("seed") {
		a.cfg.Sampling.Seed, _ = f.GetInt64("seed")
	}
	if f.Changed("stop") {
		a.cfg.Stop, _ = f.GetStringSlice("stop")
	}
	if f.Changed("context-shift") {
		a.cfg.ContextShift, _ = f.GetBool("context-shift")
	}
	if f.Changed("trace-file") {
		a.cfg.TraceFile, _ = f.GetString("trace-file")
	}
	if f.Changed("trace-flight") {
		a.cfg.TraceFlightAddr, _ = f.GetString("trace-flight")
	}
	if f.Changed("metrics-addr") {
		a.cfg.MetricsAddr, _ = f.GetString("metrics-addr")
	}
	return a.cfg.Validate()
}

func reportStats(w io.Writer, ev generation.Event) {
	if ev.Stats == nil {
		fmt.Fprintf(w, "\n[%s]\n", ev)
		return
	}
	s := ev.Stats
	fmt.Fprintf(w, "\n[%s] prompt=%d cached=%d generated=%d shifts=%d %.2f tok/s\n",
		ev, s.PromptTokens, s.CachedTokens, s.GeneratedTokens, s.ContextShifts, s.TokensPerSecond())
}
