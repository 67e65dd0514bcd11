package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/gguf"
	"github.com/23skdu/corellm/internal/sampler"
	"github.com/23skdu/corellm/internal/toymodel"
)

func writeToy(t *testing.T, mutate func(*toymodel.Options), post func(*gguf.Writer)) string {
	t.Helper()
	o := toymodel.Default()
	if mutate != nil {
		mutate(&o)
	}
	w, err := toymodel.Build(o)
	if err != nil {
		t.Fatal(err)
	}
	if post != nil {
		post(w)
	}
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConfig() LoadConfig {
	cfg := DefaultLoadConfig()
	cfg.Threads = 2
	return cfg
}

func greedy(max int) generation.Request {
	return generation.Request{Prompt: "the cat", MaxTokens: max, Sampling: sampler.GreedyConfig(), AddSpecial: true}
}

func drain(t *testing.T, ch <-chan generation.Event) []generation.Event {
	t.Helper()
	var out []generation.Event
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func TestEndToEndToyModel(t *testing.T) {
	for _, wt := range []gguf.GGMLType{gguf.GGMLTypeF32, gguf.GGMLTypeF16, gguf.GGMLTypeQ8_0} {
		t.Run(wt.String(), func(t *testing.T) {
			path := writeToy(t, func(o *toymodel.Options) { o.WeightType = wt }, nil)
			rt := New()
			h, err := rt.LoadModel(path, testConfig())
			if err != nil {
				t.Fatalf("LoadModel: %v", err)
			}
			defer rt.UnloadModel(h)
			sh, err := rt.CreateSession(h)
			if err != nil {
				t.Fatal(err)
			}
			ch, err := rt.Generate(context.Background(), sh, greedy(5))
			if err != nil {
				t.Fatal(err)
			}
			events := drain(t, ch)
			if len(events) != 6 {
				t.Fatalf("got %d events: %v", len(events), events)
			}
			for _, e := range events[:5] {
				if e.Kind != generation.TokenEmitted {
					t.Fatalf("unexpected %v", e)
				}
			}
			last := events[5]
			if last.Kind != generation.CompletedEvent || last.Reason != generation.ReasonMaxTokens {
				t.Fatalf("terminal %v", last)
			}
			if busy, _ := rt.Busy(sh); busy {
				t.Fatal("session still busy after the terminal event")
			}
		})
	}
}

func TestBadMagicThenValidLoad(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.gguf")
	if err := os.WriteFile(bad, []byte("NOPE0000000000000000000000"), 0o644); err != nil {
		t.Fatal(err)
	}
	rt := New()
	if _, err := rt.LoadModel(bad, testConfig()); !errors.Is(err, errs.Format) {
		t.Fatalf("want Format, got %v", err)
	}
	if n := len(rt.Status().Models); n != 0 {
		t.Fatalf("%d models after failed load", n)
	}
	h, err := rt.LoadModel(writeToy(t, nil, nil), testConfig())
	if err != nil {
		t.Fatalf("valid load after failure: %v", err)
	}
	info, err := rt.Model(h)
	if err != nil {
		t.Fatal(err)
	}
	if info.Architecture != "llama" || info.VocabSize != len(toymodel.Pieces) || info.ContextLength != 64 {
		t.Fatalf("info %+v", info)
	}
}

func TestLoadErrors(t *testing.T) {
	truncated := func(t *testing.T) string {
		path := writeToy(t, nil, nil)
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, data[:len(data)-100], 0o644); err != nil {
			t.Fatal(err)
		}
		return path
	}
	tests := []struct {
		name string
		path func(t *testing.T) string
		cfg  func(*LoadConfig)
		want errs.Kind
	}{
		{"truncated", truncated, nil, errs.Truncated},
		{"unsupported architecture", func(t *testing.T) string {
			return writeToy(t, func(o *toymodel.Options) { o.Arch = "gpt2" }, nil)
		}, nil, errs.UnsupportedArchitecture},
		{"missing tensor", func(t *testing.T) string {
			return writeToy(t, nil, func(w *gguf.Writer) { w.Set("llama.block_count", uint32(3)) })
		}, nil, errs.MissingTensor},
		{"schema", func(t *testing.T) string {
			return writeToy(t, nil, func(w *gguf.Writer) { w.Set("llama.attention.head_count", uint32(5)) })
		}, nil, errs.Schema},
		{"unknown backend", func(t *testing.T) string { return writeToy(t, nil, nil) },
			func(c *LoadConfig) { c.Backend = "metal" }, errs.InvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			_, err := New().LoadModel(tt.path(t), cfg)
			if !errors.Is(err, tt.want) {
				t.Fatalf("want %v, got %v", tt.want, err)
			}
		})
	}
}

func TestMaterializeAndContextCap(t *testing.T) {
	rt := New()
	cfg := testConfig()
	cfg.Materialize = true
	cfg.ContextLength = 16
	h, err := rt.LoadModel(writeToy(t, nil, nil), cfg)
	if err != nil {
		t.Fatal(err)
	}
	info, _ := rt.Model(h)
	if info.ContextLength != 16 {
		t.Fatalf("context %d, want 16", info.ContextLength)
	}
	sh, err := rt.CreateSession(h)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := rt.Generate(context.Background(), sh, greedy(20))
	if err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Kind != generation.FailedEvent || last.ErrKind != errs.ContextOverflow {
		t.Fatalf("terminal %v", last)
	}
}

func TestBusyCancelAndUnload(t *testing.T) {
	rt := New(WithEventBuffer(1))
	h, err := rt.LoadModel(writeToy(t, nil, nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	sh, err := rt.CreateSession(h)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := rt.Generate(context.Background(), sh, greedy(40))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := rt.Generate(context.Background(), sh, greedy(5)); !errors.Is(err, errs.SessionBusy) {
		t.Fatalf("want SessionBusy, got %v", err)
	}
	if err := rt.UnloadModel(h); !errors.Is(err, errs.ModelInUse) {
		t.Fatalf("want ModelInUse, got %v", err)
	}
	if err := rt.CloseSession(sh); !errors.Is(err, errs.SessionBusy) {
		t.Fatalf("want SessionBusy, got %v", err)
	}
	if st := rt.Status(); st.Active != 1 || st.Sessions != 1 {
		t.Fatalf("status %+v", st)
	}

	if err := rt.Cancel(sh); err != nil {
		t.Fatal(err)
	}
	events := drain(t, ch)
	last := events[len(events)-1]
	if last.Kind != generation.CancelledEvent {
		t.Fatalf("terminal %v", last)
	}
	if len(events)-1 >= 40 {
		t.Fatal("cancellation had no effect")
	}

	// The session is reusable after cancellation.
	ch, err = rt.Generate(context.Background(), sh, greedy(2))
	if err != nil {
		t.Fatal(err)
	}
	if events := drain(t, ch); events[len(events)-1].Kind != generation.CompletedEvent {
		t.Fatalf("events %v", events)
	}
	if err := rt.Cancel(sh); err != nil {
		t.Fatalf("cancel when idle: %v", err)
	}
	if err := rt.UnloadModel(h); err != nil {
		t.Fatal(err)
	}
	if _, err := rt.CreateSession(h); !errors.Is(err, errs.NotFound) {
		t.Fatalf("want NotFound, got %v", err)
	}
	if _, err := rt.Generate(context.Background(), sh, greedy(2)); !errors.Is(err, errs.NotFound) {
		t.Fatalf("session should close with its model, got %v", err)
	}
}

func TestInvalidRequestBeforeBusy(t *testing.T) {
	rt := New()
	h, err := rt.LoadModel(writeToy(t, nil, nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer rt.UnloadModel(h)
	sh, _ := rt.CreateSession(h)
	req := greedy(0)
	if _, err := rt.Generate(context.Background(), sh, req); !errors.Is(err, errs.InvalidConfig) {
		t.Fatalf("want InvalidConfig, got %v", err)
	}
	if busy, _ := rt.Busy(sh); busy {
		t.Fatal("invalid request left the session busy")
	}
}

func TestGenerateRacesUnload(t *testing.T) {
	path := writeToy(t, nil, nil)
	for i := 0; i < 100; i++ {
		rt := New()
		h, err := rt.LoadModel(path, testConfig())
		if err != nil {
			t.Fatal(err)
		}
		sh, err := rt.CreateSession(h)
		if err != nil {
			t.Fatal(err)
		}

		var (
			wg        sync.WaitGroup
			ch        <-chan generation.Event
			genErr    error
			unloadErr error
		)
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			ch, genErr = rt.Generate(context.Background(), sh, greedy(2))
		}()
		go func() {
			defer wg.Done()
			<-start
			unloadErr = rt.UnloadModel(h)
		}()
		close(start)
		wg.Wait()

		if genErr != nil {
			if !errors.Is(genErr, errs.NotFound) {
				t.Fatalf("run %d: Generate: %v", i, genErr)
			}
			if unloadErr != nil {
				t.Fatalf("run %d: both failed: %v / %v", i, genErr, unloadErr)
			}
			continue
		}
		events := drain(t, ch)
		if last := events[len(events)-1]; last.Kind != generation.CompletedEvent {
			t.Fatalf("run %d: admitted generation ended %v (unload: %v)", i, last, unloadErr)
		}
		if unloadErr != nil {
			if !errors.Is(unloadErr, errs.ModelInUse) {
				t.Fatalf("run %d: UnloadModel: %v", i, unloadErr)
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := rt.UnloadModelWait(ctx, h); err != nil {
				t.Fatalf("run %d: UnloadModelWait: %v", i, err)
			}
			cancel()
		}
	}
}

func TestUnloadModelWait(t *testing.T) {
	rt := New(WithEventBuffer(1))
	h, err := rt.LoadModel(writeToy(t, nil, nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	sh, _ := rt.CreateSession(h)
	ch, err := rt.Generate(context.Background(), sh, greedy(6))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	if err := rt.UnloadModelWait(ctx, h); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline while the stream is not drained, got %v", err)
	}

	go func() {
		for range ch {
		}
	}()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := rt.UnloadModelWait(ctx2, h); err != nil {
		t.Fatalf("UnloadModelWait: %v", err)
	}
	if len(rt.Status().Models) != 0 {
		t.Fatal("model still loaded")
	}
}

func TestUnknownHandles(t *testing.T) {
	rt := New()
	check := func(name string, err error) {
		t.Helper()
		if !errors.Is(err, errs.NotFound) {
			t.Errorf("%s: want NotFound, got %v", name, err)
		}
	}
	_, err := rt.CreateSession("nope")
	check("create", err)
	_, err = rt.Generate(context.Background(), "nope", greedy(1))
	check("generate", err)
	_, err = rt.Model("nope")
	check("model", err)
	check("cancel", rt.Cancel("nope"))
	check("close", rt.CloseSession("nope"))
	check("unload", rt.UnloadModel("nope"))
}

func TestCloseRuntime(t *testing.T) {
	rt := New()
	h, err := rt.LoadModel(writeToy(t, nil, nil), testConfig())
	if err != nil {
		t.Fatal(err)
	}
	sh, _ := rt.CreateSession(h)
	ch, err := rt.Generate(context.Background(), sh, greedy(30))
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		for range ch {
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if st := rt.Status(); len(st.Models) != 0 || st.Sessions != 0 {
		t.Fatalf("status after close %+v", st)
	}
}
