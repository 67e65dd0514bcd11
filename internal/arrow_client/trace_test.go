package arrow_client

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/runtime"
	"github.com/23skdu/corellm/internal/sampler"
	"github.com/23skdu/corellm/internal/toymodel"
)

func sampleSteps(n int) []generation.Step {
	out := make([]generation.Step, n)
	for i := range out {
		out[i] = generation.Step{
			Generation: "g1",
			Index:      i,
			Token:      30 + i,
			Text:       strings.Repeat("x", i),
			Logit:      float32(i) / 2,
			Position:   3 + i,
			Elapsed:    time.Duration(i+1) * time.Millisecond,
		}
	}
	return out
}

func TestStepsRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	want := sampleSteps(4)
	rec := StepsToRecord(mem, want)
	got, err := RecordToSteps(rec)
	rec.Release()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("got %d steps, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRecordToStepsRejectsSchema(t *testing.T) {
	schema := arrow.NewSchema([]arrow.Field{{Name: "vector", Type: arrow.PrimitiveTypes.Float32}}, nil)
	b := array.NewRecordBuilder(memory.NewGoAllocator(), schema)
	defer b.Release()
	b.Field(0).(*array.Float32Builder).Append(1)
	rec := b.NewRecord()
	defer rec.Release()
	if _, err := RecordToSteps(rec); !errors.Is(err, errs.Schema) {
		t.Errorf("err = %v, want Schema", err)
	}
}

func TestTraceRecorderBatches(t *testing.T) {
	sink := NewMemorySink()
	rec := NewTraceRecorder(sink, 2)
	for _, s := range sampleSteps(5) {
		if err := rec.Record(s); err != nil {
			t.Fatal(err)
		}
	}
	if sink.Batches() != 2 || rec.Rows() != 4 {
		t.Errorf("before close: %d batches, %d rows", sink.Batches(), rec.Rows())
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	if sink.Batches() != 3 || len(sink.Steps()) != 5 || !sink.Closed() {
		t.Errorf("after close: %d batches, %d steps, closed %v", sink.Batches(), len(sink.Steps()), sink.Closed())
	}
	if err := rec.Record(generation.Step{}); !errors.Is(err, errs.InvalidConfig) {
		t.Errorf("record after close err = %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trace.arrow")
	sink, err := NewFileSink(path)
	if err != nil {
		t.Fatal(err)
	}
	rec := NewTraceRecorder(sink, 3)
	want := sampleSteps(7)
	for _, s := range want {
		if err := rec.Record(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	got, err := ReadTraceFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("read %d steps, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("step %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFlightCollector(t *testing.T) {
	col := NewCollector()
	addr, err := col.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go col.Serve()
	t.Cleanup(col.Shutdown)

	client, err := NewFlightClient(addr.String())
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	rec := NewTraceRecorder(client, 4)
	for _, s := range sampleSteps(6) {
		if err := rec.Record(s); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Flush(); err != nil {
		t.Fatal(err)
	}
	if n := len(col.Steps()); n != 6 {
		t.Errorf("collector holds %d steps, want 6", n)
	}

	got, err := client.DoGet(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 6 || got[5].Token != 35 {
		t.Errorf("DoGet = %+v", got)
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestFlightClientNotConnected(t *testing.T) {
	client, err := NewFlightClient("localhost")
	if err != nil {
		t.Fatal(err)
	}
	if client.Addr() != "localhost:3000" {
		t.Errorf("addr = %s", client.Addr())
	}
	if err := client.DoPut(context.Background()); err == nil || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("DoPut err = %v", err)
	}
	if _, err := NewFlightClient(""); err == nil {
		t.Error("empty address accepted")
	}
}

func TestRecorderTracesGeneration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "toy.gguf")
	if err := toymodel.WriteFile(path, toymodel.Default()); err != nil {
		t.Fatal(err)
	}
	sink := NewMemorySink()
	tr := NewTraceRecorder(sink, 0)
	rt := runtime.New(runtime.WithRecorder(tr))
	t.Cleanup(func() { rt.Close(context.Background()) })

	h, err := rt.LoadModel(path, runtime.DefaultLoadConfig())
	if err != nil {
		t.Fatal(err)
	}
	sh, err := rt.CreateSession(h)
	if err != nil {
		t.Fatal(err)
	}
	ch, err := rt.Generate(context.Background(), sh, generation.Request{
		Prompt:     "the cat",
		MaxTokens:  4,
		Sampling:   sampler.GreedyConfig(),
		AddSpecial: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	for range ch {
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	steps := sink.Steps()
	if len(steps) != 4 {
		t.Fatalf("traced %d steps, want 4", len(steps))
	}
	for i, s := range steps {
		if s.Index != i || s.Position != 3+i {
			t.Errorf("step %d = %+v", i, s)
		}
	}
}
