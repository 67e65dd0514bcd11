// Package arrow_client exports per-token generation traces as Arrow record
// batches, to IPC files or to an Arrow Flight collector.
package arrow_client

import (
	"fmt"
	"sync"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/corellm/internal/errs"
	"github.com/23skdu/corellm/internal/generation"
	"github.com/23skdu/corellm/internal/logger"
	"github.com/23skdu/corellm/internal/metrics"
)

// TraceSchema is the layout of every exported trace batch.
var TraceSchema = arrow.NewSchema([]arrow.Field{
	{Name: "generation", Type: arrow.BinaryTypes.String},
	{Name: "step", Type: arrow.PrimitiveTypes.Int32},
	{Name: "token", Type: arrow.PrimitiveTypes.Int32},
	{Name: "text", Type: arrow.BinaryTypes.String},
	{Name: "logit", Type: arrow.PrimitiveTypes.Float32},
	{Name: "position", Type: arrow.PrimitiveTypes.Int32},
	{Name: "elapsed_us", Type: arrow.PrimitiveTypes.Int64},
}, nil)

// Sink receives finished trace batches. Write must not keep rec past return
// without retaining it.
type Sink interface {
	Name() string
	Write(rec arrow.Record) error
	Close() error
}

// StepsToRecord builds one batch from steps.
func StepsToRecord(mem memory.Allocator, steps []generation.Step) arrow.Record {
	b := array.NewRecordBuilder(mem, TraceSchema)
	defer b.Release()
	b.Reserve(len(steps))
	for _, s := range steps {
		appendStep(b, s)
	}
	return b.NewRecord()
}

func appendStep(b *array.RecordBuilder, s generation.Step) {
	b.Field(0).(*array.StringBuilder).Append(s.Generation)
	b.Field(1).(*array.Int32Builder).Append(int32(s.Index))
	b.Field(2).(*array.Int32Builder).Append(int32(s.Token))
	b.Field(3).(*array.StringBuilder).Append(s.Text)
	b.Field(4).(*array.Float32Builder).Append(s.Logit)
	b.Field(5).(*array.Int32Builder).Append(int32(s.Position))
	b.Field(6).(*array.Int64Builder).Append(s.Elapsed.Microseconds())
}

// RecordToSteps decodes a batch written with TraceSchema.
func RecordToSteps(rec arrow.Record) ([]generation.Step, error) {
	if !rec.Schema().Equal(TraceSchema) {
		return nil, errs.Errorf(errs.Schema, "trace.decode", "unexpected schema %s", rec.Schema())
	}
	gen := rec.Column(0).(*array.String)
	step := rec.Column(1).(*array.Int32)
	tok := rec.Column(2).(*array.Int32)
	text := rec.Column(3).(*array.String)
	logit := rec.Column(4).(*array.Float32)
	pos := rec.Column(5).(*array.Int32)
	elapsed := rec.Column(6).(*array.Int64)

	out := make([]generation.Step, rec.NumRows())
	for i := range out {
		out[i] = generation.Step{
			Generation: gen.Value(i),
			Index:      int(step.Value(i)),
			Token:      int(tok.Value(i)),
			Text:       text.Value(i),
			Logit:      logit.Value(i),
			Position:   int(pos.Value(i)),
			Elapsed:    time.Duration(elapsed.Value(i)) * time.Microsecond,
		}
	}
	return out, nil
}

// TraceRecorder buffers steps and hands them to a sink in batches. It
// implements generation.Recorder.
type TraceRecorder struct {
	mu      sync.Mutex
	mem     memory.Allocator
	sink    Sink
	batch   int
	builder *array.RecordBuilder
	rows    int
	total   int
	closed  bool
}

// NewTraceRecorder flushes to sink every batch rows. batch <= 0 means 256.
func NewTraceRecorder(sink Sink, batch int) *TraceRecorder {
	if batch <= 0 {
		batch = 256
	}
	mem := memory.NewGoAllocator()
	return &TraceRecorder{
		mem:     mem,
		sink:    sink,
		batch:   batch,
		builder: array.NewRecordBuilder(mem, TraceSchema),
	}
}

// Record appends one step, flushing when the batch is full.
func (r *TraceRecorder) Record(s generation.Step) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Errorf(errs.InvalidConfig, "trace.record", "recorder closed")
	}
	appendStep(r.builder, s)
	r.rows++
	if r.rows >= r.batch {
		return r.flushLocked()
	}
	return nil
}

// Flush writes any buffered steps.
func (r *TraceRecorder) Flush() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushLocked()
}

func (r *TraceRecorder) flushLocked() error {
	if r.rows == 0 {
		return nil
	}
	rec := r.builder.NewRecord()
	defer rec.Release()
	rows := r.rows
	r.rows = 0
	if err := r.sink.Write(rec); err != nil {
		return fmt.Errorf("trace export to %s: %w", r.sink.Name(), err)
	}
	r.total += rows
	metrics.RecordTraceExport(r.sink.Name(), rows)
	return nil
}

// Rows returns how many steps have reached the sink.
func (r *TraceRecorder) Rows() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}

// Close flushes and closes the sink.
func (r *TraceRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	err := r.flushLocked()
	r.builder.Release()
	if cerr := r.sink.Close(); err == nil {
		err = cerr
	}
	logger.Log.Debug("trace recorder closed", "sink", r.sink.Name(), "rows", r.total)
	return err
}
