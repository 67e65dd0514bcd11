package arrow_client

import (
	"fmt"
	"os"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/corellm/internal/generation"
)

// FileSink writes trace batches to an Arrow IPC file.
type FileSink struct {
	f *os.File
	w *ipc.FileWriter
}

func NewFileSink(path string) (*FileSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(TraceSchema), ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create IPC writer: %w", err)
	}
	return &FileSink{f: f, w: w}, nil
}

func (s *FileSink) Name() string                 { return "file" }
func (s *FileSink) Write(rec arrow.Record) error { return s.w.Write(rec) }

// Close writes the file footer.
func (s *FileSink) Close() error {
	err := s.w.Close()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// ReadTraceFile loads every step from a file written by FileSink.
func ReadTraceFile(path string) ([]generation.Step, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	defer r.Close()

	var out []generation.Step
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return nil, err
		}
		steps, err := RecordToSteps(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, steps...)
	}
	return out, nil
}
