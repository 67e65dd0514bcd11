package arrow_client

import (
	"sync"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/23skdu/corellm/internal/generation"
)

// MemorySink keeps decoded steps in memory.
type MemorySink struct {
	mu      sync.RWMutex
	steps   []generation.Step
	batches int
	closed  bool
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Name() string { return "memory" }

func (m *MemorySink) Write(rec arrow.Record) error {
	steps, err := RecordToSteps(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, steps...)
	m.batches++
	return nil
}

func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Steps returns a copy of everything written so far.
func (m *MemorySink) Steps() []generation.Step {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]generation.Step(nil), m.steps...)
}

func (m *MemorySink) Batches() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.batches
}

func (m *MemorySink) Closed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
