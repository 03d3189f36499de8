package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/target/mmk-jobs/internal/domain/model"
)

// ErrNoProcessor is returned when a job type has no registered processor.
var ErrNoProcessor = errors.New("no processor registered for job type")

// ProcessorFunc executes one attempt of a job. The returned result is stored
// on the record when the attempt succeeds.
type ProcessorFunc func(ctx context.Context, in model.ProcessorInput) (json.RawMessage, error)

// PanicError wraps a value recovered from a panicking processor.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("processor panic: %v", e.Value)
}

// ProcessorRegistry maps job types to processors. It is built once at startup
// and read concurrently by the worker pool.
type ProcessorRegistry struct {
	mu         sync.RWMutex
	processors map[model.JobType]ProcessorFunc
}

// NewProcessorRegistry returns an empty registry.
func NewProcessorRegistry() *ProcessorRegistry {
	return &ProcessorRegistry{processors: make(map[model.JobType]ProcessorFunc)}
}

// Register binds fn to jobType. A type can only be registered once.
func (r *ProcessorRegistry) Register(jobType model.JobType, fn ProcessorFunc) error {
	if !jobType.Valid() {
		return fmt.Errorf("%w: %q", model.ErrInvalidJobType, jobType)
	}
	if fn == nil {
		return fmt.Errorf("processor for %s is nil", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.processors[jobType]; exists {
		return fmt.Errorf("processor for %s already registered", jobType)
	}
	r.processors[jobType] = fn
	return nil
}

// Lookup returns the processor for jobType.
func (r *ProcessorRegistry) Lookup(jobType model.JobType) (ProcessorFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.processors[jobType]
	return fn, ok
}

// Types returns the registered job types in sorted order.
func (r *ProcessorRegistry) Types() []model.JobType {
	r.mu.RLock()
	types := make([]model.JobType, 0, len(r.processors))
	for t := range r.processors {
		types = append(types, t)
	}
	r.mu.RUnlock()
	slices.Sort(types)
	return types
}

// Invoke runs the processor for in.Type. A panic inside the processor is
// returned as a *PanicError.
func (r *ProcessorRegistry) Invoke(ctx context.Context, in model.ProcessorInput) (result json.RawMessage, err error) {
	fn, ok := r.Lookup(in.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoProcessor, in.Type)
	}

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &PanicError{Value: rec, Stack: debug.Stack()}
		}
	}()
	return fn(ctx, in)
}

// EchoProcessor returns the job payload as its result. It backs smoke tests
// and the PROCESSORS_ECHO_TYPES setting.
func EchoProcessor(_ context.Context, in model.ProcessorInput) (json.RawMessage, error) {
	if len(in.Payload) == 0 {
		return json.RawMessage(`{}`), nil
	}
	out := make(json.RawMessage, len(in.Payload))
	copy(out, in.Payload)
	return out, nil
}
