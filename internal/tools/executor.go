package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler serves one tool. Input has already passed schema validation.
// A returned error becomes a failed result; it never aborts the run.
type Handler interface {
	Handle(ctx context.Context, input map[string]any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, input map[string]any) (any, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, input map[string]any) (any, error) {
	return f(ctx, input)
}

// ToolResult is the outcome of one tool call. CallID echoes the
// originating ToolCall.ID. Results are never mutated after creation.
type ToolResult struct {
	CallID   string        `json:"call_id"`
	ToolName string        `json:"tool_name"`
	Payload  any           `json:"payload"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration"`

	// Err is the typed cause when IsError is set.
	Err error `json:"-"`
}

// Content renders the payload as JSON text for the model.
func (r ToolResult) Content() string {
	if s, ok := r.Payload.(string); ok {
		return s
	}
	b, err := json.Marshal(r.Payload)
	if err != nil {
		return fmt.Sprintf("%v", r.Payload)
	}
	return string(b)
}

// ErrorResult builds a failed result for call carrying err.
func ErrorResult(call ToolCall, err error) ToolResult {
	return ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Payload:  map[string]any{"error": err.Error()},
		IsError:  true,
		Err:      err,
	}
}

// Executor runs validated tool calls against the registry's handlers.
type Executor struct {
	registry       *Registry
	logger         *slog.Logger
	maxConcurrency int
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithMaxConcurrency caps concurrent handlers in ExecuteBatch. Zero
// or negative means no cap.
func WithMaxConcurrency(n int) ExecutorOption {
	return func(e *Executor) { e.maxConcurrency = n }
}

// NewExecutor creates an executor bound to reg.
func NewExecutor(reg *Registry, logger *slog.Logger, opts ...ExecutorOption) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{registry: reg, logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Execute runs one call. Handler errors and panics come back as a
// failed ToolResult wrapping *ToolExecutionError. There are no retries.
func (e *Executor) Execute(ctx context.Context, call ToolCall) (result ToolResult) {
	ent, ok := e.registry.lookup(call.Name)
	if !ok {
		return ErrorResult(call, &ToolNotFoundError{Name: call.Name})
	}

	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("tool handler panicked",
				"tool", call.Name,
				"call_id", call.ID,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			result = ErrorResult(call, &ToolExecutionError{Tool: call.Name, Err: fmt.Errorf("panic: %v", p)})
		}
		result.Duration = time.Since(start)
	}()

	payload, err := ent.handler.Handle(ctx, call.Input)
	if err != nil {
		e.logger.Warn("tool failed", "tool", call.Name, "call_id", call.ID, "error", err)
		return ErrorResult(call, &ToolExecutionError{Tool: call.Name, Err: err})
	}

	e.logger.Debug("tool executed", "tool", call.Name, "call_id", call.ID)
	return ToolResult{
		CallID:   call.ID,
		ToolName: call.Name,
		Payload:  payload,
	}
}

// ExecuteBatch runs calls concurrently and returns their results in
// request order, whatever order they finish in.
func (e *Executor) ExecuteBatch(ctx context.Context, calls []ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))

	var sem chan struct{}
	if e.maxConcurrency > 0 {
		sem = make(chan struct{}, e.maxConcurrency)
	}

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if sem != nil {
				sem <- struct{}{}
				defer func() { <-sem }()
			}
			results[i] = e.Execute(ctx, call)
		}()
	}
	wg.Wait()

	return results
}
