// Package agent implements the clinical-trial matching agent loop: a
// model plans the task by requesting tools until it produces a final
// answer or runs out of iterations.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/trialmatch/internal/events"
	"github.com/nugget/trialmatch/internal/llm"
	"github.com/nugget/trialmatch/internal/prompts"
	"github.com/nugget/trialmatch/internal/tools"
)

// DefaultMaxIterations is the iteration ceiling when Options leaves it unset.
const DefaultMaxIterations = 10

// Options tune a Loop.
type Options struct {
	// MaxIterations is the hard ceiling on model calls per run.
	MaxIterations int

	// ParallelTools runs the tool calls of one turn concurrently. The
	// results still enter the conversation in request order.
	ParallelTools bool

	Model       string
	MaxTokens   int
	Temperature float64
}

// Loop runs matching tasks. A Loop holds no per-run state and may run
// any number of tasks concurrently.
type Loop struct {
	logger   *slog.Logger
	client   llm.Client
	registry *tools.Registry
	executor *tools.Executor
	emitter  *events.Emitter
	opts     Options
	system   string

	now   func() time.Time
	newID func() string
}

// NewLoop creates a loop. emitter may be nil when nobody observes runs.
func NewLoop(logger *slog.Logger, client llm.Client, registry *tools.Registry, executor *tools.Executor, emitter *events.Emitter, opts Options) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 4096
	}
	return &Loop{
		logger:   logger,
		client:   client,
		registry: registry,
		executor: executor,
		emitter:  emitter,
		opts:     opts,
		system:   prompts.SystemPrompt(),
		now:      time.Now,
		newID:    newRunID,
	}
}

func newRunID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// run is the mutable state of one task.
type run struct {
	id     string
	conv   *Conversation
	out    *Outcome
	logger *slog.Logger
}

// Run executes one matching task and always returns an Outcome. It
// never returns a nil Outcome and never panics on model or tool faults.
//
// Cancelling ctx stops the run at the next iteration boundary. A tool
// batch already in flight is allowed to finish first.
func (l *Loop) Run(ctx context.Context, criteria PatientCriteria) *Outcome {
	out := &Outcome{
		PatientID: criteria.PatientID,
		Criteria:  criteria,
		Model:     l.opts.Model,
		StartedAt: l.now(),
	}

	if err := criteria.Validate(); err != nil {
		return l.reject(out, err)
	}
	task, err := prompts.TaskPrompt(criteria)
	if err != nil {
		return l.reject(out, &TaskInputError{Field: "criteria", Reason: err.Error()})
	}

	r := &run{
		id:   l.newID(),
		conv: NewConversation(task),
		out:  out,
	}
	out.RunID = r.id
	r.logger = l.logger.With("run_id", r.id, "patient_id", criteria.PatientID)

	r.logger.Info("search started",
		"model", l.opts.Model,
		"conditions", criteria.Conditions,
		"max_iterations", l.opts.MaxIterations,
	)
	l.emit(r, events.Event{
		Kind:    events.KindStart,
		Content: fmt.Sprintf("Starting trial search for patient %s", criteria.PatientID),
		Data: map[string]any{
			"patient_id":     criteria.PatientID,
			"criteria":       criteria,
			"model":          l.opts.Model,
			"max_iterations": l.opts.MaxIterations,
		},
	})

	specs := l.registry.Specs()

	for iteration := 1; iteration <= l.opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return l.cancel(r, err)
		}
		out.Iterations = iteration

		l.emit(r, events.Event{
			Kind:      events.KindIteration,
			Iteration: iteration,
			Content:   fmt.Sprintf("Starting iteration %d", iteration),
		})
		r.logger.Debug("calling model", "iteration", iteration, "messages", r.conv.Len())

		resp, err := l.client.Infer(ctx, llm.Request{
			Model:       l.opts.Model,
			System:      l.system,
			Tools:       specs,
			Messages:    r.conv.Messages(),
			MaxTokens:   l.opts.MaxTokens,
			Temperature: l.opts.Temperature,
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return l.cancel(r, ctxErr)
			}
			return l.fail(r, StatusFailed, &InferenceError{Iteration: iteration, Err: err})
		}
		out.InputTokens += resp.InputTokens
		out.OutputTokens += resp.OutputTokens

		if resp.Terminal() {
			// Every text fragment of the final turn, preamble included,
			// becomes part of the answer.
			r.conv.AppendAssistantTurn(resp.Blocks)
			return l.succeed(r, strings.Join(resp.Texts(), "\n\n"))
		}

		// Tool results are committed even if ctx is cancelled mid-batch.
		results := l.dispatch(context.WithoutCancel(ctx), r, iteration, resp.Blocks)

		r.conv.AppendAssistantTurn(resp.Blocks)
		if err := r.conv.AppendToolResults(results); err != nil {
			return l.fail(r, StatusFailed, fmt.Errorf("record tool results: %w", err))
		}
	}

	if err := ctx.Err(); err != nil {
		return l.cancel(r, err)
	}
	return l.fail(r, StatusLimit, ErrIterationLimit)
}

// dispatch walks the turn's blocks in order. Text becomes a thinking
// event; each tool request is validated, executed, and reported. The
// returned results line up with the turn's tool requests.
func (l *Loop) dispatch(ctx context.Context, r *run, iteration int, blocks []llm.Block) []tools.ToolResult {
	var results []tools.ToolResult
	var pending []tools.ToolCall
	var slots []int

	for _, b := range blocks {
		switch b.Kind {
		case llm.BlockText:
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			l.emit(r, events.Event{Kind: events.KindThinking, Iteration: iteration, Content: b.Text})

		case llm.BlockToolUse:
			call, rejected := l.prepare(*b.ToolUse, iteration)
			l.emit(r, events.Event{
				Kind:      events.KindToolCall,
				Iteration: iteration,
				ToolName:  call.Name,
				CallID:    call.ID,
				Content:   fmt.Sprintf("Calling %s", call.Name),
				Data:      map[string]any{"input": call.Input},
			})

			if rejected != nil {
				r.logger.Info("tool call rejected", "tool", call.Name, "error", rejected.Err)
				results = append(results, *rejected)
				if !l.opts.ParallelTools {
					l.emitResult(r, iteration, *rejected)
				}
				continue
			}

			if l.opts.ParallelTools {
				slots = append(slots, len(results))
				pending = append(pending, call)
				results = append(results, tools.ToolResult{})
				continue
			}

			res := l.executor.Execute(ctx, call)
			results = append(results, res)
			l.emitResult(r, iteration, res)
		}
	}

	if l.opts.ParallelTools {
		for i, res := range l.executor.ExecuteBatch(ctx, pending) {
			results[slots[i]] = res
		}
		for _, res := range results {
			l.emitResult(r, iteration, res)
		}
	}

	return results
}

// prepare validates a tool request. When validation fails it returns a
// failed result to feed back to the model instead.
func (l *Loop) prepare(req llm.ToolRequest, iteration int) (tools.ToolCall, *tools.ToolResult) {
	call, err := l.registry.Validate(req.Name, req.Input)
	if err != nil {
		call = tools.ToolCall{Name: req.Name, Input: req.Input}
	}
	call.ID = req.ID
	call.Iteration = iteration
	if err != nil {
		res := tools.ErrorResult(call, err)
		return call, &res
	}
	return call, nil
}

func (l *Loop) emitResult(r *run, iteration int, res tools.ToolResult) {
	content := res.Content()
	data := map[string]any{
		"ok":          !res.IsError,
		"chars":       len(content),
		"duration_ms": res.Duration.Milliseconds(),
	}
	if res.IsError {
		data["error"] = res.Err.Error()
	}
	l.emit(r, events.Event{
		Kind:      events.KindToolResult,
		Iteration: iteration,
		ToolName:  res.ToolName,
		CallID:    res.CallID,
		Content:   fmt.Sprintf("Returned %d chars", len(content)),
		Data:      data,
	})
}

func (l *Loop) emit(r *run, e events.Event) {
	e.RunID = r.id
	l.emitter.Emit(e)
}

func (l *Loop) reject(out *Outcome, err error) *Outcome {
	l.logger.Warn("search rejected", "patient_id", out.PatientID, "error", err)
	out.Status = StatusRejected
	out.Error = err.Error()
	out.Err = err
	out.FinishedAt = l.now()
	return out
}

func (l *Loop) succeed(r *run, answer string) *Outcome {
	out := r.out
	out.Status = StatusSucceeded
	out.Success = true
	out.FinalResponse = answer
	out.Messages = r.conv.Messages()
	out.FinishedAt = l.now()

	r.logger.Info("search completed",
		"iterations", out.Iterations,
		"input_tokens", out.InputTokens,
		"output_tokens", out.OutputTokens,
		"elapsed", out.Duration(),
	)
	l.emit(r, events.Event{
		Kind:      events.KindComplete,
		Iteration: out.Iterations,
		Content:   answer,
		Data: map[string]any{
			"iterations":    out.Iterations,
			"input_tokens":  out.InputTokens,
			"output_tokens": out.OutputTokens,
		},
	})
	return out
}

func (l *Loop) cancel(r *run, cause error) *Outcome {
	return l.fail(r, StatusCancelled, fmt.Errorf("%w: %w", ErrCancelled, cause))
}

func (l *Loop) fail(r *run, status Status, err error) *Outcome {
	out := r.out
	out.Status = status
	out.Error = err.Error()
	out.Err = err
	out.Messages = r.conv.Messages()
	out.FinishedAt = l.now()

	r.logger.Error("search failed",
		"status", status,
		"iterations", out.Iterations,
		"error", err,
	)
	l.emit(r, events.Event{
		Kind:      events.KindError,
		Iteration: out.Iterations,
		Content:   out.Error,
		Data:      map[string]any{"status": string(status)},
	})
	return out
}
