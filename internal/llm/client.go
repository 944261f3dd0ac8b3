// Package llm provides model inference clients for the agent loop.
package llm

import (
	"context"
	"log/slog"
)

// Client is the interface that all model providers must implement.
//
// Infer performs exactly one inference call. Implementations must not
// retry internally: a failed call is reported to the caller, which
// decides whether the run survives it.
type Client interface {
	// Infer sends the full conversation and returns the model's turn.
	Infer(ctx context.Context, req Request) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)
