// Package backend defines the contract with the native code-generation
// service and a websocket client implementing it. The orchestrator only
// ever talks to the Service interface; tests substitute a mock.
package backend

import (
	"context"

	"partforge/pkg/events"
)

// EventFunc receives one streamed event. Callbacks are invoked in
// arrival order, one at a time.
type EventFunc func(events.Event)

// DeltaFunc receives one streamed text fragment.
type DeltaFunc func(delta string, done bool)

// UsageFunc receives token usage for a completed stream.
type UsageFunc func(usage events.TokenUsage)

// ChatMessage is one turn of conversation history sent to the backend.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ExecutionResult is the outcome of running generated code in the
// geometry kernel.
type ExecutionResult struct {
	Success   bool   `json:"success"`
	StlBase64 string `json:"stl_base64,omitempty"`
	Stderr    string `json:"stderr,omitempty"`
}

// AutoRetryResult is the outcome of one AI fix attempt.
type AutoRetryResult struct {
	NewCode    string `json:"new_code,omitempty"`
	AIResponse string `json:"ai_response"`
	Attempt    int    `json:"attempt"`
	Success    bool   `json:"success"`
}

// Service is the async collaborator boundary of the generation
// orchestrator. Every method blocks until its stream terminates,
// invoking the callback for each intermediate event.
type Service interface {
	// GenerateParallel runs the full generation pipeline in one call.
	// Used for the modification path and the legacy single-call flow.
	GenerateParallel(ctx context.Context, prompt string, history []ChatMessage, existingCode string, onEvent EventFunc) (string, error)

	// GenerateDesignPlan produces a natural-language geometry plan
	// without generating code.
	GenerateDesignPlan(ctx context.Context, prompt string, history []ChatMessage, onEvent EventFunc) (*events.DesignPlanResult, error)

	// GenerateFromPlan generates code from an approved plan.
	GenerateFromPlan(ctx context.Context, planText, userRequest string, history []ChatMessage, existingCode string, onEvent EventFunc) (string, error)

	// ExecuteCode runs code in the geometry kernel and returns the
	// produced mesh or the failure output.
	ExecuteCode(ctx context.Context, code string) (*ExecutionResult, error)

	// AutoRetry asks the AI to fix failing code given the error output.
	AutoRetry(ctx context.Context, failedCode, errorMessage string, history []ChatMessage, attempt int, onDelta DeltaFunc) (*AutoRetryResult, error)

	// SendMessageStreaming is plain conversational chat with no CAD
	// pipeline attached.
	SendMessageStreaming(ctx context.Context, text string, history []ChatMessage, onDelta DeltaFunc, onUsage UsageFunc) (string, error)

	// RetrySkippedSteps re-attempts the steps an iterative build gave
	// up on, layering them onto the current code.
	RetrySkippedSteps(ctx context.Context, code string, skipped []events.SkippedStep, planText, userRequest string, onEvent EventFunc) (string, error)

	// RetryPart regenerates a single failed part of a multi-part
	// design. Progress is reported via events only.
	RetryPart(ctx context.Context, index int, part events.PartSpec, planText, userRequest string, onEvent EventFunc) error
}
