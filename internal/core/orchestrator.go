package core

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"partforge/internal/backend"
	"partforge/internal/config"
	"partforge/pkg/events"
)

// DefaultProjectCode is the starter script a fresh project opens with.
// Code equal to it is treated as "no existing design" when choosing a
// generation strategy.
const DefaultProjectCode = "from build123d import *\n\nresult = Box(10, 10, 10)\n"

var (
	// ErrBusy is returned when a generation is already in flight.
	ErrBusy = errors.New("a generation is already in flight")
	// ErrNoPendingPlan is returned by plan approval operations when no
	// plan is awaiting a decision.
	ErrNoPendingPlan = errors.New("no plan awaiting approval")
	// ErrNoSkippedSteps is returned when there is nothing to re-attempt.
	ErrNoSkippedSteps = errors.New("no skipped steps to retry")
	// ErrNoPendingClarification is returned when the backend did not ask
	// any clarifying questions.
	ErrNoPendingClarification = errors.New("no clarification pending")
)

// pendingPlan is a design plan parked at the approval gate.
type pendingPlan struct {
	id       int64
	planText string
	prompt   string
}

// Orchestrator owns the conversation transcript and all generation
// session state. All exported methods are safe for concurrent use.
type Orchestrator struct {
	mu sync.Mutex

	cfg      config.GenerationConfig
	backend  backend.Service
	recorder Recorder
	listener Listener
	clock    Clock
	logger   *slog.Logger

	provider string
	model    string

	// generationID fences async continuations: every callback carries
	// the id of the session that spawned it and is dropped when a newer
	// session has superseded it.
	generationID int64
	streaming    bool

	projectCode string

	messages  []Message
	activeIdx int

	parts      []PartProgress
	steps      []StepProgress
	candidates []CandidateProgress

	confidence *ConfidenceData
	lastDiff   *events.CodeDiff

	planText         string
	pendingPlan      *pendingPlan
	pendingQuestions []string
	skippedSteps     []events.SkippedStep

	// per-session working state, reset by beginSessionLocked
	lastPrompt     string
	singleBuf      string
	finalCode      string
	finalStl       string
	doneInfo       *events.Done
	usage          *events.TokenUsage
	lastCode       string
	lastStl        string
	lastError      string
	retryCount     int
	imported       bool
	recorded       bool
	generationType string
	startedAt      time.Time

	planTicker   Ticker
	planTickStop chan struct{}
	planStatus   string
	planStarted  time.Time
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With("component", "orchestrator")
	}
}

// WithListener sets the state-change observer.
func WithListener(l Listener) Option {
	return func(o *Orchestrator) { o.listener = l }
}

// WithRecorder sets the history recorder.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithClock substitutes the time source, used by tests.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithProviderInfo records which provider and model serve the backend,
// stored alongside each history entry.
func WithProviderInfo(provider, model string) Option {
	return func(o *Orchestrator) {
		o.provider = provider
		o.model = model
	}
}

// New creates an Orchestrator talking to svc.
func New(cfg config.GenerationConfig, svc backend.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:         cfg,
		backend:     svc,
		recorder:    nopRecorder{},
		listener:    NopListener{},
		clock:       systemClock{},
		logger:      slog.Default().With("component", "orchestrator"),
		projectCode: DefaultProjectCode,
		activeIdx:   -1,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SetProjectCode replaces the current project script, e.g. after the
// user edits it by hand.
func (o *Orchestrator) SetProjectCode(code string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.projectCode = code
}

// ProjectCode returns the current project script.
func (o *Orchestrator) ProjectCode() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.projectCode
}

// Streaming reports whether a generation session is in flight.
func (o *Orchestrator) Streaming() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.streaming
}

// Transcript returns a copy of the conversation messages.
func (o *Orchestrator) Transcript() []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]Message(nil), o.messages...)
}

// Parts returns a copy of the multi-part progress cards.
func (o *Orchestrator) Parts() []PartProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]PartProgress(nil), o.parts...)
}

// Steps returns a copy of the iterative build steps.
func (o *Orchestrator) Steps() []StepProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]StepProgress(nil), o.steps...)
}

// Candidates returns a copy of the consensus candidates.
func (o *Orchestrator) Candidates() []CandidateProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]CandidateProgress(nil), o.candidates...)
}

// Confidence returns the current confidence estimate, if any.
func (o *Orchestrator) Confidence() (ConfidenceData, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.confidence == nil {
		return ConfidenceData{}, false
	}
	return *o.confidence, true
}

// PendingPlan returns the plan text awaiting approval, if any.
func (o *Orchestrator) PendingPlan() (string, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pendingPlan == nil {
		return "", false
	}
	return o.pendingPlan.planText, true
}

// PendingClarifications returns the backend's open questions, if any.
func (o *Orchestrator) PendingClarifications() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.pendingQuestions...)
}

// SkippedSteps returns the steps the last iterative build gave up on.
func (o *Orchestrator) SkippedSteps() []events.SkippedStep {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]events.SkippedStep(nil), o.skippedSteps...)
}

// LastDiff returns the diff of the last modification, if any.
func (o *Orchestrator) LastDiff() (events.CodeDiff, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.lastDiff == nil {
		return events.CodeDiff{}, false
	}
	return *o.lastDiff, true
}

func (o *Orchestrator) isCurrentLocked(id int64) bool {
	return id == o.generationID
}

// eventSink returns the event callback for session id. Events from
// superseded sessions are dropped by dispatch.
func (o *Orchestrator) eventSink(id int64) backend.EventFunc {
	return func(ev events.Event) { o.dispatch(id, ev) }
}

// deltaSink returns a text-delta callback appending to the active
// assistant message, fenced by session id.
func (o *Orchestrator) deltaSink(id int64) backend.DeltaFunc {
	return func(delta string, done bool) {
		if done {
			return
		}
		o.mu.Lock()
		defer o.mu.Unlock()
		if !o.isCurrentLocked(id) {
			return
		}
		o.appendDeltaLocked(delta)
	}
}
