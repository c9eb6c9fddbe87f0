// Package core implements the generation orchestrator: the state
// machine that owns the conversation transcript, drives the backend
// generation streams, dispatches their events, and recovers from
// failures with bounded automatic retries.
package core

import (
	"time"

	"partforge/pkg/events"
)

// Role identifies who authored a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of the conversation transcript.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// IsError marks a terminal failure message. FailedCode and
	// ErrorMessage carry what failed so the user can retry manually.
	IsError      bool
	FailedCode   string
	ErrorMessage string

	// RetryAttempt is set on automatic-fix announcements (1-based).
	RetryAttempt int

	// CodeUpdatedByAI marks messages whose generation replaced the
	// project code.
	CodeUpdatedByAI bool

	// HasSkippedSteps marks an iterative build that gave up on one or
	// more steps.
	HasSkippedSteps bool
}

// PartStatus is the lifecycle state of one multi-part card.
//
// Transitions are forward-only (pending, generating, then complete or
// failed); the single allowed backward transition is failed to
// generating, used by manual part retries.
type PartStatus string

const (
	PartPending    PartStatus = "pending"
	PartGenerating PartStatus = "generating"
	PartComplete   PartStatus = "complete"
	PartFailed     PartStatus = "failed"
)

func partRank(s PartStatus) int {
	switch s {
	case PartPending:
		return 0
	case PartGenerating:
		return 1
	default:
		return 2
	}
}

// canTransition reports whether moving from s to next respects the
// forward-only lifecycle.
func (s PartStatus) canTransition(next PartStatus) bool {
	if s == PartFailed && next == PartGenerating {
		return true
	}
	return partRank(next) > partRank(s)
}

// PartProgress is the live state of one planned sub-component.
type PartProgress struct {
	Index        int
	Spec         events.PartSpec
	Status       PartStatus
	StreamedText string
	Code         string
	StlBase64    string
	Error        string
}

// StepStatus is the lifecycle state of one iterative build step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepGenerating StepStatus = "generating"
	StepComplete   StepStatus = "complete"
	StepRetrying   StepStatus = "retrying"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// StepProgress is the live state of one iterative build step.
type StepProgress struct {
	Step      events.BuildStep
	Status    StepStatus
	Attempt   int
	StlBase64 string
	Error     string
}

// CandidateProgress is the live state of one consensus candidate.
type CandidateProgress struct {
	Label            string
	Temperature      float32
	Status           string
	HasCode          *bool
	ExecutionSuccess *bool
}

// ConfidenceData is the client-side confidence estimate for the current
// generation, seeded by the backend's assessment and adjusted as
// review and validation outcomes arrive.
type ConfidenceData struct {
	Score           int
	Level           string
	Message         string
	CookbookMatches []string
}

// HistoryEntry is the record handed to the Recorder at session
// teardown.
type HistoryEntry struct {
	Prompt          string
	Code            string
	StlBase64       string
	Success         bool
	Error           string
	Provider        string
	Model           string
	Duration        time.Duration
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CostUSD         float64
	ConfidenceScore int
	ConfidenceLevel string
	GenerationType  string
	RetryCount      int
}

// Recorder persists one entry per finished generation session.
type Recorder interface {
	Record(entry HistoryEntry) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(HistoryEntry) error

func (f RecorderFunc) Record(entry HistoryEntry) error { return f(entry) }

type nopRecorder struct{}

func (nopRecorder) Record(HistoryEntry) error { return nil }

// Listener observes orchestrator state changes. Implementations must
// not call back into the Orchestrator: notifications are delivered
// while its internal lock is held.
type Listener interface {
	TranscriptChanged(messages []Message)
	PartsChanged(parts []PartProgress)
	StepsChanged(steps []StepProgress)
	CandidatesChanged(candidates []CandidateProgress)
	ConfidenceChanged(confidence ConfidenceData)

	// PlanTicking fires once per second while the backend is planning.
	PlanTicking(status string, elapsed time.Duration)
	PlanPendingApproval(planText string)
	ClarificationRequested(questions []string)

	DiffAvailable(diff events.CodeDiff)

	// ModelReady delivers a produced mesh. validated reports whether
	// the backend's validation pipeline signed off on it.
	ModelReady(stlBase64 string, validated bool)

	// AssemblyImported delivers per-part meshes for component-wise
	// import. complete is false when only a subset of parts produced
	// geometry.
	AssemblyImported(parts []PartProgress, complete bool)
}

// NopListener discards every notification. Embed it to implement only
// the callbacks you care about.
type NopListener struct{}

func (NopListener) TranscriptChanged([]Message)                 {}
func (NopListener) PartsChanged([]PartProgress)                 {}
func (NopListener) StepsChanged([]StepProgress)                 {}
func (NopListener) CandidatesChanged([]CandidateProgress)       {}
func (NopListener) ConfidenceChanged(ConfidenceData)            {}
func (NopListener) PlanTicking(string, time.Duration)           {}
func (NopListener) PlanPendingApproval(string)                  {}
func (NopListener) ClarificationRequested([]string)             {}
func (NopListener) DiffAvailable(events.CodeDiff)               {}
func (NopListener) ModelReady(string, bool)                     {}
func (NopListener) AssemblyImported([]PartProgress, bool)       {}

// Ticker abstracts time.Ticker so tests can drive the planning status
// timer deterministically.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// Clock abstracts wall time for the orchestrator.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewTicker(d time.Duration) Ticker {
	return &systemTicker{t: time.NewTicker(d)}
}

type systemTicker struct{ t *time.Ticker }

func (s *systemTicker) C() <-chan time.Time { return s.t.C }
func (s *systemTicker) Stop()               { s.t.Stop() }
