package core

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partforge/internal/backend"
	"partforge/internal/config"
	"partforge/pkg/events"
)

// mockService substitutes the backend with per-method function fields.
type mockService struct {
	mu    sync.Mutex
	calls []string

	generateParallelFn   func(ctx context.Context, prompt string, history []backend.ChatMessage, existing string, onEvent backend.EventFunc) (string, error)
	generateDesignPlanFn func(ctx context.Context, prompt string, history []backend.ChatMessage, onEvent backend.EventFunc) (*events.DesignPlanResult, error)
	generateFromPlanFn   func(ctx context.Context, planText, userRequest string, history []backend.ChatMessage, existing string, onEvent backend.EventFunc) (string, error)
	executeCodeFn        func(ctx context.Context, code string) (*backend.ExecutionResult, error)
	autoRetryFn          func(ctx context.Context, failedCode, errMsg string, history []backend.ChatMessage, attempt int, onDelta backend.DeltaFunc) (*backend.AutoRetryResult, error)
	sendMessageFn        func(ctx context.Context, text string, history []backend.ChatMessage, onDelta backend.DeltaFunc, onUsage backend.UsageFunc) (string, error)
	retrySkippedFn       func(ctx context.Context, code string, skipped []events.SkippedStep, planText, userRequest string, onEvent backend.EventFunc) (string, error)
	retryPartFn          func(ctx context.Context, index int, part events.PartSpec, planText, userRequest string, onEvent backend.EventFunc) error
}

func (m *mockService) record(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, name)
}

func (m *mockService) callCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.calls {
		if c == name {
			n++
		}
	}
	return n
}

func (m *mockService) GenerateParallel(ctx context.Context, prompt string, history []backend.ChatMessage, existing string, onEvent backend.EventFunc) (string, error) {
	m.record("GenerateParallel")
	if m.generateParallelFn == nil {
		return "", nil
	}
	return m.generateParallelFn(ctx, prompt, history, existing, onEvent)
}

func (m *mockService) GenerateDesignPlan(ctx context.Context, prompt string, history []backend.ChatMessage, onEvent backend.EventFunc) (*events.DesignPlanResult, error) {
	m.record("GenerateDesignPlan")
	if m.generateDesignPlanFn == nil {
		return &events.DesignPlanResult{PlanText: "plan", IsValid: true}, nil
	}
	return m.generateDesignPlanFn(ctx, prompt, history, onEvent)
}

func (m *mockService) GenerateFromPlan(ctx context.Context, planText, userRequest string, history []backend.ChatMessage, existing string, onEvent backend.EventFunc) (string, error) {
	m.record("GenerateFromPlan")
	if m.generateFromPlanFn == nil {
		return "", nil
	}
	return m.generateFromPlanFn(ctx, planText, userRequest, history, existing, onEvent)
}

func (m *mockService) ExecuteCode(ctx context.Context, code string) (*backend.ExecutionResult, error) {
	m.record("ExecuteCode")
	if m.executeCodeFn == nil {
		return &backend.ExecutionResult{Success: true, StlBase64: "U1RM"}, nil
	}
	return m.executeCodeFn(ctx, code)
}

func (m *mockService) AutoRetry(ctx context.Context, failedCode, errMsg string, history []backend.ChatMessage, attempt int, onDelta backend.DeltaFunc) (*backend.AutoRetryResult, error) {
	m.record("AutoRetry")
	if m.autoRetryFn == nil {
		return &backend.AutoRetryResult{NewCode: "fixed", Attempt: attempt, Success: true}, nil
	}
	return m.autoRetryFn(ctx, failedCode, errMsg, history, attempt, onDelta)
}

func (m *mockService) SendMessageStreaming(ctx context.Context, text string, history []backend.ChatMessage, onDelta backend.DeltaFunc, onUsage backend.UsageFunc) (string, error) {
	m.record("SendMessageStreaming")
	if m.sendMessageFn == nil {
		return "", nil
	}
	return m.sendMessageFn(ctx, text, history, onDelta, onUsage)
}

func (m *mockService) RetrySkippedSteps(ctx context.Context, code string, skipped []events.SkippedStep, planText, userRequest string, onEvent backend.EventFunc) (string, error) {
	m.record("RetrySkippedSteps")
	if m.retrySkippedFn == nil {
		return "", nil
	}
	return m.retrySkippedFn(ctx, code, skipped, planText, userRequest, onEvent)
}

func (m *mockService) RetryPart(ctx context.Context, index int, part events.PartSpec, planText, userRequest string, onEvent backend.EventFunc) error {
	m.record("RetryPart")
	if m.retryPartFn == nil {
		return nil
	}
	return m.retryPartFn(ctx, index, part, planText, userRequest, onEvent)
}

var _ backend.Service = (*mockService)(nil)

// recListener records listener notifications for assertions.
type recListener struct {
	NopListener
	mu             sync.Mutex
	models         []string
	modelValidated []bool
	imports        []bool
	planPending    []string
	clarifications [][]string
	confidences    []ConfidenceData
	ticks          []time.Duration
	diffs          []events.CodeDiff
}

func (l *recListener) ModelReady(stl string, validated bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.models = append(l.models, stl)
	l.modelValidated = append(l.modelValidated, validated)
}

func (l *recListener) AssemblyImported(parts []PartProgress, complete bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.imports = append(l.imports, complete)
}

func (l *recListener) PlanPendingApproval(planText string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.planPending = append(l.planPending, planText)
}

func (l *recListener) ClarificationRequested(questions []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.clarifications = append(l.clarifications, questions)
}

func (l *recListener) ConfidenceChanged(c ConfidenceData) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.confidences = append(l.confidences, c)
}

func (l *recListener) PlanTicking(status string, elapsed time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ticks = append(l.ticks, elapsed)
}

func (l *recListener) DiffAvailable(diff events.CodeDiff) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.diffs = append(l.diffs, diff)
}

func (l *recListener) modelCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.models)
}

func (l *recListener) tickCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ticks)
}

// countRecorder counts and keeps recorded history entries.
type countRecorder struct {
	mu      sync.Mutex
	entries []HistoryEntry
}

func (r *countRecorder) Record(entry HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *countRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func testConfig() config.GenerationConfig {
	return config.GenerationConfig{
		MaxRetries: 3,
		Capabilities: config.Capabilities{
			MultiPart: true,
			Iterative: true,
			Consensus: true,
			PlanGate:  true,
		},
	}
}

type fixture struct {
	orch     *Orchestrator
	svc      *mockService
	listener *recListener
	recorder *countRecorder
}

func newFixture(cfg config.GenerationConfig, opts ...Option) *fixture {
	f := &fixture{
		svc:      &mockService{},
		listener: &recListener{},
		recorder: &countRecorder{},
	}
	all := append([]Option{
		WithListener(f.listener),
		WithRecorder(f.recorder),
	}, opts...)
	f.orch = New(cfg, f.svc, all...)
	return f
}

func strPtr(s string) *string { return &s }

func TestModificationPathSkipsPlanGate(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("from build123d import *\nresult = Cylinder(5, 20)")

	var gotExisting string
	f.svc.generateParallelFn = func(_ context.Context, prompt string, _ []backend.ChatMessage, existing string, onEvent backend.EventFunc) (string, error) {
		gotExisting = existing
		onEvent(&events.ModificationDetected{IntentSummary: "add a hole"})
		onEvent(&events.CodeDiff{Additions: 2, Deletions: 1, DiffLines: []events.DiffLine{{Tag: "insert", Text: "Hole(2)"}}})
		onEvent(&events.FinalCode{Code: "result = modified", StlBase64: strPtr("U1RM")})
		onEvent(&events.Done{Success: true, Validated: true})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "add a hole"))

	assert.Equal(t, 0, f.svc.callCount("GenerateDesignPlan"))
	assert.Equal(t, 1, f.svc.callCount("GenerateParallel"))
	assert.Contains(t, gotExisting, "Cylinder(5, 20)")

	// The backend already validated; no local execution happens.
	assert.Equal(t, 0, f.svc.callCount("ExecuteCode"))
	require.Equal(t, 1, f.listener.modelCount())
	assert.True(t, f.listener.modelValidated[0])
	require.Len(t, f.listener.diffs, 1)
	assert.Equal(t, 2, f.listener.diffs[0].Additions)

	require.Equal(t, 1, f.recorder.count())
	entry := f.recorder.entries[0]
	assert.Equal(t, "modification", entry.GenerationType)
	assert.True(t, entry.Success)
	assert.Equal(t, "result = modified", entry.Code)
}

func TestFreshProjectParksAtPlanGate(t *testing.T) {
	f := newFixture(testConfig())

	f.svc.generateDesignPlanFn = func(_ context.Context, _ string, _ []backend.ChatMessage, onEvent backend.EventFunc) (*events.DesignPlanResult, error) {
		onEvent(&events.DesignPlan{PlanText: "1. base\n2. post"})
		return &events.DesignPlanResult{PlanText: "1. base\n2. post", IsValid: true}, nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a table"))

	assert.False(t, f.orch.Streaming())
	assert.Equal(t, 0, f.svc.callCount("GenerateFromPlan"))
	plan, pending := f.orch.PendingPlan()
	require.True(t, pending)
	assert.Equal(t, "1. base\n2. post", plan)
	require.Len(t, f.listener.planPending, 1)

	// Nothing is recorded while parked at the gate.
	assert.Equal(t, 0, f.recorder.count())

	var gotPlan string
	f.svc.generateFromPlanFn = func(_ context.Context, planText, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		gotPlan = planText
		onEvent(&events.FinalCode{Code: "result = table", StlBase64: strPtr("U1RM")})
		onEvent(&events.Done{Success: true, Validated: true})
		return "", nil
	}

	require.NoError(t, f.orch.ApprovePlan(context.Background(), "1. base\n2. post\n3. brace"))

	assert.Equal(t, "1. base\n2. post\n3. brace", gotPlan)
	require.Equal(t, 1, f.listener.modelCount())
	assert.True(t, f.listener.modelValidated[0])
	assert.Equal(t, 1, f.recorder.count())
	assert.False(t, f.orch.Streaming())

	_, pending = f.orch.PendingPlan()
	assert.False(t, pending)
}

func TestAutoApprovePlanSkipsGate(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApprovePlan = true
	f := newFixture(cfg)

	f.svc.generateFromPlanFn = func(_ context.Context, _, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = x", StlBase64: strPtr("U1RM")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a bracket"))

	assert.Equal(t, 1, f.svc.callCount("GenerateDesignPlan"))
	assert.Equal(t, 1, f.svc.callCount("GenerateFromPlan"))
	assert.Empty(t, f.listener.planPending)
	assert.Equal(t, 1, f.recorder.count())
}

func TestRejectPlanClosesSession(t *testing.T) {
	f := newFixture(testConfig())

	require.NoError(t, f.orch.Send(context.Background(), "a table"))
	_, pending := f.orch.PendingPlan()
	require.True(t, pending)

	require.NoError(t, f.orch.RejectPlan())

	_, pending = f.orch.PendingPlan()
	assert.False(t, pending)
	assert.False(t, f.orch.Streaming())
	assert.Equal(t, 0, f.svc.callCount("GenerateFromPlan"))
	assert.Error(t, f.orch.RejectPlan())
}

func TestClarificationRoundTrip(t *testing.T) {
	cfg := testConfig()
	cfg.AutoApprovePlan = true
	f := newFixture(cfg)

	var prompts []string
	f.svc.generateDesignPlanFn = func(_ context.Context, prompt string, _ []backend.ChatMessage, _ backend.EventFunc) (*events.DesignPlanResult, error) {
		prompts = append(prompts, prompt)
		if len(prompts) == 1 {
			return &events.DesignPlanResult{
				ClarificationQuestions: []string{"How tall?"},
			}, nil
		}
		return &events.DesignPlanResult{PlanText: "plan", IsValid: true}, nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))

	require.Len(t, f.listener.clarifications, 1)
	assert.Equal(t, []string{"How tall?"}, f.orch.PendingClarifications())
	assert.False(t, f.orch.Streaming())

	require.NoError(t, f.orch.AnswerClarifications(context.Background(), []string{"40cm"}))

	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[1], "a lamp")
	assert.Contains(t, prompts[1], "How tall?")
	assert.Contains(t, prompts[1], "40cm")
	assert.Empty(t, f.orch.PendingClarifications())
	assert.Equal(t, 2, f.svc.callCount("GenerateDesignPlan"))
}

func TestPlanGateDisabledGoesDirect(t *testing.T) {
	cfg := testConfig()
	cfg.Capabilities.PlanGate = false
	f := newFixture(cfg)

	require.NoError(t, f.orch.Send(context.Background(), "a cube"))

	assert.Equal(t, 0, f.svc.callCount("GenerateDesignPlan"))
	assert.Equal(t, 1, f.svc.callCount("GenerateParallel"))
}

func TestSendWhileStreamingReturnsBusy(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	started := make(chan struct{})
	release := make(chan struct{})
	f.svc.generateParallelFn = func(context.Context, string, []backend.ChatMessage, string, backend.EventFunc) (string, error) {
		close(started)
		<-release
		return "", nil
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.Send(context.Background(), "first") }()
	<-started

	assert.ErrorIs(t, f.orch.Send(context.Background(), "second"), ErrBusy)

	close(release)
	require.NoError(t, <-done)
}

func TestStaleCallbacksAreFenced(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	var sink backend.EventFunc
	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		sink = onEvent
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a cube"))
	require.NotNil(t, sink)

	f.orch.Stop()
	before := f.orch.Transcript()

	sink(&events.SingleDelta{Delta: "zombie text"})
	sink(&events.FinalCode{Code: "zombie code"})

	after := f.orch.Transcript()
	require.Equal(t, len(before), len(after))
	for _, m := range after {
		assert.NotContains(t, m.Content, "zombie")
	}
}

func TestStopPreservesTranscriptAndParts(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PlanResult{Plan: events.GenerationPlan{
			Mode:  "multi",
			Parts: []events.PartSpec{{Name: "base"}, {Name: "post"}},
		}})
		onEvent(&events.IterativeStart{TotalSteps: 2, Steps: []events.BuildStep{{Index: 0, Name: "s0"}, {Index: 1, Name: "s1"}}})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))
	require.Len(t, f.orch.Parts(), 2)

	f.orch.Stop()

	assert.Len(t, f.orch.Parts(), 2, "part cards survive cancellation")
	assert.Empty(t, f.orch.Steps(), "step progress is cleared")
	assert.NotEmpty(t, f.orch.Transcript())
}

func TestUnextractableResponseLandsAsText(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(context.Context, string, []backend.ChatMessage, string, backend.EventFunc) (string, error) {
		return "I cannot build that part, sorry.", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "impossible thing"))

	assert.Equal(t, 0, f.svc.callCount("ExecuteCode"))
	transcript := f.orch.Transcript()
	var found bool
	for _, m := range transcript {
		if strings.Contains(m.Content, "I cannot build that part") {
			found = true
		}
	}
	assert.True(t, found)
	assert.Equal(t, 0, f.recorder.count())
}

func TestPostStreamExtractionExecutes(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(context.Context, string, []backend.ChatMessage, string, backend.EventFunc) (string, error) {
		return "Here you go:\n```python\nresult = Box(3, 3, 3)\n```", nil
	}
	var executed string
	f.svc.executeCodeFn = func(_ context.Context, code string) (*backend.ExecutionResult, error) {
		executed = code
		return &backend.ExecutionResult{Success: true, StlBase64: "U1RM"}, nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a cube"))

	assert.Equal(t, "result = Box(3, 3, 3)", executed)
	require.Equal(t, 1, f.listener.modelCount())
	assert.False(t, f.listener.modelValidated[0], "locally executed code is unvalidated")
	assert.Equal(t, 1, f.recorder.count())
}

func TestChatRecordsNoHistory(t *testing.T) {
	f := newFixture(testConfig())

	f.svc.sendMessageFn = func(_ context.Context, _ string, _ []backend.ChatMessage, onDelta backend.DeltaFunc, onUsage backend.UsageFunc) (string, error) {
		onDelta("hello ", false)
		onDelta("there", false)
		onUsage(events.TokenUsage{Phase: "total", TotalTokens: 12})
		return "hello there", nil
	}

	require.NoError(t, f.orch.Chat(context.Background(), "hi"))

	assert.Equal(t, 0, f.recorder.count())
	transcript := f.orch.Transcript()
	require.NotEmpty(t, transcript)
	assert.Equal(t, "hello there", transcript[len(transcript)-1].Content)
}

func TestHistoryRecordedExactlyOncePerSession(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = a", StlBase64: strPtr("U1RM")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "one"))
	require.NoError(t, f.orch.Send(context.Background(), "two"))

	assert.Equal(t, 2, f.recorder.count())
	for _, e := range f.recorder.entries {
		assert.True(t, e.Success)
		assert.Equal(t, "result = a", e.Code)
	}
}

func TestTerminalValidationFailureIsSurfacedNotReExecuted(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = broken"})
		onEvent(&events.Done{Success: false, Validated: true, Error: strPtr("geometry is self-intersecting")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a cube"))

	assert.Equal(t, 0, f.svc.callCount("ExecuteCode"))
	assert.Equal(t, 0, f.svc.callCount("AutoRetry"))

	transcript := f.orch.Transcript()
	last := transcript[len(transcript)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, "result = broken", last.FailedCode)
	assert.Contains(t, last.ErrorMessage, "self-intersecting")

	require.Equal(t, 1, f.recorder.count())
	assert.False(t, f.recorder.entries[0].Success)
}
