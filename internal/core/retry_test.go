package core

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"partforge/internal/backend"
	"partforge/pkg/events"
)

func failingExec(stderrPrefix string) func(context.Context, string) (*backend.ExecutionResult, error) {
	n := 0
	return func(context.Context, string) (*backend.ExecutionResult, error) {
		n++
		return &backend.ExecutionResult{Success: false, Stderr: fmt.Sprintf("%s %d", stderrPrefix, n)}, nil
	}
}

func TestAutoRetryBoundedAtMaxAttempts(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = bad"})
		onEvent(&events.Done{Success: true, Validated: false})
		return "", nil
	}
	f.svc.executeCodeFn = failingExec("NameError attempt")

	var retryErrors []string
	var retryAttempts []int
	f.svc.autoRetryFn = func(_ context.Context, _, errMsg string, _ []backend.ChatMessage, attempt int, _ backend.DeltaFunc) (*backend.AutoRetryResult, error) {
		retryErrors = append(retryErrors, errMsg)
		retryAttempts = append(retryAttempts, attempt)
		return &backend.AutoRetryResult{NewCode: fmt.Sprintf("fix %d", attempt), Attempt: attempt}, nil
	}

	err := f.orch.Send(context.Background(), "a cube")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exhausted")

	assert.Equal(t, []int{1, 2, 3}, retryAttempts)
	// Each recursion carries the NEW error from the latest execution,
	// never the one that started the loop.
	require.Len(t, retryErrors, 3)
	assert.Equal(t, "NameError attempt 1", retryErrors[0])
	assert.Equal(t, "NameError attempt 2", retryErrors[1])
	assert.Equal(t, "NameError attempt 3", retryErrors[2])

	// One initial execution plus one per fix attempt.
	assert.Equal(t, 4, f.svc.callCount("ExecuteCode"))

	transcript := f.orch.Transcript()
	last := transcript[len(transcript)-1]
	assert.True(t, last.IsError)
	assert.Equal(t, "fix 3", last.FailedCode)

	require.Equal(t, 1, f.recorder.count())
	entry := f.recorder.entries[0]
	assert.False(t, entry.Success)
	assert.Equal(t, 3, entry.RetryCount)
}

func TestAutoRetrySucceedsMidLoop(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = bad"})
		return "", nil
	}
	execs := 0
	f.svc.executeCodeFn = func(_ context.Context, code string) (*backend.ExecutionResult, error) {
		execs++
		if execs < 3 {
			return &backend.ExecutionResult{Success: false, Stderr: "boom"}, nil
		}
		return &backend.ExecutionResult{Success: true, StlBase64: "U1RM"}, nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a cube"))

	assert.Equal(t, 2, f.svc.callCount("AutoRetry"))
	require.Equal(t, 1, f.listener.modelCount())
	assert.False(t, f.listener.modelValidated[0])

	require.Equal(t, 1, f.recorder.count())
	entry := f.recorder.entries[0]
	assert.True(t, entry.Success)
	assert.Equal(t, 2, entry.RetryCount)
}

func TestAutoRetryAbortsOnTransportError(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = bad"})
		return "", nil
	}
	f.svc.executeCodeFn = failingExec("boom")
	f.svc.autoRetryFn = func(context.Context, string, string, []backend.ChatMessage, int, backend.DeltaFunc) (*backend.AutoRetryResult, error) {
		return nil, backend.NewStreamError(backend.KindTransport, "connection lost")
	}

	err := f.orch.Send(context.Background(), "a cube")
	require.Error(t, err)

	// Transport failures are not retried; the loop stops immediately.
	assert.Equal(t, 1, f.svc.callCount("AutoRetry"))
	assert.Equal(t, 1, f.svc.callCount("ExecuteCode"))
}

func TestAutoRetryStopsWhenFixHasNoCode(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.FinalCode{Code: "result = bad"})
		return "", nil
	}
	f.svc.executeCodeFn = failingExec("boom")
	f.svc.autoRetryFn = func(_ context.Context, _, _ string, _ []backend.ChatMessage, attempt int, _ backend.DeltaFunc) (*backend.AutoRetryResult, error) {
		return &backend.AutoRetryResult{AIResponse: "I give up", Attempt: attempt}, nil
	}

	err := f.orch.Send(context.Background(), "a cube")
	require.Error(t, err)
	assert.Equal(t, 1, f.svc.callCount("AutoRetry"))
}

func multiPartStream(timeout bool) func(context.Context, string, []backend.ChatMessage, string, backend.EventFunc) (string, error) {
	return func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PlanResult{Plan: events.GenerationPlan{
			Mode: "multi",
			Parts: []events.PartSpec{
				{Name: "base", Position: [3]float64{0, 0, 0}},
				{Name: "post", Position: [3]float64{0, 0, 10}},
			},
		}})
		onEvent(&events.PartDelta{PartIndex: 0, PartName: "base", Delta: "..."})
		onEvent(&events.PartCodeExtracted{PartIndex: 0, PartName: "base", Code: "result = Box(20, 20, 5)"})
		onEvent(&events.PartComplete{PartIndex: 0, PartName: "base", Success: true})
		onEvent(&events.PartDelta{PartIndex: 1, PartName: "post", Delta: "..."})
		if timeout {
			return "", backend.NewStreamError(backend.KindTimeout, "generation runtime exceeded")
		}
		return "", nil
	}
}

func TestTimeoutSalvageAssemblesCompletedParts(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")
	f.svc.generateParallelFn = multiPartStream(true)

	var executed string
	f.svc.executeCodeFn = func(_ context.Context, code string) (*backend.ExecutionResult, error) {
		executed = code
		return &backend.ExecutionResult{Success: true, StlBase64: "U1RM"}, nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))

	// Only the completed part is salvaged.
	assert.Contains(t, executed, "Box(20, 20, 5)")
	assert.Contains(t, executed, "part_0")
	assert.NotContains(t, executed, "part_1")

	require.Equal(t, 1, f.listener.modelCount())
	assert.False(t, f.listener.modelValidated[0], "salvaged assembly is unvalidated")

	var salvageNote bool
	for _, m := range f.orch.Transcript() {
		if strings.Contains(m.Content, "timed out") {
			salvageNote = true
		}
	}
	assert.True(t, salvageNote)
}

func TestTimeoutWithNoCompletedPartsIsTerminal(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PlanResult{Plan: events.GenerationPlan{
			Mode:  "multi",
			Parts: []events.PartSpec{{Name: "base"}},
		}})
		return "", backend.NewStreamError(backend.KindTimeout, "generation runtime exceeded")
	}

	err := f.orch.Send(context.Background(), "a lamp")
	require.Error(t, err)
	assert.Equal(t, 0, f.svc.callCount("ExecuteCode"))

	transcript := f.orch.Transcript()
	assert.True(t, transcript[len(transcript)-1].IsError)
}

func TestSalvageFailureEntersRetryLoop(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")
	f.svc.generateParallelFn = multiPartStream(true)
	f.svc.executeCodeFn = failingExec("salvage boom")

	var firstAttempt int
	f.svc.autoRetryFn = func(_ context.Context, _, _ string, _ []backend.ChatMessage, attempt int, _ backend.DeltaFunc) (*backend.AutoRetryResult, error) {
		if firstAttempt == 0 {
			firstAttempt = attempt
		}
		return &backend.AutoRetryResult{NewCode: "fix", Attempt: attempt}, nil
	}

	_ = f.orch.Send(context.Background(), "a lamp")

	// The salvage execution failure starts the ordinary bounded loop at
	// attempt one.
	assert.Equal(t, 1, firstAttempt)
	assert.Equal(t, 3, f.svc.callCount("AutoRetry"))
}

func TestNonTimeoutStreamErrorIsNotSalvaged(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PartCodeExtracted{PartIndex: 0, Code: "result = Box(1,1,1)"})
		return "", backend.NewStreamError(backend.KindTransport, "connection reset")
	}

	err := f.orch.Send(context.Background(), "a lamp")
	require.Error(t, err)
	assert.Equal(t, 0, f.svc.callCount("ExecuteCode"))
}

func TestRetrySkippedSteps(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.IterativeStart{TotalSteps: 2, Steps: []events.BuildStep{{Index: 0, Name: "base"}, {Index: 1, Name: "fillet"}}})
		onEvent(&events.IterativeStepComplete{StepIndex: 0, Success: true})
		onEvent(&events.IterativeStepSkipped{StepIndex: 1, Name: "fillet", Error: "fillet failed"})
		onEvent(&events.IterativeComplete{
			FinalCode:    "result = partial",
			SkippedSteps: []events.SkippedStep{{StepIndex: 1, Name: "fillet", Error: "fillet failed"}},
		})
		onEvent(&events.FinalCode{Code: "result = partial", StlBase64: strPtr("U1RM")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a rounded box"))
	require.Len(t, f.orch.SkippedSteps(), 1)

	var gotCode string
	var gotSkipped []events.SkippedStep
	f.svc.retrySkippedFn = func(_ context.Context, code string, skipped []events.SkippedStep, _, _ string, onEvent backend.EventFunc) (string, error) {
		gotCode = code
		gotSkipped = skipped
		onEvent(&events.FinalCode{Code: "result = complete", StlBase64: strPtr("U1RM")})
		return "", nil
	}

	require.NoError(t, f.orch.RetrySkipped(context.Background()))

	assert.Equal(t, "result = partial", gotCode)
	require.Len(t, gotSkipped, 1)
	assert.Equal(t, "fillet", gotSkipped[0].Name)
	assert.Equal(t, 2, f.recorder.count())
}

func TestRetrySkippedWithoutSkipsErrors(t *testing.T) {
	f := newFixture(testConfig())
	assert.ErrorIs(t, f.orch.RetrySkipped(context.Background()), ErrNoSkippedSteps)
}

func TestRetryFailedPart(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PlanResult{Plan: events.GenerationPlan{
			Mode:  "multi",
			Parts: []events.PartSpec{{Name: "base"}, {Name: "post"}},
		}})
		onEvent(&events.PartComplete{PartIndex: 0, Success: true})
		onEvent(&events.PartStlReady{PartIndex: 0, PartName: "base", StlBase64: "QkFTRQ=="})
		onEvent(&events.PartComplete{PartIndex: 1, Success: false, Error: strPtr("kernel crash")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))

	parts := f.orch.Parts()
	require.Len(t, parts, 2)
	require.Equal(t, PartFailed, parts[1].Status)

	f.svc.retryPartFn = func(_ context.Context, index int, part events.PartSpec, _, _ string, onEvent backend.EventFunc) error {
		onEvent(&events.PartCodeExtracted{PartIndex: index, Code: "result = Cylinder(2, 30)"})
		onEvent(&events.PartComplete{PartIndex: index, PartName: part.Name, Success: true})
		onEvent(&events.PartStlReady{PartIndex: index, PartName: part.Name, StlBase64: "UE9TVA=="})
		return nil
	}

	require.NoError(t, f.orch.RetryFailedPart(context.Background(), 1))

	parts = f.orch.Parts()
	assert.Equal(t, PartComplete, parts[1].Status)
	assert.Empty(t, parts[1].Error)

	// With every part meshed the assembly import fires.
	f.listener.mu.Lock()
	defer f.listener.mu.Unlock()
	require.NotEmpty(t, f.listener.imports)
	assert.True(t, f.listener.imports[len(f.listener.imports)-1])
}

func TestRetryFailedPartRequiresFailedState(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = multiPartStream(false)
	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))

	assert.Error(t, f.orch.RetryFailedPart(context.Background(), 0))
	assert.Equal(t, 0, f.svc.callCount("RetryPart"))
}

func TestRetryAllFailedParts(t *testing.T) {
	f := newFixture(testConfig())
	f.orch.SetProjectCode("existing design code")

	f.svc.generateParallelFn = func(_ context.Context, _ string, _ []backend.ChatMessage, _ string, onEvent backend.EventFunc) (string, error) {
		onEvent(&events.PlanResult{Plan: events.GenerationPlan{
			Mode:  "multi",
			Parts: []events.PartSpec{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		}})
		onEvent(&events.PartComplete{PartIndex: 0, Success: true})
		onEvent(&events.PartComplete{PartIndex: 1, Success: false, Error: strPtr("x")})
		onEvent(&events.PartComplete{PartIndex: 2, Success: false, Error: strPtr("y")})
		return "", nil
	}

	require.NoError(t, f.orch.Send(context.Background(), "a lamp"))

	f.svc.retryPartFn = func(_ context.Context, index int, _ events.PartSpec, _, _ string, onEvent backend.EventFunc) error {
		onEvent(&events.PartComplete{PartIndex: index, Success: true})
		return nil
	}

	require.NoError(t, f.orch.RetryAllFailedParts(context.Background()))

	assert.Equal(t, 2, f.svc.callCount("RetryPart"))
	for _, p := range f.orch.Parts() {
		assert.Equal(t, PartComplete, p.Status)
	}
}
