package core

import (
	"context"
	"fmt"
	"strings"

	"partforge/internal/assembly"
	"partforge/internal/backend"
	"partforge/internal/extract"
	"partforge/pkg/events"
)

// Send runs one generation turn for prompt. The strategy is chosen
// here: a project with existing non-default code takes the modification
// path straight into the full pipeline; a fresh project goes through
// plan generation and, unless auto-approval is configured, parks at the
// approval gate.
//
// Send blocks until the session finishes or parks at a gate. Progress
// is reported through the Listener; the returned error covers
// precondition failures and unrecovered stream failures.
func (o *Orchestrator) Send(ctx context.Context, prompt string) error {
	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return ErrBusy
	}
	history := o.historyLocked()
	id := o.beginSessionLocked(prompt)
	o.appendMessageLocked(Message{Role: RoleUser, Content: prompt})
	existing := ""
	if o.projectCode != "" && o.projectCode != DefaultProjectCode {
		existing = o.projectCode
	}
	o.mu.Unlock()

	if existing != "" {
		o.logger.Info("generation started", "generation_id", id, "strategy", "modification")
		return o.runPipeline(ctx, id, prompt, history, existing)
	}
	if !o.cfg.Capabilities.PlanGate {
		o.logger.Info("generation started", "generation_id", id, "strategy", "direct")
		return o.runPipeline(ctx, id, prompt, history, "")
	}
	o.logger.Info("generation started", "generation_id", id, "strategy", "planned")
	return o.runPlanned(ctx, id, prompt, history)
}

// runPipeline drives the full generation pipeline in one stream and
// resolves its outcome.
func (o *Orchestrator) runPipeline(ctx context.Context, id int64, prompt string, history []backend.ChatMessage, existing string) error {
	o.mu.Lock()
	if o.isCurrentLocked(id) {
		o.openAssistantLocked()
	}
	o.mu.Unlock()

	raw, err := o.backend.GenerateParallel(ctx, prompt, history, existing, o.eventSink(id))
	err = o.resolveStream(ctx, id, raw, err)
	o.finishSession(id)
	return err
}

// runPlanned generates a design plan first. Depending on the outcome
// the session parks at the clarification prompt, parks at the approval
// gate, or proceeds straight into plan execution.
func (o *Orchestrator) runPlanned(ctx context.Context, id int64, prompt string, history []backend.ChatMessage) error {
	o.mu.Lock()
	if o.isCurrentLocked(id) {
		o.openAssistantLocked()
	}
	o.mu.Unlock()

	res, err := o.backend.GenerateDesignPlan(ctx, prompt, history, o.eventSink(id))
	if err != nil {
		o.reportStreamError(id, err)
		o.finishSession(id)
		return err
	}

	o.mu.Lock()
	if !o.isCurrentLocked(id) {
		o.mu.Unlock()
		return nil
	}
	if len(res.ClarificationQuestions) > 0 {
		o.pendingQuestions = res.ClarificationQuestions
		o.streaming = false
		o.stopPlanTickerLocked()
		o.listener.ClarificationRequested(res.ClarificationQuestions)
		o.mu.Unlock()
		return nil
	}
	o.planText = res.PlanText
	o.generationType = "planned"
	if !o.cfg.AutoApprovePlan {
		o.pendingPlan = &pendingPlan{id: id, planText: res.PlanText, prompt: prompt}
		o.streaming = false
		o.stopPlanTickerLocked()
		o.listener.PlanPendingApproval(res.PlanText)
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	err = o.executePlan(ctx, id, res.PlanText, prompt, history)
	o.finishSession(id)
	return err
}

// executePlan generates code from an approved plan and resolves the
// stream outcome.
func (o *Orchestrator) executePlan(ctx context.Context, id int64, planText, prompt string, history []backend.ChatMessage) error {
	raw, err := o.backend.GenerateFromPlan(ctx, planText, prompt, history, "", o.eventSink(id))
	return o.resolveStream(ctx, id, raw, err)
}

// ApprovePlan resumes a session parked at the approval gate. A
// non-empty editedPlan replaces the generated plan text.
func (o *Orchestrator) ApprovePlan(ctx context.Context, editedPlan string) error {
	o.mu.Lock()
	p := o.pendingPlan
	if p == nil {
		o.mu.Unlock()
		return ErrNoPendingPlan
	}
	o.pendingPlan = nil
	if !o.isCurrentLocked(p.id) {
		o.mu.Unlock()
		return ErrNoPendingPlan
	}
	if editedPlan != "" {
		p.planText = editedPlan
	}
	o.planText = p.planText
	o.streaming = true
	history := o.historyLocked()
	o.mu.Unlock()

	o.logger.Info("plan approved", "generation_id", p.id, "edited", editedPlan != "")
	err := o.executePlan(ctx, p.id, p.planText, p.prompt, history)
	o.finishSession(p.id)
	return err
}

// RejectPlan discards the plan parked at the approval gate and closes
// the session.
func (o *Orchestrator) RejectPlan() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.pendingPlan
	if p == nil {
		return ErrNoPendingPlan
	}
	o.pendingPlan = nil
	o.streaming = false
	o.stopPlanTickerLocked()
	o.appendSystemLocked(Message{Content: "Plan rejected."})
	o.logger.Info("plan rejected", "generation_id", p.id)
	return nil
}

// AnswerClarifications folds the user's answers into the original
// request and re-sends it as a fresh turn.
func (o *Orchestrator) AnswerClarifications(ctx context.Context, answers []string) error {
	o.mu.Lock()
	questions := o.pendingQuestions
	if len(questions) == 0 {
		o.mu.Unlock()
		return ErrNoPendingClarification
	}
	prompt := o.lastPrompt
	o.pendingQuestions = nil
	o.streaming = false
	o.mu.Unlock()

	var b strings.Builder
	b.WriteString(prompt)
	b.WriteString("\n\nClarifications:\n")
	for i, q := range questions {
		answer := ""
		if i < len(answers) {
			answer = answers[i]
		}
		fmt.Fprintf(&b, "- %s %s\n", q, answer)
	}
	return o.Send(ctx, b.String())
}

// Chat is plain conversational chat with no CAD pipeline attached. The
// exchange lands in the transcript and is fenced like any generation,
// but produces no code and no history entry.
func (o *Orchestrator) Chat(ctx context.Context, text string) error {
	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return ErrBusy
	}
	history := o.historyLocked()
	id := o.beginSessionLocked(text)
	o.appendMessageLocked(Message{Role: RoleUser, Content: text})
	o.openAssistantLocked()
	o.mu.Unlock()

	full, err := o.backend.SendMessageStreaming(ctx, text, history, o.deltaSink(id), func(usage events.TokenUsage) {
		o.dispatch(id, &usage)
	})
	if err != nil {
		o.reportStreamError(id, err)
	} else if full != "" {
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.setActiveContentLocked(full)
		}
		o.mu.Unlock()
	}
	o.finishSession(id)
	return err
}

// resolveStream decides what to do once a generation stream terminates.
// Resolution order: component-wise assembly import, then a
// backend-validated mesh, then a surfaced terminal validation failure,
// then client-side assembly of streamed parts, and finally extraction
// and execution of whatever code the stream produced.
func (o *Orchestrator) resolveStream(ctx context.Context, id int64, raw string, streamErr error) error {
	if streamErr != nil {
		return o.recoverStreamFailure(ctx, id, streamErr)
	}

	if o.tryQueueAssemblyImport(id, true) || o.tryQueueAssemblyImport(id, false) {
		return nil
	}

	o.mu.Lock()
	if !o.isCurrentLocked(id) {
		o.mu.Unlock()
		return nil
	}
	finalCode, finalStl := o.finalCode, o.finalStl
	done := o.doneInfo
	parts := o.assemblablePartsLocked()
	o.mu.Unlock()

	if finalStl != "" {
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.listener.ModelReady(finalStl, true)
			o.appendNarrationLocked("Model validated and ready.")
		}
		o.mu.Unlock()
		return nil
	}

	if done != nil && done.Validated && !done.Success {
		// The pipeline already ran its own validation loop and gave up;
		// re-executing client-side would only repeat the failure.
		errMsg := "validation failed"
		if done.Error != nil {
			errMsg = *done.Error
		}
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.lastError = errMsg
			o.appendErrorLocked(fmt.Sprintf("Generation failed validation: %s", errMsg), finalCode, errMsg)
		}
		o.mu.Unlock()
		return nil
	}

	if len(parts) > 0 {
		code, err := assembly.Build(parts)
		if err != nil {
			o.reportStreamError(id, err)
			return err
		}
		return o.executeCandidate(ctx, id, code, "Assembly executed locally (not validated).")
	}

	code := finalCode
	if code == "" {
		extracted, ok := extract.Code(raw)
		if !ok {
			o.mu.Lock()
			if o.isCurrentLocked(id) && raw != "" {
				o.setActiveContentLocked(raw)
			}
			o.mu.Unlock()
			return nil
		}
		code = extracted
	}
	return o.executeCandidate(ctx, id, code, "Code executed locally (not validated).")
}

// executeCandidate runs code in the geometry kernel. A structured
// execution failure enters the bounded automatic-fix loop; a transport
// failure aborts.
func (o *Orchestrator) executeCandidate(ctx context.Context, id int64, code, successNote string) error {
	res, err := o.backend.ExecuteCode(ctx, code)
	if err != nil {
		o.reportStreamError(id, err)
		return err
	}
	if res.Success {
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.lastCode = code
			o.projectCode = code
			o.lastStl = res.StlBase64
			o.listener.ModelReady(res.StlBase64, false)
			o.appendNarrationLocked(successNote)
		}
		o.mu.Unlock()
		return nil
	}
	return o.handleAutoRetry(ctx, id, code, res.Stderr, 1)
}

// assemblablePartsLocked converts the part cards that streamed code
// into assembler input.
func (o *Orchestrator) assemblablePartsLocked() []assembly.Part {
	var parts []assembly.Part
	for i := range o.parts {
		p := &o.parts[i]
		if p.Code == "" {
			continue
		}
		parts = append(parts, assembly.Part{
			Name:     p.Spec.Name,
			Code:     p.Code,
			Position: p.Spec.Position,
		})
	}
	return parts
}

// tryQueueAssemblyImport imports streamed part meshes as separate
// assembly components. With requireAll set every part must have
// geometry; otherwise a single mesh suffices. Imports at most once per
// session.
func (o *Orchestrator) tryQueueAssemblyImport(id int64, requireAll bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(id) {
		return false
	}
	return o.tryQueueAssemblyImportLocked(requireAll)
}

func (o *Orchestrator) tryQueueAssemblyImportLocked(requireAll bool) bool {
	if o.imported || !o.cfg.Capabilities.MultiPart || len(o.parts) == 0 {
		return false
	}

	withStl := 0
	for i := range o.parts {
		if o.parts[i].StlBase64 != "" {
			withStl++
		}
	}
	if withStl == 0 || (requireAll && withStl != len(o.parts)) {
		return false
	}

	complete := withStl == len(o.parts)
	o.imported = true
	o.listener.AssemblyImported(append([]PartProgress(nil), o.parts...), complete)
	o.appendNarrationLocked(fmt.Sprintf("Imported %d of %d parts as assembly components.", withStl, len(o.parts)))
	o.logger.Info("assembly imported", "parts_with_geometry", withStl, "parts_total", len(o.parts))
	return true
}

// reportStreamError surfaces a failure the retry engine could not or
// must not recover from.
func (o *Orchestrator) reportStreamError(id int64, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(id) {
		return
	}
	o.lastError = err.Error()
	o.appendErrorLocked(fmt.Sprintf("Generation failed: %s", err), o.lastCode, err.Error())
	o.logger.Error("generation failed", "generation_id", id, "error", err)
}
