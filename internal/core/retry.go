package core

import (
	"context"
	"fmt"

	"partforge/internal/assembly"
	"partforge/internal/backend"
)

// retryPartConcurrency bounds how many failed parts regenerate at once.
const retryPartConcurrency = 2

// handleAutoRetry asks the AI to fix failing code, executes the fix and
// recurses with the NEW error on another structured failure, up to the
// configured attempt cap. Transport failures abort the loop: only
// structured execution failures are retryable.
func (o *Orchestrator) handleAutoRetry(ctx context.Context, id int64, failedCode, errMsg string, attempt int) error {
	o.mu.Lock()
	if !o.isCurrentLocked(id) {
		o.mu.Unlock()
		return nil
	}
	max := o.cfg.MaxRetries
	if attempt > max {
		o.lastError = errMsg
		o.adjustConfidenceLocked(-penaltyTerminalFailure, msgTerminalFailure)
		o.appendErrorLocked(
			fmt.Sprintf("Exhausted %d automatic fix attempts. Last error: %s", max, errMsg),
			failedCode, errMsg)
		o.mu.Unlock()
		o.logger.Warn("auto-retry attempts exhausted", "generation_id", id, "attempts", max)
		return fmt.Errorf("auto-retry attempts exhausted after %d tries", max)
	}
	o.appendSystemLocked(Message{
		Content:      fmt.Sprintf("Execution failed, attempting automatic fix (%d/%d).", attempt, max),
		RetryAttempt: attempt,
	})
	o.openAssistantLocked()
	history := o.historyLocked()
	o.mu.Unlock()

	o.logger.Info("auto-retry", "generation_id", id, "attempt", attempt, "max", max)
	res, err := o.backend.AutoRetry(ctx, failedCode, errMsg, history, attempt, o.deltaSink(id))
	if err != nil {
		o.reportStreamError(id, err)
		return err
	}
	if res.NewCode == "" {
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.lastError = errMsg
			o.appendErrorLocked("The fix attempt produced no code.", failedCode, errMsg)
		}
		o.mu.Unlock()
		return fmt.Errorf("fix attempt %d produced no code", attempt)
	}

	o.mu.Lock()
	if !o.isCurrentLocked(id) {
		o.mu.Unlock()
		return nil
	}
	o.lastCode = res.NewCode
	o.retryCount = attempt
	if res.AIResponse != "" {
		o.setActiveContentLocked(res.AIResponse)
	}
	if m := o.activeLocked(); m != nil {
		m.CodeUpdatedByAI = true
	}
	o.mu.Unlock()

	exec, err := o.backend.ExecuteCode(ctx, res.NewCode)
	if err != nil {
		o.reportStreamError(id, err)
		return err
	}
	if exec.Success {
		o.mu.Lock()
		if o.isCurrentLocked(id) {
			o.lastStl = exec.StlBase64
			o.projectCode = res.NewCode
			o.lastError = ""
			o.adjustConfidenceLocked(bonusLaterAttemptValidation, msgAfterAttempts(attempt+1))
			o.listener.ModelReady(exec.StlBase64, false)
			o.appendNarrationLocked(fmt.Sprintf("Fix succeeded on attempt %d.", attempt))
		}
		o.mu.Unlock()
		return nil
	}
	return o.handleAutoRetry(ctx, id, res.NewCode, exec.Stderr, attempt+1)
}

// recoverStreamFailure handles a stream that terminated with an error.
// A timeout on a multi-part generation with at least one completed part
// is salvaged: the completed parts are assembled and executed locally,
// and an execution failure of the salvage enters the ordinary bounded
// fix loop. Everything else is surfaced as a terminal failure.
func (o *Orchestrator) recoverStreamFailure(ctx context.Context, id int64, streamErr error) error {
	if !backend.IsTimeout(streamErr) || !o.cfg.Capabilities.MultiPart {
		o.reportStreamError(id, streamErr)
		return streamErr
	}

	o.mu.Lock()
	if !o.isCurrentLocked(id) {
		o.mu.Unlock()
		return nil
	}
	var salvage []assembly.Part
	for i := range o.parts {
		p := &o.parts[i]
		if p.Status == PartComplete && p.Code != "" {
			salvage = append(salvage, assembly.Part{
				Name:     p.Spec.Name,
				Code:     p.Code,
				Position: p.Spec.Position,
			})
		}
	}
	if len(salvage) == 0 {
		o.mu.Unlock()
		o.reportStreamError(id, streamErr)
		return streamErr
	}
	o.appendSystemLocked(Message{
		Content: fmt.Sprintf("Generation timed out; assembling %d completed part(s) locally.", len(salvage)),
	})
	o.mu.Unlock()

	o.logger.Warn("salvaging timed-out generation", "generation_id", id, "completed_parts", len(salvage))
	code, err := assembly.Build(salvage)
	if err != nil {
		o.reportStreamError(id, streamErr)
		return streamErr
	}
	return o.executeCandidate(ctx, id, code, "Salvaged assembly executed (not validated, review before use).")
}

// RetrySkipped re-attempts the steps the last iterative build gave up
// on, layering them onto the current code.
func (o *Orchestrator) RetrySkipped(ctx context.Context) error {
	o.mu.Lock()
	if o.streaming {
		o.mu.Unlock()
		return ErrBusy
	}
	if len(o.skippedSteps) == 0 {
		o.mu.Unlock()
		return ErrNoSkippedSteps
	}
	skipped := o.skippedSteps
	plan := o.planText
	prompt := o.lastPrompt
	code := o.lastCode
	if code == "" {
		code = o.projectCode
	}
	id := o.beginSessionLocked(prompt)
	o.planText = plan
	o.generationType = "iterative"
	o.appendSystemLocked(Message{Content: fmt.Sprintf("Retrying %d skipped step(s).", len(skipped))})
	o.openAssistantLocked()
	o.mu.Unlock()

	o.logger.Info("retrying skipped steps", "generation_id", id, "count", len(skipped))
	raw, err := o.backend.RetrySkippedSteps(ctx, code, skipped, plan, prompt, o.eventSink(id))
	err = o.resolveStream(ctx, id, raw, err)
	o.finishSession(id)
	return err
}

// RetryFailedPart regenerates one failed part of a multi-part design.
// The existing part cards survive; progress streams back into the same
// session.
func (o *Orchestrator) RetryFailedPart(ctx context.Context, index int) error {
	id, parts, plan, prompt, err := o.markPartsRetrying(index)
	if err != nil {
		return err
	}
	part := parts[0]
	o.logger.Info("retrying part", "generation_id", id, "part_index", part.Index, "part_name", part.Spec.Name)
	streamErr := o.backend.RetryPart(ctx, part.Index, part.Spec, plan, prompt, o.eventSink(id))
	o.settlePartRetry(id, streamErr)
	return streamErr
}

// RetryAllFailedParts regenerates every failed part concurrently,
// bounded by retryPartConcurrency.
func (o *Orchestrator) RetryAllFailedParts(ctx context.Context) error {
	id, parts, plan, prompt, err := o.markPartsRetrying(-1)
	if err != nil {
		return err
	}
	failed := make([]backend.FailedPart, 0, len(parts))
	for _, p := range parts {
		failed = append(failed, backend.FailedPart{Index: p.Index, Spec: p.Spec})
	}
	o.logger.Info("retrying failed parts", "generation_id", id, "count", len(failed))
	streamErr := backend.RetryFailedParts(ctx, o.backend, failed, plan, prompt, retryPartConcurrency, o.eventSink(id))
	o.settlePartRetry(id, streamErr)
	return streamErr
}

// markPartsRetrying flips the selected failed parts (all of them when
// index is -1) back to generating and reopens the session for
// streaming. It does not start a new session: the cards belong to the
// one that created them.
func (o *Orchestrator) markPartsRetrying(index int) (int64, []PartProgress, string, string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.streaming {
		return 0, nil, "", "", ErrBusy
	}

	var selected []PartProgress
	for i := range o.parts {
		p := &o.parts[i]
		if index >= 0 && p.Index != index {
			continue
		}
		if p.Status != PartFailed {
			continue
		}
		o.transitionPartLocked(p, PartGenerating)
		p.Error = ""
		p.StreamedText = ""
		selected = append(selected, *p)
	}
	if len(selected) == 0 {
		if index >= 0 {
			return 0, nil, "", "", fmt.Errorf("part %d is not in a failed state", index)
		}
		return 0, nil, "", "", fmt.Errorf("no failed parts to retry")
	}
	o.notifyPartsLocked()
	o.streaming = true
	o.imported = false
	return o.generationID, selected, o.planText, o.lastPrompt, nil
}

// settlePartRetry closes out a part-retry stream and attempts the
// assembly import with whatever geometry is now available.
func (o *Orchestrator) settlePartRetry(id int64, streamErr error) {
	o.mu.Lock()
	if o.isCurrentLocked(id) {
		o.streaming = false
	}
	o.mu.Unlock()
	if streamErr != nil {
		o.reportStreamError(id, streamErr)
		return
	}
	_ = o.tryQueueAssemblyImport(id, true) || o.tryQueueAssemblyImport(id, false)
}
