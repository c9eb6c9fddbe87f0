package core

import (
	"fmt"
	"strings"

	"partforge/internal/assembly"
	"partforge/pkg/events"
)

// dispatch routes one streamed event into session state. Every event is
// fenced on the session id that spawned its stream: events from a
// superseded session are dropped without side effects.
//
// Strategy-specific events for a disabled capability still narrate into
// the transcript but keep no structured progress state.
func (o *Orchestrator) dispatch(id int64, ev events.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.isCurrentLocked(id) {
		o.logger.Debug("dropping stale event", "kind", ev.Kind(), "generation_id", id)
		return
	}

	switch e := ev.(type) {
	case *events.RetrievalStatus:
		o.appendNarrationLocked(e.Message)

	case *events.DesignPlan:
		o.planText = e.PlanText
		o.appendNarrationLocked(e.PlanText)

	case *events.PlanValidation:
		if e.RejectedReason != nil {
			o.appendNarrationLocked(fmt.Sprintf("Plan rejected by validation: %s", *e.RejectedReason))
		}
		for _, w := range e.Warnings {
			o.appendNarrationLocked(fmt.Sprintf("Plan warning: %s", w))
		}

	case *events.ConfidenceAssessment:
		o.confidence = &ConfidenceData{
			Score:           clampScore(e.Score),
			Level:           e.Level,
			Message:         e.Message,
			CookbookMatches: e.CookbookMatches,
		}
		o.listener.ConfidenceChanged(*o.confidence)

	case *events.PlanStatus:
		o.planStatus = e.Message
		o.appendNarrationLocked(e.Message)
		o.startPlanTickerLocked(id)

	case *events.PlanResult:
		o.stopPlanTickerLocked()
		o.applyPlanResultLocked(e.Plan)

	case *events.SingleDelta:
		o.singleBuf += e.Delta
		o.appendDeltaLocked(e.Delta)

	case *events.SingleDone:
		// Authoritative full text, guards against lost deltas.
		o.singleBuf = e.FullResponse
		o.setActiveContentLocked(e.FullResponse)

	case *events.PartDelta:
		if p := o.partLocked(e.PartIndex); p != nil {
			o.transitionPartLocked(p, PartGenerating)
			p.StreamedText += e.Delta
			o.notifyPartsLocked()
		}

	case *events.PartCodeExtracted:
		if p := o.partLocked(e.PartIndex); p != nil {
			p.Code = e.Code
			o.notifyPartsLocked()
		}

	case *events.PartComplete:
		if p := o.partLocked(e.PartIndex); p != nil {
			if e.Success {
				o.transitionPartLocked(p, PartComplete)
			} else {
				o.transitionPartLocked(p, PartFailed)
				if e.Error != nil {
					p.Error = *e.Error
				}
			}
			o.notifyPartsLocked()
		}

	case *events.PartStlReady:
		if p := o.partLocked(e.PartIndex); p != nil {
			p.StlBase64 = e.StlBase64
			o.notifyPartsLocked()
			// Import eagerly once every part has geometry.
			o.tryQueueAssemblyImportLocked(true)
		}

	case *events.PartStlFailed:
		if p := o.partLocked(e.PartIndex); p != nil {
			p.Error = e.Error
			o.notifyPartsLocked()
		}
		o.appendNarrationLocked(fmt.Sprintf("Mesh export failed for %s: %s", e.PartName, e.Error))

	case *events.AssemblyStatus:
		o.appendNarrationLocked(e.Message)

	case *events.FinalCode:
		o.finalCode = e.Code
		o.lastCode = e.Code
		o.projectCode = e.Code
		if e.StlBase64 != nil {
			o.finalStl = *e.StlBase64
			o.lastStl = *e.StlBase64
		}
		if m := o.activeLocked(); m != nil {
			m.CodeUpdatedByAI = true
		}
		if len(o.parts) > 0 {
			for _, issue := range assembly.ContractIssues(e.Code, len(o.parts)) {
				o.appendNarrationLocked(fmt.Sprintf("Assembled code does not honor the part contract: %s.", issue))
			}
		}
		o.stopPlanTickerLocked()

	case *events.ReviewStatus:
		o.appendNarrationLocked(e.Message)

	case *events.ReviewComplete:
		if e.WasModified {
			o.adjustConfidenceLocked(-penaltyReviewerModified, msgReviewerModified)
			o.appendNarrationLocked(fmt.Sprintf("Reviewer adjusted the code: %s", e.Explanation))
		} else {
			o.adjustConfidenceLocked(bonusReviewerClean, msgReviewerClean)
			o.appendNarrationLocked("Reviewer approved the code unchanged.")
		}

	case *events.TokenUsage:
		// Phase-level reports are informational; only the stream total
		// is persisted.
		if e.Phase == "total" {
			usage := *e
			o.usage = &usage
		}

	case *events.ValidationAttempt:
		o.appendNarrationLocked(e.Message)

	case *events.StaticValidationReport:
		if !e.Passed {
			o.appendNarrationLocked(fmt.Sprintf("Static checks flagged: %s", strings.Join(e.Findings, "; ")))
		}

	case *events.ValidationSuccess:
		if e.Attempt <= 1 {
			o.adjustConfidenceLocked(bonusFirstAttemptValidation, msgFirstAttempt)
		} else {
			o.adjustConfidenceLocked(bonusLaterAttemptValidation, msgAfterAttempts(e.Attempt))
		}
		o.appendNarrationLocked(e.Message)

	case *events.ValidationFailed:
		if !e.WillRetry {
			o.adjustConfidenceLocked(-penaltyTerminalFailure, msgTerminalFailure)
		}
		o.appendNarrationLocked(fmt.Sprintf("Validation attempt %d failed (%s): %s",
			e.Attempt, e.ErrorCategory, e.ErrorMessage))

	case *events.PostGeometryValidationReport:
		for _, w := range e.Report.Warnings {
			o.appendNarrationLocked(fmt.Sprintf("Geometry warning: %s", w))
		}

	case *events.PostGeometryValidationWarning:
		o.appendNarrationLocked(e.Message)

	case *events.SemanticValidationReport:
		if !e.Passed {
			o.appendNarrationLocked(fmt.Sprintf("Semantic check for %s flagged: %s",
				e.PartName, strings.Join(e.Findings, "; ")))
		}

	case *events.IterativeStart:
		if o.cfg.Capabilities.Iterative {
			o.generationType = "iterative"
			o.steps = make([]StepProgress, 0, len(e.Steps))
			for _, step := range e.Steps {
				o.steps = append(o.steps, StepProgress{Step: step, Status: StepPending})
			}
			o.notifyStepsLocked()
		}
		o.appendNarrationLocked(fmt.Sprintf("Building in %d steps.", e.TotalSteps))

	case *events.IterativeStepStarted:
		if s := o.stepLocked(e.StepIndex); s != nil {
			s.Status = StepGenerating
			o.notifyStepsLocked()
		}

	case *events.IterativeStepComplete:
		if s := o.stepLocked(e.StepIndex); s != nil {
			if e.Success {
				s.Status = StepComplete
				if e.StlBase64 != nil {
					s.StlBase64 = *e.StlBase64
				}
			} else {
				s.Status = StepFailed
			}
			o.notifyStepsLocked()
		}

	case *events.IterativeStepRetry:
		if s := o.stepLocked(e.StepIndex); s != nil {
			s.Status = StepRetrying
			s.Attempt = e.Attempt
			s.Error = e.Error
			o.notifyStepsLocked()
		}

	case *events.IterativeStepSkipped:
		if s := o.stepLocked(e.StepIndex); s != nil {
			s.Status = StepSkipped
			s.Error = e.Error
			o.notifyStepsLocked()
		}
		o.appendNarrationLocked(fmt.Sprintf("Step %q skipped: %s", e.Name, e.Error))

	case *events.IterativeComplete:
		o.skippedSteps = e.SkippedSteps
		if e.FinalCode != "" {
			o.lastCode = e.FinalCode
		}
		if e.StlBase64 != nil {
			o.lastStl = *e.StlBase64
		}
		if len(e.SkippedSteps) > 0 {
			if m := o.activeLocked(); m != nil {
				m.HasSkippedSteps = true
			}
			o.appendNarrationLocked(fmt.Sprintf("%d step(s) were skipped and can be retried.", len(e.SkippedSteps)))
		}

	case *events.ModificationDetected:
		o.generationType = "modification"
		o.appendNarrationLocked(fmt.Sprintf("Modifying existing design: %s", e.IntentSummary))

	case *events.CodeDiff:
		diff := *e
		o.lastDiff = &diff
		o.listener.DiffAvailable(diff)
		o.appendNarrationLocked(fmt.Sprintf("Applied %d addition(s) and %d deletion(s).", e.Additions, e.Deletions))

	case *events.ConsensusStarted:
		if o.cfg.Capabilities.Consensus {
			o.generationType = "consensus"
			// Seed pending cards so the UI shows every candidate slot
			// before the first per-candidate update arrives.
			o.candidates = make([]CandidateProgress, 0, e.CandidateCount)
			for i := 0; i < e.CandidateCount; i++ {
				o.candidates = append(o.candidates, CandidateProgress{
					Label:  string(rune('A' + i)),
					Status: "pending",
				})
			}
			o.notifyCandidatesLocked()
		}
		o.appendNarrationLocked(fmt.Sprintf("Generating %d candidate designs.", e.CandidateCount))

	case *events.ConsensusCandidate:
		if o.cfg.Capabilities.Consensus {
			o.upsertCandidateLocked(e)
		}

	case *events.ConsensusWinner:
		o.appendNarrationLocked(fmt.Sprintf("Candidate %s selected (score %d): %s", e.Label, e.Score, e.Reason))

	case *events.ClarificationNeeded:
		o.pendingQuestions = e.Questions
		o.listener.ClarificationRequested(e.Questions)

	case *events.Done:
		done := *e
		o.doneInfo = &done
		o.stopPlanTickerLocked()

	default:
		o.logger.Debug("unhandled event", "kind", ev.Kind())
	}
}

// applyPlanResultLocked seeds the part cards from the backend's
// decomposition decision.
func (o *Orchestrator) applyPlanResultLocked(plan events.GenerationPlan) {
	if plan.Mode != "multi" || len(plan.Parts) == 0 || !o.cfg.Capabilities.MultiPart {
		return
	}
	o.generationType = "multi_part"
	o.parts = make([]PartProgress, 0, len(plan.Parts))
	for i, spec := range plan.Parts {
		o.parts = append(o.parts, PartProgress{Index: i, Spec: spec, Status: PartPending})
	}
	o.notifyPartsLocked()
	o.appendNarrationLocked(fmt.Sprintf("Decomposed into %d parts.", len(plan.Parts)))
}

func (o *Orchestrator) partLocked(index int) *PartProgress {
	if index < 0 || index >= len(o.parts) {
		return nil
	}
	return &o.parts[index]
}

func (o *Orchestrator) stepLocked(index int) *StepProgress {
	for i := range o.steps {
		if o.steps[i].Step.Index == index {
			return &o.steps[i]
		}
	}
	return nil
}

// transitionPartLocked applies a status change, ignoring moves the
// forward-only lifecycle forbids.
func (o *Orchestrator) transitionPartLocked(p *PartProgress, next PartStatus) {
	if p.Status == next || !p.Status.canTransition(next) {
		return
	}
	p.Status = next
}

func (o *Orchestrator) upsertCandidateLocked(e *events.ConsensusCandidate) {
	for i := range o.candidates {
		if o.candidates[i].Label == e.Label {
			o.candidates[i].Status = e.Status
			if e.Temperature != 0 {
				o.candidates[i].Temperature = e.Temperature
			}
			if e.HasCode != nil {
				o.candidates[i].HasCode = e.HasCode
			}
			if e.ExecutionSuccess != nil {
				o.candidates[i].ExecutionSuccess = e.ExecutionSuccess
			}
			o.notifyCandidatesLocked()
			return
		}
	}
	o.candidates = append(o.candidates, CandidateProgress{
		Label:            e.Label,
		Temperature:      e.Temperature,
		Status:           e.Status,
		HasCode:          e.HasCode,
		ExecutionSuccess: e.ExecutionSuccess,
	})
	o.notifyCandidatesLocked()
}
