package core

import (
	"time"
)

// beginSessionLocked bumps the generation id, supersedes any in-flight
// continuation and resets per-session working state. Transcript and
// project code survive; progress cards are rebuilt by the new stream.
// Caller holds o.mu.
func (o *Orchestrator) beginSessionLocked(prompt string) int64 {
	o.generationID++
	o.streaming = true
	o.stopPlanTickerLocked()

	o.parts = nil
	o.steps = nil
	o.candidates = nil
	o.confidence = nil
	o.lastDiff = nil
	o.planText = ""
	o.pendingPlan = nil
	o.pendingQuestions = nil
	o.skippedSteps = nil

	o.lastPrompt = prompt
	o.singleBuf = ""
	o.finalCode = ""
	o.finalStl = ""
	o.doneInfo = nil
	o.usage = nil
	o.lastCode = ""
	o.lastStl = ""
	o.lastError = ""
	o.retryCount = 0
	o.imported = false
	o.recorded = false
	o.generationType = "standard"
	o.startedAt = o.clock.Now()
	o.activeIdx = -1

	o.logger.Debug("generation session started", "generation_id", o.generationID)
	return o.generationID
}

// finishSession tears down session id: stops streaming, stops the plan
// ticker and records history. A superseded id is a no-op; a session
// parked at the plan gate or a clarification prompt stays open.
func (o *Orchestrator) finishSession(id int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(id) {
		return
	}
	if o.pendingPlan != nil || len(o.pendingQuestions) > 0 {
		return
	}
	o.streaming = false
	o.stopPlanTickerLocked()
	o.recordHistoryLocked()
	o.logger.Debug("generation session finished", "generation_id", id)
}

// Stop cancels the in-flight generation. The transcript and part cards
// survive; step and candidate progress, pending plans and pending
// clarifications are cleared. Continuations of the cancelled session
// are fenced out by the id bump.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()

	active := o.streaming || o.pendingPlan != nil || len(o.pendingQuestions) > 0
	o.generationID++
	o.streaming = false
	o.stopPlanTickerLocked()
	o.steps = nil
	o.candidates = nil
	o.pendingPlan = nil
	o.pendingQuestions = nil
	o.notifyStepsLocked()
	o.notifyCandidatesLocked()

	if !active {
		return
	}
	o.recordHistoryLocked()
	o.appendSystemLocked(Message{Content: "Generation cancelled."})
	o.logger.Info("generation cancelled", "generation_id", o.generationID)
}

// recordHistoryLocked hands the session outcome to the recorder,
// exactly once per session and only when it produced code or an error.
func (o *Orchestrator) recordHistoryLocked() {
	if o.recorded {
		return
	}
	if o.lastCode == "" && o.lastError == "" {
		return
	}
	o.recorded = true

	entry := HistoryEntry{
		Prompt:         o.lastPrompt,
		Code:           o.lastCode,
		StlBase64:      o.lastStl,
		Success:        o.lastError == "",
		Error:          o.lastError,
		Provider:       o.provider,
		Model:          o.model,
		Duration:       o.clock.Now().Sub(o.startedAt),
		GenerationType: o.generationType,
		RetryCount:     o.retryCount,
	}
	if o.usage != nil {
		entry.InputTokens = o.usage.InputTokens
		entry.OutputTokens = o.usage.OutputTokens
		entry.TotalTokens = o.usage.TotalTokens
		if o.usage.CostUSD != nil {
			entry.CostUSD = *o.usage.CostUSD
		}
	}
	if o.confidence != nil {
		entry.ConfidenceScore = o.confidence.Score
		entry.ConfidenceLevel = o.confidence.Level
	}

	if err := o.recorder.Record(entry); err != nil {
		o.logger.Warn("recording history entry failed", "error", err)
	}
}

// startPlanTickerLocked starts the once-per-second planning status
// timer for session id. Idempotent while a ticker is running.
func (o *Orchestrator) startPlanTickerLocked(id int64) {
	if o.planTicker != nil {
		return
	}
	ticker := o.clock.NewTicker(time.Second)
	stop := make(chan struct{})
	o.planTicker = ticker
	o.planTickStop = stop
	o.planStarted = o.clock.Now()

	go func() {
		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C():
				o.planTick(id, now)
			}
		}
	}()
}

func (o *Orchestrator) planTick(id int64, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.isCurrentLocked(id) || o.planTicker == nil {
		return
	}
	o.listener.PlanTicking(o.planStatus, now.Sub(o.planStarted))
}

func (o *Orchestrator) stopPlanTickerLocked() {
	if o.planTicker == nil {
		return
	}
	o.planTicker.Stop()
	close(o.planTickStop)
	o.planTicker = nil
	o.planTickStop = nil
}
