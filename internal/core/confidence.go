package core

import "fmt"

// Confidence signal deltas. The score is seeded by the backend's
// assessment (baseline 50 when none arrived) and adjusted as review and
// validation outcomes stream in, clamped to [0, 100].
const (
	bonusReviewerClean          = 10
	penaltyReviewerModified     = 5
	bonusFirstAttemptValidation = 15
	bonusLaterAttemptValidation = 5
	penaltyTerminalFailure      = 20

	baselineConfidence = 50
)

// LevelFor maps a score to its display level.
func LevelFor(score int) string {
	switch {
	case score >= 70:
		return "high"
	case score >= 40:
		return "medium"
	default:
		return "low"
	}
}

func clampScore(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

// Signal messages shown alongside the score.
const (
	msgReviewerClean    = "Code approved by reviewer."
	msgReviewerModified = "Code required reviewer corrections."
	msgFirstAttempt     = "Validated on first attempt."
	msgTerminalFailure  = "Validation failed."
)

func msgAfterAttempts(attempts int) string {
	return fmt.Sprintf("Validated after %d attempts.", attempts)
}

// adjustConfidenceLocked applies one signal delta and its message,
// seeding a baseline estimate when the backend never sent an
// assessment. Caller holds o.mu.
func (o *Orchestrator) adjustConfidenceLocked(delta int, message string) {
	if o.confidence == nil {
		o.confidence = &ConfidenceData{Score: baselineConfidence}
	}
	o.confidence.Score = clampScore(o.confidence.Score + delta)
	o.confidence.Level = LevelFor(o.confidence.Score)
	o.confidence.Message = message
	o.listener.ConfidenceChanged(*o.confidence)
}
