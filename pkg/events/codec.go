package events

import (
	"encoding/json"
	"fmt"
)

// registry maps a kind tag to a factory for the matching variant.
var registry = map[string]func() Event{
	"RetrievalStatus":               func() Event { return &RetrievalStatus{} },
	"DesignPlan":                    func() Event { return &DesignPlan{} },
	"PlanValidation":                func() Event { return &PlanValidation{} },
	"ConfidenceAssessment":          func() Event { return &ConfidenceAssessment{} },
	"PlanStatus":                    func() Event { return &PlanStatus{} },
	"PlanResult":                    func() Event { return &PlanResult{} },
	"SingleDelta":                   func() Event { return &SingleDelta{} },
	"SingleDone":                    func() Event { return &SingleDone{} },
	"PartDelta":                     func() Event { return &PartDelta{} },
	"PartComplete":                  func() Event { return &PartComplete{} },
	"PartCodeExtracted":             func() Event { return &PartCodeExtracted{} },
	"PartStlReady":                  func() Event { return &PartStlReady{} },
	"PartStlFailed":                 func() Event { return &PartStlFailed{} },
	"AssemblyStatus":                func() Event { return &AssemblyStatus{} },
	"FinalCode":                     func() Event { return &FinalCode{} },
	"ReviewStatus":                  func() Event { return &ReviewStatus{} },
	"ReviewComplete":                func() Event { return &ReviewComplete{} },
	"TokenUsage":                    func() Event { return &TokenUsage{} },
	"ValidationAttempt":             func() Event { return &ValidationAttempt{} },
	"StaticValidationReport":        func() Event { return &StaticValidationReport{} },
	"ValidationSuccess":             func() Event { return &ValidationSuccess{} },
	"ValidationFailed":              func() Event { return &ValidationFailed{} },
	"PostGeometryValidationReport":  func() Event { return &PostGeometryValidationReport{} },
	"PostGeometryValidationWarning": func() Event { return &PostGeometryValidationWarning{} },
	"SemanticValidationReport":      func() Event { return &SemanticValidationReport{} },
	"IterativeStart":                func() Event { return &IterativeStart{} },
	"IterativeStepStarted":          func() Event { return &IterativeStepStarted{} },
	"IterativeStepComplete":         func() Event { return &IterativeStepComplete{} },
	"IterativeStepRetry":            func() Event { return &IterativeStepRetry{} },
	"IterativeStepSkipped":          func() Event { return &IterativeStepSkipped{} },
	"IterativeComplete":             func() Event { return &IterativeComplete{} },
	"ModificationDetected":          func() Event { return &ModificationDetected{} },
	"CodeDiff":                      func() Event { return &CodeDiff{} },
	"ConsensusStarted":              func() Event { return &ConsensusStarted{} },
	"ConsensusCandidate":            func() Event { return &ConsensusCandidate{} },
	"ConsensusWinner":               func() Event { return &ConsensusWinner{} },
	"ClarificationNeeded":           func() Event { return &ClarificationNeeded{} },
	"Done":                          func() Event { return &Done{} },
}

// Decode parses a tagged event envelope. The kind tag selects the
// variant; unknown kinds are an error so that protocol drift surfaces
// instead of being silently dropped.
func Decode(data []byte) (Event, error) {
	var tag struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decoding event envelope: %w", err)
	}
	if tag.Kind == "" {
		return nil, fmt.Errorf("event envelope missing kind tag")
	}

	factory, ok := registry[tag.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown event kind %q", tag.Kind)
	}

	ev := factory()
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", tag.Kind, err)
	}
	return ev, nil
}

// Encode serializes an event with its kind tag injected into the
// payload object.
func Encode(ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", ev.Kind(), err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("encoding %s envelope: %w", ev.Kind(), err)
	}
	if fields == nil {
		fields = make(map[string]json.RawMessage, 1)
	}

	kind, err := json.Marshal(ev.Kind())
	if err != nil {
		return nil, err
	}
	fields["kind"] = kind

	return json.Marshal(fields)
}
