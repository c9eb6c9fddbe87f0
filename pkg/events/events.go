// Package events defines the streamed event contract between the
// generation orchestrator and the native code-generation backend.
//
// Events arrive as a JSON object tagged by a "kind" field; the payload
// field names are part of the wire contract and must not change.
package events

// Event is implemented by every streamed event variant.
type Event interface {
	Kind() string
}

// GenerationPlan is the backend's decomposition decision: either a
// single-body design ("single") or a multi-part assembly ("multi").
type GenerationPlan struct {
	Mode        string     `json:"mode"`
	Description *string    `json:"description"`
	Parts       []PartSpec `json:"parts"`
}

// PartSpec describes one planned sub-component of a multi-part design.
type PartSpec struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Position    [3]float64 `json:"position"`
	Constraints []string   `json:"constraints"`
}

// BuildStep is one ordered stage of the iterative build strategy.
type BuildStep struct {
	Index       int      `json:"index"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Operations  []string `json:"operations"`
}

// SkippedStep records an iterative step that exhausted its attempts,
// kept so it can be retried later.
type SkippedStep struct {
	StepIndex   int    `json:"step_index"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Error       string `json:"error"`
}

// DiffLine is one line of a modification diff.
// Tag is "equal", "insert" or "delete".
type DiffLine struct {
	Tag  string `json:"tag"`
	Text string `json:"text"`
}

// GeometryReport carries mesh-level checks run on the produced geometry.
type GeometryReport struct {
	Watertight      bool     `json:"watertight"`
	Manifold        bool     `json:"manifold"`
	DegenerateFaces uint64   `json:"degenerate_faces"`
	EulerNumber     int64    `json:"euler_number"`
	TriangleCount   uint64   `json:"triangle_count"`
	BboxOK          bool     `json:"bbox_ok"`
	Warnings        []string `json:"warnings"`
}

// DesignPlanResult is the terminal result of the plan-generation phase.
type DesignPlanResult struct {
	PlanText               string   `json:"plan_text"`
	RiskScore              int      `json:"risk_score"`
	Warnings               []string `json:"warnings"`
	IsValid                bool     `json:"is_valid"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`
}

// RetrievedContextItem is one snippet of reference context the backend
// pulled in to ground the generation.
type RetrievedContextItem struct {
	Title  string  `json:"title"`
	Source string  `json:"source"`
	Score  float64 `json:"score"`
}

// --- event variants -------------------------------------------------------

type RetrievalStatus struct {
	Message         string                 `json:"message"`
	Items           []RetrievedContextItem `json:"items"`
	UsedEmbeddings  bool                   `json:"used_embeddings"`
	LexicalFallback bool                   `json:"lexical_fallback"`
}

// DesignPlan carries the geometry design plan produced before code
// generation.
type DesignPlan struct {
	PlanText string `json:"plan_text"`
}

// PlanValidation is the result of deterministic plan validation. It does
// not halt the stream; the backend may re-plan on its own.
type PlanValidation struct {
	RiskScore          int      `json:"risk_score"`
	Warnings           []string `json:"warnings"`
	IsValid            bool     `json:"is_valid"`
	RejectedReason     *string  `json:"rejected_reason"`
	FatalCombo         bool     `json:"fatal_combo"`
	NegationConflict   bool     `json:"negation_conflict"`
	RepairSensitiveOps []string `json:"repair_sensitive_ops"`
}

// ConfidenceAssessment seeds the client-side confidence score from plan
// risk and cookbook familiarity.
type ConfidenceAssessment struct {
	Level           string   `json:"level"`
	Score           int      `json:"score"`
	CookbookMatches []string `json:"cookbook_matches"`
	Warnings        []string `json:"warnings"`
	Message         string   `json:"message"`
}

type PlanStatus struct {
	Message string `json:"message"`
}

type PlanResult struct {
	Plan GenerationPlan `json:"plan"`
}

// SingleDelta is a streaming text delta for the single-shot strategy.
type SingleDelta struct {
	Delta string `json:"delta"`
	Done  bool   `json:"done"`
}

// SingleDone carries the authoritative full response text, guarding
// against lost deltas.
type SingleDone struct {
	FullResponse string `json:"full_response"`
}

type PartDelta struct {
	PartIndex int    `json:"part_index"`
	PartName  string `json:"part_name"`
	Delta     string `json:"delta"`
}

type PartComplete struct {
	PartIndex int     `json:"part_index"`
	PartName  string  `json:"part_name"`
	Success   bool    `json:"success"`
	Error     *string `json:"error"`
}

type PartCodeExtracted struct {
	PartIndex int    `json:"part_index"`
	PartName  string `json:"part_name"`
	Code      string `json:"code"`
}

type PartStlReady struct {
	PartIndex int    `json:"part_index"`
	PartName  string `json:"part_name"`
	StlBase64 string `json:"stl_base64"`
}

type PartStlFailed struct {
	PartIndex int    `json:"part_index"`
	PartName  string `json:"part_name"`
	Error     string `json:"error"`
}

type AssemblyStatus struct {
	Message string `json:"message"`
}

// FinalCode is the single source of truth for what code was produced.
// StlBase64 is set when the backend already validated and executed it.
type FinalCode struct {
	Code      string  `json:"code"`
	StlBase64 *string `json:"stl_base64"`
}

type ReviewStatus struct {
	Message string `json:"message"`
}

type ReviewComplete struct {
	WasModified bool   `json:"was_modified"`
	Explanation string `json:"explanation"`
}

// TokenUsage reports token consumption for one phase; the orchestrator
// persists only the "total" phase.
type TokenUsage struct {
	Phase        string   `json:"phase"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
	TotalTokens  int      `json:"total_tokens"`
	CostUSD      *float64 `json:"cost_usd"`
}

type ValidationAttempt struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Message     string `json:"message"`
}

type StaticValidationReport struct {
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings"`
}

type ValidationSuccess struct {
	Attempt int    `json:"attempt"`
	Message string `json:"message"`
}

type ValidationFailed struct {
	Attempt       int    `json:"attempt"`
	ErrorCategory string `json:"error_category"`
	ErrorMessage  string `json:"error_message"`
	WillRetry     bool   `json:"will_retry"`
}

type PostGeometryValidationReport struct {
	Report GeometryReport `json:"report"`
}

type PostGeometryValidationWarning struct {
	Message string `json:"message"`
}

type SemanticValidationReport struct {
	PartName string   `json:"part_name"`
	Passed   bool     `json:"passed"`
	Findings []string `json:"findings"`
}

type IterativeStart struct {
	TotalSteps int         `json:"total_steps"`
	Steps      []BuildStep `json:"steps"`
}

type IterativeStepStarted struct {
	StepIndex   int    `json:"step_index"`
	StepName    string `json:"step_name"`
	Description string `json:"description"`
}

type IterativeStepComplete struct {
	StepIndex int     `json:"step_index"`
	Success   bool    `json:"success"`
	StlBase64 *string `json:"stl_base64"`
}

type IterativeStepRetry struct {
	StepIndex int    `json:"step_index"`
	Attempt   int    `json:"attempt"`
	Error     string `json:"error"`
}

type IterativeStepSkipped struct {
	StepIndex int    `json:"step_index"`
	Name      string `json:"name"`
	Error     string `json:"error"`
}

type IterativeComplete struct {
	FinalCode    string        `json:"final_code"`
	StlBase64    *string       `json:"stl_base64"`
	SkippedSteps []SkippedStep `json:"skipped_steps"`
}

type ModificationDetected struct {
	IntentSummary string `json:"intent_summary"`
}

type CodeDiff struct {
	DiffLines    []DiffLine `json:"diff_lines"`
	OldLineCount int        `json:"old_line_count"`
	NewLineCount int        `json:"new_line_count"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
}

type ConsensusStarted struct {
	CandidateCount int `json:"candidate_count"`
}

type ConsensusCandidate struct {
	Label            string  `json:"label"`
	Temperature      float32 `json:"temperature"`
	Status           string  `json:"status"`
	HasCode          *bool   `json:"has_code"`
	ExecutionSuccess *bool   `json:"execution_success"`
}

type ConsensusWinner struct {
	Label  string `json:"label"`
	Score  int    `json:"score"`
	Reason string `json:"reason"`
}

// ClarificationNeeded halts the flow until the user answers the
// backend's clarifying questions.
type ClarificationNeeded struct {
	Questions []string `json:"questions"`
}

// Done terminates a generation stream.
type Done struct {
	Success   bool    `json:"success"`
	Error     *string `json:"error"`
	Validated bool    `json:"validated"`
}

func (RetrievalStatus) Kind() string               { return "RetrievalStatus" }
func (DesignPlan) Kind() string                    { return "DesignPlan" }
func (PlanValidation) Kind() string                { return "PlanValidation" }
func (ConfidenceAssessment) Kind() string          { return "ConfidenceAssessment" }
func (PlanStatus) Kind() string                    { return "PlanStatus" }
func (PlanResult) Kind() string                    { return "PlanResult" }
func (SingleDelta) Kind() string                   { return "SingleDelta" }
func (SingleDone) Kind() string                    { return "SingleDone" }
func (PartDelta) Kind() string                     { return "PartDelta" }
func (PartComplete) Kind() string                  { return "PartComplete" }
func (PartCodeExtracted) Kind() string             { return "PartCodeExtracted" }
func (PartStlReady) Kind() string                  { return "PartStlReady" }
func (PartStlFailed) Kind() string                 { return "PartStlFailed" }
func (AssemblyStatus) Kind() string                { return "AssemblyStatus" }
func (FinalCode) Kind() string                     { return "FinalCode" }
func (ReviewStatus) Kind() string                  { return "ReviewStatus" }
func (ReviewComplete) Kind() string                { return "ReviewComplete" }
func (TokenUsage) Kind() string                    { return "TokenUsage" }
func (ValidationAttempt) Kind() string             { return "ValidationAttempt" }
func (StaticValidationReport) Kind() string        { return "StaticValidationReport" }
func (ValidationSuccess) Kind() string             { return "ValidationSuccess" }
func (ValidationFailed) Kind() string              { return "ValidationFailed" }
func (PostGeometryValidationReport) Kind() string  { return "PostGeometryValidationReport" }
func (PostGeometryValidationWarning) Kind() string { return "PostGeometryValidationWarning" }
func (SemanticValidationReport) Kind() string      { return "SemanticValidationReport" }
func (IterativeStart) Kind() string                { return "IterativeStart" }
func (IterativeStepStarted) Kind() string          { return "IterativeStepStarted" }
func (IterativeStepComplete) Kind() string         { return "IterativeStepComplete" }
func (IterativeStepRetry) Kind() string            { return "IterativeStepRetry" }
func (IterativeStepSkipped) Kind() string          { return "IterativeStepSkipped" }
func (IterativeComplete) Kind() string             { return "IterativeComplete" }
func (ModificationDetected) Kind() string          { return "ModificationDetected" }
func (CodeDiff) Kind() string                      { return "CodeDiff" }
func (ConsensusStarted) Kind() string              { return "ConsensusStarted" }
func (ConsensusCandidate) Kind() string            { return "ConsensusCandidate" }
func (ConsensusWinner) Kind() string               { return "ConsensusWinner" }
func (ClarificationNeeded) Kind() string           { return "ClarificationNeeded" }
func (Done) Kind() string                          { return "Done" }
