// Package determination defines the structured output of a review run and
// validates what the model produces against the schema and the clinical
// business rules before anything downstream trusts it.
package determination

import "github.com/arbiterhealth/arbiter/internal/policy"

// Outcome is the disposition of a prior-authorization review.
type Outcome string

const (
	OutcomeAutoApprove Outcome = "AUTO_APPROVE"
	OutcomeMDReview    Outcome = "MD_REVIEW"
	OutcomeDeny        Outcome = "DENY"
	OutcomeMoreInfo    Outcome = "MORE_INFO"
)

// Result is the final structured determination for one case review.
type Result struct {
	Outcome     Outcome           `json:"outcome"`
	Confidence  float64           `json:"confidence"`
	PolicyBasis []PolicyBasis     `json:"policy_basis"`
	Criteria    []CriterionResult `json:"criteria,omitempty"`
	Escalation  *Escalation       `json:"escalation,omitempty"`
	Audit       AuditInfo         `json:"audit"`

	// Normalizations records adjustments the validator applied (for example
	// an unevidenced auto-approval downgraded to MD review). Not part of the
	// wire format.
	Normalizations []string `json:"-"`
}

// PolicyBasis cites one coverage policy the determination rests on.
type PolicyBasis struct {
	PolicyID string `json:"policy_id"`
	Type     string `json:"type"` // "lcd", "ncd", "internal"
	Version  string `json:"version,omitempty"`
	Citation string `json:"citation,omitempty"`
}

// CriterionResult is the per-criterion assessment backing the outcome.
type CriterionResult struct {
	CriterionID string                 `json:"criterion_id"`
	Description string                 `json:"description,omitempty"`
	Status      policy.CriterionStatus `json:"status"`
	Method      string                 `json:"method,omitempty"` // "structured", "nlp", "llm"
	Confidence  float64                `json:"confidence,omitempty"`
	Evidence    []EvidenceItem         `json:"evidence,omitempty"`
}

// EvidenceItem ties a criterion assessment back to a concrete fact in the
// case record or its documents.
type EvidenceItem struct {
	ResourceRef   string         `json:"resource_ref,omitempty"`
	FieldPath     string         `json:"field_path,omitempty"`
	Value         interface{}    `json:"value,omitempty"` // string, number, or boolean
	EffectiveTime string         `json:"effective_time,omitempty"`
	Assertion     string         `json:"assertion,omitempty"`
	Method        string         `json:"method,omitempty"`
	Confidence    float64        `json:"confidence,omitempty"`
	Source        *SourceLocator `json:"source,omitempty"`
}

// SourceLocator pins evidence to a span inside a source document.
type SourceLocator struct {
	DocumentRef string `json:"document_ref"`
	StartOffset int    `json:"start_offset,omitempty"`
	EndOffset   int    `json:"end_offset,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
	Excerpt     string `json:"excerpt,omitempty"`
}

// Escalation explains why a case needs human review or more information.
type Escalation struct {
	Summary     string        `json:"summary"`
	MissingInfo []MissingInfo `json:"missing_info,omitempty"`
}

// MissingInfo is one concrete question back to the submitting provider.
type MissingInfo struct {
	QuestionID  string `json:"question_id,omitempty"`
	Question    string `json:"question"`
	DataElement string `json:"data_element,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

// AuditInfo records what produced this determination.
type AuditInfo struct {
	RuleEngineVersion string `json:"rule_engine_version,omitempty"`
	ArtifactBundle    string `json:"artifact_bundle,omitempty"`
	ModelID           string `json:"model_id,omitempty"`
	PromptVersion     string `json:"prompt_version,omitempty"`
	InputHash         string `json:"input_hash,omitempty"`
	OutputHash        string `json:"output_hash,omitempty"`
}
