// Package policy loads coverage-policy documents (LCD/NCD/internal medical
// policies) from YAML and evaluates their clinical criteria against gathered
// case facts using embedded OPA Rego rules.
package policy

// Document is one coverage policy: the criteria a service must meet to be
// covered. Documents are produced by the policy-ingestion pipeline and read
// here as YAML.
type Document struct {
	ID             string      `yaml:"id" json:"id"`
	Type           string      `yaml:"type" json:"type"` // "lcd", "ncd", "internal"
	Title          string      `yaml:"title" json:"title"`
	Version        string      `yaml:"version" json:"version"`
	ProcedureCodes []string    `yaml:"procedure_codes" json:"procedure_codes"`
	Criteria       []Criterion `yaml:"criteria" json:"criteria"`
}

// Criterion is one clinical requirement within a policy.
type Criterion struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Rule        Rule   `yaml:"rule" json:"rule"`
}

// Rule is the machine-evaluable form of a criterion. Exactly one kind applies:
//
//   - code_present: a diagnosis/procedure code must appear in the case facts.
//   - threshold: an observation identified by Metric (a LOINC code) must
//     satisfy Operator against Value.
//   - entity_present: an NLP entity of EntityType must be affirmed in the
//     clinical documentation.
type Rule struct {
	Kind       string  `yaml:"kind" json:"kind"`
	System     string  `yaml:"system,omitempty" json:"system,omitempty"`
	Code       string  `yaml:"code,omitempty" json:"code,omitempty"`
	Metric     string  `yaml:"metric,omitempty" json:"metric,omitempty"`
	Operator   string  `yaml:"operator,omitempty" json:"operator,omitempty"` // lt, le, gt, ge, eq
	Value      float64 `yaml:"value,omitempty" json:"value,omitempty"`
	EntityType string  `yaml:"entity_type,omitempty" json:"entity_type,omitempty"`
	EntityText string  `yaml:"entity_text,omitempty" json:"entity_text,omitempty"`
}

// CriterionStatus is the evaluated state of one criterion.
type CriterionStatus string

const (
	StatusMet     CriterionStatus = "MET"
	StatusNotMet  CriterionStatus = "NOT_MET"
	StatusUnknown CriterionStatus = "UNKNOWN"
)

// Finding is the evaluation result for one criterion.
type Finding struct {
	CriterionID string          `json:"criterion_id"`
	Description string          `json:"description"`
	Status      CriterionStatus `json:"status"`
}

// FactObservation is a numeric clinical fact keyed by a LOINC code.
type FactObservation struct {
	Code        string  `json:"code"`
	Value       float64 `json:"value"`
	ResourceRef string  `json:"resource_ref,omitempty"`
}

// FactEntity is an NLP-extracted fact.
type FactEntity struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Code      string `json:"code,omitempty"`
	Assertion string `json:"assertion"`
}

// Facts is the evaluation input: everything the agent has gathered about the
// case, flattened for the rule engine.
type Facts struct {
	Codes        []string          `json:"codes"`
	Observations []FactObservation `json:"observations"`
	Entities     []FactEntity      `json:"entities"`
}
