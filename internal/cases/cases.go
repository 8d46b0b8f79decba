// Package cases defines the call contract to the external case-data system:
// case summaries, structured clinical data, attachments, review history,
// notes, and member coverage. The system behind this contract owns the FHIR
// resources and the relational case schema; this engine only reads from it.
package cases

import (
	"context"
	"errors"
	"time"
)

// Domain errors surfaced by Service implementations.
var (
	ErrCaseNotFound       = errors.New("case not found")
	ErrAttachmentNotFound = errors.New("attachment not found")
)

// Code is a coded concept (ICD-10-CM, CPT/HCPCS, LOINC, RxNorm).
type Code struct {
	System  string `json:"system"`
	Code    string `json:"code"`
	Display string `json:"display,omitempty"`
}

// Summary is the top-level view of a prior-authorization case.
type Summary struct {
	CaseNumber       string    `json:"case_number"`
	MemberID         string    `json:"member_id"`
	ProcedureCode    Code      `json:"procedure_code"`
	PrimaryDiagnosis Code      `json:"primary_diagnosis"`
	Diagnoses        []Code    `json:"diagnoses,omitempty"`
	RequestedUnits   int       `json:"requested_units"`
	Urgency          string    `json:"urgency"` // "routine" or "expedited"
	Provider         string    `json:"requesting_provider"`
	SubmittedAt      time.Time `json:"submitted_at"`
}

// Condition is a structured problem-list entry.
type Condition struct {
	ResourceRef    string     `json:"resource_ref"` // e.g. "Condition/cond-123"
	Code           Code       `json:"code"`
	ClinicalStatus string     `json:"clinical_status"`
	OnsetDate      *time.Time `json:"onset_date,omitempty"`
}

// Observation is a structured vital sign or lab result.
type Observation struct {
	ResourceRef   string     `json:"resource_ref"` // e.g. "Observation/obs-456"
	Code          Code       `json:"code"`
	Value         float64    `json:"value"`
	Unit          string     `json:"unit,omitempty"`
	EffectiveTime *time.Time `json:"effective_time,omitempty"`
}

// Medication is an active or historical medication order.
type Medication struct {
	ResourceRef string `json:"resource_ref"`
	Code        Code   `json:"code"`
	Status      string `json:"status"`
}

// ClinicalData bundles the structured clinical record for a case.
type ClinicalData struct {
	Conditions   []Condition   `json:"conditions,omitempty"`
	Observations []Observation `json:"observations,omitempty"`
	Medications  []Medication  `json:"medications,omitempty"`
}

// Attachment describes a clinical document attached to a case.
type Attachment struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentType string    `json:"content_type"`
	SizeBytes   int64     `json:"size_bytes"`
	CreatedAt   time.Time `json:"created_at"`
}

// Document is a downloaded attachment with its content.
type Document struct {
	Attachment
	Content []byte `json:"-"`
}

// HistoryEntry is a prior authorization decision for the same member.
type HistoryEntry struct {
	AuthNumber    string    `json:"auth_number"`
	ProcedureCode Code      `json:"procedure_code"`
	Outcome       string    `json:"outcome"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Note is a free-text care-management or intake note on the case.
type Note struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Coverage is the member's plan eligibility at the time of the request.
type Coverage struct {
	MemberID      string     `json:"member_id"`
	PlanID        string     `json:"plan_id"`
	PlanName      string     `json:"plan_name"`
	Active        bool       `json:"active"`
	EffectiveFrom time.Time  `json:"effective_from"`
	EffectiveTo   *time.Time `json:"effective_to,omitempty"`
}

// Service is the read contract to the case-data system. Every method is
// bounded by the caller's context deadline.
type Service interface {
	Summary(ctx context.Context, caseNumber string) (*Summary, error)
	ClinicalData(ctx context.Context, caseNumber string) (*ClinicalData, error)
	ListAttachments(ctx context.Context, caseNumber string) ([]Attachment, error)
	DownloadAttachment(ctx context.Context, caseNumber, attachmentID string) (*Document, error)
	History(ctx context.Context, caseNumber string) ([]HistoryEntry, error)
	Notes(ctx context.Context, caseNumber string) ([]Note, error)
	MemberCoverage(ctx context.Context, caseNumber string) (*Coverage, error)
}
