// Package nlp defines the call contract to the clinical NLP sidecar: plain
// text extraction from clinical documents and clinical entity extraction
// (problems, medications, signs/symptoms, lab values) with assertion polarity
// and temporality. The sidecar itself (a cTAKES-compatible REST service) is an
// external collaborator.
package nlp

import (
	"context"
	"errors"
)

// ErrUnavailable is returned when the sidecar cannot be reached.
var ErrUnavailable = errors.New("nlp service unavailable")

// Span is a character range in the analyzed text.
type Span struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Entity is one clinical concept found in free text.
type Entity struct {
	Text         string   `json:"text"`
	Type         string   `json:"type"` // "problem", "medication", "sign_symptom", "lab"
	Code         string   `json:"code,omitempty"`
	CodeSystem   string   `json:"codeSystem,omitempty"`
	CodeDisplay  string   `json:"codeDisplay,omitempty"`
	Assertion    string   `json:"assertion"`   // "affirmed", "negated", "uncertain"
	Temporality  string   `json:"temporality"` // "current", "historical", "hypothetical"
	NumericValue *float64 `json:"numericValue,omitempty"`
	Unit         string   `json:"unit,omitempty"`
	Spans        []Span   `json:"spans,omitempty"`
}

// Service is the contract to the clinical NLP sidecar.
type Service interface {
	// ExtractText converts a clinical document (PDF, RTF, HTML) to plain text.
	ExtractText(ctx context.Context, filename string, content []byte) (string, error)
	// Analyze extracts clinical entities from plain text.
	Analyze(ctx context.Context, text string) ([]Entity, error)
}
