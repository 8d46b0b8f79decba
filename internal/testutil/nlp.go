package testutil

import (
	"context"

	"github.com/arbiterhealth/arbiter/internal/nlp"
)

// FakeNLP implements nlp.Service with canned responses.
type FakeNLP struct {
	Texts      map[string]string // extracted text keyed by filename
	Entities   []nlp.Entity
	ExtractErr error
	AnalyzeErr error
}

// NewCOPDNLP returns a fake whose analysis matches the home-oxygen scenario.
func NewCOPDNLP() *FakeNLP {
	spo2 := 86.0
	return &FakeNLP{
		Texts: map[string]string{
			"hp-note.pdf": "Admitted with COPD exacerbation and chronic hypoxemia. Resting SpO2: 86% on room air.",
		},
		Entities: []nlp.Entity{
			{Text: "COPD exacerbation", Type: "problem", Code: "J44.1", CodeSystem: "ICD-10", Assertion: "affirmed", Temporality: "current", Spans: []nlp.Span{{Start: 14, End: 31}}},
			{Text: "chronic hypoxemia", Type: "problem", Assertion: "affirmed", Temporality: "current", Spans: []nlp.Span{{Start: 36, End: 53}}},
			{Text: "SpO2: 86%", Type: "lab", Code: "59408-5", CodeSystem: "LOINC", Assertion: "affirmed", NumericValue: &spo2, Unit: "%", Spans: []nlp.Span{{Start: 63, End: 72}}},
		},
	}
}

func (f *FakeNLP) ExtractText(_ context.Context, filename string, _ []byte) (string, error) {
	if f.ExtractErr != nil {
		return "", f.ExtractErr
	}
	return f.Texts[filename], nil
}

func (f *FakeNLP) Analyze(_ context.Context, _ string) ([]nlp.Entity, error) {
	if f.AnalyzeErr != nil {
		return nil, f.AnalyzeErr
	}
	return f.Entities, nil
}
