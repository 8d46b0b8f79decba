package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func copdDoc() *Document {
	return &Document{
		ID:             "LCD-33797",
		Type:           "lcd",
		Title:          "Home Oxygen Therapy",
		Version:        "2024.1",
		ProcedureCodes: []string{"E1390"},
		Criteria: []Criterion{
			{ID: "dx-copd", Description: "Qualifying diagnosis documented",
				Rule: Rule{Kind: "code_present", System: "ICD-10", Code: "J44.1"}},
			{ID: "spo2-low", Description: "Resting SpO2 below 88 percent",
				Rule: Rule{Kind: "threshold", Metric: "59408-5", Operator: "lt", Value: 88}},
			{ID: "hypoxemia-documented", Description: "Hypoxemia affirmed in notes",
				Rule: Rule{Kind: "entity_present", EntityType: "problem", EntityText: "hypoxemia"}},
		},
	}
}

func statuses(t *testing.T, findings []Finding) map[string]CriterionStatus {
	t.Helper()
	out := make(map[string]CriterionStatus, len(findings))
	for _, f := range findings {
		out[f.CriterionID] = f.Status
	}
	return out
}

func TestEvaluateAllMet(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	findings, err := eng.Evaluate(context.Background(), copdDoc(), &Facts{
		Codes:        []string{"J44.1", "J96.00"},
		Observations: []FactObservation{{Code: "59408-5", Value: 86, ResourceRef: "Observation/obs-1"}},
		Entities:     []FactEntity{{Type: "problem", Text: "chronic hypoxemia", Assertion: "affirmed"}},
	})
	require.NoError(t, err)
	require.Len(t, findings, 3)

	got := statuses(t, findings)
	assert.Equal(t, StatusMet, got["dx-copd"])
	assert.Equal(t, StatusMet, got["spo2-low"])
	assert.Equal(t, StatusMet, got["hypoxemia-documented"])
}

func TestEvaluateThresholdNotMet(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	findings, err := eng.Evaluate(context.Background(), copdDoc(), &Facts{
		Codes:        []string{"J44.1"},
		Observations: []FactObservation{{Code: "59408-5", Value: 94}},
	})
	require.NoError(t, err)

	got := statuses(t, findings)
	assert.Equal(t, StatusMet, got["dx-copd"])
	assert.Equal(t, StatusNotMet, got["spo2-low"])
	// No entity facts at all: the criterion is undecidable, not failed.
	assert.Equal(t, StatusUnknown, got["hypoxemia-documented"])
}

func TestEvaluateNegatedEntity(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	findings, err := eng.Evaluate(context.Background(), copdDoc(), &Facts{
		Entities: []FactEntity{{Type: "problem", Text: "hypoxemia", Assertion: "negated"}},
	})
	require.NoError(t, err)

	got := statuses(t, findings)
	assert.Equal(t, StatusUnknown, got["dx-copd"])
	assert.Equal(t, StatusNotMet, got["hypoxemia-documented"])
}

func TestEvaluateEmptyFacts(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	findings, err := eng.Evaluate(context.Background(), copdDoc(), &Facts{})
	require.NoError(t, err)
	for _, f := range findings {
		assert.Equal(t, StatusUnknown, f.Status, f.CriterionID)
	}
}

func TestEvaluatePreservesDocumentOrder(t *testing.T) {
	eng, err := NewEngine()
	require.NoError(t, err)

	findings, err := eng.Evaluate(context.Background(), copdDoc(), &Facts{Codes: []string{"J44.1"}})
	require.NoError(t, err)
	require.Len(t, findings, 3)
	assert.Equal(t, "dx-copd", findings[0].CriterionID)
	assert.Equal(t, "spo2-low", findings[1].CriterionID)
	assert.Equal(t, "hypoxemia-documented", findings[2].CriterionID)
}
