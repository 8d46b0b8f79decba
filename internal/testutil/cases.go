package testutil

import (
	"context"
	"time"

	"github.com/arbiterhealth/arbiter/internal/cases"
)

// FakeCaseService implements cases.Service from in-memory maps. Errs lets a
// test fail a specific method by name ("ClinicalData", "Summary", ...).
type FakeCaseService struct {
	Summaries   map[string]*cases.Summary
	Clinical    map[string]*cases.ClinicalData
	Attachments map[string][]cases.Attachment
	Contents    map[string][]byte // keyed by attachment ID
	Histories   map[string][]cases.HistoryEntry
	CaseNotes   map[string][]cases.Note
	Coverages   map[string]*cases.Coverage
	Errs        map[string]error
}

// NewCOPDCase seeds a fake with the home-oxygen scenario: COPD with acute
// hypoxemic respiratory failure, an SpO2 of 86%, and an H&P attachment.
func NewCOPDCase() *FakeCaseService {
	submitted := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	measured := submitted.Add(-24 * time.Hour)
	coverageEnd := submitted.AddDate(1, 0, 0)
	return &FakeCaseService{
		Summaries: map[string]*cases.Summary{
			"PA-2024-001": {
				CaseNumber:       "PA-2024-001",
				MemberID:         "M-100234",
				ProcedureCode:    cases.Code{System: "HCPCS", Code: "E1390", Display: "Oxygen concentrator"},
				PrimaryDiagnosis: cases.Code{System: "ICD-10", Code: "J44.1", Display: "COPD with acute exacerbation"},
				Diagnoses: []cases.Code{
					{System: "ICD-10", Code: "J44.1", Display: "COPD with acute exacerbation"},
					{System: "ICD-10", Code: "J96.00", Display: "Acute respiratory failure with hypoxia"},
				},
				RequestedUnits: 1,
				Urgency:        "routine",
				Provider:       "Dr. Reyes, Pulmonology",
				SubmittedAt:    submitted,
			},
		},
		Clinical: map[string]*cases.ClinicalData{
			"PA-2024-001": {
				Conditions: []cases.Condition{
					{ResourceRef: "Condition/cond-1", Code: cases.Code{System: "ICD-10", Code: "J44.1"}, ClinicalStatus: "active"},
					{ResourceRef: "Condition/cond-2", Code: cases.Code{System: "ICD-10", Code: "J96.00"}, ClinicalStatus: "active"},
				},
				Observations: []cases.Observation{
					{ResourceRef: "Observation/obs-1", Code: cases.Code{System: "LOINC", Code: "59408-5", Display: "Oxygen saturation"}, Value: 86, Unit: "%", EffectiveTime: &measured},
				},
				Medications: []cases.Medication{
					{ResourceRef: "MedicationRequest/med-1", Code: cases.Code{System: "RxNorm", Code: "69120", Display: "Tiotropium"}, Status: "active"},
				},
			},
		},
		Attachments: map[string][]cases.Attachment{
			"PA-2024-001": {
				{ID: "att-1", Filename: "hp-note.pdf", ContentType: "application/pdf", SizeBytes: 48231, CreatedAt: submitted},
			},
		},
		Contents: map[string][]byte{
			"att-1": []byte("%PDF-1.4 fake H&P note"),
		},
		Histories: map[string][]cases.HistoryEntry{
			"PA-2024-001": {
				{AuthNumber: "PA-2023-118", ProcedureCode: cases.Code{System: "CPT", Code: "94760", Display: "Pulse oximetry"}, Outcome: "APPROVED", DecidedAt: submitted.AddDate(0, -6, 0)},
			},
		},
		CaseNotes: map[string][]cases.Note{
			"PA-2024-001": {
				{Author: "intake", Text: "Provider faxed updated oximetry results.", CreatedAt: submitted},
			},
		},
		Coverages: map[string]*cases.Coverage{
			"PA-2024-001": {
				MemberID:      "M-100234",
				PlanID:        "PLN-44",
				PlanName:      "Complete Care HMO",
				Active:        true,
				EffectiveFrom: submitted.AddDate(-1, 0, 0),
				EffectiveTo:   &coverageEnd,
			},
		},
		Errs: map[string]error{},
	}
}

func (f *FakeCaseService) Summary(_ context.Context, caseNumber string) (*cases.Summary, error) {
	if err := f.Errs["Summary"]; err != nil {
		return nil, err
	}
	s, ok := f.Summaries[caseNumber]
	if !ok {
		return nil, cases.ErrCaseNotFound
	}
	return s, nil
}

func (f *FakeCaseService) ClinicalData(_ context.Context, caseNumber string) (*cases.ClinicalData, error) {
	if err := f.Errs["ClinicalData"]; err != nil {
		return nil, err
	}
	d, ok := f.Clinical[caseNumber]
	if !ok {
		return nil, cases.ErrCaseNotFound
	}
	return d, nil
}

func (f *FakeCaseService) ListAttachments(_ context.Context, caseNumber string) ([]cases.Attachment, error) {
	if err := f.Errs["ListAttachments"]; err != nil {
		return nil, err
	}
	if _, ok := f.Summaries[caseNumber]; !ok {
		return nil, cases.ErrCaseNotFound
	}
	return f.Attachments[caseNumber], nil
}

func (f *FakeCaseService) DownloadAttachment(_ context.Context, caseNumber, attachmentID string) (*cases.Document, error) {
	if err := f.Errs["DownloadAttachment"]; err != nil {
		return nil, err
	}
	for _, att := range f.Attachments[caseNumber] {
		if att.ID == attachmentID {
			return &cases.Document{Attachment: att, Content: f.Contents[attachmentID]}, nil
		}
	}
	return nil, cases.ErrAttachmentNotFound
}

func (f *FakeCaseService) History(_ context.Context, caseNumber string) ([]cases.HistoryEntry, error) {
	if err := f.Errs["History"]; err != nil {
		return nil, err
	}
	if _, ok := f.Summaries[caseNumber]; !ok {
		return nil, cases.ErrCaseNotFound
	}
	return f.Histories[caseNumber], nil
}

func (f *FakeCaseService) Notes(_ context.Context, caseNumber string) ([]cases.Note, error) {
	if err := f.Errs["Notes"]; err != nil {
		return nil, err
	}
	if _, ok := f.Summaries[caseNumber]; !ok {
		return nil, cases.ErrCaseNotFound
	}
	return f.CaseNotes[caseNumber], nil
}

func (f *FakeCaseService) MemberCoverage(_ context.Context, caseNumber string) (*cases.Coverage, error) {
	if err := f.Errs["MemberCoverage"]; err != nil {
		return nil, err
	}
	c, ok := f.Coverages[caseNumber]
	if !ok {
		return nil, cases.ErrCaseNotFound
	}
	return c, nil
}
