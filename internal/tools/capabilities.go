package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/microcosm-cc/bluemonday"

	"github.com/arbiterhealth/arbiter/internal/cases"
	"github.com/arbiterhealth/arbiter/internal/nlp"
	"github.com/arbiterhealth/arbiter/internal/policy"
)

// Deps are the backends the capability set draws on.
type Deps struct {
	Cases   cases.Service
	NLP     nlp.Service
	Catalog *policy.Catalog
	Engine  *policy.Engine
}

// capability is the common shape for registry entries built from closures.
type capability struct {
	name        string
	description string
	parameters  map[string]interface{}
	newArgs     func() interface{}
	run         func(ctx context.Context, args interface{}) (interface{}, error)
}

func (c *capability) Name() string                        { return c.name }
func (c *capability) Description() string                 { return c.description }
func (c *capability) Parameters() map[string]interface{}  { return c.parameters }
func (c *capability) NewArgs() interface{}                { return c.newArgs() }
func (c *capability) Execute(ctx context.Context, args interface{}) (interface{}, error) {
	return c.run(ctx, args)
}

type caseArgs struct {
	CaseNumber string `json:"case_number" validate:"required"`
}

type attachmentArgs struct {
	CaseNumber   string `json:"case_number" validate:"required"`
	AttachmentID string `json:"attachment_id" validate:"required"`
}

type textArgs struct {
	Text string `json:"text" validate:"required"`
}

type rulesArgs struct {
	PolicyID string       `json:"policy_id" validate:"required"`
	Facts    policy.Facts `json:"facts"`
}

type policyLookupArgs struct {
	PolicyID      string `json:"policy_id" validate:"required_without=ProcedureCode"`
	ProcedureCode string `json:"procedure_code" validate:"required_without=PolicyID"`
}

func objSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func caseNumberSchema() map[string]interface{} {
	return objSchema(map[string]interface{}{
		"case_number": map[string]interface{}{"type": "string", "description": "Prior-authorization case number"},
	}, "case_number")
}

// NewRegistry builds the full capability set for case review.
func NewRegistry(deps Deps) *Registry {
	r := NewEmptyRegistry()
	sanitizer := bluemonday.StrictPolicy()

	r.Register(&capability{
		name:        "case_summary",
		description: "Fetch the case header: member, procedure, diagnoses, urgency, and requesting provider.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.Summary(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "clinical_data",
		description: "Fetch structured clinical data for the case: conditions, observations with values and units, and medications.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.ClinicalData(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "list_attachments",
		description: "List documents attached to the case with filenames, content types, and sizes.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.ListAttachments(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "download_attachment",
		description: "Download one attachment and return its metadata and content hash. Use extract_document_text to read it.",
		parameters: objSchema(map[string]interface{}{
			"case_number":   map[string]interface{}{"type": "string"},
			"attachment_id": map[string]interface{}{"type": "string"},
		}, "case_number", "attachment_id"),
		newArgs: func() interface{} { return &attachmentArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*attachmentArgs)
			doc, err := deps.Cases.DownloadAttachment(ctx, a.CaseNumber, a.AttachmentID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"attachment_id": doc.Attachment.ID,
				"filename":      doc.Attachment.Filename,
				"content_type":  doc.Attachment.ContentType,
				"size_bytes":    len(doc.Content),
				"content_hash":  contentHash(doc.Content),
			}, nil
		},
	})

	r.Register(&capability{
		name:        "case_history",
		description: "Fetch the member's prior-authorization history: past requests, procedure codes, and outcomes.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.History(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "case_notes",
		description: "Fetch free-text notes reviewers and intake staff have left on the case.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.Notes(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "member_coverage",
		description: "Fetch the member's plan and eligibility window for the case.",
		parameters:  caseNumberSchema(),
		newArgs:     func() interface{} { return &caseArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*caseArgs)
			return deps.Cases.MemberCoverage(ctx, a.CaseNumber)
		},
	})

	r.Register(&capability{
		name:        "extract_document_text",
		description: "Download an attachment and extract its plain text for reading. Markup is stripped; the content hash identifies the exact source bytes for evidence citations.",
		parameters: objSchema(map[string]interface{}{
			"case_number":   map[string]interface{}{"type": "string"},
			"attachment_id": map[string]interface{}{"type": "string"},
		}, "case_number", "attachment_id"),
		newArgs: func() interface{} { return &attachmentArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*attachmentArgs)
			doc, err := deps.Cases.DownloadAttachment(ctx, a.CaseNumber, a.AttachmentID)
			if err != nil {
				return nil, err
			}
			text, err := deps.NLP.ExtractText(ctx, doc.Attachment.Filename, doc.Content)
			if err != nil {
				return nil, fmt.Errorf("extracting text from %s: %w", doc.Attachment.Filename, err)
			}
			clean := sanitizer.Sanitize(text)
			return map[string]interface{}{
				"attachment_id": doc.Attachment.ID,
				"filename":      doc.Attachment.Filename,
				"content_hash":  contentHash(doc.Content),
				"text":          clean,
				"length":        len(clean),
			}, nil
		},
	})

	r.Register(&capability{
		name:        "extract_clinical_entities",
		description: "Run clinical NLP over text: returns coded entities (problems, labs, medications) with assertion polarity, numeric values, and character spans.",
		parameters: objSchema(map[string]interface{}{
			"text": map[string]interface{}{"type": "string", "description": "Clinical narrative to analyze"},
		}, "text"),
		newArgs: func() interface{} { return &textArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*textArgs)
			entities, err := deps.NLP.Analyze(ctx, a.Text)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"entities": entities}, nil
		},
	})

	r.Register(&capability{
		name:        "evaluate_coverage_rules",
		description: "Evaluate a coverage policy's criteria against gathered facts. Returns MET/NOT_MET/UNKNOWN per criterion.",
		parameters: objSchema(map[string]interface{}{
			"policy_id": map[string]interface{}{"type": "string"},
			"facts": objSchema(map[string]interface{}{
				"codes": map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
				"observations": map[string]interface{}{"type": "array", "items": objSchema(map[string]interface{}{
					"code":         map[string]interface{}{"type": "string"},
					"value":        map[string]interface{}{"type": "number"},
					"resource_ref": map[string]interface{}{"type": "string"},
				}, "code", "value")},
				"entities": map[string]interface{}{"type": "array", "items": objSchema(map[string]interface{}{
					"type":      map[string]interface{}{"type": "string"},
					"text":      map[string]interface{}{"type": "string"},
					"code":      map[string]interface{}{"type": "string"},
					"assertion": map[string]interface{}{"type": "string"},
				}, "type", "text", "assertion")},
			}),
		}, "policy_id"),
		newArgs: func() interface{} { return &rulesArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*rulesArgs)
			doc, ok := deps.Catalog.Get(a.PolicyID)
			if !ok {
				return nil, fmt.Errorf("policy %s not found", a.PolicyID)
			}
			findings, err := deps.Engine.Evaluate(ctx, doc, &a.Facts)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"policy_id":           doc.ID,
				"policy_version":      doc.Version,
				"rule_engine_version": policy.RuleEngineVersion,
				"findings":            findings,
			}, nil
		},
	})

	r.Register(&capability{
		name:        "policy_lookup",
		description: "Look up coverage policies by ID or by procedure code. Returns the criteria a request must satisfy.",
		parameters: objSchema(map[string]interface{}{
			"policy_id":      map[string]interface{}{"type": "string"},
			"procedure_code": map[string]interface{}{"type": "string"},
		}),
		newArgs: func() interface{} { return &policyLookupArgs{} },
		run: func(ctx context.Context, args interface{}) (interface{}, error) {
			a := args.(*policyLookupArgs)
			if a.PolicyID != "" {
				doc, ok := deps.Catalog.Get(a.PolicyID)
				if !ok {
					return nil, fmt.Errorf("policy %s not found", a.PolicyID)
				}
				return map[string]interface{}{"policies": []*policy.Document{doc}}, nil
			}
			return map[string]interface{}{"policies": deps.Catalog.ForProcedure(a.ProcedureCode)}, nil
		},
	})

	return r
}

func contentHash(content []byte) string {
	sum := sha256.Sum256(content)
	return "sha256:" + hex.EncodeToString(sum[:])
}
