package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	arbiterotel "github.com/arbiterhealth/arbiter/internal/otel"
)

var tracer = arbiterotel.Tracer("github.com/arbiterhealth/arbiter/internal/policy")

//go:embed rego/*.rego
var embeddedRules embed.FS

const (
	coverageModule = "rego/coverage.rego"
	metQuery       = "data.arbiter.coverage.met"
	notMetQuery    = "data.arbiter.coverage.not_met"
)

// RuleEngineVersion identifies the embedded rule set. Recorded in every
// determination's audit sub-object so findings are reproducible.
const RuleEngineVersion = "arbiter-coverage/1"

// Engine evaluates a policy document's criteria using embedded OPA rules.
type Engine struct {
	module string
}

// NewEngine loads the embedded Rego module.
func NewEngine() (*Engine, error) {
	content, err := embeddedRules.ReadFile(coverageModule)
	if err != nil {
		return nil, fmt.Errorf("reading embedded rules: %w", err)
	}
	return &Engine{module: string(content)}, nil
}

// Evaluate runs every criterion of doc against the given facts and returns
// one Finding per criterion, in document order. Criteria no fact can decide
// come back UNKNOWN; a criterion supported by one fact and contradicted by
// another resolves to MET (any qualifying value satisfies the rule).
func (e *Engine) Evaluate(ctx context.Context, doc *Document, facts *Facts) ([]Finding, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate", trace.WithAttributes(
		attribute.String("policy.id", doc.ID),
		attribute.String("policy.version", doc.Version),
	))
	defer span.End()

	docData, err := toData(doc)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("converting policy to OPA data: %w", err)
	}
	input, err := toData(facts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("converting facts to OPA input: %w", err)
	}

	store := inmem.NewFromObject(map[string]interface{}{"policy": docData})

	met, err := e.evalSet(ctx, store, metQuery, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	notMet, err := e.evalSet(ctx, store, notMetQuery, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	findings := make([]Finding, 0, len(doc.Criteria))
	for _, cr := range doc.Criteria {
		status := StatusUnknown
		switch {
		case met[cr.ID]:
			status = StatusMet
		case notMet[cr.ID]:
			status = StatusNotMet
		}
		findings = append(findings, Finding{
			CriterionID: cr.ID,
			Description: cr.Description,
			Status:      status,
		})
	}

	span.SetAttributes(attribute.Int("policy.criteria_evaluated", len(findings)))
	return findings, nil
}

// evalSet runs one query that yields a set of criterion IDs.
func (e *Engine) evalSet(ctx context.Context, store storage.Store, query string, input interface{}) (map[string]bool, error) {
	r := rego.New(
		rego.Query(query),
		rego.Module(coverageModule, e.module),
		rego.Store(store),
		rego.Input(input),
	)
	rs, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", query, err)
	}

	ids := make(map[string]bool)
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return ids, nil
	}
	set, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("evaluating %s: unexpected result type %T", query, rs[0].Expressions[0].Value)
	}
	for _, v := range set {
		if id, ok := v.(string); ok {
			ids[id] = true
		}
	}
	return ids, nil
}

func toData(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var data map[string]interface{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}
