package determination

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/arbiterhealth/arbiter/internal/policy"
)

// ValidationError collects everything wrong with a candidate determination.
// Its message is fed back to the model verbatim so the next attempt can fix
// every problem at once.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("determination invalid: %s", strings.Join(e.Problems, "; "))
}

// Validate parses raw model output into a Result, checking it against the
// schema and the review business rules. Structural and rule violations are
// rejected; one clinically unsafe shape is normalized instead: an
// AUTO_APPROVE whose decisive criteria carry no evidence is downgraded to
// MD_REVIEW rather than bounced back to the model.
func Validate(raw []byte) (*Result, error) {
	schemaLoader := gojsonschema.NewStringLoader(determinationSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)

	schemaResult, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("output is not valid JSON: %v", err)}}
	}
	if !schemaResult.Valid() {
		problems := make([]string, 0, len(schemaResult.Errors()))
		for _, verr := range schemaResult.Errors() {
			problems = append(problems, verr.String())
		}
		return nil, &ValidationError{Problems: problems}
	}

	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, &ValidationError{Problems: []string{fmt.Sprintf("decoding determination: %v", err)}}
	}

	var problems []string

	if res.Outcome != OutcomeMoreInfo && len(res.Criteria) == 0 {
		problems = append(problems, fmt.Sprintf("outcome %s requires per-criterion assessments", res.Outcome))
	}

	switch res.Outcome {
	case OutcomeDeny, OutcomeMDReview:
		if res.Escalation == nil || res.Escalation.Summary == "" {
			problems = append(problems, fmt.Sprintf("outcome %s requires an escalation rationale", res.Outcome))
		}
	case OutcomeMoreInfo:
		if res.Escalation == nil || res.Escalation.Summary == "" {
			problems = append(problems, "outcome MORE_INFO requires an escalation rationale")
		} else if len(res.Escalation.MissingInfo) == 0 {
			problems = append(problems, "outcome MORE_INFO requires at least one missing_info question")
		}
	}

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	normalize(&res)
	return &res, nil
}

// normalize downgrades an AUTO_APPROVE resting on unevidenced decisive
// criteria to MD_REVIEW. Approvals must be traceable to concrete facts;
// when they are not, a human decides instead.
func normalize(res *Result) {
	if res.Outcome != OutcomeAutoApprove {
		return
	}

	var unevidenced []string
	for _, cr := range res.Criteria {
		if cr.Status == policy.StatusUnknown {
			continue
		}
		if len(cr.Evidence) == 0 {
			unevidenced = append(unevidenced, cr.CriterionID)
		}
	}
	if len(unevidenced) == 0 {
		return
	}

	res.Outcome = OutcomeMDReview
	summary := fmt.Sprintf(
		"Automatic approval withheld: criteria decided without cited evidence (%s). Physician review required.",
		strings.Join(unevidenced, ", "))
	if res.Escalation == nil {
		res.Escalation = &Escalation{Summary: summary}
	} else if res.Escalation.Summary == "" {
		res.Escalation.Summary = summary
	}
	res.Normalizations = append(res.Normalizations,
		fmt.Sprintf("AUTO_APPROVE downgraded to MD_REVIEW: no evidence for %s", strings.Join(unevidenced, ", ")))
}
