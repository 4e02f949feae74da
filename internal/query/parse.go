package query

import (
	"encoding/json"
	"strings"

	"docuagent/pkg/domain"
)

type intentDecision struct {
	Intent             domain.Intent `json:"intent"`
	ClarifyingQuestion string        `json:"clarifying_question"`
}

// parseIntent never fails: anything unparsable or outside the taxonomy
// falls back to qa so a flaky classifier cannot block answering.
func parseIntent(raw string) intentDecision {
	var decision intentDecision
	if err := json.Unmarshal([]byte(raw), &decision); err != nil {
		return intentDecision{Intent: domain.IntentQA}
	}
	switch decision.Intent {
	case domain.IntentQA, domain.IntentSummarize, domain.IntentExtract, domain.IntentClarify:
		return decision
	default:
		return intentDecision{Intent: domain.IntentQA}
	}
}

type generationOutput struct {
	Answer             string            `json:"answer"`
	Citations          []domain.Citation `json:"citations"`
	NeedsClarification bool              `json:"needs_clarification"`
	ClarifyingQuestion string            `json:"clarifying_question"`
	Reaction           string            `json:"reaction"`
}

// parseGeneration degrades an unparsable response to a literal answer with
// no citations instead of failing the query.
func parseGeneration(raw string) generationOutput {
	var out generationOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return generationOutput{Answer: strings.TrimSpace(raw)}
	}
	out.Answer = strings.TrimSpace(out.Answer)
	return out
}
