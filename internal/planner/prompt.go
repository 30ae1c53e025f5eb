package planner

import (
	"encoding/json"
	"fmt"

	"storyline/internal/domain"
)

const refinePrompt = `You are an experienced technical lead breaking a work item into developer stories.

Given one work item (a user story or a bug), produce:
- A list of developer stories. Each story is one unit of work a coding agent can execute unattended. Valid types: implementation, unit_tests, feature_tests, documentation. Every story needs complete, self-contained instructions. Do not assign priorities; execution order comes from the dependency edges.
- A list of dependency edges between the stories, referencing them by zero-based index into your list. An edge means the dependent story cannot start until the required story is completed.

Rules:
- Only add an edge when there is a real ordering constraint (tests depend on the implementation they test).
- Do not add transitive or speculative edges.
- Do not create cycles.
- A story cannot depend on itself.

Return your answer as JSON with this exact structure:
{
  "stories": [
    {"type": "implementation", "title": "...", "description": "...", "instructions": "..."}
  ],
  "edges": [
    {"dependent_index": 1, "requires_index": 0, "reason": "<short explanation>"}
  ]
}

Return ONLY the JSON object. No markdown fences, no commentary outside the JSON.

Here is the work item:
`

type promptWorkItem struct {
	Type               string  `json:"type"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	Priority           int     `json:"priority"`
}

func buildPrompt(wi domain.WorkItem) (string, error) {
	data, err := json.MarshalIndent(promptWorkItem{
		Type:               string(wi.Type),
		Title:              wi.Title,
		Description:        wi.Description,
		AcceptanceCriteria: wi.AcceptanceCriteria,
		Priority:           wi.Priority,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal work item: %w", err)
	}
	return refinePrompt + string(data), nil
}
