package server

type CreateWorkItemRequest struct {
	Type               string  `json:"type" enum:"user_story,bug"`
	Title              string  `json:"title"`
	Description        string  `json:"description,omitempty"`
	AcceptanceCriteria *string `json:"acceptance_criteria,omitempty"`
	Priority           int     `json:"priority" minimum:"1" maximum:"9"`
}
