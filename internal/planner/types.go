package planner

// StorySpec is one proposed developer story, not yet persisted. Priority is
// deliberately absent: stories inherit it from the parent work item.
type StorySpec struct {
	Type         string `json:"type"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Instructions string `json:"instructions"`
}

// ProposedEdge references stories by index into the proposal's story list,
// since persisted ids do not exist yet. Dependent cannot start until
// Requires is completed.
type ProposedEdge struct {
	Dependent int    `json:"dependent_index"`
	Requires  int    `json:"requires_index"`
	Reason    string `json:"reason,omitempty"`
}

// Proposal is the raw refinement output before validation.
type Proposal struct {
	Stories []StorySpec    `json:"stories"`
	Edges   []ProposedEdge `json:"edges"`
}
