package domain

type WorkItemType string

const (
	WorkItemUserStory WorkItemType = "user_story"
	WorkItemBug       WorkItemType = "bug"
)

type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemRefining   WorkItemStatus = "refining"
	WorkItemRefined    WorkItemStatus = "refined"
	WorkItemInProgress WorkItemStatus = "in_progress"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemError      WorkItemStatus = "error"
)

type StoryType string

const (
	StoryImplementation StoryType = "implementation"
	StoryUnitTests      StoryType = "unit_tests"
	StoryFeatureTests   StoryType = "feature_tests"
	StoryDocumentation  StoryType = "documentation"
)

type StoryStatus string

const (
	StoryPending    StoryStatus = "pending"
	StoryReady      StoryStatus = "ready"
	StoryBlocked    StoryStatus = "blocked"
	StoryInProgress StoryStatus = "in_progress"
	StoryCompleted  StoryStatus = "completed"
	StoryError      StoryStatus = "error"
)

type LogEventType string

const (
	LogStarted         LogEventType = "started"
	LogWorktreeCreated LogEventType = "worktree_created"
	LogWorktreeRemoved LogEventType = "worktree_removed"
	LogCompleted       LogEventType = "completed"
	LogFailed          LogEventType = "failed"
)

type WorkItem struct {
	ID                 string         `json:"id"`
	Type               WorkItemType   `json:"type" enum:"user_story,bug"`
	Title              string         `json:"title"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria *string        `json:"acceptance_criteria,omitempty"`
	Priority           int            `json:"priority"`
	Status             WorkItemStatus `json:"status" enum:"pending,refining,refined,in_progress,completed,error"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	CreatedAt          string         `json:"created_at" format:"date-time"`
	UpdatedAt          string         `json:"updated_at" format:"date-time"`
}

type DeveloperStory struct {
	ID           string      `json:"id"`
	WorkItemID   string      `json:"work_item_id"`
	Type         StoryType   `json:"type" enum:"implementation,unit_tests,feature_tests,documentation"`
	Title        string      `json:"title"`
	Description  string      `json:"description,omitempty"`
	Instructions string      `json:"instructions"`
	Priority     int         `json:"priority"`
	Status       StoryStatus `json:"status" enum:"pending,ready,blocked,in_progress,completed,error"`
	GitBranch    *string     `json:"git_branch,omitempty"`
	GitWorktree  *string     `json:"git_worktree,omitempty"`
	StartedAt    *string     `json:"started_at,omitempty" format:"date-time"`
	CompletedAt  *string     `json:"completed_at,omitempty" format:"date-time"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	MetadataJSON *string     `json:"metadata_json,omitempty"`
	CreatedAt    string      `json:"created_at" format:"date-time"`
	UpdatedAt    string      `json:"updated_at" format:"date-time"`
}

// StoryDependency is a directed edge: StoryID cannot run until
// RequiresStoryID is completed.
type StoryDependency struct {
	StoryID         string `json:"story_id"`
	RequiresStoryID string `json:"requires_story_id"`
}

type ExecutionLog struct {
	ID           int64        `json:"id"`
	StoryID      string       `json:"story_id"`
	EventType    LogEventType `json:"event_type" enum:"started,worktree_created,worktree_removed,completed,failed"`
	TS           string       `json:"ts" format:"date-time"`
	Details      *string      `json:"details,omitempty"`
	ErrorMessage *string      `json:"error_message,omitempty"`
	MetadataJSON *string      `json:"metadata_json,omitempty"`
}

// WithStatus returns a copy of the story in the new status with the
// timestamps that transition implies: entering in_progress stamps StartedAt,
// entering completed stamps CompletedAt. It does not validate the transition;
// that is the state machine's job.
func (s DeveloperStory) WithStatus(status StoryStatus, now string) DeveloperStory {
	s.Status = status
	s.UpdatedAt = now
	switch status {
	case StoryInProgress:
		s.StartedAt = &now
	case StoryCompleted:
		s.CompletedAt = &now
	case StoryPending, StoryReady:
		s.ErrorMessage = nil
	}
	return s
}

// WithError returns a copy of the story in the error status carrying the
// diagnostic message.
func (s DeveloperStory) WithError(msg, now string) DeveloperStory {
	s.Status = StoryError
	s.ErrorMessage = &msg
	s.UpdatedAt = now
	return s
}

// WithStatus returns a copy of the work item in the new status. Leaving the
// error status clears the stored diagnostic.
func (w WorkItem) WithStatus(status WorkItemStatus, now string) WorkItem {
	if w.Status == WorkItemError && status != WorkItemError {
		w.ErrorMessage = nil
	}
	w.Status = status
	w.UpdatedAt = now
	return w
}

// WithError returns a copy of the work item in the error status carrying the
// diagnostic message.
func (w WorkItem) WithError(msg, now string) WorkItem {
	w.Status = WorkItemError
	w.ErrorMessage = &msg
	w.UpdatedAt = now
	return w
}
