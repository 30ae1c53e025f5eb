// Package statemachine holds the closed transition tables for the two entity
// lifecycles. Transitions not present in a table are invalid; completed is
// terminal for both entities.
package statemachine

import (
	"fmt"
	"sort"

	"storyline/internal/domain"
)

// InvalidTransitionError reports an attempted transition that is not in the
// table for its entity kind.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s", e.Entity, e.From, e.To)
}

var workItemTransitions = map[domain.WorkItemStatus][]domain.WorkItemStatus{
	domain.WorkItemPending:    {domain.WorkItemRefining, domain.WorkItemError},
	domain.WorkItemRefining:   {domain.WorkItemRefined, domain.WorkItemError},
	domain.WorkItemRefined:    {domain.WorkItemInProgress, domain.WorkItemError},
	domain.WorkItemInProgress: {domain.WorkItemCompleted, domain.WorkItemError},
	domain.WorkItemError:      {domain.WorkItemPending, domain.WorkItemRefining},
	domain.WorkItemCompleted:  {},
}

var storyTransitions = map[domain.StoryStatus][]domain.StoryStatus{
	domain.StoryPending:    {domain.StoryReady, domain.StoryBlocked, domain.StoryError},
	domain.StoryReady:      {domain.StoryInProgress, domain.StoryBlocked, domain.StoryError},
	domain.StoryInProgress: {domain.StoryCompleted, domain.StoryError, domain.StoryBlocked},
	domain.StoryBlocked:    {domain.StoryReady, domain.StoryError},
	domain.StoryError:      {domain.StoryPending, domain.StoryReady},
	domain.StoryCompleted:  {},
}

// CanTransitionWorkItem reports whether the (current, target) pair is in the
// work item transition table.
func CanTransitionWorkItem(from, to domain.WorkItemStatus) bool {
	for _, t := range workItemTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// CanTransitionStory reports whether the (current, target) pair is in the
// developer story transition table.
func CanTransitionStory(from, to domain.StoryStatus) bool {
	for _, t := range storyTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// EnsureWorkItemTransition returns an InvalidTransitionError if the pair is
// not tabulated.
func EnsureWorkItemTransition(from, to domain.WorkItemStatus) error {
	if !CanTransitionWorkItem(from, to) {
		return InvalidTransitionError{Entity: "work item", From: string(from), To: string(to)}
	}
	return nil
}

// EnsureStoryTransition returns an InvalidTransitionError if the pair is not
// tabulated.
func EnsureStoryTransition(from, to domain.StoryStatus) error {
	if !CanTransitionStory(from, to) {
		return InvalidTransitionError{Entity: "story", From: string(from), To: string(to)}
	}
	return nil
}

// ValidWorkItemTransitions projects the table for one current status, sorted
// for deterministic output.
func ValidWorkItemTransitions(from domain.WorkItemStatus) []domain.WorkItemStatus {
	out := append([]domain.WorkItemStatus(nil), workItemTransitions[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ValidStoryTransitions projects the table for one current status, sorted for
// deterministic output.
func ValidStoryTransitions(from domain.StoryStatus) []domain.StoryStatus {
	out := append([]domain.StoryStatus(nil), storyTransitions[from]...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
