package engine

import "fmt"

// ValidationError rejects malformed input before anything is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// DependencyError rejects a refinement batch whose proposed dependency edges
// are unusable. The batch is discarded as a whole.
type DependencyError struct {
	Reason string
}

func (e DependencyError) Error() string {
	return "dependency error: " + e.Reason
}
