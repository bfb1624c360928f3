package store

import "fmt"

// NotFoundError indicates the resource does not exist.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ValidationError indicates a client-side validation failure.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Field, e.Message)
}

// ForbiddenError indicates the caller is authenticated but is not a
// participant of the conversation it addressed.
type ForbiddenError struct{}

func (e *ForbiddenError) Error() string {
	return "forbidden"
}
