package workflows

import "errors"

var (
	// ErrWorkflowNotFound is returned when a workflow is not registered
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRuntimeRequired is returned when an operation needs the DBOS runtime
	ErrRuntimeRequired = errors.New("DBOS runtime not initialized")
)
