// Package workflow implements the workflow engine (component C7): start,
// pause, resume, cancel, and status for workflow instances, plus the node
// execution semantics for Task, Parallel, Condition, and Loop nodes.
package workflow

// DefRef selects a workflow definition by name, optionally pinning a
// specific version — if Version is nil, the definition service's current
// active version is used.
type DefRef struct {
	Name    string
	Version *int
}

// StartOptions carries the optional instance metadata a caller above the
// engine (the mutex service, a future business-key API) wants stamped onto
// the instance row at creation time.
type StartOptions struct {
	MutexKey    string
	BusinessKey string
	ContextData map[string]any
}
