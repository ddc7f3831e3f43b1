// Package store implements the instance store (component C3): persistence of
// workflow instances, node instances, and failover events.
package store

import "time"

// InstanceStatus is the lifecycle state of a workflow instance, per spec §3/§4.7.
type InstanceStatus string

const (
	InstanceStatusPending   InstanceStatus = "pending"
	InstanceStatusRunning   InstanceStatus = "running"
	InstanceStatusPaused    InstanceStatus = "paused"
	InstanceStatusCompleted InstanceStatus = "completed"
	InstanceStatusFailed    InstanceStatus = "failed"
	InstanceStatusCancelled InstanceStatus = "cancelled"
)

// IsTerminal reports whether status is one of completed/failed/cancelled.
func (s InstanceStatus) IsTerminal() bool {
	switch s {
	case InstanceStatusCompleted, InstanceStatusFailed, InstanceStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeStatus is the lifecycle state of a node instance, per spec §3.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "pending"
	NodeStatusRunning   NodeStatus = "running"
	NodeStatusCompleted NodeStatus = "completed"
	NodeStatusFailed    NodeStatus = "failed"
	NodeStatusSkipped   NodeStatus = "skipped"
)

// WorkflowInstance mirrors the `workflow_instances` table.
type WorkflowInstance struct {
	ID               string
	DefinitionID     string
	Name             string
	Status           InstanceStatus
	InputData        map[string]any
	OutputData       map[string]any
	ContextData      map[string]any
	StartedAt        *time.Time
	CompletedAt      *time.Time
	PausedAt         *time.Time
	ErrorMessage     string
	ErrorDetails     map[string]any
	RetryCount       int
	MaxRetries       int
	Priority         int
	ScheduledAt      *time.Time
	BusinessKey      string
	MutexKey         string
	AssignedEngineID string
	LockOwner        string
	LockAcquiredAt   *time.Time
	LastHeartbeat    *time.Time
	CurrentNodeID    string
	CompletedNodes   []string
	FailedNodes      []string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	CreatedBy        string
}

// NodeInstance mirrors the `workflow_node_instances` table.
type NodeInstance struct {
	ID                 string
	WorkflowInstanceID string
	NodeID             string
	Status             NodeStatus
	StartedAt          *time.Time
	FinishedAt         *time.Time
	Output             map[string]any
}

// FailoverStatus is the lifecycle state of a failover event, per spec §3.
type FailoverStatus string

const (
	FailoverStatusInitiated  FailoverStatus = "initiated"
	FailoverStatusInProgress FailoverStatus = "in_progress"
	FailoverStatusCompleted  FailoverStatus = "completed"
	FailoverStatusFailed     FailoverStatus = "failed"
)

// FailoverEvent mirrors the `workflow_failover_events` table.
type FailoverEvent struct {
	ID                  string
	EventID             string
	FailedEngineID      string
	TakeoverEngineID    string
	Reason              string
	AffectedWorkflowIDs []string
	Status              FailoverStatus
	FailoverAt          time.Time
	RecoveryCompletedAt *time.Time
	UpdatedAt           time.Time
}

// StatusPatch carries the fields an updateStatus call is allowed to change
// alongside the new status, so the store can apply them atomically with the
// transition check.
type StatusPatch struct {
	ErrorMessage  *string
	ErrorDetails  map[string]any
	RetryCount    *int
	OutputData    map[string]any
	CompletedAt   *time.Time
	PausedAt      *time.Time
	StartedAt     *time.Time
	CurrentNodeID *string
}
