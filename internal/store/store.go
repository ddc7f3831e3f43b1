package store

import (
	"context"
	"time"
)

// Store is the full contract of the instance store (component C3): CRUD for
// instances, node instances, and failover events, plus the scheduler- and
// mutex-facing queries spec §4.3 requires.
type Store interface {
	// Instances

	CreateInstance(ctx context.Context, instance WorkflowInstance) (WorkflowInstance, error)
	GetInstance(ctx context.Context, id string) (WorkflowInstance, error)
	// UpdateStatus applies newStatus and patch atomically, rejecting the call
	// if the transition from the instance's current status is not allowed.
	UpdateStatus(ctx context.Context, id string, newStatus InstanceStatus, patch StatusPatch) (WorkflowInstance, error)

	// FindByAssignedEngine returns instances owned by engineID whose status
	// is in statuses.
	FindByAssignedEngine(ctx context.Context, engineID string, statuses []InstanceStatus) ([]WorkflowInstance, error)
	// FindByMutexKey returns instances with the given mutex key and status.
	FindByMutexKey(ctx context.Context, key string, status InstanceStatus) ([]WorkflowInstance, error)
	// CountByStatus returns the number of instances per status, for metrics.
	CountByStatus(ctx context.Context) (map[InstanceStatus]int, error)

	// TransferInstances reassigns instanceIDs to toEngineID in one
	// transaction, conditional on the previous assigned engine being
	// fromEngineID (optimistic concurrency). Returns the count actually
	// transferred.
	TransferInstances(ctx context.Context, instanceIDs []string, fromEngineID, toEngineID string) (int, error)

	// Node instances

	UpsertNodeInstance(ctx context.Context, node NodeInstance) (NodeInstance, error)
	GetNodeInstance(ctx context.Context, workflowInstanceID, nodeID string) (*NodeInstance, error)
	// FindRunningNodesByEngine returns node instance ids in status=running
	// belonging to instances owned by engineID.
	FindRunningNodesByEngine(ctx context.Context, engineID string) ([]string, error)
	// ResetNodes sets status from running back to pending and clears
	// startedAt, in a single transaction.
	ResetNodes(ctx context.Context, nodeInstanceIDs []string) error

	// Failover events

	CreateFailoverEvent(ctx context.Context, event FailoverEvent) (FailoverEvent, error)
	UpdateFailoverEvent(ctx context.Context, eventID string, status FailoverStatus, reason string, recoveryCompletedAt *time.Time) (FailoverEvent, error)
	GetFailoverEvent(ctx context.Context, eventID string) (FailoverEvent, error)
}
