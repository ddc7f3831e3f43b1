package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/r3e-network/workflow-core/internal/platform/dbtx"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
)

// PostgresStore implements Store against `workflow_instances`,
// `workflow_node_instances`, and `workflow_failover_events`. Every query goes
// through dbtx.Q so callers can wrap TransferInstances/ResetNodes/
// UpdateFailoverEvent inside the scheduler's shared failover transaction.
type PostgresStore struct {
	db  *sql.DB
	log *logger.Logger
}

// New constructs a store bound to db.
func New(db *sql.DB, log *logger.Logger) *PostgresStore {
	if log == nil {
		log = logger.NewDefault("instance-store")
	}
	return &PostgresStore{db: db, log: log}
}

const instanceColumns = `id, definition_id, name, status, input_data, output_data, context_data,
	started_at, completed_at, paused_at, error_message, error_details,
	retry_count, max_retries, priority, scheduled_at,
	business_key, mutex_key, assigned_engine_id, lock_owner, lock_acquired_at, last_heartbeat,
	current_node_id, completed_nodes, failed_nodes, created_at, updated_at, created_by`

func (s *PostgresStore) CreateInstance(ctx context.Context, instance WorkflowInstance) (WorkflowInstance, error) {
	if instance.ID == "" {
		instance.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	instance.CreatedAt = now
	instance.UpdatedAt = now
	if instance.Status == "" {
		instance.Status = InstanceStatusPending
	}

	inputJSON, err := marshalJSON(instance.InputData)
	if err != nil {
		return WorkflowInstance{}, errors.ValidationError("invalid input_data: " + err.Error())
	}
	contextJSON, err := marshalJSON(instance.ContextData)
	if err != nil {
		return WorkflowInstance{}, errors.ValidationError("invalid context_data: " + err.Error())
	}

	_, err = dbtx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO workflow_instances (
			id, definition_id, name, status, input_data, output_data, context_data,
			retry_count, max_retries, priority, scheduled_at,
			business_key, mutex_key, created_at, updated_at, created_by, assigned_engine_id
		) VALUES (
			$1, $2, $3, $4, $5, '{}', $6,
			0, $7, $8, $9,
			$10, $11, $12, $12, $13, $14
		)
	`, instance.ID, instance.DefinitionID, instance.Name, instance.Status, inputJSON, contextJSON,
		instance.MaxRetries, instance.Priority, instance.ScheduledAt,
		instance.BusinessKey, instance.MutexKey, now, instance.CreatedBy, instance.AssignedEngineID)
	if err != nil {
		return WorkflowInstance{}, errors.TransientStoreError("store.create_instance", err)
	}
	return s.GetInstance(ctx, instance.ID)
}

func (s *PostgresStore) GetInstance(ctx context.Context, id string) (WorkflowInstance, error) {
	row := dbtx.Q(ctx, s.db).QueryRowContext(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances WHERE id = $1`, id)
	wi, err := scanInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return WorkflowInstance{}, errors.NotFoundError("workflow_instance", id)
		}
		return WorkflowInstance{}, errors.TransientStoreError("store.get_instance", err)
	}
	return wi, nil
}

// UpdateStatus rejects the call if from->to is not in the allowed transition
// table, applying the status and patch fields in one statement that is
// conditional on the status still being the one the check was made against.
func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, newStatus InstanceStatus, patch StatusPatch) (WorkflowInstance, error) {
	current, err := s.GetInstance(ctx, id)
	if err != nil {
		return WorkflowInstance{}, err
	}
	if !IsAllowedTransition(current.Status, newStatus) {
		return WorkflowInstance{}, errors.ConflictError(
			"illegal transition " + string(current.Status) + " -> " + string(newStatus))
	}

	errorMessage := current.ErrorMessage
	if patch.ErrorMessage != nil {
		errorMessage = *patch.ErrorMessage
	}
	errorDetails := current.ErrorDetails
	if patch.ErrorDetails != nil {
		errorDetails = patch.ErrorDetails
	}
	retryCount := current.RetryCount
	if patch.RetryCount != nil {
		retryCount = *patch.RetryCount
	}
	outputData := current.OutputData
	if patch.OutputData != nil {
		outputData = patch.OutputData
	}
	completedAt := current.CompletedAt
	if patch.CompletedAt != nil {
		completedAt = patch.CompletedAt
	}
	pausedAt := current.PausedAt
	if patch.PausedAt != nil {
		pausedAt = patch.PausedAt
	}
	startedAt := current.StartedAt
	if patch.StartedAt != nil {
		startedAt = patch.StartedAt
	}
	currentNodeID := current.CurrentNodeID
	if patch.CurrentNodeID != nil {
		currentNodeID = *patch.CurrentNodeID
	}

	errorDetailsJSON, err := marshalJSON(errorDetails)
	if err != nil {
		return WorkflowInstance{}, errors.ValidationError("invalid error_details: " + err.Error())
	}
	outputJSON, err := marshalJSON(outputData)
	if err != nil {
		return WorkflowInstance{}, errors.ValidationError("invalid output_data: " + err.Error())
	}

	res, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_instances
		SET status = $2, error_message = $3, error_details = $4, retry_count = $5,
		    output_data = $6, completed_at = $7, paused_at = $8, started_at = $9,
		    current_node_id = $10, updated_at = now()
		WHERE id = $1 AND status = $11
	`, id, newStatus, errorMessage, errorDetailsJSON, retryCount,
		outputJSON, completedAt, pausedAt, startedAt, currentNodeID, current.Status)
	if err != nil {
		return WorkflowInstance{}, errors.TransientStoreError("store.update_status", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return WorkflowInstance{}, errors.TransientStoreError("store.update_status.rows_affected", err)
	}
	if rows == 0 {
		return WorkflowInstance{}, errors.ConflictError(
			"instance " + id + " left status " + string(current.Status) + " concurrently")
	}
	return s.GetInstance(ctx, id)
}

func (s *PostgresStore) FindByAssignedEngine(ctx context.Context, engineID string, statuses []InstanceStatus) ([]WorkflowInstance, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE assigned_engine_id = $1 AND status = ANY($2)
		ORDER BY created_at`, engineID, pq.Array(statusStrings(statuses)))
	if err != nil {
		return nil, errors.TransientStoreError("store.find_by_assigned_engine", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresStore) FindByMutexKey(ctx context.Context, key string, status InstanceStatus) ([]WorkflowInstance, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `SELECT `+instanceColumns+`
		FROM workflow_instances
		WHERE mutex_key = $1 AND status = $2
		ORDER BY created_at`, key, status)
	if err != nil {
		return nil, errors.TransientStoreError("store.find_by_mutex_key", err)
	}
	defer rows.Close()
	return scanInstances(rows)
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[InstanceStatus]int, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT status, count(*) FROM workflow_instances GROUP BY status`)
	if err != nil {
		return nil, errors.TransientStoreError("store.count_by_status", err)
	}
	defer rows.Close()

	counts := make(map[InstanceStatus]int)
	for rows.Next() {
		var status InstanceStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.TransientStoreError("store.count_by_status.scan", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, errors.TransientStoreError("store.count_by_status.rows_err", err)
	}
	return counts, nil
}

// TransferInstances reassigns instances from fromEngineID to toEngineID,
// conditional on the current owner still being fromEngineID.
func (s *PostgresStore) TransferInstances(ctx context.Context, instanceIDs []string, fromEngineID, toEngineID string) (int, error) {
	res, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_instances
		SET assigned_engine_id = $1, lock_owner = '', lock_acquired_at = NULL, updated_at = now()
		WHERE id = ANY($2) AND assigned_engine_id = $3
	`, toEngineID, pq.Array(instanceIDs), fromEngineID)
	if err != nil {
		return 0, errors.TransientStoreError("store.transfer_instances", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.TransientStoreError("store.transfer_instances.rows_affected", err)
	}
	return int(rows), nil
}

func (s *PostgresStore) UpsertNodeInstance(ctx context.Context, node NodeInstance) (NodeInstance, error) {
	if node.ID == "" {
		node.ID = uuid.NewString()
	}
	outputJSON, err := marshalJSON(node.Output)
	if err != nil {
		return NodeInstance{}, errors.ValidationError("invalid node output: " + err.Error())
	}

	_, err = dbtx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO workflow_node_instances (id, workflow_instance_id, node_id, status, started_at, finished_at, output)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (workflow_instance_id, node_id) DO UPDATE
		SET status = EXCLUDED.status,
		    started_at = COALESCE(workflow_node_instances.started_at, EXCLUDED.started_at),
		    finished_at = EXCLUDED.finished_at,
		    output = EXCLUDED.output
	`, node.ID, node.WorkflowInstanceID, node.NodeID, node.Status, node.StartedAt, node.FinishedAt, outputJSON)
	if err != nil {
		return NodeInstance{}, errors.TransientStoreError("store.upsert_node_instance", err)
	}
	result, err := s.GetNodeInstance(ctx, node.WorkflowInstanceID, node.NodeID)
	if err != nil {
		return NodeInstance{}, err
	}
	return *result, nil
}

func (s *PostgresStore) GetNodeInstance(ctx context.Context, workflowInstanceID, nodeID string) (*NodeInstance, error) {
	row := dbtx.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, workflow_instance_id, node_id, status, started_at, finished_at, output
		FROM workflow_node_instances WHERE workflow_instance_id = $1 AND node_id = $2
	`, workflowInstanceID, nodeID)
	ni, err := scanNodeInstance(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, errors.TransientStoreError("store.get_node_instance", err)
	}
	return &ni, nil
}

func (s *PostgresStore) FindRunningNodesByEngine(ctx context.Context, engineID string) ([]string, error) {
	rows, err := dbtx.Q(ctx, s.db).QueryContext(ctx, `
		SELECT n.id
		FROM workflow_node_instances n
		JOIN workflow_instances w ON w.id = n.workflow_instance_id
		WHERE w.assigned_engine_id = $1 AND n.status = $2
	`, engineID, NodeStatusRunning)
	if err != nil {
		return nil, errors.TransientStoreError("store.find_running_nodes_by_engine", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.TransientStoreError("store.find_running_nodes_by_engine.scan", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.TransientStoreError("store.find_running_nodes_by_engine.rows_err", err)
	}
	return ids, nil
}

func (s *PostgresStore) ResetNodes(ctx context.Context, nodeInstanceIDs []string) error {
	if len(nodeInstanceIDs) == 0 {
		return nil
	}
	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_node_instances
		SET status = $1, started_at = NULL
		WHERE id = ANY($2) AND status = $3
	`, NodeStatusPending, pq.Array(nodeInstanceIDs), NodeStatusRunning)
	if err != nil {
		return errors.TransientStoreError("store.reset_nodes", err)
	}
	return nil
}

func (s *PostgresStore) CreateFailoverEvent(ctx context.Context, event FailoverEvent) (FailoverEvent, error) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.EventID == "" {
		event.EventID = uuid.NewString()
	}
	now := time.Now().UTC()

	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		INSERT INTO workflow_failover_events
			(id, event_id, failed_engine_id, takeover_engine_id, reason, affected_workflow_ids, status, failover_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
	`, event.ID, event.EventID, event.FailedEngineID, event.TakeoverEngineID, event.Reason,
		pq.Array(event.AffectedWorkflowIDs), event.Status, now)
	if err != nil {
		return FailoverEvent{}, errors.TransientStoreError("store.create_failover_event", err)
	}
	return s.GetFailoverEvent(ctx, event.EventID)
}

func (s *PostgresStore) UpdateFailoverEvent(ctx context.Context, eventID string, status FailoverStatus, reason string, recoveryCompletedAt *time.Time) (FailoverEvent, error) {
	_, err := dbtx.Q(ctx, s.db).ExecContext(ctx, `
		UPDATE workflow_failover_events
		SET status = $2, reason = CASE WHEN $3 = '' THEN reason ELSE $3 END,
		    recovery_completed_at = COALESCE($4, recovery_completed_at), updated_at = now()
		WHERE event_id = $1
	`, eventID, status, reason, recoveryCompletedAt)
	if err != nil {
		return FailoverEvent{}, errors.TransientStoreError("store.update_failover_event", err)
	}
	return s.GetFailoverEvent(ctx, eventID)
}

func (s *PostgresStore) GetFailoverEvent(ctx context.Context, eventID string) (FailoverEvent, error) {
	row := dbtx.Q(ctx, s.db).QueryRowContext(ctx, `
		SELECT id, event_id, failed_engine_id, takeover_engine_id, reason, affected_workflow_ids,
		       status, failover_at, recovery_completed_at, updated_at
		FROM workflow_failover_events WHERE event_id = $1
	`, eventID)
	fe, err := scanFailoverEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return FailoverEvent{}, errors.NotFoundError("failover_event", eventID)
		}
		return FailoverEvent{}, errors.TransientStoreError("store.get_failover_event", err)
	}
	return fe, nil
}

func statusStrings(statuses []InstanceStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
