package store

import (
	"database/sql"
	"encoding/json"

	"github.com/lib/pq"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(v)
}

func unmarshalJSON(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func scanInstance(row rowScanner) (WorkflowInstance, error) {
	var wi WorkflowInstance
	var inputJSON, outputJSON, contextJSON, errorDetailsJSON []byte
	var completedNodes, failedNodes pq.StringArray

	if err := row.Scan(
		&wi.ID, &wi.DefinitionID, &wi.Name, &wi.Status,
		&inputJSON, &outputJSON, &contextJSON,
		&wi.StartedAt, &wi.CompletedAt, &wi.PausedAt,
		&wi.ErrorMessage, &errorDetailsJSON,
		&wi.RetryCount, &wi.MaxRetries, &wi.Priority, &wi.ScheduledAt,
		&wi.BusinessKey, &wi.MutexKey, &wi.AssignedEngineID,
		&wi.LockOwner, &wi.LockAcquiredAt, &wi.LastHeartbeat,
		&wi.CurrentNodeID, &completedNodes, &failedNodes,
		&wi.CreatedAt, &wi.UpdatedAt, &wi.CreatedBy,
	); err != nil {
		return WorkflowInstance{}, err
	}

	var err error
	if wi.InputData, err = unmarshalJSON(inputJSON); err != nil {
		return WorkflowInstance{}, errors.Wrap(errors.TransientStore, "decode input_data", err)
	}
	if wi.OutputData, err = unmarshalJSON(outputJSON); err != nil {
		return WorkflowInstance{}, errors.Wrap(errors.TransientStore, "decode output_data", err)
	}
	if wi.ContextData, err = unmarshalJSON(contextJSON); err != nil {
		return WorkflowInstance{}, errors.Wrap(errors.TransientStore, "decode context_data", err)
	}
	if wi.ErrorDetails, err = unmarshalJSON(errorDetailsJSON); err != nil {
		return WorkflowInstance{}, errors.Wrap(errors.TransientStore, "decode error_details", err)
	}
	wi.CompletedNodes = []string(completedNodes)
	wi.FailedNodes = []string(failedNodes)
	return wi, nil
}

func scanInstances(rows *sql.Rows) ([]WorkflowInstance, error) {
	var out []WorkflowInstance
	for rows.Next() {
		wi, err := scanInstance(rows)
		if err != nil {
			return nil, errors.TransientStoreError("store.scan_instance", err)
		}
		out = append(out, wi)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.TransientStoreError("store.scan_instances.rows_err", err)
	}
	return out, nil
}

func scanNodeInstance(row rowScanner) (NodeInstance, error) {
	var ni NodeInstance
	var outputJSON []byte
	if err := row.Scan(&ni.ID, &ni.WorkflowInstanceID, &ni.NodeID, &ni.Status,
		&ni.StartedAt, &ni.FinishedAt, &outputJSON); err != nil {
		return NodeInstance{}, err
	}
	var err error
	if ni.Output, err = unmarshalJSON(outputJSON); err != nil {
		return NodeInstance{}, errors.Wrap(errors.TransientStore, "decode node output", err)
	}
	return ni, nil
}

func scanFailoverEvent(row rowScanner) (FailoverEvent, error) {
	var fe FailoverEvent
	var affected pq.StringArray
	if err := row.Scan(&fe.ID, &fe.EventID, &fe.FailedEngineID, &fe.TakeoverEngineID,
		&fe.Reason, &affected, &fe.Status, &fe.FailoverAt, &fe.RecoveryCompletedAt, &fe.UpdatedAt); err != nil {
		return FailoverEvent{}, err
	}
	fe.AffectedWorkflowIDs = []string(affected)
	return fe, nil
}
