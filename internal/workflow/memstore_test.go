package workflow

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

// memStore is a minimal in-memory store.Store used to exercise the engine
// and node runner without a database, mirroring the same semantics
// postgres_store.go enforces (allowed-transition whitelist, patch merge).
type memStore struct {
	mu        sync.Mutex
	instances map[string]store.WorkflowInstance
	nodes     map[string]store.NodeInstance
	nextID    int
}

func newMemStore() *memStore {
	return &memStore{instances: map[string]store.WorkflowInstance{}, nodes: map[string]store.NodeInstance{}}
}

func (m *memStore) genID(prefix string) string {
	m.nextID++
	return prefix + "-" + strconv.Itoa(m.nextID)
}

func (m *memStore) CreateInstance(ctx context.Context, instance store.WorkflowInstance) (store.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if instance.ID == "" {
		instance.ID = m.genID("inst")
	}
	if instance.Status == "" {
		instance.Status = store.InstanceStatusPending
	}
	now := time.Now().UTC()
	instance.CreatedAt, instance.UpdatedAt = now, now
	m.instances[instance.ID] = instance
	return instance, nil
}

func (m *memStore) GetInstance(ctx context.Context, id string) (store.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.WorkflowInstance{}, errors.NotFoundError("workflow_instance", id)
	}
	return inst, nil
}

func (m *memStore) UpdateStatus(ctx context.Context, id string, newStatus store.InstanceStatus, patch store.StatusPatch) (store.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[id]
	if !ok {
		return store.WorkflowInstance{}, errors.NotFoundError("workflow_instance", id)
	}
	if !store.IsAllowedTransition(inst.Status, newStatus) {
		return store.WorkflowInstance{}, errors.ConflictError("illegal transition " + string(inst.Status) + " -> " + string(newStatus))
	}
	inst.Status = newStatus
	if patch.ErrorMessage != nil {
		inst.ErrorMessage = *patch.ErrorMessage
	}
	if patch.ErrorDetails != nil {
		inst.ErrorDetails = patch.ErrorDetails
	}
	if patch.RetryCount != nil {
		inst.RetryCount = *patch.RetryCount
	}
	if patch.OutputData != nil {
		inst.OutputData = patch.OutputData
	}
	if patch.CompletedAt != nil {
		inst.CompletedAt = patch.CompletedAt
	}
	if patch.PausedAt != nil {
		inst.PausedAt = patch.PausedAt
	}
	if patch.StartedAt != nil {
		inst.StartedAt = patch.StartedAt
	}
	if patch.CurrentNodeID != nil {
		inst.CurrentNodeID = *patch.CurrentNodeID
	}
	inst.UpdatedAt = time.Now().UTC()
	m.instances[id] = inst
	return inst, nil
}

func (m *memStore) FindByAssignedEngine(ctx context.Context, engineID string, statuses []store.InstanceStatus) ([]store.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := make(map[store.InstanceStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}
	var out []store.WorkflowInstance
	for _, inst := range m.instances {
		if inst.AssignedEngineID == engineID && want[inst.Status] {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *memStore) FindByMutexKey(ctx context.Context, key string, status store.InstanceStatus) ([]store.WorkflowInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.WorkflowInstance
	for _, inst := range m.instances {
		if inst.MutexKey == key && inst.Status == status {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(ctx context.Context) (map[store.InstanceStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := map[store.InstanceStatus]int{}
	for _, inst := range m.instances {
		counts[inst.Status]++
	}
	return counts, nil
}

func (m *memStore) TransferInstances(ctx context.Context, instanceIDs []string, fromEngineID, toEngineID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, id := range instanceIDs {
		inst, ok := m.instances[id]
		if !ok || inst.AssignedEngineID != fromEngineID {
			continue
		}
		inst.AssignedEngineID = toEngineID
		inst.LockOwner = ""
		inst.LockAcquiredAt = nil
		m.instances[id] = inst
		count++
	}
	return count, nil
}

func (m *memStore) UpsertNodeInstance(ctx context.Context, node store.NodeInstance) (store.NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := node.WorkflowInstanceID + "/" + node.NodeID
	if existing, ok := m.nodes[key]; ok {
		node.ID = existing.ID
	} else {
		node.ID = m.genID("node")
	}
	m.nodes[key] = node
	return node, nil
}

func (m *memStore) GetNodeInstance(ctx context.Context, workflowInstanceID, nodeID string) (*store.NodeInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.nodes[workflowInstanceID+"/"+nodeID]
	if !ok {
		return nil, nil
	}
	return &n, nil
}

func (m *memStore) FindRunningNodesByEngine(ctx context.Context, engineID string) ([]string, error) {
	return nil, nil
}

func (m *memStore) ResetNodes(ctx context.Context, nodeInstanceIDs []string) error {
	return nil
}

func (m *memStore) CreateFailoverEvent(ctx context.Context, event store.FailoverEvent) (store.FailoverEvent, error) {
	return event, nil
}

func (m *memStore) UpdateFailoverEvent(ctx context.Context, eventID string, status store.FailoverStatus, reason string, recoveryCompletedAt *time.Time) (store.FailoverEvent, error) {
	return store.FailoverEvent{}, nil
}

func (m *memStore) GetFailoverEvent(ctx context.Context, eventID string) (store.FailoverEvent, error) {
	return store.FailoverEvent{}, nil
}
