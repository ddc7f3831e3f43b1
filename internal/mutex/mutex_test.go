package mutex

import (
	"context"
	"testing"
	"time"

	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

type fakeLocks struct {
	acquireResult bool
	released      bool
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration, ownerID string) (bool, error) {
	return f.acquireResult, nil
}
func (f *fakeLocks) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeLocks) Release(ctx context.Context, key, ownerID string) error {
	f.released = true
	return nil
}
func (f *fakeLocks) Lookup(ctx context.Context, key string) (*locking.Lock, error) { return nil, nil }

type fakeDefinitions struct {
	def definitions.WorkflowDefinition
	err error
}

func (f *fakeDefinitions) Get(ctx context.Context, name string) (definitions.WorkflowDefinition, error) {
	return f.def, f.err
}
func (f *fakeDefinitions) GetVersion(ctx context.Context, name string, version int) (definitions.WorkflowDefinition, error) {
	return f.def, f.err
}
func (f *fakeDefinitions) Publish(ctx context.Context, def definitions.WorkflowDefinition) (definitions.WorkflowDefinition, error) {
	return def, nil
}

type fakeStore struct {
	store.Store
	existing []store.WorkflowInstance

	// pendingFor simulates the real engine's async pending->running
	// transition: GetInstance reports the instance still pending for the
	// first pendingFor calls, then running.
	pendingFor int
	instance   store.WorkflowInstance
	getCalls   int
}

func (f *fakeStore) FindByMutexKey(ctx context.Context, key string, status store.InstanceStatus) ([]store.WorkflowInstance, error) {
	return f.existing, nil
}

func (f *fakeStore) GetInstance(ctx context.Context, id string) (store.WorkflowInstance, error) {
	f.getCalls++
	inst := f.instance
	inst.ID = id
	if f.getCalls <= f.pendingFor {
		inst.Status = store.InstanceStatusPending
	} else {
		inst.Status = store.InstanceStatusRunning
	}
	return inst, nil
}

type fakeEngine struct {
	workflow.Engine
	started store.WorkflowInstance
	err     error
}

func (f *fakeEngine) Start(ctx context.Context, ref workflow.DefRef, inputs map[string]any, opts workflow.StartOptions) (store.WorkflowInstance, error) {
	if f.err != nil {
		return store.WorkflowInstance{}, f.err
	}
	f.started.ContextData = opts.ContextData
	f.started.MutexKey = opts.MutexKey
	return f.started, nil
}

func namedDef() definitions.WorkflowDefinition {
	return definitions.WorkflowDefinition{
		Name:  "wf",
		Nodes: []definitions.Node{{ID: "n1", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
	}
}

func TestCreateMutexWorkflowRejectsMissingKey(t *testing.T) {
	svc := New(&fakeLocks{acquireResult: true}, &fakeDefinitions{def: namedDef()}, &fakeStore{}, &fakeEngine{}, nil)
	_, err := svc.CreateMutexWorkflow(context.Background(), workflow.DefRef{Name: "wf"}, nil, "")
	if !errors.Is(err, errors.Validation) {
		t.Fatalf("expected validation error for empty mutex key, got %v", err)
	}
}

func TestCreateMutexWorkflowConflictReleasesLockAndSkipsStart(t *testing.T) {
	locks := &fakeLocks{acquireResult: true}
	running := store.WorkflowInstance{ID: "existing-1", Status: store.InstanceStatusRunning, MutexKey: "k1"}
	st := &fakeStore{existing: []store.WorkflowInstance{running}}
	eng := &fakeEngine{}
	svc := New(locks, &fakeDefinitions{def: namedDef()}, st, eng, nil)

	res, err := svc.CreateMutexWorkflow(context.Background(), workflow.DefRef{Name: "wf"}, nil, "k1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Conflict {
		t.Fatalf("expected conflict result")
	}
	if res.ConflictingInstance == nil || res.ConflictingInstance.ID != "existing-1" {
		t.Fatalf("expected conflicting instance to be the existing running one, got %+v", res.ConflictingInstance)
	}
	if !locks.released {
		t.Fatalf("expected mutex lock released on conflict")
	}
}

func TestCreateMutexWorkflowHappyPathStampsContext(t *testing.T) {
	locks := &fakeLocks{acquireResult: true}
	eng := &fakeEngine{started: store.WorkflowInstance{ID: "new-1", Status: store.InstanceStatusRunning}}
	svc := New(locks, &fakeDefinitions{def: namedDef()}, &fakeStore{}, eng, nil)

	res, err := svc.CreateMutexWorkflow(context.Background(), workflow.DefRef{Name: "wf"}, map[string]any{"a": 1}, "k2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflict || res.Instance == nil {
		t.Fatalf("expected a non-conflicting instance result, got %+v", res)
	}
	if res.Instance.ContextData["mutexKey"] != "k2" {
		t.Fatalf("expected contextData.mutexKey stamped, got %+v", res.Instance.ContextData)
	}
	if !locks.released {
		t.Fatalf("expected mutex lock released on happy path")
	}
}

// TestCreateMutexWorkflowAwaitsRunningBeforeReleasingLock exercises the real
// engine's pending-then-async-running sequence (engine.Start returns a
// pending instance; the running transition lands a little later) and
// verifies the mutex lock is not released until that transition is
// observed, closing the race where a second createMutexWorkflow(k, …)
// could otherwise slip in before the first instance ever shows as running.
func TestCreateMutexWorkflowAwaitsRunningBeforeReleasingLock(t *testing.T) {
	locks := &fakeLocks{acquireResult: true}
	eng := &fakeEngine{started: store.WorkflowInstance{ID: "new-2", Status: store.InstanceStatusPending}}
	st := &fakeStore{
		pendingFor: 2,
		instance:   store.WorkflowInstance{ID: "new-2", Status: store.InstanceStatusPending},
	}
	svc := New(locks, &fakeDefinitions{def: namedDef()}, st, eng, nil)

	res, err := svc.CreateMutexWorkflow(context.Background(), workflow.DefRef{Name: "wf"}, nil, "k4")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Conflict || res.Instance == nil {
		t.Fatalf("expected a non-conflicting instance result, got %+v", res)
	}
	if res.Instance.Status != store.InstanceStatusRunning {
		t.Fatalf("expected the returned instance to reflect running once observed, got %s", res.Instance.Status)
	}
	if st.getCalls <= st.pendingFor {
		t.Fatalf("expected CreateMutexWorkflow to keep polling GetInstance until the instance left pending, got %d calls", st.getCalls)
	}
	if !locks.released {
		t.Fatalf("expected mutex lock released once the instance was observed running")
	}
}

func TestCreateMutexWorkflowContentionReturnsConflictError(t *testing.T) {
	svc := New(&fakeLocks{acquireResult: false}, &fakeDefinitions{def: namedDef()}, &fakeStore{}, &fakeEngine{}, nil)
	_, err := svc.CreateMutexWorkflow(context.Background(), workflow.DefRef{Name: "wf"}, nil, "k3")
	if !errors.Is(err, errors.Conflict) {
		t.Fatalf("expected conflict error when the mutex lock itself is contended, got %v", err)
	}
}
