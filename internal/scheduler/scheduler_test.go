package scheduler

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/registry"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow"
	"github.com/r3e-network/workflow-core/pkg/config"
	"github.com/r3e-network/workflow-core/pkg/logger"
)

type fakeLocks struct {
	acquireOK map[string]bool
	renewOK   map[string]bool
	released  []string
}

func (f *fakeLocks) Acquire(ctx context.Context, key string, ttl time.Duration, ownerID string) (bool, error) {
	if f.acquireOK == nil {
		return true, nil
	}
	return f.acquireOK[key], nil
}

func (f *fakeLocks) Renew(ctx context.Context, key, ownerID string, ttl time.Duration) (bool, error) {
	if f.renewOK == nil {
		return true, nil
	}
	return f.renewOK[key], nil
}

func (f *fakeLocks) Release(ctx context.Context, key, ownerID string) error {
	f.released = append(f.released, key)
	return nil
}

func (f *fakeLocks) Lookup(ctx context.Context, key string) (*locking.Lock, error) { return nil, nil }

type fakeRegistry struct {
	registry.Service
	stale        []registry.EngineInstance
	active       []registry.EngineInstance
	markInactive []string
	registered   []registry.EngineInstance
	heartbeats   int
	heartbeatOK  bool
	heartbeatErr error
}

func (f *fakeRegistry) ListStale(ctx context.Context, threshold time.Duration) ([]registry.EngineInstance, error) {
	return f.stale, nil
}

func (f *fakeRegistry) ListActive(ctx context.Context, livenessWindow time.Duration) ([]registry.EngineInstance, error) {
	return f.active, nil
}

func (f *fakeRegistry) MarkInactive(ctx context.Context, instanceID string) error {
	f.markInactive = append(f.markInactive, instanceID)
	return nil
}

func (f *fakeRegistry) Register(ctx context.Context, engine registry.EngineInstance) error {
	f.registered = append(f.registered, engine)
	return nil
}

func (f *fakeRegistry) Heartbeat(ctx context.Context, instanceID string, load registry.LoadInfo) (bool, error) {
	f.heartbeats++
	if f.heartbeatErr != nil {
		return false, f.heartbeatErr
	}
	return f.heartbeatOK, nil
}

type fakeStore struct {
	store.Store
	byEngine       map[string][]store.WorkflowInstance
	runningNodes   []string
	transferred    []string
	resetNodes     []string
	events       []store.FailoverEvent
	failTransfer bool
}

func (f *fakeStore) FindByAssignedEngine(ctx context.Context, engineID string, statuses []store.InstanceStatus) ([]store.WorkflowInstance, error) {
	return f.byEngine[engineID], nil
}

func (f *fakeStore) FindRunningNodesByEngine(ctx context.Context, engineID string) ([]string, error) {
	return f.runningNodes, nil
}

func (f *fakeStore) TransferInstances(ctx context.Context, instanceIDs []string, fromEngineID, toEngineID string) (int, error) {
	if f.failTransfer {
		return 0, errTransferFailed
	}
	f.transferred = append(f.transferred, instanceIDs...)
	return len(instanceIDs), nil
}

func (f *fakeStore) ResetNodes(ctx context.Context, nodeInstanceIDs []string) error {
	f.resetNodes = append(f.resetNodes, nodeInstanceIDs...)
	return nil
}

func (f *fakeStore) CreateFailoverEvent(ctx context.Context, event store.FailoverEvent) (store.FailoverEvent, error) {
	event.ID = "event-1"
	event.EventID = "event-1"
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeStore) UpdateFailoverEvent(ctx context.Context, eventID string, status store.FailoverStatus, reason string, recoveryCompletedAt *time.Time) (store.FailoverEvent, error) {
	for i, e := range f.events {
		if e.EventID == eventID {
			f.events[i].Status = status
			f.events[i].Reason = reason
		}
	}
	return store.FailoverEvent{EventID: eventID, Status: status, Reason: reason}, nil
}

type errString string

func (e errString) Error() string { return string(e) }

const errTransferFailed = errString("transfer failed")

type fakeEngine struct {
	pausedInstances []string
}

func (f *fakeEngine) Start(ctx context.Context, ref workflow.DefRef, inputs map[string]any, opts workflow.StartOptions) (store.WorkflowInstance, error) {
	return store.WorkflowInstance{}, nil
}
func (f *fakeEngine) Pause(ctx context.Context, instanceID string) error {
	f.pausedInstances = append(f.pausedInstances, instanceID)
	return nil
}
func (f *fakeEngine) Resume(ctx context.Context, instanceID string) error { return nil }
func (f *fakeEngine) Cancel(ctx context.Context, instanceID string) error { return nil }
func (f *fakeEngine) Status(ctx context.Context, instanceID string) (store.InstanceStatus, error) {
	return "", nil
}

func engineCfg() config.EngineConfig {
	return config.New().Engine
}

func testLogger() *logger.Logger { return logger.NewDefault("scheduler-test") }

func TestAcquireLeadershipFallsBackToAcquireWhenNotLeader(t *testing.T) {
	locks := &fakeLocks{acquireOK: map[string]bool{leaderLockKey: true}}
	s := &Scheduler{locks: locks, engineID: "e1", log: testLogger()}

	if !s.acquireLeadership(context.Background()) {
		t.Fatalf("expected leadership to be acquired")
	}
	if !s.leader {
		t.Fatalf("expected leader flag set")
	}
}

func TestAcquireLeadershipRenewsExistingLease(t *testing.T) {
	locks := &fakeLocks{renewOK: map[string]bool{leaderLockKey: true}}
	s := &Scheduler{locks: locks, engineID: "e1", log: testLogger(), leader: true}

	if !s.acquireLeadership(context.Background()) {
		t.Fatalf("expected renewed leadership")
	}
}

func TestAcquireLeadershipFailsWhenNeitherRenewNorAcquireSucceed(t *testing.T) {
	locks := &fakeLocks{acquireOK: map[string]bool{}, renewOK: map[string]bool{}}
	s := &Scheduler{locks: locks, engineID: "e1", log: testLogger(), leader: true}

	if s.acquireLeadership(context.Background()) {
		t.Fatalf("expected leadership acquisition to fail")
	}
}

func TestChooseTakeoverEnginePrefersSupportedExecutorSuperset(t *testing.T) {
	reg := &fakeRegistry{active: []registry.EngineInstance{
		{InstanceID: "e2", SupportedExecutors: []string{"http"}, LoadInfo: registry.LoadInfo{CPUPercent: 10}},
		{InstanceID: "e3", SupportedExecutors: []string{"http", "script"}, LoadInfo: registry.LoadInfo{CPUPercent: 80}},
	}}
	s := &Scheduler{registry: reg, cfg: engineCfg(), log: testLogger()}

	dead := registry.EngineInstance{InstanceID: "e1", SupportedExecutors: []string{"http", "script"}}
	got, err := s.chooseTakeoverEngine(context.Background(), dead)
	if err != nil {
		t.Fatalf("chooseTakeoverEngine: %v", err)
	}
	if got.InstanceID != "e3" {
		t.Fatalf("expected superset-supporting engine e3, got %s", got.InstanceID)
	}
}

func TestChooseTakeoverEngineFallsBackToLowestLoadOnPartialOverlap(t *testing.T) {
	reg := &fakeRegistry{active: []registry.EngineInstance{
		{InstanceID: "e2", SupportedExecutors: []string{"http"}, LoadInfo: registry.LoadInfo{CPUPercent: 50}},
		{InstanceID: "e3", SupportedExecutors: []string{"http"}, LoadInfo: registry.LoadInfo{CPUPercent: 5}},
	}}
	s := &Scheduler{registry: reg, cfg: engineCfg(), log: testLogger()}

	dead := registry.EngineInstance{InstanceID: "e1", SupportedExecutors: []string{"http", "script"}}
	got, err := s.chooseTakeoverEngine(context.Background(), dead)
	if err != nil {
		t.Fatalf("chooseTakeoverEngine: %v", err)
	}
	if got.InstanceID != "e3" {
		t.Fatalf("expected lowest-load partial-overlap engine e3, got %s", got.InstanceID)
	}
}

func TestChooseTakeoverEngineErrorsWhenNoCandidates(t *testing.T) {
	reg := &fakeRegistry{active: nil}
	s := &Scheduler{registry: reg, cfg: engineCfg(), log: testLogger()}

	_, err := s.chooseTakeoverEngine(context.Background(), registry.EngineInstance{InstanceID: "e1"})
	if err == nil {
		t.Fatalf("expected error when no active engines remain")
	}
}

func TestRenewOwnershipPausesInstanceOnRenewFailure(t *testing.T) {
	st := &fakeStore{byEngine: map[string][]store.WorkflowInstance{
		"e1": {{ID: "inst-1", Status: store.InstanceStatusRunning}},
	}}
	locks := &fakeLocks{renewOK: map[string]bool{}}
	eng := &fakeEngine{}
	s := &Scheduler{store: st, locks: locks, engine: eng, cfg: engineCfg(), engineID: "e1", log: testLogger()}

	s.renewOwnership(context.Background())

	if len(eng.pausedInstances) != 1 || eng.pausedInstances[0] != "inst-1" {
		t.Fatalf("expected inst-1 to be paused after failed renewal, got %+v", eng.pausedInstances)
	}
}

func TestFailoverEngineTransfersInstancesAndCompletesEvent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectCommit()

	st := &fakeStore{byEngine: map[string][]store.WorkflowInstance{
		"dead-engine": {{ID: "inst-1", Status: store.InstanceStatusRunning}},
	}, runningNodes: []string{"node-1"}}
	reg := &fakeRegistry{active: []registry.EngineInstance{
		{InstanceID: "live-engine", SupportedExecutors: []string{"http"}, LoadInfo: registry.LoadInfo{CPUPercent: 1}},
	}}
	s := &Scheduler{store: st, registry: reg, db: db, cfg: engineCfg(), log: testLogger()}

	s.failoverEngine(context.Background(), registry.EngineInstance{InstanceID: "dead-engine", SupportedExecutors: []string{"http"}})

	if len(st.transferred) != 1 || st.transferred[0] != "inst-1" {
		t.Fatalf("expected inst-1 transferred, got %+v", st.transferred)
	}
	if len(st.resetNodes) != 1 || st.resetNodes[0] != "node-1" {
		t.Fatalf("expected node-1 reset, got %+v", st.resetNodes)
	}
	if len(reg.markInactive) != 1 || reg.markInactive[0] != "dead-engine" {
		t.Fatalf("expected dead-engine marked inactive, got %+v", reg.markInactive)
	}
	if len(st.events) != 1 || st.events[0].Status != store.FailoverStatusCompleted {
		t.Fatalf("expected failover event marked completed, got %+v", st.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestFailoverEngineMarksEventFailedOnTransactionError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()
	mock.ExpectBegin()
	mock.ExpectRollback()

	st := &fakeStore{byEngine: map[string][]store.WorkflowInstance{
		"dead-engine": {{ID: "inst-1", Status: store.InstanceStatusRunning}},
	}, failTransfer: true}
	reg := &fakeRegistry{active: []registry.EngineInstance{
		{InstanceID: "live-engine", LoadInfo: registry.LoadInfo{CPUPercent: 1}},
	}}
	s := &Scheduler{store: st, registry: reg, db: db, cfg: engineCfg(), log: testLogger()}

	s.failoverEngine(context.Background(), registry.EngineInstance{InstanceID: "dead-engine"})

	if len(st.events) != 1 || st.events[0].Status != store.FailoverStatusFailed {
		t.Fatalf("expected failover event marked failed, got %+v", st.events)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}

func TestRenewOwnershipLeavesInstanceAloneWhenRenewSucceeds(t *testing.T) {
	st := &fakeStore{byEngine: map[string][]store.WorkflowInstance{
		"e1": {{ID: "inst-1", Status: store.InstanceStatusRunning}},
	}}
	locks := &fakeLocks{renewOK: map[string]bool{"wf:inst-1": true}}
	eng := &fakeEngine{}
	s := &Scheduler{store: st, locks: locks, engine: eng, cfg: engineCfg(), engineID: "e1", log: testLogger()}

	s.renewOwnership(context.Background())

	if len(eng.pausedInstances) != 0 {
		t.Fatalf("expected no pause calls when renewal succeeds, got %+v", eng.pausedInstances)
	}
}

func TestHeartbeatReRegistersWhenEngineNoLongerKnown(t *testing.T) {
	reg := &fakeRegistry{heartbeatOK: false}
	s := &Scheduler{registry: reg, engineID: "e1", hostname: "host-a", executors: []string{"http"}, log: testLogger()}

	s.heartbeat(context.Background())

	if reg.heartbeats != 1 {
		t.Fatalf("expected one heartbeat call, got %d", reg.heartbeats)
	}
	if len(reg.registered) != 1 || reg.registered[0].InstanceID != "e1" {
		t.Fatalf("expected re-registration of e1, got %+v", reg.registered)
	}
}

func TestHeartbeatSkipsReRegisterWhenAcknowledged(t *testing.T) {
	reg := &fakeRegistry{heartbeatOK: true}
	s := &Scheduler{registry: reg, engineID: "e1", log: testLogger()}

	s.heartbeat(context.Background())

	if len(reg.registered) != 0 {
		t.Fatalf("expected no re-registration when heartbeat acknowledged, got %+v", reg.registered)
	}
}

func TestCollectLoadPopulatesGoroutineCount(t *testing.T) {
	load := collectLoad()
	if load.Goroutines <= 0 {
		t.Fatalf("expected a positive goroutine count, got %d", load.Goroutines)
	}
}
