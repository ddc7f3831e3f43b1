// Package scheduler implements the cluster-coordination component (C5): a
// leader-elected liveness sweep that fails instances over from dead engines,
// and a per-engine ownership-renewal loop that keeps each engine's instance
// locks alive and abandons execution when renewal is lost.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/r3e-network/workflow-core/internal/core/service"
	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/platform/dbtx"
	"github.com/r3e-network/workflow-core/internal/registry"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow"
	"github.com/r3e-network/workflow-core/pkg/config"
	"github.com/r3e-network/workflow-core/pkg/logger"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

const (
	leaderLockKey = "scheduler:leader"
	leaderLockTTL = 60 * time.Second

	// renewalInterval is fixed rather than configurable: every engine renews
	// the instance locks it holds on this cadence regardless of sweep tuning.
	renewalInterval = 10 * time.Second
)

// Scheduler owns the liveness-sweep and ownership-renewal loops for one
// engine process.
type Scheduler struct {
	store     store.Store
	registry  registry.Service
	locks     locking.Service
	engine    workflow.Engine
	db        *sql.DB
	cfg       config.EngineConfig
	engineID  string
	hostname  string
	executors []string
	log       *logger.Logger

	mu      sync.Mutex
	leader  bool
	cron    *cron.Cron
	running bool
}

// New constructs a Scheduler bound to the given engine instance id. db is
// used only to open the shared transaction a failover spans across the
// store and registry. hostname and executors populate the registry row this
// process registers under on Start.
func New(
	st store.Store,
	reg registry.Service,
	locks locking.Service,
	eng workflow.Engine,
	db *sql.DB,
	cfg config.EngineConfig,
	engineID string,
	hostname string,
	executors []string,
	log *logger.Logger,
) *Scheduler {
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		store:     st,
		registry:  reg,
		locks:     locks,
		engine:    eng,
		db:        db,
		cfg:       cfg,
		engineID:  engineID,
		hostname:  hostname,
		executors: executors,
		log:       log,
	}
}

// Name identifies this component for logging and orchestration.
func (s *Scheduler) Name() string { return "workflow-scheduler" }

// Descriptor advertises the scheduler's architectural placement.
func (s *Scheduler) Descriptor() service.Descriptor {
	return service.Descriptor{
		Name:         "workflow-scheduler",
		Domain:       "workflow",
		Layer:        service.LayerEngine,
		Capabilities: []string{"failover", "lease-renewal", "heartbeat"},
	}
}

// Start registers this engine instance, then schedules the liveness-sweep,
// ownership-renewal, and heartbeat loops via cron. The loops themselves run
// on cron's own goroutine.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	if err := s.registry.Register(ctx, registry.EngineInstance{
		InstanceID:         s.engineID,
		Hostname:           s.hostname,
		ProcessID:          os.Getpid(),
		Status:             registry.StatusActive,
		LoadInfo:           collectLoad(),
		SupportedExecutors: s.executors,
		StartedAt:          time.Now().UTC(),
		LastHeartbeat:      time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("register engine: %w", err)
	}

	c := cron.New()
	sweepSpec := fmt.Sprintf("@every %s", s.cfg.SchedulerSweep())
	if _, err := c.AddFunc(sweepSpec, func() { s.livenessSweep(ctx) }); err != nil {
		return fmt.Errorf("schedule liveness sweep: %w", err)
	}
	renewSpec := fmt.Sprintf("@every %s", renewalInterval)
	if _, err := c.AddFunc(renewSpec, func() { s.renewOwnership(ctx) }); err != nil {
		return fmt.Errorf("schedule ownership renewal: %w", err)
	}
	heartbeatSpec := fmt.Sprintf("@every %s", s.cfg.HeartbeatInterval())
	if _, err := c.AddFunc(heartbeatSpec, func() { s.heartbeat(ctx) }); err != nil {
		return fmt.Errorf("schedule heartbeat: %w", err)
	}

	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("engine_id", s.engineID).Info("scheduler started")
	return nil
}

// Stop halts all three loops and waits for any in-flight run to finish.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.running = false
	s.cron = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	stopCtx := c.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("scheduler stopped")
	return nil
}

// livenessSweep runs leader election, then — only while holding leadership —
// looks for stale engines and fails their instances over to a live one. Spec
// §4.5: "only one loop instance acts per iteration" applies to this loop
// alone; ownership renewal is inherently per-engine-safe because Renew is
// already conditional on the calling engine being the current owner.
func (s *Scheduler) livenessSweep(ctx context.Context) {
	if !s.acquireLeadership(ctx) {
		return
	}

	stale, err := s.registry.ListStale(ctx, s.cfg.LivenessWindow())
	if err != nil {
		s.log.WithError(err).Warn("liveness sweep: list stale engines failed")
		return
	}
	for _, dead := range stale {
		if dead.InstanceID == s.engineID {
			continue
		}
		s.failoverEngine(ctx, dead)
	}
}

// acquireLeadership renews the scheduler's existing lease if it holds one,
// falling back to a fresh acquire. Renew extends a lease this engine already
// owns; Acquire only succeeds when no live lease exists, so a still-leading
// engine must always try Renew first or it would lose leadership to itself.
func (s *Scheduler) acquireLeadership(ctx context.Context) bool {
	s.mu.Lock()
	wasLeader := s.leader
	s.mu.Unlock()

	if wasLeader {
		ok, err := s.locks.Renew(ctx, leaderLockKey, s.engineID, leaderLockTTL)
		if err == nil && ok {
			return true
		}
		s.log.Warn("scheduler: lost leader lease, will attempt to re-acquire")
	}

	ok, err := s.locks.Acquire(ctx, leaderLockKey, leaderLockTTL, s.engineID)
	s.mu.Lock()
	s.leader = err == nil && ok
	leader := s.leader
	s.mu.Unlock()
	if err != nil {
		s.log.WithError(err).Warn("scheduler: leader acquisition failed")
	}
	return leader
}

// failoverEngine moves every non-terminal instance owned by dead onto a live
// takeover engine in one transaction, recording a failover event throughout.
func (s *Scheduler) failoverEngine(ctx context.Context, dead registry.EngineInstance) {
	instances, err := s.store.FindByAssignedEngine(ctx, dead.InstanceID, []store.InstanceStatus{
		store.InstanceStatusPending, store.InstanceStatusRunning, store.InstanceStatusPaused,
	})
	if err != nil {
		s.log.WithError(err).WithField("failed_engine_id", dead.InstanceID).Warn("failover: list affected instances failed")
		return
	}
	affected := make([]string, len(instances))
	for i, inst := range instances {
		affected[i] = inst.ID
	}

	event, err := s.store.CreateFailoverEvent(ctx, store.FailoverEvent{
		FailedEngineID:      dead.InstanceID,
		Reason:              "liveness sweep: no heartbeat within liveness window",
		Status:              store.FailoverStatusInitiated,
		FailoverAt:          time.Now().UTC(),
		AffectedWorkflowIDs: affected,
	})
	if err != nil {
		s.log.WithError(err).WithField("failed_engine_id", dead.InstanceID).Warn("failover: create event failed")
		return
	}
	if len(instances) == 0 {
		if _, err := s.store.UpdateFailoverEvent(ctx, event.EventID, store.FailoverStatusCompleted, "no affected instances", timePtr(time.Now().UTC())); err != nil {
			s.log.WithError(err).Warn("failover: mark completed (no-op) failed")
		}
		if err := s.registry.MarkInactive(ctx, dead.InstanceID); err != nil {
			s.log.WithError(err).WithField("failed_engine_id", dead.InstanceID).Warn("failover: mark engine inactive failed")
		}
		metrics.RecordFailover(string(store.FailoverStatusCompleted))
		return
	}

	nodeIDs, err := s.store.FindRunningNodesByEngine(ctx, dead.InstanceID)
	if err != nil {
		s.markFailoverFailed(ctx, event.EventID, err)
		return
	}

	takeover, err := s.chooseTakeoverEngine(ctx, dead)
	if err != nil {
		s.markFailoverFailed(ctx, event.EventID, err)
		return
	}

	instanceIDs := make([]string, len(instances))
	for i, inst := range instances {
		instanceIDs[i] = inst.ID
	}

	txErr := dbtx.RunInTx(ctx, s.db, func(ctx context.Context) error {
		if _, err := s.store.TransferInstances(ctx, instanceIDs, dead.InstanceID, takeover.InstanceID); err != nil {
			return fmt.Errorf("transfer instances: %w", err)
		}
		if err := s.store.ResetNodes(ctx, nodeIDs); err != nil {
			return fmt.Errorf("reset nodes: %w", err)
		}
		if err := s.registry.MarkInactive(ctx, dead.InstanceID); err != nil {
			return fmt.Errorf("mark engine inactive: %w", err)
		}
		if _, err := s.store.UpdateFailoverEvent(ctx, event.EventID, store.FailoverStatusCompleted, "", timePtr(time.Now().UTC())); err != nil {
			return fmt.Errorf("mark failover event completed: %w", err)
		}
		return nil
	})
	if txErr != nil {
		s.markFailoverFailed(ctx, event.EventID, txErr)
		return
	}

	metrics.RecordFailover(string(store.FailoverStatusCompleted))
	s.log.WithField("failed_engine_id", dead.InstanceID).
		WithField("takeover_engine_id", takeover.InstanceID).
		WithField("instance_count", len(instanceIDs)).
		Info("failover completed")
}

func (s *Scheduler) markFailoverFailed(ctx context.Context, eventID string, cause error) {
	s.log.WithError(cause).WithField("failover_event_id", eventID).Warn("failover attempt failed, will retry next sweep")
	if _, err := s.store.UpdateFailoverEvent(ctx, eventID, store.FailoverStatusFailed, cause.Error(), nil); err != nil {
		s.log.WithError(err).Warn("failover: mark failed event itself failed to persist")
	}
	metrics.RecordFailover(string(store.FailoverStatusFailed))
}

// chooseTakeoverEngine picks the live, non-dead engine with the lowest CPU
// load, preferring one whose supported executors are a superset of dead's
// and falling back to the engine with the largest overlap when no superset
// exists.
func (s *Scheduler) chooseTakeoverEngine(ctx context.Context, dead registry.EngineInstance) (registry.EngineInstance, error) {
	active, err := s.registry.ListActive(ctx, s.cfg.LivenessWindow())
	if err != nil {
		return registry.EngineInstance{}, fmt.Errorf("list active engines: %w", err)
	}

	required := toSet(dead.SupportedExecutors)
	var supersets, partial []registry.EngineInstance
	for _, candidate := range active {
		if candidate.InstanceID == dead.InstanceID {
			continue
		}
		have := toSet(candidate.SupportedExecutors)
		switch {
		case isSuperset(have, required):
			supersets = append(supersets, candidate)
		case overlapCount(have, required) > 0:
			partial = append(partial, candidate)
		}
	}

	pool := supersets
	if len(pool) == 0 {
		pool = partial
	}
	if len(pool) == 0 {
		pool = active
	}
	pool = excludeEngine(pool, dead.InstanceID)
	if len(pool) == 0 {
		return registry.EngineInstance{}, fmt.Errorf("no live takeover candidate for engine %s", dead.InstanceID)
	}

	sort.Slice(pool, func(i, j int) bool {
		return pool[i].LoadInfo.CPUPercent < pool[j].LoadInfo.CPUPercent
	})
	return pool[0], nil
}

// renewOwnership keeps this engine's instance locks alive. Renewal failure
// means another engine (or a stale-liveness failover) may already consider
// the lock lost, so this engine pauses the instance rather than race it.
func (s *Scheduler) renewOwnership(ctx context.Context) {
	owned, err := s.store.FindByAssignedEngine(ctx, s.engineID, []store.InstanceStatus{store.InstanceStatusRunning})
	if err != nil {
		s.log.WithError(err).Warn("ownership renewal: list owned instances failed")
		return
	}
	for _, inst := range owned {
		ok, err := s.locks.Renew(ctx, "wf:"+inst.ID, s.engineID, s.cfg.InstanceLockTTL())
		if err == nil && ok {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithField("instance_id", inst.ID).Warn("ownership renewal: renew failed")
		} else {
			s.log.WithField("instance_id", inst.ID).Warn("ownership renewal: lock no longer held, abandoning")
		}
		if pauseErr := s.engine.Pause(ctx, inst.ID); pauseErr != nil {
			s.log.WithError(pauseErr).WithField("instance_id", inst.ID).Warn("ownership renewal: abandon (pause) failed")
		}
	}
}

// heartbeat reports this engine's current load to the registry so the
// liveness sweep on every other engine keeps treating it as alive.
func (s *Scheduler) heartbeat(ctx context.Context) {
	ok, err := s.registry.Heartbeat(ctx, s.engineID, collectLoad())
	if err != nil {
		s.log.WithError(err).Warn("heartbeat failed")
		return
	}
	if !ok {
		s.log.Warn("heartbeat: engine no longer registered, re-registering")
		if regErr := s.registry.Register(ctx, registry.EngineInstance{
			InstanceID:         s.engineID,
			Hostname:           s.hostname,
			ProcessID:          os.Getpid(),
			Status:             registry.StatusActive,
			LoadInfo:           collectLoad(),
			SupportedExecutors: s.executors,
			StartedAt:          time.Now().UTC(),
			LastHeartbeat:      time.Now().UTC(),
		}); regErr != nil {
			s.log.WithError(regErr).Warn("heartbeat: re-register failed")
		}
	}
}

// collectLoad samples host CPU/memory and the process's goroutine count for
// the registry row's load snapshot, falling back to a goroutine-based proxy
// when gopsutil can't read host stats (e.g. inside a restricted container).
func collectLoad() registry.LoadInfo {
	load := registry.LoadInfo{Goroutines: runtime.NumGoroutine()}

	if v, err := mem.VirtualMemory(); err == nil {
		load.MemUsedBytes = v.Used
		load.MemTotal = v.Total
	}

	if pct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(pct) > 0 {
		load.CPUPercent = pct[0]
	} else {
		numCPU := float64(runtime.NumCPU())
		if numCPU <= 0 {
			numCPU = 1
		}
		load.CPUPercent = float64(load.Goroutines) / numCPU
	}

	return load
}

func timePtr(t time.Time) *time.Time { return &t }

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func isSuperset(have, required map[string]struct{}) bool {
	for k := range required {
		if _, ok := have[k]; !ok {
			return false
		}
	}
	return true
}

func overlapCount(have, required map[string]struct{}) int {
	n := 0
	for k := range required {
		if _, ok := have[k]; ok {
			n++
		}
	}
	return n
}

func excludeEngine(engines []registry.EngineInstance, instanceID string) []registry.EngineInstance {
	out := make([]registry.EngineInstance, 0, len(engines))
	for _, e := range engines {
		if e.InstanceID != instanceID {
			out = append(out, e)
		}
	}
	return out
}
