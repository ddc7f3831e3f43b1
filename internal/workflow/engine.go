package workflow

import (
	"context"
	"time"

	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/executor"
	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/pkg/config"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

// Engine is the public contract of the workflow engine (component C7):
// start/pause/resume/cancel/status for workflow instances, running on behalf
// of one engine process identified by engineID.
type Engine interface {
	Start(ctx context.Context, ref DefRef, inputs map[string]any, opts StartOptions) (store.WorkflowInstance, error)
	Pause(ctx context.Context, instanceID string) error
	Resume(ctx context.Context, instanceID string) error
	Cancel(ctx context.Context, instanceID string) error
	Status(ctx context.Context, instanceID string) (store.InstanceStatus, error)
}

type engine struct {
	store       store.Store
	definitions definitions.Service
	executors   *executor.Registry
	locks       locking.Service
	cfg         config.EngineConfig
	engineID    string
	log         *logger.Logger
}

// NewEngine constructs the workflow engine for the local process identified
// by engineID — the same id the engine registry registers under.
func NewEngine(
	st store.Store,
	defs definitions.Service,
	executors *executor.Registry,
	locks locking.Service,
	cfg config.EngineConfig,
	engineID string,
	log *logger.Logger,
) Engine {
	if log == nil {
		log = logger.NewDefault("workflow-engine")
	}
	return &engine{
		store: st, definitions: defs, executors: executors, locks: locks,
		cfg: cfg, engineID: engineID, log: log,
	}
}

func (e *engine) resolveDefinition(ctx context.Context, ref DefRef) (definitions.WorkflowDefinition, error) {
	if ref.Version != nil {
		return e.definitions.GetVersion(ctx, ref.Name, *ref.Version)
	}
	return e.definitions.Get(ctx, ref.Name)
}

// Start validates the definition against inputs, persists a pending
// instance, and begins execution asynchronously.
func (e *engine) Start(ctx context.Context, ref DefRef, inputs map[string]any, opts StartOptions) (store.WorkflowInstance, error) {
	def, err := e.resolveDefinition(ctx, ref)
	if err != nil {
		return store.WorkflowInstance{}, err
	}
	if err := validateDefinition(def, inputs, e.executors); err != nil {
		return store.WorkflowInstance{}, err
	}

	maxRetries := def.Config.RetryPolicy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.cfg.DefaultMaxRetries
	}

	contextData := opts.ContextData
	if contextData == nil {
		contextData = map[string]any{}
	}

	instance, err := e.store.CreateInstance(ctx, store.WorkflowInstance{
		DefinitionID:     def.ID,
		Name:             def.Name,
		Status:           store.InstanceStatusPending,
		InputData:        inputs,
		ContextData:      contextData,
		MaxRetries:       maxRetries,
		Priority:         def.Config.Priority,
		AssignedEngineID: e.engineID,
		MutexKey:         opts.MutexKey,
		BusinessKey:      opts.BusinessKey,
	})
	if err != nil {
		return store.WorkflowInstance{}, err
	}

	go e.execute(context.Background(), instance.ID, def)
	return instance, nil
}

// execute drives one instance from pending/running through to a terminal
// state or a retry-induced requeue. It is safe to call repeatedly for the
// same instance (Resume and the retry path both do).
func (e *engine) execute(ctx context.Context, instanceID string, def definitions.WorkflowDefinition) {
	ok, err := e.locks.Acquire(ctx, "wf:"+instanceID, e.cfg.InstanceLockTTL(), e.engineID)
	if err == nil && !ok {
		// Acquire refuses a live lease even to its own owner, and the retry
		// and Resume paths re-enter here while this engine may still hold it.
		ok, err = e.locks.Renew(ctx, "wf:"+instanceID, e.engineID, e.cfg.InstanceLockTTL())
	}
	if err != nil {
		e.log.WithField("instance_id", instanceID).Error("failed to acquire instance lock: " + err.Error())
		return
	}
	if !ok {
		e.log.WithField("instance_id", instanceID).Warn("instance lock already held, skipping execution")
		return
	}

	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		e.log.WithField("instance_id", instanceID).Error("failed to load instance: " + err.Error())
		return
	}

	now := time.Now().UTC()
	if instance.Status == store.InstanceStatusPending {
		instance, err = e.store.UpdateStatus(ctx, instanceID, store.InstanceStatusRunning, store.StatusPatch{StartedAt: &now})
		if err != nil {
			e.log.WithField("instance_id", instanceID).Error("failed to transition to running: " + err.Error())
			return
		}
	}

	vars := newVariableMap(instance.InputData, instance.ContextData)
	r := &runner{
		store:       e.store,
		executors:   e.executors,
		maxLoopIter: e.cfg.MaxLoopIterations,
		instanceID:  instanceID,
		contextData: instance.ContextData,
	}

	interrupted, runErr := r.runNodes(ctx, def.Nodes, vars)
	switch {
	case interrupted:
		e.log.WithField("instance_id", instanceID).Info("execution interrupted by a non-running status transition")
	case runErr != nil:
		e.handleFailure(ctx, instance, def, runErr)
	default:
		e.handleCompletion(ctx, instanceID, def, vars)
	}
}

func (e *engine) handleCompletion(ctx context.Context, instanceID string, def definitions.WorkflowDefinition, vars map[string]any) {
	output := resolveOutputs(def.Outputs, vars)
	now := time.Now().UTC()
	if _, err := e.store.UpdateStatus(ctx, instanceID, store.InstanceStatusCompleted, store.StatusPatch{
		CompletedAt: &now,
		OutputData:  output,
	}); err != nil {
		e.log.WithField("instance_id", instanceID).Error("failed to mark instance completed: " + err.Error())
		return
	}
	if err := e.locks.Release(ctx, "wf:"+instanceID, e.engineID); err != nil {
		e.log.WithField("instance_id", instanceID).Warn("failed to release instance lock: " + err.Error())
	}
}

func (e *engine) handleFailure(ctx context.Context, instance store.WorkflowInstance, def definitions.WorkflowDefinition, runErr error) {
	msg := runErr.Error()
	if instance.RetryCount >= instance.MaxRetries {
		now := time.Now().UTC()
		if _, err := e.store.UpdateStatus(ctx, instance.ID, store.InstanceStatusFailed, store.StatusPatch{
			CompletedAt:  &now,
			ErrorMessage: &msg,
		}); err != nil {
			e.log.WithField("instance_id", instance.ID).Error("failed to mark instance failed: " + err.Error())
		}
		if err := e.locks.Release(ctx, "wf:"+instance.ID, e.engineID); err != nil {
			e.log.WithField("instance_id", instance.ID).Warn("failed to release instance lock: " + err.Error())
		}
		return
	}

	nextRetry := instance.RetryCount + 1
	if _, err := e.store.UpdateStatus(ctx, instance.ID, store.InstanceStatusPending, store.StatusPatch{
		RetryCount:   &nextRetry,
		ErrorMessage: &msg,
	}); err != nil {
		e.log.WithField("instance_id", instance.ID).Error("failed to requeue instance for retry: " + err.Error())
		return
	}
	metrics.RecordRetry(def.Name)

	delay := backoffDuration(nextRetry)
	time.AfterFunc(delay, func() {
		e.execute(context.Background(), instance.ID, def)
	})
}

func resolveOutputs(names []string, vars map[string]any) map[string]any {
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]any, len(names))
	for _, name := range names {
		out[name] = vars[name]
	}
	return out
}

func (e *engine) Pause(ctx context.Context, instanceID string) error {
	now := time.Now().UTC()
	_, err := e.store.UpdateStatus(ctx, instanceID, store.InstanceStatusPaused, store.StatusPatch{PausedAt: &now})
	return err
}

func (e *engine) Resume(ctx context.Context, instanceID string) error {
	def, instance, err := e.loadForResume(ctx, instanceID)
	if err != nil {
		return err
	}
	if _, err := e.store.UpdateStatus(ctx, instanceID, store.InstanceStatusRunning, store.StatusPatch{}); err != nil {
		return err
	}
	go e.execute(context.Background(), instanceID, def)
	_ = instance
	return nil
}

func (e *engine) loadForResume(ctx context.Context, instanceID string) (definitions.WorkflowDefinition, store.WorkflowInstance, error) {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return definitions.WorkflowDefinition{}, store.WorkflowInstance{}, err
	}
	if instance.Status != store.InstanceStatusPaused {
		return definitions.WorkflowDefinition{}, store.WorkflowInstance{}, errors.ConflictError("instance is not paused")
	}
	def, err := e.definitions.Get(ctx, instance.Name)
	if err != nil {
		return definitions.WorkflowDefinition{}, store.WorkflowInstance{}, err
	}
	return def, instance, nil
}

func (e *engine) Cancel(ctx context.Context, instanceID string) error {
	now := time.Now().UTC()
	_, err := e.store.UpdateStatus(ctx, instanceID, store.InstanceStatusCancelled, store.StatusPatch{CompletedAt: &now})
	if err != nil {
		return err
	}
	if err := e.locks.Release(ctx, "wf:"+instanceID, e.engineID); err != nil {
		e.log.WithField("instance_id", instanceID).Warn("failed to release instance lock on cancel: " + err.Error())
	}
	return nil
}

func (e *engine) Status(ctx context.Context, instanceID string) (store.InstanceStatus, error) {
	instance, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return "", err
	}
	return instance.Status, nil
}
