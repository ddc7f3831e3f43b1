// Package mutex implements the business-key exclusivity layer (component
// C4): createMutexWorkflow ensures at most one running instance exists for
// a given mutex key across the cluster, on top of the lock service (C1),
// definition service (C8), instance store (C3), and workflow engine (C7).
package mutex

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
)

// lockTTL is the hold time for the mutex:<key> lease while the create
// protocol runs — generous relative to the few store round trips it takes,
// per spec §4.4.
const lockTTL = 5 * time.Minute

// The engine persists a new instance as pending and flips it to running
// asynchronously once its execution goroutine acquires the instance lock.
// awaitRunning polls for that transition to land before the mutex lock is
// released, so a second createMutexWorkflow(k, …) that acquires the freed
// mutex:<k> lock finds the succeeded create as a status=running row (spec
// §4.4 step 4, §8 invariant on mutexKey). The wait is bounded by
// runningPollTimeout; if the instance is still pending then, the lock is
// released anyway and a second create does not see it as running.
const (
	runningPollInterval = 20 * time.Millisecond
	runningPollTimeout  = 5 * time.Second
)

// Result is the outcome of createMutexWorkflow: exactly one of Instance or
// Conflict is set alongside a nil error; on a non-nil error the Result is zero.
type Result struct {
	Instance            *store.WorkflowInstance
	Conflict            bool
	ConflictingInstance *store.WorkflowInstance
}

// Service is the C4 contract.
type Service interface {
	CreateMutexWorkflow(ctx context.Context, ref workflow.DefRef, inputs map[string]any, mutexKey string) (Result, error)
}

type service struct {
	locks       locking.Service
	definitions definitions.Service
	store       store.Store
	engine      workflow.Engine
	log         *logger.Logger
}

// New constructs the mutex service.
func New(locks locking.Service, defs definitions.Service, st store.Store, eng workflow.Engine, log *logger.Logger) Service {
	if log == nil {
		log = logger.NewDefault("mutex-service")
	}
	return &service{locks: locks, definitions: defs, store: st, engine: eng, log: log}
}

// CreateMutexWorkflow runs the four-step protocol of spec §4.4 inside an
// acquired lock on mutex:<mutexKey>. The lock is released on every return
// path, including the happy path once the instance row is durably
// committed with status=running.
func (s *service) CreateMutexWorkflow(ctx context.Context, ref workflow.DefRef, inputs map[string]any, mutexKey string) (Result, error) {
	if mutexKey == "" {
		return Result{}, errors.ValidationError("mutexKey is required")
	}

	lockKey := "mutex:" + mutexKey
	ownerID := fmt.Sprintf("create-%d-%d", os.Getpid(), time.Now().UnixNano())

	ok, err := s.locks.Acquire(ctx, lockKey, lockTTL, ownerID)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{}, errors.ConflictError("mutex key " + mutexKey + " is contended by another create call")
	}
	release := func() {
		if err := s.locks.Release(ctx, lockKey, ownerID); err != nil {
			s.log.WithField("mutex_key", mutexKey).Warn("failed to release mutex lock: " + err.Error())
		}
	}

	if _, err := s.resolveDefinition(ctx, ref); err != nil {
		release()
		return Result{}, err
	}

	existing, err := s.store.FindByMutexKey(ctx, mutexKey, store.InstanceStatusRunning)
	if err != nil {
		release()
		return Result{}, err
	}
	if len(existing) > 0 {
		release()
		conflicting := existing[0]
		return Result{Conflict: true, ConflictingInstance: &conflicting}, nil
	}

	instance, err := s.engine.Start(ctx, ref, inputs, workflow.StartOptions{
		MutexKey: mutexKey,
		ContextData: map[string]any{
			"mutexKey":   mutexKey,
			"mutexOwner": ownerID,
		},
	})
	if err != nil {
		release()
		return Result{}, err
	}

	instance = s.awaitRunning(ctx, instance)
	release()
	return Result{Instance: &instance}, nil
}

// awaitRunning blocks until instance is observed to have left
// status=pending, or until runningPollTimeout elapses. It returns the most
// recently observed instance row.
func (s *service) awaitRunning(ctx context.Context, instance store.WorkflowInstance) store.WorkflowInstance {
	if instance.Status != store.InstanceStatusPending {
		return instance
	}
	deadline := time.Now().Add(runningPollTimeout)
	for instance.Status == store.InstanceStatusPending {
		if time.Now().After(deadline) {
			s.log.WithField("instance_id", instance.ID).Warn(
				"instance still pending after waiting for it to reach running; releasing mutex lock anyway")
			return instance
		}
		select {
		case <-ctx.Done():
			return instance
		case <-time.After(runningPollInterval):
		}
		updated, err := s.store.GetInstance(ctx, instance.ID)
		if err != nil {
			s.log.WithField("instance_id", instance.ID).Warn(
				"failed to poll instance status while awaiting running: " + err.Error())
			return instance
		}
		instance = updated
	}
	return instance
}

func (s *service) resolveDefinition(ctx context.Context, ref workflow.DefRef) (definitions.WorkflowDefinition, error) {
	var def definitions.WorkflowDefinition
	var err error
	if ref.Version != nil {
		def, err = s.definitions.GetVersion(ctx, ref.Name, *ref.Version)
	} else {
		def, err = s.definitions.Get(ctx, ref.Name)
	}
	if err != nil {
		return definitions.WorkflowDefinition{}, err
	}
	if len(def.Nodes) == 0 {
		return definitions.WorkflowDefinition{}, errors.ValidationError("definition " + def.Name + " has no nodes")
	}
	if ref.Version != nil && def.Version != *ref.Version {
		return definitions.WorkflowDefinition{}, errors.ValidationError("resolved definition version does not match requested version")
	}
	return def, nil
}
