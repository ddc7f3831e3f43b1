package definitions

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/r3e-network/workflow-core/internal/locking"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/logger"
)

// activationLockTTL bounds how long a Publish call may hold def:<name>.
const activationLockTTL = 30 * time.Second

// Service is the contract consumed by the mutex service and workflow engine:
// read-only lookup of the active (or a specific) version of a definition.
type Service interface {
	Get(ctx context.Context, name string) (WorkflowDefinition, error)
	GetVersion(ctx context.Context, name string, version int) (WorkflowDefinition, error)
	// Publish creates def as a new version and, inside the def:<name> lock,
	// deactivates the prior active version before activating this one —
	// preserving the at-most-one-active-version-per-name invariant.
	Publish(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error)
}

type service struct {
	repo  Repository
	locks locking.Service
	log   *logger.Logger
}

// NewService constructs a definition service bound to repo and locks.
func NewService(repo Repository, locks locking.Service, log *logger.Logger) Service {
	if log == nil {
		log = logger.NewDefault("definition-service")
	}
	return &service{repo: repo, locks: locks, log: log}
}

func (s *service) Get(ctx context.Context, name string) (WorkflowDefinition, error) {
	return s.repo.Get(ctx, name)
}

func (s *service) GetVersion(ctx context.Context, name string, version int) (WorkflowDefinition, error) {
	return s.repo.GetVersion(ctx, name, version)
}

func (s *service) Publish(ctx context.Context, def WorkflowDefinition) (WorkflowDefinition, error) {
	if def.Name == "" {
		return WorkflowDefinition{}, errors.ValidationError("definition name is required")
	}
	if len(def.Nodes) == 0 {
		return WorkflowDefinition{}, errors.ValidationError("definition must have at least one node")
	}
	if err := validateUniqueNodeIDs(def.Nodes); err != nil {
		return WorkflowDefinition{}, err
	}

	lockKey := fmt.Sprintf("def:%s", def.Name)
	ownerID := fmt.Sprintf("publish-%d-%d", os.Getpid(), time.Now().UnixNano())

	ok, err := s.locks.Acquire(ctx, lockKey, activationLockTTL, ownerID)
	if err != nil {
		return WorkflowDefinition{}, err
	}
	if !ok {
		return WorkflowDefinition{}, errors.ConflictError("definition " + def.Name + " is being published by another writer")
	}
	defer func() {
		if rerr := s.locks.Release(ctx, lockKey, ownerID); rerr != nil {
			s.log.WithField("definition_name", def.Name).Warn("failed to release publish lock: " + rerr.Error())
		}
	}()

	def.IsActive = false
	created, err := s.repo.Create(ctx, def)
	if err != nil {
		return WorkflowDefinition{}, err
	}
	if err := s.repo.Deactivate(ctx, def.Name); err != nil {
		return WorkflowDefinition{}, err
	}
	if err := s.repo.Activate(ctx, def.Name, def.Version); err != nil {
		return WorkflowDefinition{}, err
	}
	created.IsActive = true
	return created, nil
}

func validateUniqueNodeIDs(nodes []Node) error {
	seen := make(map[string]bool, len(nodes))
	var walk func([]Node) error
	walk = func(ns []Node) error {
		for _, n := range ns {
			if n.ID == "" {
				return errors.ValidationError("node id is required")
			}
			if seen[n.ID] {
				return errors.ValidationError("duplicate node id: " + n.ID)
			}
			seen[n.ID] = true
			switch n.Kind {
			case NodeKindParallel:
				if n.Parallel != nil {
					for _, branch := range n.Parallel.Branches {
						if err := walk(branch); err != nil {
							return err
						}
					}
				}
			case NodeKindCondition:
				if n.Condition != nil {
					if err := walk(n.Condition.TrueBranch); err != nil {
						return err
					}
					if err := walk(n.Condition.FalseBranch); err != nil {
						return err
					}
				}
			case NodeKindLoop:
				if n.Loop != nil {
					if err := walk(n.Loop.Body); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}
	return walk(nodes)
}
