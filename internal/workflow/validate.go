package workflow

import (
	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/executor"
	"github.com/r3e-network/workflow-core/pkg/errors"
)

// validateDefinition applies the four rejection rules of spec §4.7, in
// order, before any row is written: a name and at least one node, unique
// node ids, every Task executorName resolvable, and every required input
// present.
func validateDefinition(def definitions.WorkflowDefinition, inputs map[string]any, executors *executor.Registry) error {
	if def.Name == "" {
		return errors.ValidationError("definition must have a name")
	}
	if len(def.Nodes) == 0 {
		return errors.ValidationError("definition must have at least one node")
	}
	seen := make(map[string]bool)
	if err := walkNodes(def.Nodes, func(n definitions.Node) error {
		if n.ID == "" {
			return errors.ValidationError("node id is required")
		}
		if seen[n.ID] {
			return errors.ValidationError("duplicate node id: " + n.ID)
		}
		seen[n.ID] = true
		if n.Kind == definitions.NodeKindTask {
			if n.Task == nil || n.Task.ExecutorName == "" {
				return errors.ValidationError("task node " + n.ID + " has no executorName")
			}
			if !executors.Has(n.Task.ExecutorName) {
				return errors.ValidationError("task node " + n.ID + " references unknown executor " + n.Task.ExecutorName)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	for _, in := range def.Inputs {
		if !in.Required {
			continue
		}
		if _, ok := inputs[in.Name]; !ok {
			return errors.ValidationError("missing required input: " + in.Name)
		}
	}
	return nil
}

// walkNodes visits every node in the definition, recursing into Parallel
// branches, Condition branches, and Loop bodies.
func walkNodes(nodes []definitions.Node, visit func(definitions.Node) error) error {
	for _, n := range nodes {
		if err := visit(n); err != nil {
			return err
		}
		switch n.Kind {
		case definitions.NodeKindParallel:
			if n.Parallel != nil {
				for _, branch := range n.Parallel.Branches {
					if err := walkNodes(branch, visit); err != nil {
						return err
					}
				}
			}
		case definitions.NodeKindCondition:
			if n.Condition != nil {
				if err := walkNodes(n.Condition.TrueBranch, visit); err != nil {
					return err
				}
				if err := walkNodes(n.Condition.FalseBranch, visit); err != nil {
					return err
				}
			}
		case definitions.NodeKindLoop:
			if n.Loop != nil {
				if err := walkNodes(n.Loop.Body, visit); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
