package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/executor"
	"github.com/r3e-network/workflow-core/internal/store"
	"github.com/r3e-network/workflow-core/internal/workflow/expr"
	"github.com/r3e-network/workflow-core/pkg/errors"
	"github.com/r3e-network/workflow-core/pkg/metrics"
)

// runner carries everything node execution needs, scoped to one in-flight
// instance run.
type runner struct {
	store       store.Store
	executors   *executor.Registry
	maxLoopIter int
	instanceID  string
	contextData map[string]any
}

// runNodes executes nodes in order, checking the instance's persisted status
// between each one so pause/cancel are observed cooperatively (spec §4.7,
// §5). interrupted is true if a non-running status was seen; execution
// stops without error in that case.
func (r *runner) runNodes(ctx context.Context, nodes []definitions.Node, vars map[string]any) (interrupted bool, err error) {
	for _, n := range nodes {
		if interrupted, err = r.checkRunning(ctx); interrupted || err != nil {
			return interrupted, err
		}
		if err := r.executeNode(ctx, n, vars); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (r *runner) checkRunning(ctx context.Context) (bool, error) {
	inst, err := r.store.GetInstance(ctx, r.instanceID)
	if err != nil {
		return false, err
	}
	return inst.Status != store.InstanceStatusRunning, nil
}

func (r *runner) executeNode(ctx context.Context, n definitions.Node, vars map[string]any) error {
	started := time.Now()
	var err error
	switch n.Kind {
	case definitions.NodeKindTask:
		err = r.executeTask(ctx, n, vars)
	case definitions.NodeKindCondition:
		err = r.executeCondition(ctx, n, vars)
	case definitions.NodeKindParallel:
		err = r.executeParallel(ctx, n, vars)
	case definitions.NodeKindLoop:
		err = r.executeLoop(ctx, n, vars)
	default:
		err = errors.ValidationError(fmt.Sprintf("unknown node kind %q for node %s", n.Kind, n.ID))
	}
	outcome := "completed"
	if err != nil {
		outcome = "failed"
	}
	metrics.RecordNodeExecution(string(n.Kind), outcome, time.Since(started))
	return err
}

func (r *runner) executeTask(ctx context.Context, n definitions.Node, vars map[string]any) error {
	if n.Task == nil {
		return errors.ValidationError("task node " + n.ID + " has no task spec")
	}
	ex, ok := r.executors.Get(n.Task.ExecutorName)
	if !ok {
		return errors.ExecutorFailureError(n.Task.ExecutorName, fmt.Errorf("executor not registered"))
	}

	now := time.Now().UTC()
	if _, err := r.store.UpsertNodeInstance(ctx, store.NodeInstance{
		WorkflowInstanceID: r.instanceID,
		NodeID:             n.ID,
		Status:             store.NodeStatusRunning,
		StartedAt:          &now,
	}); err != nil {
		return err
	}

	execCtx := executor.Context{
		TaskID:             n.ID,
		WorkflowInstanceID: r.instanceID,
		Config:             n.Task.Config,
		Inputs:             cloneMap(vars),
		WorkflowContext:    r.contextData,
	}
	result, execErr := ex.Execute(ctx, execCtx)

	finished := time.Now().UTC()
	if execErr != nil || !result.Success {
		msg := result.Error
		if execErr != nil {
			msg = execErr.Error()
		}
		_, _ = r.store.UpsertNodeInstance(ctx, store.NodeInstance{
			WorkflowInstanceID: r.instanceID,
			NodeID:             n.ID,
			Status:             store.NodeStatusFailed,
			StartedAt:          &now,
			FinishedAt:         &finished,
		})
		return errors.ExecutorFailureError(n.Task.ExecutorName, fmt.Errorf("%s", msg))
	}

	if _, err := r.store.UpsertNodeInstance(ctx, store.NodeInstance{
		WorkflowInstanceID: r.instanceID,
		NodeID:             n.ID,
		Status:             store.NodeStatusCompleted,
		StartedAt:          &now,
		FinishedAt:         &finished,
		Output:             result.Data,
	}); err != nil {
		return err
	}
	setNodeOutput(vars, n.ID, result.Data)
	return nil
}

func (r *runner) executeCondition(ctx context.Context, n definitions.Node, vars map[string]any) error {
	if n.Condition == nil {
		return errors.ValidationError("condition node " + n.ID + " has no condition spec")
	}
	result, err := expr.EvalBool(n.Condition.Expr, vars)
	if err != nil {
		return errors.Wrap(errors.Validation, "evaluate guard for node "+n.ID, err)
	}
	branch := n.Condition.FalseBranch
	if result {
		branch = n.Condition.TrueBranch
	}
	_, err = r.runNodes(ctx, branch, vars)
	return err
}

func (r *runner) executeParallel(ctx context.Context, n definitions.Node, vars map[string]any) error {
	if n.Parallel == nil || len(n.Parallel.Branches) == 0 {
		return nil
	}

	type branchResult struct {
		index int
		vars  map[string]any
		err   error
	}
	results := make([]branchResult, len(n.Parallel.Branches))
	var wg sync.WaitGroup
	for i, branch := range n.Parallel.Branches {
		i, branch := i, branch
		wg.Add(1)
		go func() {
			defer wg.Done()
			branchVars := cloneMap(vars)
			_, err := r.runNodes(ctx, branch, branchVars)
			results[i] = branchResult{index: i, vars: branchVars, err: err}
		}()
	}
	wg.Wait()

	var firstErr error
	for _, res := range results {
		setBranchResult(vars, n.ID, res.index, res.vars)
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	return firstErr
}

func (r *runner) executeLoop(ctx context.Context, n definitions.Node, vars map[string]any) error {
	if n.Loop == nil {
		return errors.ValidationError("loop node " + n.ID + " has no loop spec")
	}

	var results []any
	emit := func(iteration int, item any) (bool, error) {
		interrupted, err := r.checkRunning(ctx)
		if interrupted || err != nil {
			return true, err
		}
		childVars := cloneMap(vars)
		childVars["$iteration"] = float64(iteration)
		childVars["$index"] = float64(iteration)
		childVars["$item"] = item
		childVars["$loopId"] = n.ID
		if _, err := r.runNodes(ctx, n.Loop.Body, childVars); err != nil {
			return false, err
		}
		results = append(results, childVars)
		return false, nil
	}

	maxIter := r.maxLoopIter
	if maxIter <= 0 {
		maxIter = 1000
	}

	switch n.Loop.Kind {
	case definitions.LoopKindFor:
		step := n.Loop.Bounds.Step
		if step == 0 {
			step = 1
		}
		count := 0
		for i := n.Loop.Bounds.Start; (step > 0 && i < n.Loop.Bounds.End) || (step < 0 && i > n.Loop.Bounds.End); i += step {
			if count >= maxIter {
				break
			}
			stop, err := emit(count, float64(i))
			if err != nil {
				return err
			}
			if stop {
				break
			}
			count++
		}
	case definitions.LoopKindForEach:
		arr, err := resolveArrayPath(vars, n.Loop.Bounds.ArrayPath)
		if err != nil {
			return errors.Wrap(errors.Validation, "resolve forEach array for node "+n.ID, err)
		}
		for i, item := range arr {
			if i >= maxIter {
				break
			}
			stop, err := emit(i, item)
			if err != nil {
				return err
			}
			if stop {
				break
			}
		}
	case definitions.LoopKindWhile:
		guardFalse := false
		stopped := false
		i := 0
		for ; i < maxIter; i++ {
			ok, err := expr.EvalBool(n.GuardExpr, vars)
			if err != nil {
				return errors.Wrap(errors.Validation, "evaluate while predicate for node "+n.ID, err)
			}
			if !ok {
				guardFalse = true
				break
			}
			stop, err := emit(i, nil)
			if err != nil {
				return err
			}
			if stop {
				stopped = true
				break
			}
		}
		if i >= maxIter && !guardFalse && !stopped {
			return errors.ExecutorFailureError(n.ID,
				fmt.Errorf("while loop exceeded max iterations (%d) without its guard expression going false", maxIter))
		}
	default:
		return errors.ValidationError("unknown loop kind " + string(n.Loop.Kind) + " for node " + n.ID)
	}

	setLoopResult(vars, n.ID, results)
	return nil
}

func resolveArrayPath(vars map[string]any, path string) ([]any, error) {
	v, err := expr.ResolvePath(vars, path)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("path %q does not resolve to an array", path)
	}
	return arr, nil
}
