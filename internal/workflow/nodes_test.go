package workflow

import (
	"context"
	"strings"
	"testing"

	"github.com/r3e-network/workflow-core/internal/definitions"
	"github.com/r3e-network/workflow-core/internal/executor"
	"github.com/r3e-network/workflow-core/internal/store"
)

type scriptedExecutor struct {
	result executor.Result
	err    error
	calls  int
}

func (s *scriptedExecutor) Execute(ctx context.Context, execCtx executor.Context) (executor.Result, error) {
	s.calls++
	return s.result, s.err
}

func newRunner(st *memStore, reg *executor.Registry) *runner {
	return &runner{store: st, executors: reg, maxLoopIter: 1000, instanceID: "inst-1"}
}

func TestExecuteTaskRecordsOutputOnSuccess(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{"out": "ok"}}}
	reg.Register("echo", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	vars := newVariableMap(nil, nil)
	n := definitions.Node{ID: "t1", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "echo"}}

	if err := r.executeTask(context.Background(), n, vars); err != nil {
		t.Fatalf("executeTask: %v", err)
	}
	if stub.calls != 1 {
		t.Fatalf("expected executor invoked once, got %d", stub.calls)
	}
	nodesBucket, _ := vars["nodes"].(map[string]any)
	t1, _ := nodesBucket["t1"].(map[string]any)
	out, _ := t1["output"].(map[string]any)
	if out["out"] != "ok" {
		t.Fatalf("expected node output recorded, got %+v", vars["nodes"])
	}
}

func TestExecuteTaskWrapsExecutorFailure(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: false, Error: "boom"}}
	reg.Register("fails", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	vars := newVariableMap(nil, nil)
	n := definitions.Node{ID: "t1", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "fails"}}

	err := r.executeTask(context.Background(), n, vars)
	if err == nil {
		t.Fatalf("expected error from failed executor")
	}
}

func TestExecuteConditionPicksTrueBranch(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{}}}
	reg.Register("noop", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	vars := newVariableMap(map[string]any{"threshold": 5.0}, nil)

	n := definitions.Node{
		ID:   "c1",
		Kind: definitions.NodeKindCondition,
		Condition: &definitions.ConditionSpec{
			Expr:        "inputs.threshold > 1",
			TrueBranch:  []definitions.Node{{ID: "t-true", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
			FalseBranch: []definitions.Node{{ID: "t-false", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
		},
	}
	if err := r.executeCondition(context.Background(), n, vars); err != nil {
		t.Fatalf("executeCondition: %v", err)
	}
	if _, ok := st.nodes["inst-1/t-true"]; !ok {
		t.Fatalf("expected true branch executed")
	}
	if _, ok := st.nodes["inst-1/t-false"]; ok {
		t.Fatalf("expected false branch skipped")
	}
}

func TestExecuteParallelIsolatesBranchesAndAggregatesFirstError(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	ok := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{"v": "ok"}}}
	failing := &scriptedExecutor{result: executor.Result{Success: false, Error: "branch failed"}}
	reg.Register("ok", ok)
	reg.Register("bad", failing)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	vars := newVariableMap(nil, nil)
	n := definitions.Node{
		ID:   "p1",
		Kind: definitions.NodeKindParallel,
		Parallel: &definitions.ParallelSpec{Branches: [][]definitions.Node{
			{{ID: "b1", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "ok"}}},
			{{ID: "b2", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "bad"}}},
		}},
	}

	err := r.executeParallel(context.Background(), n, vars)
	if err == nil {
		t.Fatalf("expected aggregated error from failing branch")
	}
	branches, _ := vars["branches"].(map[string]any)
	results, _ := branches["p1"].(map[string]any)
	if len(results) != 2 {
		t.Fatalf("expected both branch results recorded even though one failed, got %+v", results)
	}
}

func TestExecuteLoopForEachCapsAtMaxIterations(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{}}}
	reg.Register("noop", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	r.maxLoopIter = 2
	vars := newVariableMap(map[string]any{"items": []any{"a", "b", "c", "d"}}, nil)

	n := definitions.Node{
		ID:   "l1",
		Kind: definitions.NodeKindLoop,
		Loop: &definitions.LoopSpec{
			Kind:   definitions.LoopKindForEach,
			Bounds: definitions.LoopBounds{ArrayPath: "inputs.items"},
			Body:   []definitions.Node{{ID: "body", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
		},
	}
	if err := r.executeLoop(context.Background(), n, vars); err != nil {
		t.Fatalf("executeLoop: %v", err)
	}
	if stub.calls != 2 {
		t.Fatalf("expected exactly maxLoopIter executor calls, got %d", stub.calls)
	}
	loops, _ := vars["loops"].(map[string]any)
	l1, _ := loops["l1"].(map[string]any)
	results, _ := l1["results"].([]any)
	if len(results) != 2 {
		t.Fatalf("expected 2 recorded loop iterations, got %d", len(results))
	}
}

func TestExecuteLoopWhileStopsWhenGuardFalse(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{}}}
	reg.Register("noop", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	vars := newVariableMap(map[string]any{"n": 5.0}, nil)
	n := definitions.Node{
		ID:        "w1",
		Kind:      definitions.NodeKindLoop,
		GuardExpr: "inputs.n < 3",
		Loop: &definitions.LoopSpec{
			Kind: definitions.LoopKindWhile,
			Body: []definitions.Node{{ID: "body", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
		},
	}
	if err := r.executeLoop(context.Background(), n, vars); err != nil {
		t.Fatalf("executeLoop: %v", err)
	}
	if stub.calls != 0 {
		t.Fatalf("expected zero iterations when the guard is false from the start, got %d", stub.calls)
	}
}

// TestExecuteLoopWhileFailsWhenMaxIterationsExceeded covers spec §8 scenario
// 4: a while-loop guard that never goes false must not run forever or
// silently stop — it must fail the node with an error identifying the cap.
func TestExecuteLoopWhileFailsWhenMaxIterationsExceeded(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{}}}
	reg.Register("noop", stub)
	st.instances["inst-1"] = instFixture("inst-1")

	r := newRunner(st, reg)
	r.maxLoopIter = 5
	vars := newVariableMap(map[string]any{"n": 0.0}, nil)
	n := definitions.Node{
		ID:        "w1",
		Kind:      definitions.NodeKindLoop,
		GuardExpr: "inputs.n < 3",
		Loop: &definitions.LoopSpec{
			Kind: definitions.LoopKindWhile,
			Body: []definitions.Node{{ID: "body", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}},
		},
	}
	err := r.executeLoop(context.Background(), n, vars)
	if err == nil {
		t.Fatalf("expected an error when the while guard never goes false within maxLoopIter")
	}
	if !strings.Contains(err.Error(), "max iterations") {
		t.Fatalf("expected error to mention max iterations, got %q", err.Error())
	}
	if stub.calls != 5 {
		t.Fatalf("expected exactly maxLoopIter executor calls, got %d", stub.calls)
	}
}

func TestRunNodesStopsWhenInstanceNoLongerRunning(t *testing.T) {
	st := newMemStore()
	reg := executor.New(nil)
	stub := &scriptedExecutor{result: executor.Result{Success: true, Data: map[string]any{}}}
	reg.Register("noop", stub)
	inst := instFixture("inst-1")
	inst.Status = store.InstanceStatusPaused
	st.instances["inst-1"] = inst

	r := newRunner(st, reg)
	vars := newVariableMap(nil, nil)
	nodes := []definitions.Node{{ID: "t1", Kind: definitions.NodeKindTask, Task: &definitions.TaskSpec{ExecutorName: "noop"}}}

	interrupted, err := r.runNodes(context.Background(), nodes, vars)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !interrupted {
		t.Fatalf("expected interrupted=true when instance is not running")
	}
	if stub.calls != 0 {
		t.Fatalf("expected no executor calls once interrupted, got %d", stub.calls)
	}
}

func instFixture(id string) store.WorkflowInstance {
	return store.WorkflowInstance{ID: id, Status: store.InstanceStatusRunning}
}
