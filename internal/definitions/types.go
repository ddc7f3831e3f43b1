// Package definitions implements the definition service (component C8):
// read access to workflow definitions, and the lock-guarded toggle that keeps
// at most one active version per name.
package definitions

// NodeKind tags which variant a Node value holds.
type NodeKind string

const (
	NodeKindTask      NodeKind = "task"
	NodeKindParallel  NodeKind = "parallel"
	NodeKindCondition NodeKind = "condition"
	NodeKindLoop      NodeKind = "loop"
)

// LoopKind tags the three Loop node shapes from spec §3.
type LoopKind string

const (
	LoopKindWhile   LoopKind = "while"
	LoopKindFor     LoopKind = "for"
	LoopKindForEach LoopKind = "forEach"
)

// TaskSpec is the Task node variant: a named executor invocation.
type TaskSpec struct {
	ExecutorName string         `json:"executorName"`
	Config       map[string]any `json:"config,omitempty"`
}

// ParallelSpec is the Parallel node variant: independently-run branches.
type ParallelSpec struct {
	Branches [][]Node `json:"branches"`
}

// ConditionSpec is the Condition node variant: guard expression plus the two
// branches to run depending on its boolean result.
type ConditionSpec struct {
	Expr        string `json:"expr"`
	TrueBranch  []Node `json:"trueBranch,omitempty"`
	FalseBranch []Node `json:"falseBranch,omitempty"`
}

// LoopBounds carries the fields relevant to whichever LoopKind is set; unused
// fields for a given kind are left zero.
type LoopBounds struct {
	Start     int    `json:"start,omitempty"`
	End       int    `json:"end,omitempty"`
	Step      int    `json:"step,omitempty"`
	ArrayPath string `json:"arrayPath,omitempty"`
}

// LoopSpec is the Loop node variant: while/for/forEach over a body.
type LoopSpec struct {
	Kind   LoopKind   `json:"kind"`
	Body   []Node     `json:"body"`
	Bounds LoopBounds `json:"bounds"`
}

// Node is a tagged-variant workflow node: exactly one of Task, Parallel,
// Condition, or Loop is populated, selected by Kind. This keeps node dispatch
// a type switch over populated fields rather than a stringly-typed branch
// tree.
type Node struct {
	ID        string   `json:"id"`
	GuardExpr string   `json:"guardExpr,omitempty"`
	Kind      NodeKind `json:"kind"`

	Task      *TaskSpec      `json:"task,omitempty"`
	Parallel  *ParallelSpec  `json:"parallel,omitempty"`
	Condition *ConditionSpec `json:"condition,omitempty"`
	Loop      *LoopSpec      `json:"loop,omitempty"`
}

// RetryPolicy is the per-definition retry configuration referenced by
// workflow instance retries.
type RetryPolicy struct {
	MaxRetries int `json:"maxRetries"`
}

// DefinitionConfig holds the non-node configuration of a WorkflowDefinition.
type DefinitionConfig struct {
	RetryPolicy RetryPolicy `json:"retryPolicy"`
	Priority    int         `json:"priority"`
}

// InputSpec declares one named input a definition expects.
type InputSpec struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// WorkflowDefinition mirrors the `workflow_definitions` table. Definitions
// are immutable once created: a new version is a new row, never an edit of
// an existing one.
type WorkflowDefinition struct {
	ID       string
	Name     string
	Version  int
	Nodes    []Node
	Inputs   []InputSpec
	Outputs  []string
	Config   DefinitionConfig
	IsActive bool
}
