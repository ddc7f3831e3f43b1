package workflow

import (
	"encoding/json"
	"strconv"
)

// newVariableMap seeds the root variable map an execution starts with:
// inputs, the instance's context data, and empty buckets for node/branch/loop
// results, per spec §4.7's node execution semantics.
func newVariableMap(inputs, contextData map[string]any) map[string]any {
	return map[string]any{
		"inputs":   cloneMap(inputs),
		"context":  cloneMap(contextData),
		"nodes":    map[string]any{},
		"branches": map[string]any{},
		"loops":    map[string]any{},
	}
}

// cloneMap deep-copies a variable map via a JSON round trip, so Parallel
// branches and Loop iterations never share mutable state with their parent.
func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func bucket(vars map[string]any, name string) map[string]any {
	b, ok := vars[name].(map[string]any)
	if !ok {
		b = map[string]any{}
		vars[name] = b
	}
	return b
}

// setNodeOutput records a Task node's result under nodes.<nodeId>.output.
func setNodeOutput(vars map[string]any, nodeID string, output map[string]any) {
	bucket(vars, "nodes")[nodeID] = map[string]any{"output": output}
}

// setBranchResult records one Parallel branch's final variable map under
// branches.<nodeId>.<index>.
func setBranchResult(vars map[string]any, nodeID string, index int, branchVars map[string]any) {
	node := bucket(vars, "branches")
	results, _ := node[nodeID].(map[string]any)
	if results == nil {
		results = map[string]any{}
		node[nodeID] = results
	}
	results[strconv.Itoa(index)] = branchVars
}

// setLoopResult records a Loop node's accumulated iteration results under
// loops.<nodeId>.results and loops.<nodeId>.count.
func setLoopResult(vars map[string]any, nodeID string, results []any) {
	bucket(vars, "loops")[nodeID] = map[string]any{
		"results": results,
		"count":   float64(len(results)),
	}
}
