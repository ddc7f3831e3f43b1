package expr

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Compiled is a parsed guard expression, ready to evaluate repeatedly
// against different variable maps without re-parsing.
type Compiled struct {
	root node
	src  string
}

// Compile parses src into a reusable expression.
func Compile(src string) (*Compiled, error) {
	root, err := parse(src)
	if err != nil {
		return nil, fmt.Errorf("expr: parse %q: %w", src, err)
	}
	return &Compiled{root: root, src: src}, nil
}

// EvalBool evaluates the expression against vars and requires a boolean
// result, as spec §4.7 requires for a Condition node's guard.
func (c *Compiled) EvalBool(vars map[string]any) (bool, error) {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return false, fmt.Errorf("expr: marshal variable map: %w", err)
	}
	v, err := evalNode(c.root, varsJSON)
	if err != nil {
		return false, fmt.Errorf("expr: evaluate %q: %w", c.src, err)
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("expr: %q did not evaluate to a boolean (got %T)", c.src, v)
	}
	return b, nil
}

// EvalBool compiles and evaluates src in one call.
func EvalBool(src string, vars map[string]any) (bool, error) {
	c, err := Compile(src)
	if err != nil {
		return false, err
	}
	return c.EvalBool(vars)
}

// ResolvePath resolves a dotted path (e.g. "inputs.items") against vars
// using the same gjson-backed lookup the identifier evaluator uses, for
// callers that need a raw value rather than a boolean guard result (the
// Loop node's forEach arrayPath).
func ResolvePath(vars map[string]any, path string) (any, error) {
	varsJSON, err := json.Marshal(vars)
	if err != nil {
		return nil, fmt.Errorf("expr: marshal variable map: %w", err)
	}
	return resolveIdentifier(path, varsJSON)
}

func evalNode(n node, varsJSON []byte) (any, error) {
	switch t := n.(type) {
	case numberLit:
		return t.value, nil
	case stringLit:
		return t.value, nil
	case boolLit:
		return t.value, nil
	case identifier:
		return resolveIdentifier(t.path, varsJSON)
	case unaryExpr:
		return evalUnary(t, varsJSON)
	case binaryExpr:
		return evalBinary(t, varsJSON)
	case call:
		return evalCall(t, varsJSON)
	default:
		return nil, fmt.Errorf("expr: unhandled node type %T", n)
	}
}

func resolveIdentifier(path string, varsJSON []byte) (any, error) {
	result := gjson.GetBytes(varsJSON, path)
	if !result.Exists() {
		return nil, fmt.Errorf("expr: unresolved identifier %q", path)
	}
	return result.Value(), nil
}

func evalUnary(u unaryExpr, varsJSON []byte) (any, error) {
	v, err := evalNode(u.operand, varsJSON)
	if err != nil {
		return nil, err
	}
	switch u.op {
	case "!":
		b, ok := asBool(v)
		if !ok {
			return nil, fmt.Errorf("expr: operand of ! is not boolean (got %T)", v)
		}
		return !b, nil
	case "-":
		f, ok := asNumber(v)
		if !ok {
			return nil, fmt.Errorf("expr: operand of unary - is not numeric (got %T)", v)
		}
		return -f, nil
	default:
		return nil, fmt.Errorf("expr: unknown unary operator %q", u.op)
	}
}

func evalBinary(b binaryExpr, varsJSON []byte) (any, error) {
	// Short-circuit && and || before evaluating the right operand.
	if b.op == "&&" || b.op == "||" {
		left, err := evalNode(b.left, varsJSON)
		if err != nil {
			return nil, err
		}
		lb, ok := asBool(left)
		if !ok {
			return nil, fmt.Errorf("expr: left operand of %s is not boolean (got %T)", b.op, left)
		}
		if b.op == "&&" && !lb {
			return false, nil
		}
		if b.op == "||" && lb {
			return true, nil
		}
		right, err := evalNode(b.right, varsJSON)
		if err != nil {
			return nil, err
		}
		rb, ok := asBool(right)
		if !ok {
			return nil, fmt.Errorf("expr: right operand of %s is not boolean (got %T)", b.op, right)
		}
		return rb, nil
	}

	left, err := evalNode(b.left, varsJSON)
	if err != nil {
		return nil, err
	}
	right, err := evalNode(b.right, varsJSON)
	if err != nil {
		return nil, err
	}

	switch b.op {
	case "==":
		return looseEqual(left, right), nil
	case "!=":
		return !looseEqual(left, right), nil
	case "+":
		return evalAdd(left, right)
	case "-", "*", "/", "%", "<", "<=", ">", ">=":
		lf, lok := asNumber(left)
		rf, rok := asNumber(right)
		if !lok || !rok {
			return nil, fmt.Errorf("expr: operator %s requires numeric operands (got %T, %T)", b.op, left, right)
		}
		return evalNumericOp(b.op, lf, rf)
	default:
		return nil, fmt.Errorf("expr: unknown binary operator %q", b.op)
	}
}

func evalAdd(left, right any) (any, error) {
	if ls, ok := left.(string); ok {
		if rs, ok := right.(string); ok {
			return ls + rs, nil
		}
	}
	lf, lok := asNumber(left)
	rf, rok := asNumber(right)
	if !lok || !rok {
		return nil, fmt.Errorf("expr: + requires two numbers or two strings (got %T, %T)", left, right)
	}
	return lf + rf, nil
}

func evalNumericOp(op string, l, r float64) (any, error) {
	switch op {
	case "-":
		return l - r, nil
	case "*":
		return l * r, nil
	case "/":
		if r == 0 {
			return nil, fmt.Errorf("expr: division by zero")
		}
		return l / r, nil
	case "%":
		if r == 0 {
			return nil, fmt.Errorf("expr: modulo by zero")
		}
		return float64(int64(l) % int64(r)), nil
	case "<":
		return l < r, nil
	case "<=":
		return l <= r, nil
	case ">":
		return l > r, nil
	case ">=":
		return l >= r, nil
	default:
		return nil, fmt.Errorf("expr: unknown numeric operator %q", op)
	}
}

func evalCall(c call, varsJSON []byte) (any, error) {
	args := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := evalNode(a, varsJSON)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	switch c.name {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("expr: len() takes exactly one argument")
		}
		return lengthOf(args[0])
	case "has":
		if len(args) != 2 {
			return nil, fmt.Errorf("expr: has() takes exactly two arguments")
		}
		return hasOf(args[0], args[1])
	default:
		return nil, fmt.Errorf("expr: unknown function %q", c.name)
	}
}

func lengthOf(v any) (any, error) {
	switch t := v.(type) {
	case string:
		return float64(len(t)), nil
	case []any:
		return float64(len(t)), nil
	case map[string]any:
		return float64(len(t)), nil
	default:
		return nil, fmt.Errorf("expr: len() unsupported for type %T", v)
	}
}

func hasOf(container, key any) (any, error) {
	switch c := container.(type) {
	case map[string]any:
		ks, ok := key.(string)
		if !ok {
			return nil, fmt.Errorf("expr: has() key for an object must be a string")
		}
		_, exists := c[ks]
		return exists, nil
	case []any:
		for _, item := range c {
			if looseEqual(item, key) {
				return true, nil
			}
		}
		return false, nil
	default:
		return nil, fmt.Errorf("expr: has() unsupported for container type %T", container)
	}
}

func asBool(v any) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}

func looseEqual(a, b any) bool {
	af, aok := asNumber(a)
	bf, bok := asNumber(b)
	if aok && bok {
		return af == bf
	}
	return a == b
}
