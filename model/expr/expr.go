// Package expr implements the restricted expression language used by edge
// conditions and dynamic approver declarations.  The language is deliberately
// narrow: dotted path lookups over a scope map (input_data.manager_id) plus a
// single comparison between two operands.  It is not a general interpreter:
// there are no function calls, no arithmetic and no side effects.
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Expr is the tagged expression variant: Path, Literal or Compare.
type Expr interface {
	// Eval resolves the expression against the scope.  A missing path yields
	// nil without error so that callers can decide how absence is handled.
	Eval(scope map[string]interface{}) (interface{}, error)
}

// Path is a dotted field access, e.g. input_data.manager_id.
type Path []string

// Literal is a constant operand: string, float64 or bool.
type Literal struct {
	Value interface{}
}

// Compare applies a comparison operator to two operands.
type Compare struct {
	Left  Expr
	Op    string // == != > < >= <=
	Right Expr
}

func (p Path) Eval(scope map[string]interface{}) (interface{}, error) {
	var current interface{} = scope
	for _, field := range p {
		node, ok := current.(map[string]interface{})
		if !ok {
			return nil, nil
		}
		current, ok = node[field]
		if !ok {
			return nil, nil
		}
	}
	return current, nil
}

// String returns the dotted form of the path.
func (p Path) String() string {
	return strings.Join(p, ".")
}

func (l *Literal) Eval(map[string]interface{}) (interface{}, error) {
	return l.Value, nil
}

func (c *Compare) Eval(scope map[string]interface{}) (interface{}, error) {
	left, err := c.Left.Eval(scope)
	if err != nil {
		return nil, err
	}
	right, err := c.Right.Eval(scope)
	if err != nil {
		return nil, err
	}

	switch c.Op {
	case "==":
		return equal(left, right), nil
	case "!=":
		return !equal(left, right), nil
	}

	lNum, lOk := asNumber(left)
	rNum, rOk := asNumber(right)
	if !lOk || !rOk {
		return nil, fmt.Errorf("operator %s requires numeric operands, got %T and %T", c.Op, left, right)
	}
	switch c.Op {
	case ">":
		return lNum > rNum, nil
	case "<":
		return lNum < rNum, nil
	case ">=":
		return lNum >= rNum, nil
	case "<=":
		return lNum <= rNum, nil
	}
	return nil, fmt.Errorf("unsupported operator %s", c.Op)
}

// EvalBool evaluates an expression as a condition.  Comparisons return their
// verdict; any other expression is truthy when it resolves to a non-nil,
// non-false, non-empty value.
func EvalBool(e Expr, scope map[string]interface{}) (bool, error) {
	value, err := e.Eval(scope)
	if err != nil {
		return false, err
	}
	switch actual := value.(type) {
	case nil:
		return false, nil
	case bool:
		return actual, nil
	case string:
		return actual != "", nil
	default:
		if num, ok := asNumber(value); ok {
			return num != 0, nil
		}
		return true, nil
	}
}

func equal(left, right interface{}) bool {
	if lNum, ok := asNumber(left); ok {
		if rNum, ok := asNumber(right); ok {
			return lNum == rNum
		}
	}
	return left == right
}

func asNumber(value interface{}) (float64, bool) {
	switch actual := value.(type) {
	case int:
		return float64(actual), true
	case int32:
		return float64(actual), true
	case int64:
		return float64(actual), true
	case float32:
		return float64(actual), true
	case float64:
		return actual, true
	case string:
		if num, err := strconv.ParseFloat(actual, 64); err == nil {
			return num, true
		}
	}
	return 0, false
}
