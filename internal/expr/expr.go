// Package expr implements the restricted expression and template language
// used by workflow graphs. It supports arithmetic, comparison, boolean
// operators, member access, and a closed set of safe builtins. No host
// filesystem or network access is reachable from an expression, and every
// evaluation runs under a step and time budget.
package expr

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zjrosen/loom/internal/loomerr"
)

// Env supplies identifier roots for evaluation (params, vars, nodes, item…).
type Env map[string]any

// DefaultBudget bounds a single evaluation.
const DefaultBudget = 250 * time.Millisecond

// maxSteps bounds evaluation work independently of wall clock.
const maxSteps = 100000

// Eval evaluates an expression against the environment with the default
// budget.
func Eval(src string, env Env) (any, error) {
	return EvalWithBudget(src, env, DefaultBudget)
}

// EvalWithBudget evaluates with an explicit time budget.
func EvalWithBudget(src string, env Env, budget time.Duration) (any, error) {
	p := newParser(src)
	node, err := p.parseExpression(0)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeExpression, err, "parsing %q", src)
	}
	if p.peek().kind != tokEOF {
		return nil, loomerr.New(loomerr.CodeExpression, "unexpected trailing input in %q", src)
	}

	ev := &evaluator{env: env, deadline: time.Now().Add(budget)}
	v, err := ev.eval(node)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeExpression, err, "evaluating %q", src)
	}
	return v, nil
}

// Render substitutes {{…}} expressions in a template string. Values render
// with JSON-style formatting for composites.
func Render(tpl string, env Env) (string, error) {
	var b strings.Builder
	rest := tpl
	for {
		start := strings.Index(rest, "{{")
		if start < 0 {
			b.WriteString(rest)
			return b.String(), nil
		}
		b.WriteString(rest[:start])
		rest = rest[start+2:]
		end := strings.Index(rest, "}}")
		if end < 0 {
			return "", loomerr.New(loomerr.CodeExpression, "unterminated {{ in template")
		}
		src := strings.TrimSpace(rest[:end])
		rest = rest[end+2:]
		if src == "" {
			continue
		}
		v, err := Eval(src, env)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(v))
	}
}

// Truthy converts a value to its boolean interpretation.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	default:
		return true
	}
}

// ToNumber coerces a value to float64. Strings parse; booleans map to 0/1.
func ToNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Stringify renders a value for templates and logs.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'g', -1, 64)
	case int:
		return strconv.Itoa(t)
	default:
		return fmt.Sprintf("%v", jsonish(v))
	}
}
