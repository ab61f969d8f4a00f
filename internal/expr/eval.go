package expr

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

type evaluator struct {
	env      Env
	deadline time.Time
	steps    int
}

func (e *evaluator) step() error {
	e.steps++
	if e.steps > maxSteps {
		return fmt.Errorf("expression exceeded step budget")
	}
	if time.Now().After(e.deadline) {
		return fmt.Errorf("expression exceeded time budget")
	}
	return nil
}

func (e *evaluator) eval(n *astNode) (any, error) {
	if err := e.step(); err != nil {
		return nil, err
	}

	switch n.kind {
	case "num":
		return n.num, nil
	case "str":
		return n.str, nil
	case "bool":
		return n.b, nil
	case "null":
		return nil, nil
	case "ident":
		v, ok := e.env[n.str]
		if !ok {
			return nil, fmt.Errorf("unknown identifier %q", n.str)
		}
		return v, nil
	case "member":
		base, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		return member(base, n.str)
	case "index":
		base, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		idx, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return indexValue(base, idx)
	case "unary":
		v, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		switch n.op {
		case "!":
			return !Truthy(v), nil
		case "-":
			f, ok := ToNumber(v)
			if !ok {
				return nil, fmt.Errorf("cannot negate %T", v)
			}
			return -f, nil
		}
		return nil, fmt.Errorf("unknown unary operator %q", n.op)
	case "binary":
		return e.evalBinary(n)
	case "array":
		out := make([]any, 0, len(n.list))
		for _, item := range n.list {
			v, err := e.eval(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "call":
		args := make([]any, 0, len(n.list))
		for _, a := range n.list {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args = append(args, v)
		}
		return callBuiltin(n.str, args)
	default:
		return nil, fmt.Errorf("unknown expression node %q", n.kind)
	}
}

func (e *evaluator) evalBinary(n *astNode) (any, error) {
	// Short-circuit booleans before evaluating the right side.
	switch n.op {
	case "&&":
		l, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		if !Truthy(l) {
			return false, nil
		}
		r, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	case "||":
		l, err := e.eval(n.left)
		if err != nil {
			return nil, err
		}
		if Truthy(l) {
			return true, nil
		}
		r, err := e.eval(n.right)
		if err != nil {
			return nil, err
		}
		return Truthy(r), nil
	}

	l, err := e.eval(n.left)
	if err != nil {
		return nil, err
	}
	r, err := e.eval(n.right)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case "+":
		// String concatenation when either side is a string.
		if ls, ok := l.(string); ok {
			return ls + Stringify(r), nil
		}
		if rs, ok := r.(string); ok {
			return Stringify(l) + rs, nil
		}
		return arith(l, r, func(a, b float64) float64 { return a + b })
	case "-":
		return arith(l, r, func(a, b float64) float64 { return a - b })
	case "*":
		return arith(l, r, func(a, b float64) float64 { return a * b })
	case "/":
		rf, ok := ToNumber(r)
		if ok && rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return arith(l, r, func(a, b float64) float64 { return a / b })
	case "%":
		rf, ok := ToNumber(r)
		if ok && rf == 0 {
			return nil, fmt.Errorf("division by zero")
		}
		return arith(l, r, math.Mod)
	case "==":
		return looseEqual(l, r), nil
	case "!=":
		return !looseEqual(l, r), nil
	case "<", ">", "<=", ">=":
		return compare(l, r, n.op)
	}
	return nil, fmt.Errorf("unknown operator %q", n.op)
}

func arith(l, r any, f func(a, b float64) float64) (any, error) {
	lf, lok := ToNumber(l)
	rf, rok := ToNumber(r)
	if !lok || !rok {
		return nil, fmt.Errorf("non-numeric operand")
	}
	return f(lf, rf), nil
}

// looseEqual applies the implicit primitive coercion permitted at
// evaluation time: numbers, strings and booleans compare across types.
func looseEqual(l, r any) bool {
	if l == nil || r == nil {
		return l == nil && r == nil
	}
	if lf, ok := ToNumber(l); ok {
		if rf, ok := ToNumber(r); ok {
			return lf == rf
		}
	}
	return Stringify(l) == Stringify(r)
}

func compare(l, r any, op string) (any, error) {
	lf, lok := ToNumber(l)
	rf, rok := ToNumber(r)
	if lok && rok {
		switch op {
		case "<":
			return lf < rf, nil
		case ">":
			return lf > rf, nil
		case "<=":
			return lf <= rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}
	ls, rs := Stringify(l), Stringify(r)
	switch op {
	case "<":
		return ls < rs, nil
	case ">":
		return ls > rs, nil
	case "<=":
		return ls <= rs, nil
	case ">=":
		return ls >= rs, nil
	}
	return nil, fmt.Errorf("unknown comparison %q", op)
}

func member(base any, name string) (any, error) {
	switch t := base.(type) {
	case map[string]any:
		return t[name], nil
	case nil:
		return nil, fmt.Errorf("member access %q on null", name)
	default:
		return nil, fmt.Errorf("member access %q on %T", name, base)
	}
}

func indexValue(base, idx any) (any, error) {
	switch t := base.(type) {
	case []any:
		f, ok := ToNumber(idx)
		if !ok {
			return nil, fmt.Errorf("array index must be numeric")
		}
		i := int(f)
		if i < 0 || i >= len(t) {
			return nil, fmt.Errorf("index %d out of range (len %d)", i, len(t))
		}
		return t[i], nil
	case map[string]any:
		return t[Stringify(idx)], nil
	case string:
		f, ok := ToNumber(idx)
		if !ok {
			return nil, fmt.Errorf("string index must be numeric")
		}
		i := int(f)
		if i < 0 || i >= len(t) {
			return nil, fmt.Errorf("index %d out of range (len %d)", i, len(t))
		}
		return string(t[i]), nil
	default:
		return nil, fmt.Errorf("cannot index %T", base)
	}
}

// jsonish converts a value to a json-compatible form for display.
func jsonish(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

func callBuiltin(name string, args []any) (any, error) {
	argN := func(i int) (float64, error) {
		if i >= len(args) {
			return 0, fmt.Errorf("%s: missing argument %d", name, i)
		}
		f, ok := ToNumber(args[i])
		if !ok {
			return 0, fmt.Errorf("%s: argument %d is not numeric", name, i)
		}
		return f, nil
	}
	argS := func(i int) (string, error) {
		if i >= len(args) {
			return "", fmt.Errorf("%s: missing argument %d", name, i)
		}
		return Stringify(args[i]), nil
	}

	switch name {
	case "len":
		if len(args) != 1 {
			return nil, fmt.Errorf("len: want 1 argument")
		}
		switch t := args[0].(type) {
		case string:
			return float64(len(t)), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		case nil:
			return float64(0), nil
		default:
			return nil, fmt.Errorf("len: unsupported type %T", args[0])
		}
	case "abs":
		f, err := argN(0)
		if err != nil {
			return nil, err
		}
		return math.Abs(f), nil
	case "min", "max":
		if len(args) == 0 {
			return nil, fmt.Errorf("%s: want at least 1 argument", name)
		}
		best, err := argN(0)
		if err != nil {
			return nil, err
		}
		for i := 1; i < len(args); i++ {
			f, err := argN(i)
			if err != nil {
				return nil, err
			}
			if (name == "min" && f < best) || (name == "max" && f > best) {
				best = f
			}
		}
		return best, nil
	case "floor":
		f, err := argN(0)
		if err != nil {
			return nil, err
		}
		return math.Floor(f), nil
	case "ceil":
		f, err := argN(0)
		if err != nil {
			return nil, err
		}
		return math.Ceil(f), nil
	case "round":
		f, err := argN(0)
		if err != nil {
			return nil, err
		}
		return math.Round(f), nil
	case "upper":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		return strings.ToUpper(s), nil
	case "lower":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		return strings.ToLower(s), nil
	case "trim":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		return strings.TrimSpace(s), nil
	case "contains":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		sub, err := argS(1)
		if err != nil {
			return nil, err
		}
		return strings.Contains(s, sub), nil
	case "startsWith":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		pre, err := argS(1)
		if err != nil {
			return nil, err
		}
		return strings.HasPrefix(s, pre), nil
	case "endsWith":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		suf, err := argS(1)
		if err != nil {
			return nil, err
		}
		return strings.HasSuffix(s, suf), nil
	case "replace":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		old, err := argS(1)
		if err != nil {
			return nil, err
		}
		repl, err := argS(2)
		if err != nil {
			return nil, err
		}
		return strings.ReplaceAll(s, old, repl), nil
	case "split":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		sep, err := argS(1)
		if err != nil {
			return nil, err
		}
		parts := strings.Split(s, sep)
		out := make([]any, len(parts))
		for i, p := range parts {
			out[i] = p
		}
		return out, nil
	case "join":
		if len(args) != 2 {
			return nil, fmt.Errorf("join: want 2 arguments")
		}
		arr, ok := args[0].([]any)
		if !ok {
			return nil, fmt.Errorf("join: first argument must be an array")
		}
		sep := Stringify(args[1])
		parts := make([]string, len(arr))
		for i, v := range arr {
			parts[i] = Stringify(v)
		}
		return strings.Join(parts, sep), nil
	case "jsonEncode":
		if len(args) != 1 {
			return nil, fmt.Errorf("jsonEncode: want 1 argument")
		}
		data, err := json.Marshal(args[0])
		if err != nil {
			return nil, fmt.Errorf("jsonEncode: %w", err)
		}
		return string(data), nil
	case "jsonDecode":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("jsonDecode: %w", err)
		}
		return v, nil
	case "array":
		return append([]any(nil), args...), nil
	case "object":
		if len(args)%2 != 0 {
			return nil, fmt.Errorf("object: want key/value pairs")
		}
		out := make(map[string]any, len(args)/2)
		for i := 0; i < len(args); i += 2 {
			out[Stringify(args[i])] = args[i+1]
		}
		return out, nil
	case "keys":
		m, ok := argMap(args, 0)
		if !ok {
			return nil, fmt.Errorf("keys: want a map argument")
		}
		out := make([]any, 0, len(m))
		for k := range m {
			out = append(out, k)
		}
		sortAnyStrings(out)
		return out, nil
	case "values":
		m, ok := argMap(args, 0)
		if !ok {
			return nil, fmt.Errorf("values: want a map argument")
		}
		keys := make([]any, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sortAnyStrings(keys)
		out := make([]any, 0, len(m))
		for _, k := range keys {
			out = append(out, m[k.(string)])
		}
		return out, nil
	case "range":
		f, err := argN(0)
		if err != nil {
			return nil, err
		}
		n := int(f)
		if n < 0 || n > maxSteps {
			return nil, fmt.Errorf("range: count out of bounds")
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = float64(i)
		}
		return out, nil
	case "string":
		s, err := argS(0)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "number":
		if len(args) != 1 {
			return nil, fmt.Errorf("number: want 1 argument")
		}
		f, ok := ToNumber(args[0])
		if !ok {
			return nil, fmt.Errorf("number: cannot convert %T", args[0])
		}
		return f, nil
	case "bool":
		if len(args) != 1 {
			return nil, fmt.Errorf("bool: want 1 argument")
		}
		return Truthy(args[0]), nil
	default:
		return nil, fmt.Errorf("unknown function %q", name)
	}
}

func argMap(args []any, i int) (map[string]any, bool) {
	if i >= len(args) {
		return nil, false
	}
	m, ok := args[i].(map[string]any)
	return m, ok
}

func sortAnyStrings(vals []any) {
	for i := 1; i < len(vals); i++ {
		for j := i; j > 0; j-- {
			a, _ := vals[j-1].(string)
			b, _ := vals[j].(string)
			if a <= b {
				break
			}
			vals[j-1], vals[j] = vals[j], vals[j-1]
		}
	}
}
