package engine

import (
	"context"
	"strings"

	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
)

// execScript evaluates the restricted expression language. A map result
// becomes the node's outputs; anything else lands on the result port.
func execScript(_ context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	code := strings.TrimSpace(configString(node, "code", ""))
	code = strings.TrimPrefix(code, "return ")

	v, err := ec.Eval(code)
	if err != nil {
		return nil, loomerr.Wrap(loomerr.CodeScript, err, "script %q", node.ID)
	}

	if m, ok := v.(map[string]any); ok {
		out := make(map[string]any, len(m))
		for k, val := range m {
			out[k] = val
		}
		return out, nil
	}
	return map[string]any{"result": v}, nil
}

func execLog(_ context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	msg, err := ec.Render(configString(node, "message", ""))
	if err != nil {
		return nil, err
	}
	ec.Log(msg)
	return map[string]any{}, nil
}

func execVariableSet(_ context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error) {
	name := configString(node, "name", "")

	// Precedence: wired value port, then expression, then literal value
	// (templated when a string).
	if v, ok := inputs["value"]; ok {
		ec.SetVar(name, v)
		return map[string]any{}, nil
	}
	if exprSrc := configString(node, "expression", ""); exprSrc != "" {
		v, err := ec.Eval(exprSrc)
		if err != nil {
			return nil, err
		}
		ec.SetVar(name, v)
		return map[string]any{}, nil
	}
	raw := node.Config["value"]
	if s, ok := raw.(string); ok {
		rendered, err := ec.Render(s)
		if err != nil {
			return nil, err
		}
		ec.SetVar(name, rendered)
		return map[string]any{}, nil
	}
	ec.SetVar(name, raw)
	return map[string]any{}, nil
}

func execVariableGet(_ context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	name := configString(node, "name", "")
	return map[string]any{"value": ec.GetVar(name)}, nil
}
