package engine

import (
	"context"
	"fmt"

	"github.com/zjrosen/loom/internal/expr"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
)

func execStart(_ context.Context, _ *Context, _ *graph.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}

// execEnd surfaces its gathered non-trigger inputs as the workflow outputs.
func execEnd(_ context.Context, _ *Context, _ *graph.Node, inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs))
	for k, v := range inputs {
		out[k] = v
	}
	return out, nil
}

func execIf(_ context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	cond := configString(node, "condition", "")
	v, err := ec.Eval(cond)
	if err != nil {
		return nil, err
	}
	branch := "false"
	if expr.Truthy(v) {
		branch = "true"
	}
	return map[string]any{sentinelBranch: branch, "condition": expr.Truthy(v)}, nil
}

func execSwitch(_ context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	v, err := ec.Eval(configString(node, "expression", ""))
	if err != nil {
		return nil, err
	}
	value := expr.Stringify(v)

	branch := "default"
	if cases, ok := node.Config["cases"].(map[string]any); ok {
		if port, ok := cases[value]; ok {
			branch = expr.Stringify(port)
		}
	}
	if _, ok := node.OutputPort(branch); !ok {
		return nil, loomerr.New(loomerr.CodeValidation,
			"switch %q selected missing port %q", node.ID, branch)
	}
	return map[string]any{sentinelBranch: branch, "value": v}, nil
}

// execForLoop iterates the body region in order, exposing item and index,
// and collects the body's last-node output per iteration.
func execForLoop(ctx context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error) {
	items, err := resolveLoopItems(ec, node, inputs)
	if err != nil {
		return nil, err
	}

	results := make([]any, 0, len(items))
	for i, item := range items {
		if ec.ShouldStop() || ctx.Err() != nil {
			// Cancellation breaks at the iteration boundary.
			return nil, loomerr.New(loomerr.CodeWorkflowCancelled, "loop %q cancelled", node.ID)
		}
		ec.SetVar("item", item)
		ec.SetVar("index", float64(i))

		out, err := ec.exec.runRegion(ctx, node.ID, "body")
		if err != nil {
			return nil, err
		}
		results = append(results, singleOutput(out))
	}

	return map[string]any{
		sentinelBranch: "done",
		"results":      results,
		"count":        float64(len(results)),
	}, nil
}

func resolveLoopItems(ec *Context, node *graph.Node, inputs map[string]any) ([]any, error) {
	if v, ok := inputs["items"]; ok {
		return coerceItems(v)
	}
	if raw, ok := node.Config["items"]; ok {
		switch t := raw.(type) {
		case string:
			v, err := ec.Eval(t)
			if err != nil {
				return nil, err
			}
			return coerceItems(v)
		default:
			return coerceItems(raw)
		}
	}
	if _, ok := node.Config["count"]; ok {
		n := configInt(node, "count", 0)
		if n < 0 {
			return nil, loomerr.New(loomerr.CodeValidation, "for_loop %q count is negative", node.ID)
		}
		items := make([]any, n)
		for i := 0; i < n; i++ {
			items[i] = float64(i)
		}
		return items, nil
	}
	return nil, loomerr.New(loomerr.CodeValidation, "for_loop %q has no items, array, or count", node.ID)
}

func coerceItems(v any) ([]any, error) {
	switch t := v.(type) {
	case []any:
		return t, nil
	case float64:
		n := int(t)
		if n < 0 {
			return nil, fmt.Errorf("loop count is negative")
		}
		items := make([]any, n)
		for i := 0; i < n; i++ {
			items[i] = float64(i)
		}
		return items, nil
	case int:
		return coerceItems(float64(t))
	default:
		return nil, fmt.Errorf("loop items must be an array or count, got %T", v)
	}
}

// execWhileLoop re-evaluates its condition before each iteration, bounded by
// maxIterations as a hard safety bound.
func execWhileLoop(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	cond := configString(node, "condition", "")
	maxIter := configInt(node, "maxIterations", 100)

	iterations := 0
	for iterations < maxIter {
		if ec.ShouldStop() || ctx.Err() != nil {
			return nil, loomerr.New(loomerr.CodeWorkflowCancelled, "loop %q cancelled", node.ID)
		}
		v, err := ec.Eval(cond)
		if err != nil {
			return nil, err
		}
		if !expr.Truthy(v) {
			break
		}
		ec.SetVar("index", float64(iterations))
		if _, err := ec.exec.runRegion(ctx, node.ID, "body"); err != nil {
			return nil, err
		}
		iterations++
	}

	return map[string]any{
		sentinelBranch: "done",
		"iterations":   float64(iterations),
	}, nil
}

// execParallel fans out its branch ports; the engine runs the branches
// concurrently and a companion sync node joins them.
func execParallel(_ context.Context, _ *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	var branches []string
	if raw, ok := node.Config["branches"].([]any); ok {
		for _, b := range raw {
			branches = append(branches, expr.Stringify(b))
		}
	} else {
		for _, p := range node.Outputs {
			if p.Type == graph.TypeTrigger {
				branches = append(branches, p.ID)
			}
		}
	}
	if len(branches) == 0 {
		return nil, loomerr.New(loomerr.CodeValidation, "parallel %q declares no branches", node.ID)
	}
	return map[string]any{sentinelParallel: branches}, nil
}

// execSync is a pure join point: the engine's eligibility rule implements
// ALL/ANY, the executor only passes the trigger through.
func execSync(_ context.Context, _ *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{sentinelSync: configString(node, "mode", "ALL")}, nil
}

func execSubgraph(ctx context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error) {
	path := configString(node, "path", "")
	inherit := configBool(node, "inheritVariables", false)

	params := make(map[string]any, len(inputs))
	for k, v := range inputs {
		params[k] = v
	}

	outputs, err := ec.eng.runSubgraph(ctx, ec, path, params, inherit)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v
	}
	return out, nil
}

// singleOutput unwraps a one-port output map to its value; multi-port maps
// pass through whole.
func singleOutput(out map[string]any) any {
	if len(out) == 1 {
		for _, v := range out {
			return v
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
