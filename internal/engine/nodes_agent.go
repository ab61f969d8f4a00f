package engine

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/zjrosen/loom/internal/agent"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
)

// execAgentRequest blocks on pool allocation and parks the agent on a bench
// seat.
func execAgentRequest(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	role := configString(node, "role", "")
	seat := configInt(node, "seat", 1)
	timeout := time.Duration(configInt(node, "timeoutMs", 0)) * time.Millisecond

	name, err := ec.RequestAgent(ctx, role, timeout)
	if err != nil {
		return nil, err
	}
	ec.BenchSet(seat, name)
	return map[string]any{"agent": name}, nil
}

// execAgenticWork runs a prompt on a bench seat's agent, optionally parsing
// a structured response out of the reply, optionally releasing the agent.
func execAgenticWork(ctx context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error) {
	seat := configInt(node, "seat", 1)

	name := ""
	if v, ok := inputs["agent"].(string); ok && v != "" {
		// Agent reference flowing on a port is accepted for wiring
		// agent_request directly, but the bench stays authoritative.
		name = v
	} else if benched, ok := ec.BenchGet(seat); ok {
		name = benched
	}
	if name == "" {
		return nil, loomerr.New(loomerr.CodeWorkflowFailed,
			"agentic_work %q has no agent on bench seat %d", node.ID, seat)
	}

	prompt, err := ec.Render(configString(node, "prompt", ""))
	if err != nil {
		return nil, err
	}

	res, err := ec.RunAgentTask(ctx, agent.TaskOptions{
		Role:      configString(node, "role", ""),
		Prompt:    prompt,
		Stage:     configString(node, "stage", ""),
		AgentName: name,
	})
	if err != nil {
		return nil, err
	}

	outputs := map[string]any{"reply": res.Reply}
	if configBool(node, "parse", false) {
		if parsed, ok := parseStructuredReply(res.Output); ok {
			outputs["parsed"] = parsed
		}
	}

	if configBool(node, "release", false) {
		ec.ReleaseAgent(name, false)
		if benched, ok := ec.BenchGet(seat); ok && benched == name {
			ec.BenchRemove(seat)
		}
	}
	return outputs, nil
}

// parseStructuredReply extracts the last JSON object or array from the
// agent's output.
func parseStructuredReply(lines []string) (any, bool) {
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(trimmed, "{") && !strings.HasPrefix(trimmed, "[") {
			continue
		}
		// Lines may be one JSON document or its first line; try joining
		// from here to the end.
		candidate := strings.Join(lines[i:], "\n")
		var v any
		if err := json.Unmarshal([]byte(candidate), &v); err == nil {
			return v, true
		}
		if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
			return v, true
		}
	}
	return nil, false
}

func execAgentRelease(_ context.Context, ec *Context, node *graph.Node, inputs map[string]any) (map[string]any, error) {
	force := configBool(node, "force", false)

	if v, ok := inputs["agent"].(string); ok && v != "" {
		ec.ReleaseAgent(v, force)
		return map[string]any{}, nil
	}

	seat := configInt(node, "seat", 0)
	if seat > 0 {
		if name, ok := ec.BenchRemove(seat); ok {
			ec.ReleaseAgent(name, force)
		}
		return map[string]any{}, nil
	}

	// No seat or reference: release the whole bench.
	for seat, name := range ec.BenchNames() {
		ec.BenchRemove(seat)
		ec.ReleaseAgent(name, force)
	}
	return map[string]any{}, nil
}

// execAgentBench is a visual passthrough; semantically a no-op.
func execAgentBench(_ context.Context, _ *Context, _ *graph.Node, _ map[string]any) (map[string]any, error) {
	return map[string]any{}, nil
}
