package engine

import (
	"context"
	"time"

	"github.com/zjrosen/loom/internal/expr"
	"github.com/zjrosen/loom/internal/graph"
	"github.com/zjrosen/loom/internal/loomerr"
)

// execEvent emits an event or invokes a system action.
func execEvent(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	action := configString(node, "action", "emit")

	switch action {
	case "emit":
		topic := configString(node, "topic", "")
		if topic == "" {
			return nil, loomerr.New(loomerr.CodeValidation, "event %q requires a topic", node.ID)
		}
		payload := map[string]any{}
		if raw, ok := node.Config["payload"].(map[string]any); ok {
			for k, v := range raw {
				if s, ok := v.(string); ok {
					rendered, err := ec.Render(s)
					if err != nil {
						return nil, err
					}
					payload[k] = rendered
					continue
				}
				payload[k] = v
			}
		}
		ec.EmitEvent(topic, payload)
		return map[string]any{}, nil

	case "read_plan", "read_tasks", "read_brief":
		actions := ec.Actions()
		if actions == nil {
			return nil, loomerr.New(loomerr.CodeValidation,
				"event %q: system actions are not wired", node.ID)
		}
		var text string
		var err error
		switch action {
		case "read_plan":
			text, err = actions.ReadPlan(ec.SessionID())
		case "read_tasks":
			text, err = actions.ReadTasks(ec.SessionID())
		default:
			text, err = actions.ReadBrief(ec.SessionID())
		}
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": text}, nil

	case "request_agent":
		role := configString(node, "role", "")
		name, err := ec.RequestAgent(ctx, role, 0)
		if err != nil {
			return nil, err
		}
		return map[string]any{"value": name}, nil

	case "release_agent":
		name := configString(node, "agent", "")
		if name == "" {
			return nil, loomerr.New(loomerr.CodeValidation, "event %q requires an agent name", node.ID)
		}
		ec.ReleaseAgent(name, false)
		return map[string]any{}, nil
	}

	return nil, loomerr.New(loomerr.CodeValidation, "event %q has unknown action %q", node.ID, action)
}

// execCommand executes an external command under supervisor tracking,
// capturing stdout/stderr and the exit code.
func execCommand(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	var command []string
	switch raw := node.Config["command"].(type) {
	case string:
		rendered, err := ec.Render(raw)
		if err != nil {
			return nil, err
		}
		command = []string{"sh", "-c", rendered}
	case []any:
		for _, part := range raw {
			s, err := ec.Render(expr.Stringify(part))
			if err != nil {
				return nil, err
			}
			command = append(command, s)
		}
	default:
		return nil, loomerr.New(loomerr.CodeValidation, "command %q must be a string or array", node.ID)
	}

	timeout := time.Duration(configInt(node, "timeoutMs", 0)) * time.Millisecond
	res, err := ec.RunCommand(ctx, command, configString(node, "dir", ""), timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"stdout":   res.Stdout,
		"exitCode": float64(res.ExitCode),
	}, nil
}

func execDelay(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	ms := configInt(node, "ms", 0)
	if err := ec.Sleep(ctx, time.Duration(ms)*time.Millisecond); err != nil {
		return nil, err
	}
	return map[string]any{}, nil
}

func execWaitEvent(ctx context.Context, ec *Context, node *graph.Node, _ map[string]any) (map[string]any, error) {
	topic := configString(node, "topic", "")
	timeout := time.Duration(configInt(node, "timeoutMs", 0)) * time.Millisecond

	payload, err := ec.WaitEvent(ctx, topic, timeout)
	if err != nil {
		return nil, err
	}
	return map[string]any{"payload": payload}, nil
}
