package engine

import (
	"fmt"

	"github.com/zjrosen/loom/internal/expr"
	"github.com/zjrosen/loom/internal/graph"
)

// Shorthand port constructors keep the definitions readable.
func trigIn() graph.PortDef  { return graph.PortDef{ID: "in", Type: graph.TypeTrigger} }
func trigOut() graph.PortDef { return graph.PortDef{ID: "out", Type: graph.TypeTrigger} }

// registerBuiltins installs the built-in node library into the registry and
// the executor table.
func registerBuiltins(reg *graph.Registry, executors map[string]Executor) error {
	type builtin struct {
		def  graph.Definition
		exec Executor
	}

	builtins := []builtin{
		// Flow
		{def: graph.Definition{
			Type: "start", Category: graph.CategoryFlow,
			Outputs: []graph.PortDef{trigOut()},
		}, exec: execStart},
		{def: graph.Definition{
			Type: "end", Category: graph.CategoryFlow,
			Inputs:       []graph.PortDef{trigIn()},
			DynamicPorts: true,
		}, exec: execEnd},
		{def: graph.Definition{
			Type: "if", Category: graph.CategoryFlow,
			Inputs: []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{
				{ID: "true", Type: graph.TypeTrigger},
				{ID: "false", Type: graph.TypeTrigger},
			},
			Config: []graph.ConfigField{
				{Name: "condition", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
			},
		}, exec: execIf},
		{def: graph.Definition{
			Type: "switch", Category: graph.CategoryFlow,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{{ID: "default", Type: graph.TypeTrigger}},
			Config: []graph.ConfigField{
				{Name: "expression", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "cases", Type: graph.TypeObject, Required: true},
			},
			DynamicPorts: true,
		}, exec: execSwitch},
		{def: graph.Definition{
			Type: "for_loop", Category: graph.CategoryFlow,
			Inputs: []graph.PortDef{trigIn(), {ID: "items", Type: graph.TypeArray}},
			Outputs: []graph.PortDef{
				{ID: "done", Type: graph.TypeTrigger},
				{ID: "body", Type: graph.TypeTrigger},
				{ID: "results", Type: graph.TypeArray},
				{ID: "count", Type: graph.TypeNumber},
			},
		}, exec: execForLoop},
		{def: graph.Definition{
			Type: "while_loop", Category: graph.CategoryFlow,
			Inputs: []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{
				{ID: "done", Type: graph.TypeTrigger},
				{ID: "body", Type: graph.TypeTrigger},
				{ID: "iterations", Type: graph.TypeNumber},
			},
			Config: []graph.ConfigField{
				{Name: "condition", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "maxIterations", Type: graph.TypeNumber, Default: 100, Validate: positiveNumber},
			},
		}, exec: execWhileLoop},
		{def: graph.Definition{
			Type: "parallel", Category: graph.CategoryFlow,
			Inputs:       []graph.PortDef{trigIn()},
			DynamicPorts: true,
		}, exec: execParallel},
		{def: graph.Definition{
			Type: "sync", Category: graph.CategoryFlow,
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "mode", Type: graph.TypeString, Default: "ALL", Validate: oneOf("ALL", "ANY")},
			},
			DynamicPorts: true,
		}, exec: execSync},
		{def: graph.Definition{
			Type: "subgraph", Category: graph.CategoryFlow,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "path", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "inheritVariables", Type: graph.TypeBoolean, Default: false},
			},
			DynamicPorts: true,
		}, exec: execSubgraph},

		// Agent
		{def: graph.Definition{
			Type: "agent_request", Category: graph.CategoryAgent,
			Inputs: []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{
				trigOut(),
				{ID: "agent", Type: graph.TypeAgent},
			},
			Config: []graph.ConfigField{
				{Name: "role", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "seat", Type: graph.TypeNumber, Default: 1, Validate: positiveNumber},
				{Name: "timeoutMs", Type: graph.TypeNumber},
			},
		}, exec: execAgentRequest},
		{def: graph.Definition{
			Type: "agentic_work", Category: graph.CategoryAgent,
			Inputs: []graph.PortDef{trigIn(), {ID: "agent", Type: graph.TypeAgent}},
			Outputs: []graph.PortDef{
				trigOut(),
				{ID: "reply", Type: graph.TypeString},
				{ID: "parsed", Type: graph.TypeObject},
			},
			Config: []graph.ConfigField{
				{Name: "prompt", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "role", Type: graph.TypeString},
				{Name: "seat", Type: graph.TypeNumber, Default: 1, Validate: positiveNumber},
				{Name: "stage", Type: graph.TypeString},
				{Name: "parse", Type: graph.TypeBoolean, Default: false},
				{Name: "release", Type: graph.TypeBoolean, Default: false},
			},
		}, exec: execAgenticWork},
		{def: graph.Definition{
			Type: "agent_release", Category: graph.CategoryAgent,
			Inputs:  []graph.PortDef{trigIn(), {ID: "agent", Type: graph.TypeAgent}},
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "seat", Type: graph.TypeNumber},
				{Name: "force", Type: graph.TypeBoolean, Default: false},
			},
		}, exec: execAgentRelease},
		{def: graph.Definition{
			Type: "agent_bench", Category: graph.CategoryAgent,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut()},
		}, exec: execAgentBench},

		// Data
		{def: graph.Definition{
			Type: "script", Category: graph.CategoryData,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut(), {ID: "result", Type: graph.TypeAny}},
			Config: []graph.ConfigField{
				{Name: "code", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
			},
			DynamicPorts: true,
		}, exec: execScript},
		{def: graph.Definition{
			Type: "log", Category: graph.CategoryData,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "message", Type: graph.TypeString, Required: true},
			},
		}, exec: execLog},
		{def: graph.Definition{
			Type: "variable_set", Category: graph.CategoryData,
			Inputs:  []graph.PortDef{trigIn(), {ID: "value", Type: graph.TypeAny}},
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "name", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "value", Type: graph.TypeAny},
				{Name: "expression", Type: graph.TypeString},
			},
		}, exec: execVariableSet},
		{def: graph.Definition{
			Type: "variable_get", Category: graph.CategoryData,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut(), {ID: "value", Type: graph.TypeAny}},
			Config: []graph.ConfigField{
				{Name: "name", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
			},
		}, exec: execVariableGet},

		// Actions
		{def: graph.Definition{
			Type: "event", Category: graph.CategoryActions,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut(), {ID: "value", Type: graph.TypeAny}},
			Config: []graph.ConfigField{
				{Name: "action", Type: graph.TypeString, Default: "emit", Validate: oneOf(
					"emit", "read_plan", "read_tasks", "read_brief", "request_agent", "release_agent")},
				{Name: "topic", Type: graph.TypeString},
				{Name: "payload", Type: graph.TypeObject},
				{Name: "role", Type: graph.TypeString},
				{Name: "agent", Type: graph.TypeString},
			},
		}, exec: execEvent},
		{def: graph.Definition{
			Type: "command", Category: graph.CategoryActions,
			Inputs: []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{
				trigOut(),
				{ID: "stdout", Type: graph.TypeString},
				{ID: "exitCode", Type: graph.TypeNumber},
			},
			Config: []graph.ConfigField{
				{Name: "command", Type: graph.TypeAny, Required: true},
				{Name: "dir", Type: graph.TypeString},
				{Name: "timeoutMs", Type: graph.TypeNumber},
			},
		}, exec: execCommand},
		{def: graph.Definition{
			Type: "delay", Category: graph.CategoryActions,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut()},
			Config: []graph.ConfigField{
				{Name: "ms", Type: graph.TypeNumber, Required: true, Validate: positiveNumber},
			},
		}, exec: execDelay},
		{def: graph.Definition{
			Type: "wait_event", Category: graph.CategoryActions,
			Inputs:  []graph.PortDef{trigIn()},
			Outputs: []graph.PortDef{trigOut(), {ID: "payload", Type: graph.TypeObject}},
			Config: []graph.ConfigField{
				{Name: "topic", Type: graph.TypeString, Required: true, Validate: nonEmptyString},
				{Name: "timeoutMs", Type: graph.TypeNumber},
			},
		}, exec: execWaitEvent},
	}

	for _, b := range builtins {
		if err := reg.Register(b.def); err != nil {
			return err
		}
		executors[b.def.Type] = b.exec
	}
	return nil
}

// Config accessors with defaults.

func configString(n *graph.Node, key, def string) string {
	if v, ok := n.Config[key]; ok {
		return expr.Stringify(v)
	}
	return def
}

func configInt(n *graph.Node, key string, def int) int {
	if v, ok := n.Config[key]; ok {
		if f, ok := expr.ToNumber(v); ok {
			return int(f)
		}
	}
	return def
}

func configBool(n *graph.Node, key string, def bool) bool {
	if v, ok := n.Config[key]; ok {
		return expr.Truthy(v)
	}
	return def
}

// Config validators.

func nonEmptyString(v any) error {
	s, ok := v.(string)
	if !ok || s == "" {
		return fmt.Errorf("must be a non-empty string")
	}
	return nil
}

func positiveNumber(v any) error {
	f, ok := expr.ToNumber(v)
	if !ok || f <= 0 {
		return fmt.Errorf("must be a positive number")
	}
	return nil
}

func oneOf(allowed ...string) func(any) error {
	return func(v any) error {
		s := expr.Stringify(v)
		for _, a := range allowed {
			if s == a {
				return nil
			}
		}
		return fmt.Errorf("must be one of %v", allowed)
	}
}
