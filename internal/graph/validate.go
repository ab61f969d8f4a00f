package graph

import "fmt"

// loopTypes are the node types whose bodies legitimately re-execute; cycles
// passing through them are iteration, not deadlock.
var loopTypes = map[string]bool{
	"for_loop":   true,
	"while_loop": true,
}

// Validate checks a parsed graph against the registry. Error-level issues
// make the graph non-executable; warnings do not.
func Validate(g *Graph, reg *Registry) []Issue {
	var issues []Issue

	// Exactly one start node.
	startCount := 0
	for _, id := range g.NodeOrder {
		if g.Nodes[id].Type == "start" {
			startCount++
		}
	}
	if startCount != 1 {
		issues = append(issues, Issue{Severity: "error", Code: "start_count",
			Message: fmt.Sprintf("graph must contain exactly one start node, found %d", startCount)})
	}

	// Connection endpoints exist and port types are compatible.
	for _, c := range g.Connections {
		fromNode, ok := g.Nodes[c.From.Node]
		if !ok {
			issues = append(issues, Issue{Severity: "error", Code: "missing_node",
				Message: fmt.Sprintf("connection %q references unknown node %q", c.ID, c.From.Node)})
			continue
		}
		toNode, ok := g.Nodes[c.To.Node]
		if !ok {
			issues = append(issues, Issue{Severity: "error", Code: "missing_node",
				Message: fmt.Sprintf("connection %q references unknown node %q", c.ID, c.To.Node)})
			continue
		}

		fromPort, ok := fromNode.OutputPort(c.From.Port)
		if !ok {
			issues = append(issues, Issue{Severity: "error", Code: "missing_port", Node: c.From.Node,
				Message: fmt.Sprintf("connection %q: node %q has no output port %q", c.ID, c.From.Node, c.From.Port)})
			continue
		}
		toPort, ok := toNode.InputPort(c.To.Port)
		if !ok {
			issues = append(issues, Issue{Severity: "error", Code: "missing_port", Node: c.To.Node,
				Message: fmt.Sprintf("connection %q: node %q has no input port %q", c.ID, c.To.Node, c.To.Port)})
			continue
		}

		ok, warn := Compatible(fromPort.Type, toPort.Type)
		if !ok {
			issues = append(issues, Issue{Severity: "error", Code: "incompatible_ports",
				Message: fmt.Sprintf("connection %q: %s is not compatible with %s", c.ID, fromPort.Type, toPort.Type)})
		} else if warn {
			issues = append(issues, Issue{Severity: "warning", Code: "coerced_ports",
				Message: fmt.Sprintf("connection %q: %s coerces to %s", c.ID, fromPort.Type, toPort.Type)})
		}
	}

	// Multiple connections into a single-valued input.
	inCount := map[Endpoint]int{}
	for _, c := range g.Connections {
		inCount[c.To]++
	}
	for ep, n := range inCount {
		if n <= 1 {
			continue
		}
		node, ok := g.Nodes[ep.Node]
		if !ok {
			continue
		}
		if port, ok := node.InputPort(ep.Port); ok && !port.AllowMultiple && port.Type != TypeTrigger {
			issues = append(issues, Issue{Severity: "error", Code: "multiple_sources", Node: ep.Node,
				Message: fmt.Sprintf("input %s.%s has %d sources but does not allow multiple", ep.Node, ep.Port, n)})
		}
	}

	// Required config fields present and validators pass.
	for _, id := range g.NodeOrder {
		node := g.Nodes[id]
		def, ok := reg.Get(node.Type)
		if !ok {
			continue
		}
		for _, field := range def.Config {
			v, present := node.Config[field.Name]
			if !present {
				if field.Required {
					issues = append(issues, Issue{Severity: "error", Code: "missing_config", Node: id,
						Message: fmt.Sprintf("node %q requires config field %q", id, field.Name)})
				} else if field.Default != nil {
					node.Config[field.Name] = field.Default
				}
				continue
			}
			if field.Validate != nil {
				if err := field.Validate(v); err != nil {
					issues = append(issues, Issue{Severity: "error", Code: "bad_config", Node: id,
						Message: fmt.Sprintf("node %q config %q: %v", id, field.Name, err)})
				}
			}
		}
	}

	// Cycles among non-loop nodes are deadlocks.
	issues = append(issues, findCycles(g)...)

	// Unreachable nodes are warnings.
	issues = append(issues, findUnreachable(g)...)

	return issues
}

// findCycles detects cycles in the connection graph after removing loop
// nodes, whose bodies legitimately cycle.
func findCycles(g *Graph) []Issue {
	adj := map[string][]string{}
	for _, c := range g.Connections {
		from, to := c.From.Node, c.To.Node
		if loopTypes[nodeType(g, from)] || loopTypes[nodeType(g, to)] {
			continue
		}
		adj[from] = append(adj[from], to)
	}

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := map[string]int{}
	var cycleAt string

	var visit func(n string) bool
	visit = func(n string) bool {
		color[n] = gray
		for _, next := range adj[n] {
			switch color[next] {
			case gray:
				cycleAt = next
				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}

	for _, id := range g.NodeOrder {
		if color[id] == white {
			if visit(id) {
				return []Issue{{Severity: "error", Code: "cycle", Node: cycleAt,
					Message: fmt.Sprintf("cycle among non-loop nodes involving %q", cycleAt)}}
			}
		}
	}
	return nil
}

func nodeType(g *Graph, id string) string {
	if n, ok := g.Nodes[id]; ok {
		return n.Type
	}
	return ""
}

// findUnreachable reports nodes not reachable from the start node.
func findUnreachable(g *Graph) []Issue {
	start := g.StartNode()
	if start == "" {
		return nil
	}

	reached := map[string]bool{start: true}
	queue := []string{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, c := range g.Outgoing(n) {
			if !reached[c.To.Node] {
				reached[c.To.Node] = true
				queue = append(queue, c.To.Node)
			}
		}
	}

	var issues []Issue
	for _, id := range g.NodeOrder {
		if !reached[id] {
			issues = append(issues, Issue{Severity: "warning", Code: "unreachable", Node: id,
				Message: fmt.Sprintf("node %q is not reachable from start", id)})
		}
	}
	return issues
}
