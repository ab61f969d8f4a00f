package graph

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Document is the YAML shape of a graph file.
type document struct {
	Name        string              `yaml:"name"`
	Version     int                 `yaml:"version"`
	Parameters  map[string]ParamDef `yaml:"parameters,omitempty"`
	Variables   map[string]VarDef   `yaml:"variables,omitempty"`
	Nodes       yaml.Node           `yaml:"nodes"`
	Connections []docConnection     `yaml:"connections,omitempty"`
}

type docNode struct {
	Type       string         `yaml:"type"`
	Config     map[string]any `yaml:"config,omitempty"`
	TimeoutMs  int            `yaml:"timeoutMs,omitempty"`
	Checkpoint bool           `yaml:"checkpoint,omitempty"`
	OnError    *ErrorPolicy   `yaml:"onError,omitempty"`
	Ports      *docPorts      `yaml:"ports,omitempty"`
	Inputs     []docInput     `yaml:"inputs,omitempty"`
}

type docPorts struct {
	Inputs  []PortDef `yaml:"inputs,omitempty"`
	Outputs []PortDef `yaml:"outputs,omitempty"`
}

// docInput is the inline connection form on a target node.
type docInput struct {
	Port string `yaml:"port"`
	From string `yaml:"from"` // "node.port"
}

type docConnection struct {
	ID   string `yaml:"id,omitempty"`
	From string `yaml:"from"`
	To   string `yaml:"to"`
}

// Parse parses a graph document and interns nodes against the registry.
// Structural problems are returned as error-level issues; a nil error with
// error issues still means the graph cannot run.
func Parse(data []byte, reg *Registry) (*Graph, []Issue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parsing graph document: %w", err)
	}
	if doc.Name == "" {
		return nil, nil, fmt.Errorf("graph document requires a name")
	}

	g := &Graph{
		Name:       doc.Name,
		Version:    doc.Version,
		Parameters: doc.Parameters,
		Variables:  doc.Variables,
		Nodes:      make(map[string]*Node),
	}
	if g.Parameters == nil {
		g.Parameters = map[string]ParamDef{}
	}
	if g.Variables == nil {
		g.Variables = map[string]VarDef{}
	}

	var issues []Issue

	// Decode nodes from the mapping node to preserve document order and
	// catch duplicate ids.
	nodeIDs, docNodes, err := decodeNodes(&doc.Nodes)
	if err != nil {
		return nil, nil, err
	}
	seen := map[string]bool{}
	for i, id := range nodeIDs {
		if seen[id] {
			issues = append(issues, Issue{Severity: "error", Code: "duplicate_node", Node: id,
				Message: fmt.Sprintf("node id %q declared twice", id)})
			continue
		}
		seen[id] = true
		node, nodeIssues := internNode(id, docNodes[i], reg)
		issues = append(issues, nodeIssues...)
		if node != nil {
			g.Nodes[id] = node
			g.NodeOrder = append(g.NodeOrder, id)
		}
	}

	// Resolve connections: explicit entries plus inline inputs[].from.
	connSeen := map[string]bool{}
	addConn := func(c Connection) {
		if c.ID == "" {
			c.ID = fmt.Sprintf("%s.%s->%s.%s", c.From.Node, c.From.Port, c.To.Node, c.To.Port)
		}
		if connSeen[c.ID] {
			issues = append(issues, Issue{Severity: "error", Code: "duplicate_connection",
				Message: fmt.Sprintf("connection id %q declared twice", c.ID)})
			return
		}
		connSeen[c.ID] = true
		g.Connections = append(g.Connections, c)
	}

	for _, dc := range doc.Connections {
		from, err1 := parseEndpoint(dc.From)
		to, err2 := parseEndpoint(dc.To)
		if err1 != nil || err2 != nil {
			issues = append(issues, Issue{Severity: "error", Code: "bad_endpoint",
				Message: fmt.Sprintf("connection %q has malformed endpoints", dc.ID)})
			continue
		}
		addConn(Connection{ID: dc.ID, From: from, To: to})
	}
	for i, id := range nodeIDs {
		for _, in := range docNodes[i].Inputs {
			from, err := parseEndpoint(in.From)
			if err != nil {
				issues = append(issues, Issue{Severity: "error", Code: "bad_endpoint", Node: id,
					Message: fmt.Sprintf("input %q has malformed source %q", in.Port, in.From)})
				continue
			}
			addConn(Connection{From: from, To: Endpoint{Node: id, Port: in.Port}})
		}
	}

	g.BuildIndex()
	return g, issues, nil
}

// decodeNodes walks the yaml mapping so duplicate keys surface as issues
// instead of being silently collapsed.
func decodeNodes(n *yaml.Node) ([]string, []docNode, error) {
	if n.Kind == 0 {
		return nil, nil, fmt.Errorf("graph document requires nodes")
	}
	if n.Kind != yaml.MappingNode {
		return nil, nil, fmt.Errorf("nodes must be a mapping of id to definition")
	}

	var ids []string
	var nodes []docNode
	for i := 0; i+1 < len(n.Content); i += 2 {
		key := n.Content[i]
		val := n.Content[i+1]
		var dn docNode
		if err := val.Decode(&dn); err != nil {
			return nil, nil, fmt.Errorf("decoding node %q: %w", key.Value, err)
		}
		ids = append(ids, key.Value)
		nodes = append(nodes, dn)
	}
	return ids, nodes, nil
}

// internNode merges registry default ports with document-declared extras.
func internNode(id string, dn docNode, reg *Registry) (*Node, []Issue) {
	var issues []Issue
	def, known := reg.Get(dn.Type)
	if !known {
		issues = append(issues, Issue{Severity: "error", Code: "unknown_type", Node: id,
			Message: fmt.Sprintf("unknown node type %q", dn.Type)})
		return nil, issues
	}

	node := &Node{
		ID:         id,
		Type:       dn.Type,
		Config:     dn.Config,
		Inputs:     append([]PortDef(nil), def.Inputs...),
		Outputs:    append([]PortDef(nil), def.Outputs...),
		OnError:    dn.OnError,
		TimeoutMs:  dn.TimeoutMs,
		Checkpoint: dn.Checkpoint,
	}
	if node.Config == nil {
		node.Config = map[string]any{}
	}

	if dn.Ports != nil {
		if !def.DynamicPorts {
			issues = append(issues, Issue{Severity: "error", Code: "dynamic_ports", Node: id,
				Message: fmt.Sprintf("node type %q does not permit additional ports", dn.Type)})
		} else {
			node.Inputs = append(node.Inputs, dn.Ports.Inputs...)
			node.Outputs = append(node.Outputs, dn.Ports.Outputs...)
		}
	}

	return node, issues
}

func parseEndpoint(s string) (Endpoint, error) {
	node, port, ok := strings.Cut(strings.TrimSpace(s), ".")
	if !ok || node == "" || port == "" {
		return Endpoint{}, fmt.Errorf("malformed endpoint %q", s)
	}
	return Endpoint{Node: node, Port: port}, nil
}

// Dump serializes a graph back to its document form: name, version,
// parameters, variables, each node's type, config, timeout, checkpoint flag
// and error policy, and every connection (inline inputs are written as
// explicit connections). Ports a node declares under `ports` are not
// written, so reloading a dump of a graph wired through such ports reports
// missing ports; nodes are written as a key-sorted mapping, so document
// order is not kept.
func Dump(g *Graph) ([]byte, error) {
	doc := map[string]any{
		"name":    g.Name,
		"version": g.Version,
	}
	if len(g.Parameters) > 0 {
		doc["parameters"] = g.Parameters
	}
	if len(g.Variables) > 0 {
		doc["variables"] = g.Variables
	}

	nodes := make(map[string]any, len(g.Nodes))
	for _, id := range g.NodeOrder {
		n := g.Nodes[id]
		entry := map[string]any{"type": n.Type}
		if len(n.Config) > 0 {
			entry["config"] = n.Config
		}
		if n.TimeoutMs > 0 {
			entry["timeoutMs"] = n.TimeoutMs
		}
		if n.Checkpoint {
			entry["checkpoint"] = true
		}
		if n.OnError != nil {
			entry["onError"] = n.OnError
		}
		nodes[id] = entry
	}
	doc["nodes"] = nodes

	conns := make([]map[string]string, 0, len(g.Connections))
	for _, c := range g.Connections {
		conns = append(conns, map[string]string{
			"id":   c.ID,
			"from": c.From.Node + "." + c.From.Port,
			"to":   c.To.Node + "." + c.To.Port,
		})
	}
	if len(conns) > 0 {
		doc["connections"] = conns
	}

	return yaml.Marshal(doc)
}
