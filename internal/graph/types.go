// Package graph defines node types, typed ports, and the loader/validator
// for workflow graph documents.
package graph

// DataType is the type tag of a port value. Beyond the built-in set, any
// other string is a role-defined type that only matches itself.
type DataType string

const (
	TypeTrigger DataType = "trigger"
	TypeString  DataType = "string"
	TypeNumber  DataType = "number"
	TypeBoolean DataType = "boolean"
	TypeObject  DataType = "object"
	TypeArray   DataType = "array"
	TypeAny     DataType = "any"
	TypeAgent   DataType = "agent"
)

// Compatible reports whether a connection from one port type to another is
// valid, and whether the match is a coercion (warning, not error).
//
//   - any is compatible with anything
//   - trigger only with trigger
//   - identical types are compatible
//   - string/number/boolean are pairwise compatible (implicit coercion)
//   - object and array are mutually compatible
//   - everything else (agent included) only matches itself
func Compatible(from, to DataType) (ok, warn bool) {
	if from == to {
		return true, false
	}
	if from == TypeTrigger || to == TypeTrigger {
		return false, false
	}
	if from == TypeAny || to == TypeAny {
		return true, false
	}
	if isPrimitive(from) && isPrimitive(to) {
		return true, true
	}
	if (from == TypeObject && to == TypeArray) || (from == TypeArray && to == TypeObject) {
		return true, true
	}
	return false, false
}

func isPrimitive(t DataType) bool {
	return t == TypeString || t == TypeNumber || t == TypeBoolean
}

// Category groups node types for tooling.
type Category string

const (
	CategoryFlow       Category = "flow"
	CategoryAgent      Category = "agent"
	CategoryData       Category = "data"
	CategoryActions    Category = "actions"
	CategoryAnnotation Category = "annotation"
)

// PortDef declares one input or output port.
type PortDef struct {
	ID            string   `yaml:"id"`
	Type          DataType `yaml:"type"`
	Required      bool     `yaml:"required,omitempty"`
	Default       any      `yaml:"default,omitempty"`
	AllowMultiple bool     `yaml:"allowMultiple,omitempty"`
}

// ConfigField declares one typed configuration field with an optional
// validator.
type ConfigField struct {
	Name     string
	Type     DataType
	Required bool
	Default  any
	Validate func(any) error
}

// Definition describes a node type: its ports, configuration schema, and
// whether instances may declare additional (dynamic) ports.
type Definition struct {
	Type         string
	Category     Category
	Inputs       []PortDef
	Outputs      []PortDef
	Config       []ConfigField
	DynamicPorts bool
}

// ErrorPolicy is a node's declared failure handling.
type ErrorPolicy struct {
	// Kind is one of retry, skip, abort, goto. Abort is the default.
	Kind       string         `yaml:"kind"`
	MaxRetries int            `yaml:"maxRetries,omitempty"`
	DelayMs    int            `yaml:"delayMs,omitempty"`
	Default    map[string]any `yaml:"default,omitempty"`
	Target     string         `yaml:"target,omitempty"`
}

// Node is one interned node instance of a graph.
type Node struct {
	ID         string
	Type       string
	Config     map[string]any
	Inputs     []PortDef
	Outputs    []PortDef
	OnError    *ErrorPolicy
	TimeoutMs  int
	Checkpoint bool
}

// InputPort finds an input port by id.
func (n *Node) InputPort(id string) (PortDef, bool) {
	for _, p := range n.Inputs {
		if p.ID == id {
			return p, true
		}
	}
	return PortDef{}, false
}

// OutputPort finds an output port by id.
func (n *Node) OutputPort(id string) (PortDef, bool) {
	for _, p := range n.Outputs {
		if p.ID == id {
			return p, true
		}
	}
	return PortDef{}, false
}

// Endpoint names one side of a connection.
type Endpoint struct {
	Node string
	Port string
}

// Connection wires a source output to a target input.
type Connection struct {
	ID   string
	From Endpoint
	To   Endpoint
}

// ParamDef declares a typed graph parameter.
type ParamDef struct {
	Type     DataType `yaml:"type"`
	Required bool     `yaml:"required,omitempty"`
	Default  any      `yaml:"default,omitempty"`
}

// VarDef declares a typed graph variable.
type VarDef struct {
	Type    DataType `yaml:"type"`
	Default any      `yaml:"default,omitempty"`
}

// Graph is a parsed, interned workflow graph.
type Graph struct {
	Name        string
	Version     int
	Parameters  map[string]ParamDef
	Variables   map[string]VarDef
	Nodes       map[string]*Node
	Connections []Connection

	// NodeOrder preserves document order for deterministic iteration.
	NodeOrder []string

	incoming map[string][]Connection
	outgoing map[string][]Connection
}

// BuildIndex populates the per-node connection indices. Parse calls it;
// callers assembling graphs programmatically must call it themselves.
func (g *Graph) BuildIndex() {
	g.incoming = make(map[string][]Connection)
	g.outgoing = make(map[string][]Connection)
	for _, c := range g.Connections {
		g.incoming[c.To.Node] = append(g.incoming[c.To.Node], c)
		g.outgoing[c.From.Node] = append(g.outgoing[c.From.Node], c)
	}
}

// Incoming returns connections into a node.
func (g *Graph) Incoming(nodeID string) []Connection { return g.incoming[nodeID] }

// Outgoing returns connections out of a node.
func (g *Graph) Outgoing(nodeID string) []Connection { return g.outgoing[nodeID] }

// OutgoingFrom returns connections out of a specific output port.
func (g *Graph) OutgoingFrom(nodeID, port string) []Connection {
	var out []Connection
	for _, c := range g.outgoing[nodeID] {
		if c.From.Port == port {
			out = append(out, c)
		}
	}
	return out
}

// StartNode returns the id of the start node, or "".
func (g *Graph) StartNode() string {
	for _, id := range g.NodeOrder {
		if g.Nodes[id].Type == "start" {
			return id
		}
	}
	return ""
}

// Issue is one validation finding.
type Issue struct {
	Severity string // "error" or "warning"
	Code     string
	Node     string
	Message  string
}

// HasErrors reports whether any issue is error-level. A graph with an
// error-level issue cannot be executed.
func HasErrors(issues []Issue) bool {
	for _, i := range issues {
		if i.Severity == "error" {
			return true
		}
	}
	return false
}
