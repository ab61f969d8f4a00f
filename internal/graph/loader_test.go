package graph

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// testRegistry builds a registry with a minimal node vocabulary so graph
// tests do not depend on the engine's builtin library.
func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()

	defs := []Definition{
		{Type: "start", Category: CategoryFlow,
			Outputs: []PortDef{{ID: "out", Type: TypeTrigger}}},
		{Type: "end", Category: CategoryFlow,
			Inputs: []PortDef{{ID: "in", Type: TypeTrigger}}, DynamicPorts: true},
		{Type: "task", Category: CategoryData,
			Inputs: []PortDef{
				{ID: "in", Type: TypeTrigger},
				{ID: "value", Type: TypeNumber},
			},
			Outputs: []PortDef{
				{ID: "out", Type: TypeTrigger},
				{ID: "result", Type: TypeString},
				{ID: "agent", Type: TypeAgent},
			},
			Config: []ConfigField{
				{Name: "label", Type: TypeString, Required: true},
				{Name: "weight", Type: TypeNumber, Validate: func(v any) error {
					if f, ok := v.(float64); ok && f >= 0 {
						return nil
					}
					if i, ok := v.(int); ok && i >= 0 {
						return nil
					}
					return os.ErrInvalid
				}},
			}},
		{Type: "seat", Category: CategoryAgent,
			Inputs: []PortDef{
				{ID: "in", Type: TypeTrigger},
				{ID: "agent", Type: TypeAgent},
			},
			Outputs: []PortDef{{ID: "out", Type: TypeTrigger}}},
		{Type: "for_loop", Category: CategoryFlow,
			Inputs:  []PortDef{{ID: "in", Type: TypeTrigger}},
			Outputs: []PortDef{{ID: "body", Type: TypeTrigger}, {ID: "done", Type: TypeTrigger}}},
	}
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return reg
}

const validDoc = `
name: sample
version: 1
parameters:
  value: {type: number, required: true}
variables:
  attempts: {type: number, default: 0}
nodes:
  start:
    type: start
  work:
    type: task
    config: {label: work}
    inputs:
      - {port: in, from: start.out}
  end:
    type: end
    inputs:
      - {port: in, from: work.out}
`

func TestParse_ValidDocument(t *testing.T) {
	reg := testRegistry(t)
	g, issues, err := Parse([]byte(validDoc), reg)
	require.NoError(t, err)
	require.Empty(t, issues)

	require.Equal(t, "sample", g.Name)
	require.Equal(t, 1, g.Version)
	require.Len(t, g.Nodes, 3)
	require.Equal(t, []string{"start", "work", "end"}, g.NodeOrder)
	require.Len(t, g.Connections, 2)

	issues = Validate(g, reg)
	require.Empty(t, issues)
}

func TestParse_MissingName(t *testing.T) {
	_, _, err := Parse([]byte("version: 1\nnodes:\n  a: {type: start}\n"), testRegistry(t))
	require.Error(t, err)
}

func TestParse_UnknownType(t *testing.T) {
	doc := `
name: bad
nodes:
  start: {type: start}
  mystery: {type: warp_drive}
`
	_, issues, err := Parse([]byte(doc), testRegistry(t))
	require.NoError(t, err)
	require.True(t, HasErrors(issues))
}

func TestParse_DynamicPortsRejectedWhenNotPermitted(t *testing.T) {
	doc := `
name: bad
nodes:
  start:
    type: start
    ports:
      outputs:
        - {id: extra, type: trigger}
`
	_, issues, err := Parse([]byte(doc), testRegistry(t))
	require.NoError(t, err)
	require.True(t, HasErrors(issues))
}

func TestValidate_StartCount(t *testing.T) {
	doc := `
name: twostarts
nodes:
  a: {type: start}
  b: {type: start}
`
	g, _, err := Parse([]byte(doc), testRegistry(t))
	require.NoError(t, err)
	issues := Validate(g, testRegistry(t))
	require.True(t, HasErrors(issues))
}

func TestValidate_MissingPort(t *testing.T) {
	doc := `
name: badport
nodes:
  start: {type: start}
  work:
    type: task
    config: {label: x}
    inputs:
      - {port: in, from: start.nope}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)
	require.True(t, HasErrors(Validate(g, reg)))
}

func TestValidate_RequiredConfig(t *testing.T) {
	doc := `
name: noconfig
nodes:
  start: {type: start}
  work:
    type: task
    inputs:
      - {port: in, from: start.out}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)
	require.True(t, HasErrors(Validate(g, reg)))
}

func TestValidate_ConfigValidator(t *testing.T) {
	doc := `
name: badweight
nodes:
  start: {type: start}
  work:
    type: task
    config: {label: x, weight: -1}
    inputs:
      - {port: in, from: start.out}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)
	require.True(t, HasErrors(Validate(g, reg)))
}

func TestValidate_CoercionWarns(t *testing.T) {
	// task.result (string) into task.value (number): compatible primitives,
	// warning not error.
	doc := `
name: coerce
nodes:
  start: {type: start}
  a:
    type: task
    config: {label: a}
    inputs:
      - {port: in, from: start.out}
  b:
    type: task
    config: {label: b}
    inputs:
      - {port: in, from: a.out}
      - {port: value, from: a.result}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)

	issues := Validate(g, reg)
	require.False(t, HasErrors(issues))

	found := false
	for _, issue := range issues {
		if issue.Code == "coerced_ports" {
			found = true
			require.Equal(t, "warning", issue.Severity)
		}
	}
	require.True(t, found, "coercion must surface as a warning")
}

func TestValidate_AgentPortOnlyConnectsAgent(t *testing.T) {
	// agent output into a number input is an error.
	doc := `
name: agentport
nodes:
  start: {type: start}
  a:
    type: task
    config: {label: a}
    inputs:
      - {port: in, from: start.out}
  b:
    type: task
    config: {label: b}
    inputs:
      - {port: in, from: a.out}
      - {port: value, from: a.agent}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)
	require.True(t, HasErrors(Validate(g, reg)))

	// agent into agent is fine.
	ok := `
name: agentok
nodes:
  start: {type: start}
  a:
    type: task
    config: {label: a}
    inputs:
      - {port: in, from: start.out}
  b:
    type: seat
    inputs:
      - {port: in, from: a.out}
      - {port: agent, from: a.agent}
`
	g, _, err = Parse([]byte(ok), reg)
	require.NoError(t, err)
	require.False(t, HasErrors(Validate(g, reg)))
}

func TestValidate_CycleAmongNonLoopNodes(t *testing.T) {
	doc := `
name: cyclic
nodes:
  start: {type: start}
  a:
    type: task
    config: {label: a}
    inputs:
      - {port: in, from: start.out}
      - {port: in, from: b.out}
  b:
    type: task
    config: {label: b}
    inputs:
      - {port: in, from: a.out}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)

	issues := Validate(g, reg)
	require.True(t, HasErrors(issues))

	// The same shape through a loop node is iteration, not deadlock.
	loopDoc := `
name: looped
nodes:
  start: {type: start}
  loop:
    type: for_loop
    inputs:
      - {port: in, from: start.out}
  body:
    type: task
    config: {label: body}
    inputs:
      - {port: in, from: loop.body}
`
	g, _, err = Parse([]byte(loopDoc), reg)
	require.NoError(t, err)
	require.False(t, HasErrors(Validate(g, reg)))
}

func TestValidate_UnreachableWarns(t *testing.T) {
	doc := `
name: island
nodes:
  start: {type: start}
  stranded:
    type: task
    config: {label: s}
`
	reg := testRegistry(t)
	g, _, err := Parse([]byte(doc), reg)
	require.NoError(t, err)

	issues := Validate(g, reg)
	require.False(t, HasErrors(issues))
	require.NotEmpty(t, issues)
	require.Equal(t, "unreachable", issues[0].Code)
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		from, to DataType
		ok       bool
		warn     bool
	}{
		{TypeAny, TypeAgent, true, false},
		{TypeAgent, TypeAny, true, false},
		{TypeTrigger, TypeTrigger, true, false},
		{TypeTrigger, TypeAny, false, false},
		{TypeString, TypeNumber, true, true},
		{TypeNumber, TypeBoolean, true, true},
		{TypeObject, TypeArray, true, true},
		{TypeAgent, TypeAgent, true, false},
		{TypeAgent, TypeString, false, false},
		{DataType("verdict"), DataType("verdict"), true, false},
		{DataType("verdict"), TypeString, false, false},
	}

	for _, tt := range tests {
		ok, warn := Compatible(tt.from, tt.to)
		require.Equal(t, tt.ok, ok, "%s -> %s", tt.from, tt.to)
		require.Equal(t, tt.warn, warn, "%s -> %s warn", tt.from, tt.to)
	}
}

func TestDump_RoundTrip(t *testing.T) {
	reg := testRegistry(t)
	g1, _, err := Parse([]byte(validDoc), reg)
	require.NoError(t, err)

	data, err := Dump(g1)
	require.NoError(t, err)

	g2, issues, err := Parse(data, reg)
	require.NoError(t, err)
	require.False(t, HasErrors(issues))

	require.Equal(t, g1.Name, g2.Name)
	require.Equal(t, g1.Version, g2.Version)
	require.ElementsMatch(t, g1.NodeOrder, g2.NodeOrder)
	require.Len(t, g2.Connections, len(g1.Connections))
	for id, n1 := range g1.Nodes {
		n2, ok := g2.Nodes[id]
		require.True(t, ok)
		require.Equal(t, n1.Type, n2.Type)
	}
}

func TestLoader_CachesByPathAndMtime(t *testing.T) {
	reg := testRegistry(t)
	loader := NewLoader(reg)

	path := filepath.Join(t.TempDir(), "sample.yml")
	require.NoError(t, os.WriteFile(path, []byte(validDoc), 0644))

	g1, _, err := loader.Load(path)
	require.NoError(t, err)
	g2, _, err := loader.Load(path)
	require.NoError(t, err)
	require.Same(t, g1, g2, "unchanged file parses once")
}

func TestLoader_InvalidGraphIsError(t *testing.T) {
	reg := testRegistry(t)
	loader := NewLoader(reg)

	_, issues, err := loader.LoadBytes([]byte(`
name: twostarts
nodes:
  a: {type: start}
  b: {type: start}
`))
	require.Error(t, err)
	require.True(t, HasErrors(issues))
}
