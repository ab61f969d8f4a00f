package expr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/loom/internal/loomerr"
)

func TestEval_Arithmetic(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want any
	}{
		{"addition", "1 + 2", float64(3)},
		{"precedence", "1 + 2 * 3", float64(7)},
		{"parens", "(1 + 2) * 3", float64(9)},
		{"modulo", "7 % 3", float64(1)},
		{"negation", "-4 + 10", float64(6)},
		{"division", "10 / 4", float64(2.5)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Eval(tt.src, nil)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEval_Comparisons(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"1 < 2", true},
		{"2 <= 2", true},
		{"3 > 4", false},
		{"1 == 1", true},
		{"1 != 2", true},
		{"'a' == 'a'", true},
		// Implicit numeric/string coercion is allowed at evaluation time.
		{"'5' == 5", true},
		{"'10' > 9", true},
		{"true == 1", true},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := Eval(tt.src, nil)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEval_BooleanShortCircuit(t *testing.T) {
	// The right side references an unknown identifier; short-circuit means
	// it is never evaluated.
	got, err := Eval("false && missing", nil)
	require.NoError(t, err)
	require.Equal(t, false, got)

	got, err = Eval("true || missing", nil)
	require.NoError(t, err)
	require.Equal(t, true, got)
}

func TestEval_MemberAndIndex(t *testing.T) {
	env := Env{
		"params": map[string]any{"value": float64(42)},
		"nodes": map[string]any{
			"calc": map[string]any{"out": []any{float64(1), float64(4), float64(9)}},
		},
	}

	got, err := Eval("params.value > 10", env)
	require.NoError(t, err)
	require.Equal(t, true, got)

	got, err = Eval("nodes.calc.out[2]", env)
	require.NoError(t, err)
	require.Equal(t, float64(9), got)
}

func TestEval_Builtins(t *testing.T) {
	tests := []struct {
		src  string
		want any
	}{
		{"len('hello')", float64(5)},
		{"upper('abc')", "ABC"},
		{"min(3, 1, 2)", float64(1)},
		{"max(3, 1, 2)", float64(3)},
		{"contains('workflow', 'flow')", true},
		{"join(array('a', 'b'), '-')", "a-b"},
		{"jsonDecode('[1,2]')[0]", float64(1)},
		{"number('12') + 1", float64(13)},
		{"len(range(4))", float64(4)},
	}

	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			got, err := Eval(tt.src, nil)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEval_ObjectBuiltin(t *testing.T) {
	env := Env{"item": float64(3)}
	got, err := Eval("object('out', item * item)", env)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"out": float64(9)}, got)
}

func TestEval_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"unknown identifier", "nosuch"},
		{"unknown function", "explode(1)"},
		{"division by zero", "1 / 0"},
		{"trailing garbage", "1 + 2 )"},
		{"unterminated string", "'abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Eval(tt.src, nil)
			require.Error(t, err)
			require.Equal(t, loomerr.CodeExpression, loomerr.CodeOf(err))
		})
	}
}

func TestEval_TimeBudget(t *testing.T) {
	// A generous workload with an already-expired budget trips the deadline
	// check.
	_, err := EvalWithBudget("len(range(50000)) + len(range(50000))", nil, -time.Second)
	require.Error(t, err)
}

func TestRender(t *testing.T) {
	env := Env{
		"params": map[string]any{"name": "combo"},
		"vars":   map[string]any{"n": float64(4)},
	}

	out, err := Render("limit {{params.name}} to {{vars.n}}-chain matches", env)
	require.NoError(t, err)
	require.Equal(t, "limit combo to 4-chain matches", out)
}

func TestRender_Unterminated(t *testing.T) {
	_, err := Render("broken {{params.name", Env{"params": map[string]any{}})
	require.Error(t, err)
}

func TestTruthy(t *testing.T) {
	require.True(t, Truthy("x"))
	require.True(t, Truthy(float64(1)))
	require.False(t, Truthy(""))
	require.False(t, Truthy(float64(0)))
	require.False(t, Truthy(nil))
	require.False(t, Truthy([]any{}))
	require.True(t, Truthy([]any{1}))
}

func TestStringify(t *testing.T) {
	require.Equal(t, "3", Stringify(float64(3)))
	require.Equal(t, "3.5", Stringify(float64(3.5)))
	require.Equal(t, "true", Stringify(true))
	require.Equal(t, "", Stringify(nil))
}
