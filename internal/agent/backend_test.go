package agent

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry(t *testing.T) {
	require.Contains(t, Names(), "claude")
	require.Contains(t, Names(), "codex")
	require.Contains(t, Names(), "mock")

	_, err := Get("nope")
	require.Error(t, err)
}

func TestClaudeBackend_Build(t *testing.T) {
	b, err := Get("claude")
	require.NoError(t, err)

	inv, err := b.Build(TaskOptions{
		Role:      "planner",
		Prompt:    "draft the plan",
		Stage:     "planning",
		AgentName: "agent-1",
		SessionID: "sess-1",
	})
	require.NoError(t, err)

	require.Equal(t, "claude", inv.Command[0])
	require.Contains(t, inv.Command, "--print")
	require.Contains(t, inv.Command, b.Signature())
	require.Equal(t, "draft the plan", inv.Command[len(inv.Command)-1])
	require.Contains(t, inv.Env, "LOOM_ROLE=planner")
	require.Contains(t, inv.Env, "LOOM_AGENT=agent-1")

	_, err = b.Build(TaskOptions{})
	require.Error(t, err, "a prompt is required")
}

func TestMockBackend_Build(t *testing.T) {
	b, err := Get("mock")
	require.NoError(t, err)

	inv, err := b.Build(TaskOptions{Role: "engineer", Prompt: "do the thing", Stage: "execute"})
	require.NoError(t, err)
	require.Equal(t, "sh", inv.Command[0])
	require.Equal(t, "do the thing", inv.Stdin)
	require.True(t, strings.Contains(inv.Command[2], "role=engineer"))
}
