package runs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	cases := map[Status]bool{
		StatusPending:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	}
	for status, want := range cases {
		assert.Equalf(t, want, status.Terminal(), "%s.Terminal()", status)
	}
}

func TestStatusValidTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCompleted, true},
		{StatusPending, StatusPending, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusStopped, true},
		{StatusRunning, StatusRunning, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusStopped, StatusRunning, false},
	}
	for _, c := range cases {
		assert.Equalf(t, c.want, c.from.ValidTransition(c.to), "%s.ValidTransition(%s)", c.from, c.to)
	}
}

func TestJobStreamNamespace(t *testing.T) {
	agent := Job{RunID: "run-1", Kind: KindAgent}
	assert.Equal(t, "run-1", agent.StreamNamespace())

	workflowAliased := Job{RunID: "run-2", Kind: KindWorkflow, AgentRunID: "run-1"}
	assert.Equal(t, "run-1", workflowAliased.StreamNamespace(), "an aliased workflow namespaces under its agent run")

	workflowBare := Job{RunID: "run-3", Kind: KindWorkflow}
	assert.Equal(t, "", workflowBare.StreamNamespace(), "a workflow without an alias has no namespace to fall back on")
}

func TestEventIsTerminal(t *testing.T) {
	agentDone := Event{Type: "status", Status: "completed"}
	status, ok := agentDone.IsTerminal(KindAgent)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, status)

	agentWrongType := Event{Type: "message", Status: "completed"}
	_, ok = agentWrongType.IsTerminal(KindAgent)
	assert.False(t, ok, "a message event should not be terminal for agent kind")

	workflowDone := Event{Type: "workflow_status", Status: "failed"}
	status, ok = workflowDone.IsTerminal(KindWorkflow)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status)

	// A workflow's "status" event (the agent discriminant) must not match.
	_, ok = workflowDone.IsTerminal(KindAgent)
	assert.False(t, ok, "workflow_status event should not be terminal for agent kind")

	errorAlias := Event{Type: "status", Status: "error"}
	status, ok = errorAlias.IsTerminal(KindAgent)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status, "status=error should alias to failed")

	unknownStatus := Event{Type: "status", Status: "queued"}
	_, ok = unknownStatus.IsTerminal(KindAgent)
	assert.False(t, ok, "status=queued should not be terminal")
}

func TestMarshalEventPrefersRaw(t *testing.T) {
	raw := json.RawMessage(`{"type":"status","status":"completed","extra":"field"}`)
	ev := Event{Type: "status", Status: "completed", Raw: raw}

	out, err := MarshalEvent(ev)
	require.NoError(t, err)
	assert.JSONEq(t, string(raw), string(out))
}

func TestMarshalEventFallsBackToTypedFields(t *testing.T) {
	ev := Event{Type: "status", Status: "completed", Message: "done"}

	out, err := MarshalEvent(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(out, &decoded))
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.Status, decoded.Status)
	assert.Equal(t, ev.Message, decoded.Message)
}

func TestNewTerminalEvent(t *testing.T) {
	failed := NewTerminalEvent(KindAgent, StatusFailed, "boom")
	assert.Equal(t, "status", failed.Type)
	assert.Equal(t, "error", failed.Status, "synthetic failures use the error sentinel, not the status name")
	assert.Equal(t, "boom", failed.Err)

	status, ok := failed.IsTerminal(KindAgent)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, status, "the error sentinel should still resolve to StatusFailed")

	completed := NewTerminalEvent(KindWorkflow, StatusCompleted, "done")
	assert.Equal(t, "workflow_status", completed.Type)
	assert.Equal(t, string(StatusCompleted), completed.Status)
	assert.Empty(t, completed.Err)
}

func TestBroadcastFor(t *testing.T) {
	cases := map[Status]string{
		StatusCompleted: ControlEndStream,
		StatusFailed:    ControlError,
		StatusStopped:   ControlStop,
	}
	for status, want := range cases {
		assert.Equalf(t, want, BroadcastFor(status), "BroadcastFor(%s)", status)
	}
}
