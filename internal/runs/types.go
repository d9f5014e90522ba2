// Package runs defines the data model shared by every component of the
// agent-run lifecycle orchestrator: the Run Coordinator, its Event Producer
// adapters, the Stop Watcher, the Status Writer, and the Streaming Bus and
// State Store implementations that back them.
package runs

import (
	"encoding/json"
	"time"
)

// Kind distinguishes the two trigger paths that share this lifecycle.
type Kind string

const (
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
)

// Status is a run's position in the monotone status DAG:
// pending -> running -> {completed | failed | stopped}. No transition ever
// leaves a terminal status.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is one of the DAG's terminal states.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusStopped:
		return true
	default:
		return false
	}
}

// ValidTransition reports whether moving from s to next is allowed by the
// monotone status DAG.
func (s Status) ValidTransition(next Status) bool {
	if s.Terminal() {
		return false
	}
	switch s {
	case StatusPending:
		return next == StatusRunning || next.Terminal()
	case StatusRunning:
		return next.Terminal()
	default:
		return false
	}
}

// ModelParams carries the LLM invocation parameters the out-of-scope agent
// driver needs; the core only stores and forwards these, never inspects them.
type ModelParams struct {
	Name                  string `json:"name"`
	EnableThinking        bool   `json:"enable_thinking,omitempty"`
	ReasoningEffort       string `json:"reasoning_effort,omitempty"`
	Stream                bool   `json:"stream"`
	EnableContextManager  bool   `json:"enable_context_manager"`
}

// Job is the Task Broker message: one per run start. Agent and workflow
// triggers are two instantiations of the same shape; the workflow-only
// fields are empty for agent runs.
type Job struct {
	RunID           string      `json:"run_id"`
	Kind            Kind        `json:"kind"`
	ThreadID        string      `json:"thread_id"`
	ProjectID       string      `json:"project_id"`
	InstanceIDHint  string      `json:"instance_id_hint,omitempty"`
	Model           ModelParams `json:"model"`
	AgentConfig     json.RawMessage `json:"agent_config,omitempty"`
	IsAgentBuilder  bool        `json:"is_agent_builder,omitempty"`
	TargetAgentID   string      `json:"target_agent_id,omitempty"`
	RequestID       string      `json:"request_id,omitempty"`

	// Workflow-only fields.
	ExecutionID        string          `json:"execution_id,omitempty"`
	WorkflowID         string          `json:"workflow_id,omitempty"`
	WorkflowName       string          `json:"workflow_name,omitempty"`
	WorkflowDefinition json.RawMessage `json:"workflow_definition,omitempty"`
	Variables          json.RawMessage `json:"variables,omitempty"`
	TriggeredBy        string          `json:"triggered_by,omitempty"`
	Deterministic      bool            `json:"deterministic,omitempty"`

	// AgentRunID aliases the Streaming Bus key namespace so that workflow
	// subscribers and agent subscribers use one URL/key pattern. Mandatory:
	// the RC refuses a job whose StreamNamespace resolves empty rather than
	// guess at the source's sometimes-null fallback (SPEC_FULL.md §9).
	AgentRunID string `json:"agent_run_id,omitempty"`
}

// StreamNamespace resolves the key/channel prefix this job's run uses on the
// Streaming Bus. Workflow runs alias the agent_run:* namespace via
// AgentRunID and resolve empty when it is unset (there is no fallback to
// RunID); agent runs use their own RunID directly.
func (j Job) StreamNamespace() string {
	if j.Kind == KindWorkflow {
		return j.AgentRunID
	}
	return j.RunID
}

// Run is the State Store's durable record of one execution.
type Run struct {
	ID            string
	Kind          Kind
	ThreadID      string
	ProjectID     string
	Status        Status
	Error         *string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	CreatedAt     time.Time
	Responses     []json.RawMessage
}

// Event is an opaque JSON object emitted by an Event Producer. The core
// inspects only Type and, for terminal events, Status/Message/Err — every
// other field is forwarded verbatim via Raw.
type Event struct {
	Type    string          `json:"type"`
	Status  string          `json:"status,omitempty"`
	Message string          `json:"message,omitempty"`
	Err     string          `json:"error,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// statusEventType is the discriminant an agent-kind EP uses for its terminal
// event; workflow-kind EPs use workflowStatusEventType. SPEC_FULL.md's
// "Two event-type sentinels" design note models both as one polymorphic
// union the RC checks.
const (
	statusEventType         = "status"
	workflowStatusEventType = "workflow_status"
)

// IsTerminal reports whether e is the terminal status event for its run kind,
// and if so, the terminal Status it carries.
func (e Event) IsTerminal(kind Kind) (Status, bool) {
	want := statusEventType
	if kind == KindWorkflow {
		want = workflowStatusEventType
	}
	if e.Type != want {
		return "", false
	}
	switch e.Status {
	case string(StatusCompleted):
		return StatusCompleted, true
	case string(StatusFailed), "error":
		return StatusFailed, true
	case string(StatusStopped):
		return StatusStopped, true
	default:
		return "", false
	}
}

// MarshalEvent serialises e the way the drive loop appends it to the
// Streaming Bus list: Raw verbatim if present (preserving fields the core
// never parses), otherwise the typed fields.
func MarshalEvent(e Event) (json.RawMessage, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	return json.Marshal(e)
}

// NewTerminalEvent builds the synthetic terminal event the drive loop appends
// when an EP's sequence ends implicitly (no explicit terminal event) or when
// an EP failure/cancellation must be recorded.
func NewTerminalEvent(kind Kind, status Status, message string) Event {
	typ := statusEventType
	if kind == KindWorkflow {
		typ = workflowStatusEventType
	}
	ev := Event{Type: typ, Status: string(status), Message: message}
	if status == StatusFailed {
		// The source's failure sentinel is status="error", not "failed";
		// IsTerminal already treats both as StatusFailed, but synthesized
		// events should match the documented wire shape (spec scenario 4).
		ev.Status = "error"
		ev.Err = message
	}
	return ev
}

// Control payloads published on agent_run:<id>:control[:<inst>].
const (
	ControlStop       = "STOP"
	ControlEndStream  = "END_STREAM"
	ControlError      = "ERROR"
)

// BroadcastFor maps a final status to the control-channel signal the RC
// publishes at terminal write.
func BroadcastFor(status Status) string {
	switch status {
	case StatusCompleted:
		return ControlEndStream
	case StatusFailed:
		return ControlError
	default:
		return ControlStop
	}
}
