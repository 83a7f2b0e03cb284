// Package models defines the shared value types of the Conductor engine:
// session, agent, and approval statuses, git strategies, and the phase
// gate/loop/relay enums referenced by workflow definitions.
package models

// SessionStatus represents the status of a session.
type SessionStatus string

const (
	SessionPending         SessionStatus = "pending"
	SessionActive          SessionStatus = "active"
	SessionPaused          SessionStatus = "paused"
	SessionWaitingApproval SessionStatus = "waiting_approval"
	SessionCompleted       SessionStatus = "completed"
	SessionFailed          SessionStatus = "failed"
)

// IsTerminal reports whether the session can no longer advance.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// AgentStatus represents the status of an agent subprocess.
type AgentStatus string

const (
	AgentSpawning  AgentStatus = "spawning"
	AgentRunning   AgentStatus = "running"
	AgentWaiting   AgentStatus = "waiting"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
)

// IsTerminal reports whether the agent has finished for good.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// CompletionSignal is the agent's declared outcome for its phase.
type CompletionSignal string

const (
	SignalComplete CompletionSignal = "complete"
	SignalIterate  CompletionSignal = "iterate"
)

// ApprovalStatus represents the resolution state of an approval.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// ApprovalType classifies an approval. Formal types gate workflow
// progression; continuation types block a single agent only.
type ApprovalType string

const (
	ApprovalPhaseGate  ApprovalType = "phase_gate"
	ApprovalDecision   ApprovalType = "decision"
	ApprovalMerge      ApprovalType = "merge"
	ApprovalEscalation ApprovalType = "escalation"
	ApprovalNeedsInput ApprovalType = "needs_input"
	ApprovalAgentIdle  ApprovalType = "agent_idle"
)

// IsContinuation reports whether this approval blocks a single agent
// rather than phase advancement.
func (t ApprovalType) IsContinuation() bool {
	return t == ApprovalNeedsInput || t == ApprovalAgentIdle
}

// DecisionType distinguishes recorded decisions from findings.
type DecisionType string

const (
	DecisionTypeDecision DecisionType = "decision"
	DecisionTypeFinding  DecisionType = "finding"
)

// DecisionStatus represents the lifecycle of a decision record.
type DecisionStatus string

const (
	DecisionActive      DecisionStatus = "active"
	DecisionConfirmed   DecisionStatus = "confirmed"
	DecisionInvalidated DecisionStatus = "invalidated"
)

// Origin identifies who produced a decision.
type Origin string

const (
	OriginHuman Origin = "human"
	OriginAgent Origin = "agent"
)

// ArtifactStatus represents an artifact's publication state.
type ArtifactStatus string

const (
	ArtifactDraft ArtifactStatus = "draft"
	ArtifactFinal ArtifactStatus = "final"
)

// MessageRole classifies transcript entries.
type MessageRole string

const (
	MessageSystem     MessageRole = "system"
	MessageAssistant  MessageRole = "assistant"
	MessageUser       MessageRole = "user"
	MessageToolUse    MessageRole = "tool_use"
	MessageToolResult MessageRole = "tool_result"
	MessageResult     MessageRole = "result"
)
