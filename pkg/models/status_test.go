package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionStatusIsTerminal(t *testing.T) {
	terminal := []SessionStatus{SessionCompleted, SessionFailed}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "status %s", s)
	}
	live := []SessionStatus{SessionPending, SessionActive, SessionPaused, SessionWaitingApproval}
	for _, s := range live {
		assert.False(t, s.IsTerminal(), "status %s", s)
	}
}

func TestAgentStatusIsTerminal(t *testing.T) {
	assert.True(t, AgentCompleted.IsTerminal())
	assert.True(t, AgentFailed.IsTerminal())
	assert.False(t, AgentSpawning.IsTerminal())
	assert.False(t, AgentRunning.IsTerminal())
	assert.False(t, AgentWaiting.IsTerminal())
}

func TestApprovalTypeIsContinuation(t *testing.T) {
	assert.True(t, ApprovalNeedsInput.IsContinuation())
	assert.True(t, ApprovalAgentIdle.IsContinuation())
	for _, typ := range []ApprovalType{ApprovalPhaseGate, ApprovalDecision, ApprovalMerge, ApprovalEscalation} {
		assert.False(t, typ.IsContinuation(), "type %s", typ)
	}
}
