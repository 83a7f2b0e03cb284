package models

import "fmt"

// GitStrategyKind selects how an agent's working directory is materialized.
type GitStrategyKind string

const (
	// StrategyWorktree creates an isolated worktree per agent per repo.
	StrategyWorktree GitStrategyKind = "worktree"
	// StrategyMain binds directly to the repo's primary checkout.
	StrategyMain GitStrategyKind = "main"
	// StrategyBranch works on a named branch, isolated or in place.
	StrategyBranch GitStrategyKind = "branch"
)

// Isolation controls where a branch strategy checks out.
type Isolation string

const (
	IsolationWorktree Isolation = "worktree"
	IsolationInPlace  Isolation = "in_place"
)

// GitStrategy is the full binding policy for an agent's working directory.
type GitStrategy struct {
	Kind      GitStrategyKind `json:"kind" yaml:"kind"`
	Branch    string          `json:"branch,omitempty" yaml:"branch,omitempty"`
	Isolation Isolation       `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Create    bool            `json:"create,omitempty" yaml:"create,omitempty"`
}

// Exclusive reports whether this strategy requires the per-workspace
// single-holder lock (it binds the shared working directory).
func (s GitStrategy) Exclusive() bool {
	if s.Kind == StrategyMain {
		return true
	}
	return s.Kind == StrategyBranch && s.Isolation == IsolationInPlace
}

// Validate checks that the strategy is well formed.
func (s GitStrategy) Validate() error {
	switch s.Kind {
	case StrategyWorktree, StrategyMain:
		return nil
	case StrategyBranch:
		if s.Branch == "" {
			return fmt.Errorf("branch strategy requires a branch name")
		}
		switch s.Isolation {
		case IsolationWorktree, IsolationInPlace:
			return nil
		default:
			return fmt.Errorf("branch strategy has unknown isolation %q", s.Isolation)
		}
	default:
		return fmt.Errorf("unknown git strategy %q", s.Kind)
	}
}

// GateMode controls when a phase requires a formal approval.
type GateMode string

const (
	GateNone   GateMode = "none"
	GateBefore GateMode = "before"
	GateAfter  GateMode = "after"
)

// GateStage names which point of a phase entry a phase_gate approval
// guards.
type GateStage string

const (
	// StageBefore gates phase entry.
	StageBefore GateStage = "before"
	// StageAfter gates phase exit.
	StageAfter GateStage = "after"
	// StageLoop gates a proposed loop re-entry.
	StageLoop GateStage = "loop"
)

// RelayMode controls what context carries into the next loop iteration.
type RelayMode string

const (
	RelayOff      RelayMode = "off"
	RelaySummary  RelayMode = "summary"
	RelayPrevious RelayMode = "previous"
	RelayAll      RelayMode = "all"
)

// LoopCondition controls who may trigger a loop re-entry.
type LoopCondition string

const (
	// LoopAgentSignal lets the agent's own completion signal drive looping.
	LoopAgentSignal LoopCondition = "agent_signal"
	// LoopApproval requires a formal approval before the loop re-enters.
	LoopApproval LoopCondition = "approval"
)

// LoopSpec declares a phase's loop behavior.
type LoopSpec struct {
	LoopTo        int           `json:"loop_to" yaml:"loop_to"`
	MaxIterations int           `json:"max_iterations" yaml:"max_iterations"`
	Condition     LoopCondition `json:"condition" yaml:"condition"`
}
