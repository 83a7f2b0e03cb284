package workflowdef

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

const sampleWorkflow = `
name: feature-flow
phases:
  - name: plan
    prompt: Break the change into steps.
    gate: after
    roles:
      planner: architect
  - name: build
    prompt: Implement the plan.
    tools: [edit, bash]
    relay: summary
    loop:
      loop_to: 1
      max_iterations: 3
    git_strategy:
      kind: branch
      branch: feature/x
      isolation: worktree
      create: true
  - name: review
    prompt: Review the work.
    gate: before
    loop:
      loop_to: 1
      max_iterations: 2
      condition: approval
`

func TestParseAndBuild(t *testing.T) {
	def, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	wf, phases := def.Build()
	assert.Equal(t, "feature-flow", wf.Name)
	require.Len(t, phases, 3)

	plan := phases[0]
	assert.Equal(t, 0, plan.Ordinal)
	assert.Equal(t, models.GateAfter, plan.GateMode)
	assert.Equal(t, models.RelayOff, plan.Relay, "relay defaults to off")
	assert.Equal(t, map[string]string{"planner": "architect"}, plan.Roles)

	build := phases[1]
	assert.Equal(t, wf.ID, build.WorkflowID)
	assert.Equal(t, models.GateNone, build.GateMode, "gate defaults to none")
	assert.Equal(t, models.RelaySummary, build.Relay)
	require.NotNil(t, build.Loop)
	assert.Equal(t, 1, build.Loop.LoopTo)
	assert.Equal(t, models.LoopAgentSignal, build.Loop.Condition, "loop condition defaults to agent_signal")
	require.NotNil(t, build.GitStrategy)
	assert.Equal(t, models.StrategyBranch, build.GitStrategy.Kind)
	assert.True(t, build.GitStrategy.Create)

	review := phases[2]
	require.NotNil(t, review.Loop)
	assert.Equal(t, models.LoopApproval, review.Loop.Condition)
}

func TestValidateRejectsBadDefinitions(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing name",
			yaml: "phases:\n  - name: a\n    prompt: p\n",
			want: "needs a name",
		},
		{
			name: "no phases",
			yaml: "name: empty\n",
			want: "no phases",
		},
		{
			name: "phase without prompt",
			yaml: "name: w\nphases:\n  - name: a\n",
			want: "needs a prompt",
		},
		{
			name: "loop target ahead of phase",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    loop: {loop_to: 1, max_iterations: 2}\n",
			want: "loop_to 1 out of range",
		},
		{
			name: "negative loop target",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    loop: {loop_to: -1, max_iterations: 2}\n",
			want: "out of range",
		},
		{
			name: "zero max iterations",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    loop: {loop_to: 0, max_iterations: 0}\n",
			want: "max_iterations",
		},
		{
			name: "unknown gate",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    gate: sometimes\n",
			want: "unknown gate mode",
		},
		{
			name: "unknown relay",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    relay: everything\n",
			want: "unknown relay mode",
		},
		{
			name: "unknown loop condition",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    loop: {loop_to: 0, max_iterations: 2, condition: vibes}\n",
			want: "unknown loop condition",
		},
		{
			name: "branch strategy without branch",
			yaml: "name: w\nphases:\n  - name: a\n    prompt: p\n    git_strategy: {kind: branch, isolation: worktree}\n",
			want: "branch",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			def, err := Parse([]byte(tc.yaml))
			require.NoError(t, err)
			err = def.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestSelfLoopIsValid(t *testing.T) {
	def, err := Parse([]byte("name: w\nphases:\n  - name: a\n    prompt: p\n    loop: {loop_to: 0, max_iterations: 5}\n"))
	require.NoError(t, err)
	require.NoError(t, def.Validate())
}

func TestImportStoresWorkflow(t *testing.T) {
	db, err := state.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	def, err := Parse([]byte(sampleWorkflow))
	require.NoError(t, err)

	wf, err := Import(db, def)
	require.NoError(t, err)

	stored, err := db.GetWorkflow(wf.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "feature-flow", stored.Name)

	phases, err := db.GetPhases(wf.ID)
	require.NoError(t, err)
	require.Len(t, phases, 3)
	assert.Equal(t, []string{"edit", "bash"}, phases[1].Tools)
}

func TestImportRejectsInvalid(t *testing.T) {
	db, err := state.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	defer db.Close()

	def := &Definition{Name: "bad"}
	_, err = Import(db, def)
	require.Error(t, err)

	workflows, err := db.ListWorkflows()
	require.NoError(t, err)
	assert.Empty(t, workflows)
}
