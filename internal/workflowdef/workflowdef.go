// Package workflowdef parses and validates workflow definition files.
// Workflows are authored as YAML, validated, and imported into the
// store; sessions then reference the stored, immutable copy.
package workflowdef

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

// Definition is a workflow as authored on disk.
type Definition struct {
	Name   string     `yaml:"name"`
	Phases []PhaseDef `yaml:"phases"`
}

// PhaseDef is one phase of a workflow definition.
type PhaseDef struct {
	Name        string              `yaml:"name"`
	Prompt      string              `yaml:"prompt"`
	Tools       []string            `yaml:"tools,omitempty"`
	Roles       map[string]string   `yaml:"roles,omitempty"`
	Gate        models.GateMode     `yaml:"gate,omitempty"`
	GitStrategy *models.GitStrategy `yaml:"git_strategy,omitempty"`
	Loop        *LoopDef            `yaml:"loop,omitempty"`
	Relay       models.RelayMode    `yaml:"relay,omitempty"`
}

// LoopDef is the authored form of a loop spec.
type LoopDef struct {
	LoopTo        int                  `yaml:"loop_to"`
	MaxIterations int                  `yaml:"max_iterations"`
	Condition     models.LoopCondition `yaml:"condition,omitempty"`
}

// Parse decodes a workflow definition from YAML.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing workflow: %w", err)
	}
	return &def, nil
}

// ParseFile reads and decodes a workflow definition file.
func ParseFile(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks the definition for structural errors. Defaults are
// not applied here; Build fills them in.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("workflow needs a name")
	}
	if len(d.Phases) == 0 {
		return fmt.Errorf("workflow %q has no phases", d.Name)
	}
	for i, p := range d.Phases {
		if err := p.validate(i); err != nil {
			return fmt.Errorf("phase %d (%q): %w", i, p.Name, err)
		}
	}
	return nil
}

func (p PhaseDef) validate(ordinal int) error {
	if p.Name == "" {
		return fmt.Errorf("phase needs a name")
	}
	if p.Prompt == "" {
		return fmt.Errorf("phase needs a prompt")
	}

	switch p.Gate {
	case "", models.GateNone, models.GateBefore, models.GateAfter:
	default:
		return fmt.Errorf("unknown gate mode %q", p.Gate)
	}

	switch p.Relay {
	case "", models.RelayOff, models.RelaySummary, models.RelayPrevious, models.RelayAll:
	default:
		return fmt.Errorf("unknown relay mode %q", p.Relay)
	}

	if p.GitStrategy != nil {
		if err := p.GitStrategy.Validate(); err != nil {
			return fmt.Errorf("git strategy: %w", err)
		}
	}

	if p.Loop != nil {
		// A loop may only target this phase or an earlier one.
		if p.Loop.LoopTo < 0 || p.Loop.LoopTo > ordinal {
			return fmt.Errorf("loop_to %d out of range [0, %d]", p.Loop.LoopTo, ordinal)
		}
		if p.Loop.MaxIterations < 1 {
			return fmt.Errorf("max_iterations must be at least 1, got %d", p.Loop.MaxIterations)
		}
		switch p.Loop.Condition {
		case "", models.LoopAgentSignal, models.LoopApproval:
		default:
			return fmt.Errorf("unknown loop condition %q", p.Loop.Condition)
		}
	}

	return nil
}

// Build converts a validated definition into store rows, applying
// defaults (gate none, relay off, agent_signal loop condition).
func (d *Definition) Build() (*state.Workflow, []state.Phase) {
	wf := &state.Workflow{
		ID:        uuid.New().String(),
		Name:      d.Name,
		CreatedAt: time.Now(),
	}

	phases := make([]state.Phase, len(d.Phases))
	for i, p := range d.Phases {
		gate := p.Gate
		if gate == "" {
			gate = models.GateNone
		}
		relay := p.Relay
		if relay == "" {
			relay = models.RelayOff
		}
		var loop *models.LoopSpec
		if p.Loop != nil {
			cond := p.Loop.Condition
			if cond == "" {
				cond = models.LoopAgentSignal
			}
			loop = &models.LoopSpec{
				LoopTo:        p.Loop.LoopTo,
				MaxIterations: p.Loop.MaxIterations,
				Condition:     cond,
			}
		}
		phases[i] = state.Phase{
			ID:          uuid.New().String(),
			WorkflowID:  wf.ID,
			Ordinal:     i,
			Name:        p.Name,
			Prompt:      p.Prompt,
			Tools:       p.Tools,
			Roles:       p.Roles,
			GateMode:    gate,
			GitStrategy: p.GitStrategy,
			Loop:        loop,
			Relay:       relay,
		}
	}
	return wf, phases
}

// Import validates the definition and writes it to the store, returning
// the stored workflow.
func Import(db *state.DB, def *Definition) (*state.Workflow, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	wf, phases := def.Build()
	if err := db.CreateWorkflow(wf, phases); err != nil {
		return nil, fmt.Errorf("storing workflow: %w", err)
	}
	return wf, nil
}

// ImportFile parses, validates, and stores a workflow definition file.
func ImportFile(db *state.DB, path string) (*state.Workflow, error) {
	def, err := ParseFile(path)
	if err != nil {
		return nil, err
	}
	return Import(db, def)
}
