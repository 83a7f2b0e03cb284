package engine

import (
	"fmt"
	"strings"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

// buildPrompt composes the system preamble handed to a phase's agents:
// repository list, session and phase identifiers, the session context
// seed, loop metadata when the phase sits inside a loop span, and the
// relay payload carried over from earlier iterations.
func (e *Engine) buildPrompt(session *state.Session, phases []state.Phase, phase state.Phase, iteration int) (string, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "## Session\n")
	fmt.Fprintf(&b, "- session: %s\n", session.ID)
	fmt.Fprintf(&b, "- phase: %s (%q, %d of %d)\n", phase.ID, phase.Name, phase.Ordinal+1, len(phases))
	if session.Description != "" {
		fmt.Fprintf(&b, "- goal: %s\n", session.Description)
	}

	repos, err := e.store.ListRepos(session.WorkspaceID)
	if err != nil {
		return "", fmt.Errorf("list repos: %w", err)
	}
	b.WriteString("\n## Repositories\n")
	for _, r := range repos {
		fmt.Fprintf(&b, "- %s: %s\n", r.Name, r.Path)
	}

	if len(phase.Tools) > 0 {
		fmt.Fprintf(&b, "\n## Allowed tools\n%s\n", strings.Join(phase.Tools, ", "))
	}

	if session.Context != "" {
		fmt.Fprintf(&b, "\n## Context\n%s\n", session.Context)
	}

	looper := loopFor(phases, phase.Ordinal)
	if looper != nil {
		b.WriteString("\n## Loop\n")
		kind := "back-loop"
		if looper.Loop.LoopTo == looper.Ordinal {
			kind = "self-loop"
		}
		fmt.Fprintf(&b, "- target phase ordinal: %d (%s)\n", looper.Loop.LoopTo, kind)
		fmt.Fprintf(&b, "- iteration: %d of %d\n", iteration, looper.Loop.MaxIterations)
		if looper.Loop.Condition == models.LoopApproval {
			b.WriteString("- an iterate signal proposes another pass; a human approves it\n")
		} else {
			b.WriteString("- your iterate signal decides whether another pass runs\n")
		}
	}

	if iteration > 0 && looper != nil {
		relay, err := e.relayPayload(session, phases, *looper, iteration)
		if err != nil {
			return "", err
		}
		if relay != "" {
			fmt.Fprintf(&b, "\n## Carried over from earlier iterations\n%s", relay)
		}
	}

	fmt.Fprintf(&b, "\n## Task\n%s\n", phase.Prompt)
	return b.String(), nil
}

// loopFor returns the phase whose loop declaration covers ordinal ord:
// the phase itself when it declares a loop, otherwise the later phase
// that loops back over it.
func loopFor(phases []state.Phase, ord int) *state.Phase {
	if phases[ord].Loop != nil {
		return &phases[ord]
	}
	for i := ord + 1; i < len(phases); i++ {
		if l := phases[i].Loop; l != nil && l.LoopTo <= ord {
			return &phases[i]
		}
	}
	return nil
}

// relayPayload composes the carry-over for iteration > 0 per the relay
// mode declared next to the loop. The span runs from the loop target
// through the looping phase, so a back-loop re-entry sees what the
// later phases produced, not just the entered phase's own output.
func (e *Engine) relayPayload(session *state.Session, phases []state.Phase, looper state.Phase, iteration int) (string, error) {
	span := phases[looper.Loop.LoopTo : looper.Ordinal+1]

	switch looper.Relay {
	case models.RelayOff, "":
		return "", nil

	case models.RelaySummary:
		// The looping agent's own summary from the pass that triggered
		// this iteration.
		return e.iterationSummaries(session.ID, looper.ID, iteration-1, iteration-1)

	case models.RelayPrevious:
		var artifacts []state.Artifact
		for _, p := range span {
			arts, err := e.store.ListArtifactsByIteration(session.ID, p.ID, iteration-1)
			if err != nil {
				return "", fmt.Errorf("list previous artifacts: %w", err)
			}
			artifacts = append(artifacts, arts...)
		}
		return formatArtifacts(artifacts), nil

	case models.RelayAll:
		var b strings.Builder
		for _, p := range span {
			summaries, err := e.iterationSummaries(session.ID, p.ID, 0, iteration-1)
			if err != nil {
				return "", err
			}
			b.WriteString(summaries)
		}
		var artifacts []state.Artifact
		for _, p := range span {
			arts, err := e.store.ListArtifactsSinceIteration(session.ID, p.ID, 0)
			if err != nil {
				return "", fmt.Errorf("list loop artifacts: %w", err)
			}
			artifacts = append(artifacts, arts...)
		}
		b.WriteString(formatArtifacts(artifacts))
		return b.String(), nil

	default:
		return "", fmt.Errorf("unknown relay mode %q", looper.Relay)
	}
}

// iterationSummaries collects phase summaries recorded by agents in the
// given iteration range.
func (e *Engine) iterationSummaries(sessionID, phaseID string, from, to int) (string, error) {
	var b strings.Builder
	for it := from; it <= to; it++ {
		agents, err := e.store.ListAgentsByPhase(sessionID, phaseID, it)
		if err != nil {
			return "", fmt.Errorf("list iteration agents: %w", err)
		}
		for _, a := range agents {
			if a.PhaseSummary == "" {
				continue
			}
			fmt.Fprintf(&b, "- [iteration %d, %s] %s\n", it, a.Role, a.PhaseSummary)
		}
	}
	return b.String(), nil
}

func formatArtifacts(artifacts []state.Artifact) string {
	if len(artifacts) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Artifacts:\n")
	for _, a := range artifacts {
		fmt.Fprintf(&b, "- %s (%s, iteration %d): %s\n", a.Name, a.Status, a.LoopIteration, a.Path)
	}
	return b.String()
}
