// Package toolkit implements the operations an agent's companion tool
// process performs against the durable store. The tool process runs
// outside the engine; it identifies itself through environment variables
// set at spawn time and writes directly to the same SQLite database. It
// never moves an agent to a terminal status -- it records outcomes and
// the engine's agent manager finalizes status when the process exits.
package toolkit

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

// Environment variables the agent manager sets for every spawned agent.
const (
	EnvDBPath    = "CONDUCTOR_DB"
	EnvDataDir   = "CONDUCTOR_DATA_DIR"
	EnvAgentID   = "CONDUCTOR_AGENT_ID"
	EnvSessionID = "CONDUCTOR_SESSION_ID"
	EnvPhaseID   = "CONDUCTOR_PHASE_ID"
)

// Identity is the agent identity baked into a tool process at spawn time.
type Identity struct {
	AgentID   string
	SessionID string
	PhaseID   string
}

// IdentityFromEnv reads the spawn-time identity. All three variables
// must be present.
func IdentityFromEnv() (Identity, error) {
	id := Identity{
		AgentID:   os.Getenv(EnvAgentID),
		SessionID: os.Getenv(EnvSessionID),
		PhaseID:   os.Getenv(EnvPhaseID),
	}
	if id.AgentID == "" || id.SessionID == "" || id.PhaseID == "" {
		return Identity{}, fmt.Errorf("missing agent identity: %s, %s and %s must be set",
			EnvAgentID, EnvSessionID, EnvPhaseID)
	}
	return id, nil
}

// Toolkit executes tool operations on behalf of one agent.
type Toolkit struct {
	store   *state.DB
	dataDir string
	id      Identity
	logger  *zap.Logger
}

// New builds a toolkit bound to an agent identity.
func New(store *state.DB, dataDir string, id Identity, logger *zap.Logger) *Toolkit {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Toolkit{store: store, dataDir: dataDir, id: id, logger: logger}
}

// ContextRequest filters the session context returned to the agent.
type ContextRequest struct {
	Query string   `json:"query,omitempty"`
	Tags  []string `json:"tags,omitempty"`
	Files []string `json:"files,omitempty"`
	Limit int      `json:"limit,omitempty"`
}

// ContextResult is the read-only session context for an agent.
type ContextResult struct {
	Decisions []state.Decision `json:"decisions"`
	Artifacts []state.Artifact `json:"artifacts"`
}

const defaultContextLimit = 15

// Context returns the session's active decisions and recent artifacts,
// most recent first, filtered by query/tag/file substring match.
func (t *Toolkit) Context(req ContextRequest) (*ContextResult, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = defaultContextLimit
	}

	filter := state.DecisionFilter{Query: req.Query, ActiveOnly: true, Limit: limit}
	if len(req.Tags) > 0 {
		filter.Tag = req.Tags[0]
	}
	decisions, err := t.store.ListDecisions(t.id.SessionID, filter)
	if err != nil {
		return nil, fmt.Errorf("load decisions: %w", err)
	}
	if len(req.Tags) > 1 {
		decisions = filterDecisionsByTags(decisions, req.Tags[1:])
	}

	artifacts, err := t.store.ListArtifactsBySession(t.id.SessionID)
	if err != nil {
		return nil, fmt.Errorf("load artifacts: %w", err)
	}
	artifacts = filterArtifacts(artifacts, req.Query, req.Tags, req.Files, limit)

	return &ContextResult{Decisions: decisions, Artifacts: artifacts}, nil
}

// DecisionRequest carries the fields shared by record and decide.
type DecisionRequest struct {
	Question     string   `json:"question"`
	Choice       string   `json:"choice"`
	Rationale    string   `json:"rationale,omitempty"`
	Alternatives []string `json:"alternatives,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Supersedes   string   `json:"supersedes,omitempty"`
}

// DecisionResult reports what record/decide persisted.
type DecisionResult struct {
	DecisionID string `json:"decision_id"`
	ApprovalID string `json:"approval_id,omitempty"`
	Status     string `json:"status"`
}

// Record inserts a finding. No approval is created.
func (t *Toolkit) Record(req DecisionRequest) (*DecisionResult, error) {
	if req.Question == "" || req.Choice == "" {
		return nil, fmt.Errorf("question and choice are required")
	}
	d := t.newDecision(req, models.DecisionTypeFinding)
	if err := t.store.CreateDecision(d); err != nil {
		return nil, fmt.Errorf("record finding: %w", err)
	}
	t.logger.Debug("recorded finding", zap.String("decision", d.ID), zap.String("agent", t.id.AgentID))
	return &DecisionResult{DecisionID: d.ID, Status: string(models.DecisionActive)}, nil
}

// Decide inserts a decision plus a pending decision-type approval
// referencing it. The decision stays active while the approval is open.
func (t *Toolkit) Decide(req DecisionRequest) (*DecisionResult, error) {
	if req.Question == "" || req.Choice == "" {
		return nil, fmt.Errorf("question and choice are required")
	}
	d := t.newDecision(req, models.DecisionTypeDecision)
	if err := t.store.CreateDecision(d); err != nil {
		return nil, fmt.Errorf("record decision: %w", err)
	}

	a := &state.Approval{
		ID:         uuid.New().String(),
		SessionID:  t.id.SessionID,
		AgentID:    t.id.AgentID,
		DecisionID: d.ID,
		Type:       models.ApprovalDecision,
		Status:     models.ApprovalPending,
		Summary:    req.Question + ": " + req.Choice,
		CreatedAt:  time.Now(),
	}
	if err := t.store.CreateApproval(a); err != nil {
		return nil, fmt.Errorf("create decision approval: %w", err)
	}
	t.logger.Debug("decision pending approval",
		zap.String("decision", d.ID), zap.String("approval", a.ID))
	return &DecisionResult{DecisionID: d.ID, ApprovalID: a.ID, Status: "pending_approval"}, nil
}

func (t *Toolkit) newDecision(req DecisionRequest, typ models.DecisionType) *state.Decision {
	return &state.Decision{
		ID:           uuid.New().String(),
		SessionID:    t.id.SessionID,
		AgentID:      t.id.AgentID,
		Type:         typ,
		Status:       models.DecisionActive,
		Origin:       models.OriginAgent,
		Question:     req.Question,
		Choice:       req.Choice,
		Rationale:    req.Rationale,
		Alternatives: req.Alternatives,
		Tags:         req.Tags,
		Supersedes:   req.Supersedes,
		CreatedAt:    time.Now(),
	}
}

// ArtifactRequest names a deliverable and carries its content.
type ArtifactRequest struct {
	Name    string   `json:"name"`
	Content string   `json:"content"`
	Status  string   `json:"status,omitempty"`
	Tags    []string `json:"tags,omitempty"`
}

// ArtifactResult reports where the artifact was written.
type ArtifactResult struct {
	ArtifactID string `json:"artifact_id"`
	Path       string `json:"path"`
}

// Artifact writes content under the session data directory and records
// an artifact row pointing at it.
func (t *Toolkit) Artifact(req ArtifactRequest) (*ArtifactResult, error) {
	if req.Name == "" {
		return nil, fmt.Errorf("artifact name is required")
	}
	status := models.ArtifactStatus(req.Status)
	if status == "" {
		status = models.ArtifactDraft
	}
	if status != models.ArtifactDraft && status != models.ArtifactFinal {
		return nil, fmt.Errorf("invalid artifact status %q", req.Status)
	}

	relPath := filepath.Join("sessions", t.id.SessionID, "artifacts", SanitizeName(req.Name)+".md")
	absPath := filepath.Join(t.dataDir, relPath)
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	if err := os.WriteFile(absPath, []byte(req.Content), 0o644); err != nil {
		return nil, fmt.Errorf("write artifact: %w", err)
	}

	agent, err := t.store.GetAgent(t.id.AgentID)
	if err != nil {
		return nil, fmt.Errorf("load agent: %w", err)
	}

	a := &state.Artifact{
		ID:            uuid.New().String(),
		SessionID:     t.id.SessionID,
		PhaseID:       t.id.PhaseID,
		AgentID:       t.id.AgentID,
		Name:          req.Name,
		Path:          relPath,
		Status:        status,
		LoopIteration: agent.LoopIteration,
		Tags:          req.Tags,
		CreatedAt:     time.Now(),
	}
	if err := t.store.CreateArtifact(a); err != nil {
		return nil, fmt.Errorf("record artifact: %w", err)
	}
	t.logger.Debug("artifact written", zap.String("artifact", a.ID), zap.String("path", relPath))
	return &ArtifactResult{ArtifactID: a.ID, Path: relPath}, nil
}

// PhaseCompleteRequest signals how the agent finished its phase work.
type PhaseCompleteRequest struct {
	Summary string `json:"summary"`
	Status  string `json:"status,omitempty"`
}

// PhaseCompleteResult reports what the signal produced.
type PhaseCompleteResult struct {
	Signal     string `json:"signal"`
	ApprovalID string `json:"approval_id,omitempty"`
}

// PhaseComplete records the agent's phase outcome. complete and iterate
// set the completion signal on the agent row; the manager marks the
// agent completed when its process exits. blocked and needs_input move
// the agent to waiting, and needs_input additionally opens a
// continuation approval carrying the summary.
func (t *Toolkit) PhaseComplete(req PhaseCompleteRequest) (*PhaseCompleteResult, error) {
	status := req.Status
	if status == "" {
		status = "complete"
	}

	switch status {
	case "complete":
		if err := t.store.SetAgentOutcome(t.id.AgentID, req.Summary, models.SignalComplete); err != nil {
			return nil, fmt.Errorf("set outcome: %w", err)
		}
		return &PhaseCompleteResult{Signal: string(models.SignalComplete)}, nil

	case "iterate":
		if err := t.store.SetAgentOutcome(t.id.AgentID, req.Summary, models.SignalIterate); err != nil {
			return nil, fmt.Errorf("set outcome: %w", err)
		}
		return &PhaseCompleteResult{Signal: string(models.SignalIterate)}, nil

	case "blocked":
		if err := t.store.SetAgentWaiting(t.id.AgentID, req.Summary); err != nil {
			return nil, fmt.Errorf("mark waiting: %w", err)
		}
		return &PhaseCompleteResult{Signal: "blocked"}, nil

	case "needs_input":
		if err := t.store.SetAgentWaiting(t.id.AgentID, req.Summary); err != nil {
			return nil, fmt.Errorf("mark waiting: %w", err)
		}
		a := &state.Approval{
			ID:        uuid.New().String(),
			SessionID: t.id.SessionID,
			AgentID:   t.id.AgentID,
			Type:      models.ApprovalNeedsInput,
			Status:    models.ApprovalPending,
			Summary:   req.Summary,
			CreatedAt: time.Now(),
		}
		if err := t.store.CreateApproval(a); err != nil {
			return nil, fmt.Errorf("create needs_input approval: %w", err)
		}
		return &PhaseCompleteResult{Signal: "needs_input", ApprovalID: a.ID}, nil

	default:
		return nil, fmt.Errorf("invalid phase_complete status %q", req.Status)
	}
}

// SanitizeName flattens an artifact name into a safe file stem.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	s := strings.Trim(b.String(), "-.")
	if s == "" {
		s = "artifact"
	}
	return s
}

func filterDecisionsByTags(decisions []state.Decision, tags []string) []state.Decision {
	out := decisions[:0]
	for _, d := range decisions {
		ok := true
		for _, want := range tags {
			if !containsFold(d.Tags, want) {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, d)
		}
	}
	return out
}

func filterArtifacts(artifacts []state.Artifact, query string, tags, files []string, limit int) []state.Artifact {
	var out []state.Artifact
	for _, a := range artifacts {
		if query != "" && !strings.Contains(strings.ToLower(a.Name), strings.ToLower(query)) {
			continue
		}
		if len(tags) > 0 {
			ok := true
			for _, want := range tags {
				if !containsFold(a.Tags, want) {
					ok = false
					break
				}
			}
			if !ok {
				continue
			}
		}
		if len(files) > 0 && !matchesFile(a, files) {
			continue
		}
		out = append(out, a)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func matchesFile(a state.Artifact, files []string) bool {
	for _, f := range files {
		f = strings.ToLower(f)
		if strings.Contains(strings.ToLower(a.Path), f) || strings.Contains(strings.ToLower(a.Name), f) {
			return true
		}
	}
	return false
}

func containsFold(haystack []string, want string) bool {
	for _, h := range haystack {
		if strings.Contains(strings.ToLower(h), strings.ToLower(want)) {
			return true
		}
	}
	return false
}
