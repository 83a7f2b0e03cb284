// Package strategy resolves git working-directory bindings for agents.
// A strategy declaration plus the workspace's ordered repo list produce
// one binding per repo; `main` and in-place `branch` bindings share the
// repo's primary checkout and are therefore mutually exclusive per
// workspace.
package strategy

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/git"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

// ErrBindingConflict is returned when an exclusive binding is requested
// while another non-terminal agent holds one for the same workspace. The
// request is rejected before any worktree or branch is touched.
var ErrBindingConflict = errors.New("git binding conflict")

// RepoBinding is the resolved working directory for one repo.
type RepoBinding struct {
	RepoID   string `json:"repo_id"`
	RepoName string `json:"repo_name"`
	Path     string `json:"path"`
	Branch   string `json:"branch,omitempty"`
	// Worktree is true when Path is an isolated checkout owned by the
	// agent (safe to remove on cleanup).
	Worktree bool `json:"worktree"`
}

// Manifest is the full resolved binding for an agent, persisted on the
// agent row so it can be audited and cleaned up after a crash.
type Manifest struct {
	Strategy  models.GitStrategy `json:"strategy"`
	Exclusive bool               `json:"exclusive"`
	Bindings  []RepoBinding      `json:"bindings"`
}

// Encode serializes the manifest for storage on the agent row.
func (m *Manifest) Encode() (string, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	return string(b), nil
}

// DecodeManifest parses a manifest stored on an agent row.
func DecodeManifest(s string) (*Manifest, error) {
	if s == "" {
		return nil, nil
	}
	var m Manifest
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return &m, nil
}

// Resolver computes and tracks git bindings. The in-memory holder map is
// a cache of exclusive leases for fast-path checks; the durable truth is
// the set of non-terminal agent rows with exclusive manifests, which
// Resolve always consults as well.
type Resolver struct {
	store     *state.DB
	baseDir   string
	newRunner git.RunnerFactory
	logger    *zap.Logger

	mu      sync.Mutex
	holders map[string]string // workspace ID -> agent ID holding the exclusive lease
}

// NewResolver creates a resolver. baseDir is where isolated worktrees are
// created; newRunner may be nil to use the default exec-backed runner.
func NewResolver(store *state.DB, baseDir string, newRunner git.RunnerFactory, logger *zap.Logger) *Resolver {
	if newRunner == nil {
		newRunner = func(repoPath string) git.Runner { return git.NewRunner(repoPath) }
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		store:     store,
		baseDir:   baseDir,
		newRunner: newRunner,
		logger:    logger,
		holders:   make(map[string]string),
	}
}

// Resolve produces a binding per workspace repo for the given agent.
// Exclusive strategies are rejected with ErrBindingConflict if any other
// non-terminal agent already holds the shared checkout, before any git
// state is created.
func (r *Resolver) Resolve(agentID, workspaceID string, strat models.GitStrategy) (*Manifest, error) {
	if err := strat.Validate(); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if strat.Exclusive() {
		if holder, ok := r.holders[workspaceID]; ok && holder != agentID {
			return nil, fmt.Errorf("%w: agent %s holds the %s binding for workspace %s",
				ErrBindingConflict, holder, strat.Kind, workspaceID)
		}
		// Durable check covers holders created before this process started.
		live, err := r.store.ListNonTerminalAgentsByWorkspace(workspaceID)
		if err != nil {
			return nil, fmt.Errorf("check workspace bindings: %w", err)
		}
		for _, a := range live {
			if a.ID == agentID {
				continue
			}
			m, err := DecodeManifest(a.WorktreeManifest)
			if err != nil || m == nil {
				continue
			}
			if m.Exclusive {
				return nil, fmt.Errorf("%w: agent %s holds the shared checkout for workspace %s",
					ErrBindingConflict, a.ID, workspaceID)
			}
		}
	}

	repos, err := r.store.ListRepos(workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list workspace repos: %w", err)
	}
	if len(repos) == 0 {
		return nil, fmt.Errorf("workspace %s has no repos", workspaceID)
	}

	manifest := &Manifest{Strategy: strat, Exclusive: strat.Exclusive()}
	for _, repo := range repos {
		binding, err := r.bindRepo(agentID, repo, strat)
		if err != nil {
			r.rollback(manifest)
			return nil, fmt.Errorf("bind repo %s: %w", repo.Name, err)
		}
		manifest.Bindings = append(manifest.Bindings, *binding)
	}

	if strat.Exclusive() {
		r.holders[workspaceID] = agentID
	}
	r.logger.Debug("resolved git bindings",
		zap.String("agent", agentID),
		zap.String("workspace", workspaceID),
		zap.String("strategy", string(strat.Kind)),
		zap.Int("repos", len(manifest.Bindings)))
	return manifest, nil
}

// bindRepo materializes one repo's working directory.
func (r *Resolver) bindRepo(agentID string, repo state.Repo, strat models.GitStrategy) (*RepoBinding, error) {
	runner := r.newRunner(repo.Path)

	switch strat.Kind {
	case models.StrategyWorktree:
		branch := fmt.Sprintf("agent-%s", shortID(agentID))
		path := r.worktreePath(agentID, repo.Name)
		if err := runner.WorktreeAddNewBranch(path, branch); err != nil {
			return nil, err
		}
		return &RepoBinding{RepoID: repo.ID, RepoName: repo.Name, Path: path, Branch: branch, Worktree: true}, nil

	case models.StrategyMain:
		branch, err := runner.CurrentBranch()
		if err != nil {
			return nil, err
		}
		return &RepoBinding{RepoID: repo.ID, RepoName: repo.Name, Path: repo.Path, Branch: branch}, nil

	case models.StrategyBranch:
		exists, err := runner.BranchExists(strat.Branch)
		if err != nil {
			return nil, err
		}
		if strat.Create && exists {
			return nil, fmt.Errorf("branch %s already exists", strat.Branch)
		}
		if !strat.Create && !exists {
			return nil, fmt.Errorf("branch %s does not exist", strat.Branch)
		}

		if strat.Isolation == models.IsolationWorktree {
			path := r.worktreePath(agentID, repo.Name)
			if strat.Create {
				if err := runner.WorktreeAddNewBranch(path, strat.Branch); err != nil {
					return nil, err
				}
			} else {
				if err := runner.WorktreeAdd(path, strat.Branch); err != nil {
					return nil, err
				}
			}
			return &RepoBinding{RepoID: repo.ID, RepoName: repo.Name, Path: path, Branch: strat.Branch, Worktree: true}, nil
		}

		// in_place: checkout in the shared working directory.
		if strat.Create {
			if err := runner.CreateAndCheckoutBranch(strat.Branch); err != nil {
				return nil, err
			}
		} else {
			if err := runner.CheckoutBranch(strat.Branch); err != nil {
				return nil, err
			}
		}
		return &RepoBinding{RepoID: repo.ID, RepoName: repo.Name, Path: repo.Path, Branch: strat.Branch}, nil

	default:
		return nil, fmt.Errorf("unknown git strategy %q", strat.Kind)
	}
}

func (r *Resolver) worktreePath(agentID, repoName string) string {
	return filepath.Join(r.baseDir, fmt.Sprintf("agent-%s", shortID(agentID)), repoName)
}

// rollback removes worktrees created for a partially resolved manifest.
func (r *Resolver) rollback(m *Manifest) {
	for _, b := range m.Bindings {
		if !b.Worktree {
			continue
		}
		runner := r.newRunner(repoPathFor(r.store, b.RepoID, b.Path))
		if err := runner.WorktreeRemove(b.Path); err != nil {
			r.logger.Warn("rollback worktree remove failed", zap.String("path", b.Path), zap.Error(err))
		}
	}
}

// repoPathFor looks up the primary repo path for a binding; falls back to
// the binding path when the row is gone.
func repoPathFor(store *state.DB, repoID, fallback string) string {
	row := store.QueryRow(`SELECT path FROM repos WHERE id = ?`, repoID)
	var path string
	if err := row.Scan(&path); err != nil {
		return fallback
	}
	return path
}

// Release frees the exclusive lease held by an agent, if any. Callers
// must mark the agent terminal in the store before releasing so a
// concurrent Resolve cannot see the binding as both free and held.
func (r *Resolver) Release(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ws, holder := range r.holders {
		if holder == agentID {
			delete(r.holders, ws)
		}
	}
}

// Holder reports the agent currently holding the workspace's exclusive
// lease in this process, if any.
func (r *Resolver) Holder(workspaceID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.holders[workspaceID]
	return h, ok
}

// Cleanup removes the isolated worktrees recorded in a manifest and
// prunes each touched repo's stale worktree entries. Shared checkouts
// are left alone. Used when an agent is killed and by startup recovery
// for agents that died with the old process.
func (r *Resolver) Cleanup(m *Manifest) error {
	if m == nil {
		return nil
	}
	var firstErr error
	pruned := make(map[string]bool)
	for _, b := range m.Bindings {
		if !b.Worktree {
			continue
		}
		repoPath := repoPathFor(r.store, b.RepoID, b.Path)
		runner := r.newRunner(repoPath)
		_ = runner.WorktreeUnlock(b.Path)
		if err := runner.WorktreeRemove(b.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		if !pruned[repoPath] {
			pruned[repoPath] = true
			if err := runner.WorktreePruneExpireNow(); err != nil {
				r.logger.Warn("worktree prune failed", zap.String("repo", repoPath), zap.Error(err))
			}
		}
	}
	return firstErr
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
