package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGitStrategyExclusive(t *testing.T) {
	tests := []struct {
		name     string
		strategy GitStrategy
		want     bool
	}{
		{"worktree", GitStrategy{Kind: StrategyWorktree}, false},
		{"main", GitStrategy{Kind: StrategyMain}, true},
		{"branch isolated", GitStrategy{Kind: StrategyBranch, Branch: "feat", Isolation: IsolationWorktree}, false},
		{"branch in place", GitStrategy{Kind: StrategyBranch, Branch: "feat", Isolation: IsolationInPlace}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.strategy.Exclusive())
		})
	}
}

func TestGitStrategyValidate(t *testing.T) {
	tests := []struct {
		name     string
		strategy GitStrategy
		wantErr  bool
	}{
		{"worktree", GitStrategy{Kind: StrategyWorktree}, false},
		{"main", GitStrategy{Kind: StrategyMain}, false},
		{"branch ok", GitStrategy{Kind: StrategyBranch, Branch: "feat", Isolation: IsolationWorktree}, false},
		{"branch missing name", GitStrategy{Kind: StrategyBranch, Isolation: IsolationWorktree}, true},
		{"branch bad isolation", GitStrategy{Kind: StrategyBranch, Branch: "feat", Isolation: "shared"}, true},
		{"unknown kind", GitStrategy{Kind: "clone"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.strategy.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
