package orchestrator

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// GitIntegration wraps the git CLI for branch-per-agent isolation: one
// orchestration branch per plan, one agent branch per subtask, merged back
// with a non-fast-forward merge that preserves per-agent authorship.
type GitIntegration struct {
	Dir         string
	AuthorName  string
	AuthorEmail string
}

// NewGitIntegration creates a git integration rooted at dir.
func NewGitIntegration(dir, authorName, authorEmail string) *GitIntegration {
	if authorName == "" {
		authorName = "forge-orchestrator"
	}
	if authorEmail == "" {
		authorEmail = "forge-orchestrator@localhost"
	}
	return &GitIntegration{Dir: dir, AuthorName: authorName, AuthorEmail: authorEmail}
}

// OrchestrationBranch returns the base branch name for a plan.
func OrchestrationBranch(planID string) string {
	return fmt.Sprintf("orchestration/%s", planID)
}

// AgentBranch returns the branch name for one agent's work on a subtask.
func AgentBranch(planID, agentID, subTaskID string) string {
	return fmt.Sprintf("agent/%s/%s/%s", planID, agentID, subTaskID)
}

func (g *GitIntegration) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

func (g *GitIntegration) runWithAuthor(ctx context.Context, args []string, authorName, authorEmail string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = g.Dir
	cmd.Env = append(cmd.Env,
		"GIT_AUTHOR_NAME="+authorName,
		"GIT_AUTHOR_EMAIL="+authorEmail,
		"GIT_COMMITTER_NAME="+authorName,
		"GIT_COMMITTER_EMAIL="+authorEmail,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

// EnsureRepo initializes a git repository with an initial commit if dir is
// not already one, so branch creation always has a base to fork from.
func (g *GitIntegration) EnsureRepo(ctx context.Context) error {
	if _, err := g.run(ctx, "rev-parse", "--is-inside-work-tree"); err == nil {
		return nil
	}
	if _, err := g.run(ctx, "init"); err != nil {
		return err
	}
	if _, err := g.runWithAuthor(ctx, []string{"commit", "--allow-empty", "-m", "forge: initial commit"}, g.AuthorName, g.AuthorEmail); err != nil {
		return err
	}
	return nil
}

// EnsureOrchestrationBranch checks out (creating if necessary) the
// orchestration branch for planID off base.
func (g *GitIntegration) EnsureOrchestrationBranch(ctx context.Context, planID, base string) (string, error) {
	branch := OrchestrationBranch(planID)
	if base == "" {
		base = "HEAD"
	}
	if _, err := g.run(ctx, "rev-parse", "--verify", branch); err == nil {
		if _, err := g.run(ctx, "checkout", branch); err != nil {
			return "", err
		}
		return branch, nil
	}
	if _, err := g.run(ctx, "checkout", "-b", branch, base); err != nil {
		return "", err
	}
	return branch, nil
}

// CreateAgentBranch checks out a fresh branch for one agent's subtask work,
// off the orchestration branch.
func (g *GitIntegration) CreateAgentBranch(ctx context.Context, orchestrationBranch, agentBranch string) error {
	if _, err := g.run(ctx, "checkout", orchestrationBranch); err != nil {
		return err
	}
	if _, err := g.run(ctx, "checkout", "-b", agentBranch); err != nil {
		return err
	}
	return nil
}

// CommitAll stages every change in the work directory and commits it under
// the given author.
// Returns false, nil when there is nothing to commit.
func (g *GitIntegration) CommitAll(ctx context.Context, message, authorName, authorEmail string) (bool, error) {
	if _, err := g.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if clean, err := g.IsWorkingTreeClean(ctx); err == nil && clean {
		return false, nil
	}
	if authorName == "" {
		authorName = g.AuthorName
	}
	if authorEmail == "" {
		authorEmail = g.AuthorEmail
	}
	if _, err := g.runWithAuthor(ctx, []string{"commit", "-m", message}, authorName, authorEmail); err != nil {
		return false, err
	}
	return true, nil
}

// IsWorkingTreeClean reports whether there are no staged or unstaged
// changes.
func (g *GitIntegration) IsWorkingTreeClean(ctx context.Context) (bool, error) {
	output, err := g.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(output) == "", nil
}

// MergeAgentBranch merges an agent's branch into the orchestration branch
// with --no-ff, producing one merge commit per branch and preserving the
// agent's authorship on its own commits.
func (g *GitIntegration) MergeAgentBranch(ctx context.Context, orchestrationBranch, agentBranch, subTaskID string) error {
	if _, err := g.run(ctx, "checkout", orchestrationBranch); err != nil {
		return err
	}
	message := fmt.Sprintf("forge: merge %s (%s)", agentBranch, subTaskID)
	if _, err := g.run(ctx, "merge", "--no-ff", "-m", message, agentBranch); err != nil {
		return fmt.Errorf("merge conflict on %s: %w", agentBranch, err)
	}
	return nil
}
