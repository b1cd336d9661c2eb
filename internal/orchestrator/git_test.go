package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestGitIntegration_EnsureRepoInitializesOnce(t *testing.T) {
	dir := t.TempDir()
	git := NewGitIntegration(dir, "", "")

	if err := git.EnsureRepo(context.Background()); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, ".git")); err != nil {
		t.Fatalf("expected .git directory: %v", err)
	}
	// Calling again on an already-initialized repo must not error.
	if err := git.EnsureRepo(context.Background()); err != nil {
		t.Fatalf("ensure repo (idempotent): %v", err)
	}
}

func TestGitIntegration_BranchLifecycle(t *testing.T) {
	dir := t.TempDir()
	git := NewGitIntegration(dir, "tester", "tester@example.com")
	ctx := context.Background()

	if err := git.EnsureRepo(ctx); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	orchBranch, err := git.EnsureOrchestrationBranch(ctx, "plan-1", "")
	if err != nil {
		t.Fatalf("ensure orchestration branch: %v", err)
	}
	if orchBranch != "orchestration/plan-1" {
		t.Fatalf("unexpected orchestration branch name: %s", orchBranch)
	}

	agentBranch := AgentBranch("plan-1", "agent-1", "subtask-1")
	if err := git.CreateAgentBranch(ctx, orchBranch, agentBranch); err != nil {
		t.Fatalf("create agent branch: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "output.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write file: %v", err)
	}
	committed, err := git.CommitAll(ctx, "forge: add output", "", "")
	if err != nil {
		t.Fatalf("commit all: %v", err)
	}
	if !committed {
		t.Fatalf("expected a commit to have been made")
	}

	clean, err := git.IsWorkingTreeClean(ctx)
	if err != nil {
		t.Fatalf("is working tree clean: %v", err)
	}
	if !clean {
		t.Fatalf("expected working tree clean after commit")
	}

	if err := git.MergeAgentBranch(ctx, orchBranch, agentBranch, "subtask-1"); err != nil {
		t.Fatalf("merge agent branch: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "output.txt")); err != nil {
		t.Fatalf("expected merged file on orchestration branch: %v", err)
	}
}

func TestGitIntegration_CommitAllNoopWhenClean(t *testing.T) {
	dir := t.TempDir()
	git := NewGitIntegration(dir, "", "")
	ctx := context.Background()

	if err := git.EnsureRepo(ctx); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	committed, err := git.CommitAll(ctx, "forge: noop", "", "")
	if err != nil {
		t.Fatalf("commit all: %v", err)
	}
	if committed {
		t.Fatalf("expected no commit on a clean tree")
	}
}
