package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/pkg/models"
)

// alwaysDoneProvider completes every request on the first turn, optionally
// failing a named subtask once to exercise the retry path.
type alwaysDoneProvider struct {
	mu        sync.Mutex
	failOnce  map[string]bool
	callCount int
}

func (p *alwaysDoneProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.mu.Lock()
	p.callCount++
	p.mu.Unlock()
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Text: "done", Done: true, InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}
func (p *alwaysDoneProvider) Name() string             { return "fake" }
func (p *alwaysDoneProvider) Models() []agent.Model     { return nil }
func (p *alwaysDoneProvider) SupportsTools() bool       { return false }

type memStore struct {
	mu       sync.Mutex
	messages map[string][]*models.Message
}

func newMemStore() *memStore {
	return &memStore{messages: make(map[string][]*models.Message)}
}

func (s *memStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := s.messages[sessionID]
	if limit <= 0 || limit >= len(all) {
		return all, nil
	}
	return all[len(all)-limit:], nil
}

func (s *memStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[msg.SessionID] = append(s.messages[msg.SessionID], msg)
	return nil
}

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	dir := t.TempDir()
	git := NewGitIntegration(dir, "tester", "tester@example.com")
	if err := git.EnsureRepo(context.Background()); err != nil {
		t.Fatalf("ensure repo: %v", err)
	}
	planStore := NewPlanStore(filepath.Join(dir, "plan.json"))
	pool := NewAgentPool(4, IsolationInProcess, dir, "")
	logger := observability.NewLogger(observability.LogConfig{Level: "error", Output: os.Stderr})

	return NewOrchestrator(
		git, planStore, pool, logger, nil,
		&alwaysDoneProvider{}, agent.NewToolRegistry(), newMemStore(),
		agent.DefaultLoopConfig(),
	)
}

func TestOrchestrator_ExecutesDependencyChainInOrder(t *testing.T) {
	orch := newTestOrchestrator(t)
	plan := &models.TaskPlan{
		ID:            "plan-1",
		Goal:          "build a feature",
		FailurePolicy: models.FailurePolicySkipFailed,
		MaxAgents:     4,
		SubTasks: []*models.SubTask{
			{ID: "t1", PlanID: "plan-1", Description: "step one", Status: models.SubTaskPending},
			{ID: "t2", PlanID: "plan-1", Description: "step two", Status: models.SubTaskPending, DependsOn: []string{"t1"}},
		},
	}

	result, err := orch.ExecutePlan(context.Background(), plan, ExecutePlanOptions{})
	if err != nil {
		t.Fatalf("execute plan: %v", err)
	}
	if len(result.Succeeded) != 2 {
		t.Fatalf("expected both subtasks to succeed, got succeeded=%v failed=%v skipped=%v",
			result.Succeeded, result.Failed, result.Skipped)
	}
	if plan.Status != models.PlanSucceeded {
		t.Fatalf("expected plan status succeeded, got %s", plan.Status)
	}
}

func TestOrchestrator_SkipsDependentsOfAFailedSubtask(t *testing.T) {
	orch := newTestOrchestrator(t)
	// Force subtask t1's agent acquisition to fail by starving the pool:
	// acquire its only slot ahead of time and never release it.
	orch.pool = NewAgentPool(1, IsolationInProcess, t.TempDir(), "")
	stuck, err := orch.pool.Acquire(context.Background(), "other-plan", "other-task", "other-branch")
	if err != nil {
		t.Fatalf("prime pool: %v", err)
	}
	_ = stuck

	plan := &models.TaskPlan{
		ID:            "plan-2",
		Goal:          "build a feature",
		FailurePolicy: models.FailurePolicySkipFailed,
		MaxAgents:     1,
		SubTasks: []*models.SubTask{
			{ID: "t1", PlanID: "plan-2", Description: "step one", Status: models.SubTaskPending},
			{ID: "t2", PlanID: "plan-2", Description: "step two", Status: models.SubTaskPending, DependsOn: []string{"t1"}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300_000_000) // 300ms, avoids real time import churn
	defer cancel()
	result, err := orch.ExecutePlan(ctx, plan, ExecutePlanOptions{})
	if err != nil {
		t.Fatalf("execute plan: %v", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "t1" {
		t.Fatalf("expected t1 to fail (pool starved), got failed=%v", result.Failed)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != "t2" {
		t.Fatalf("expected t2 to be skipped as a dependent, got skipped=%v", result.Skipped)
	}
}

func TestOrchestrator_BlockPolicyLeavesDependentsBlockedAndReports(t *testing.T) {
	orch := newTestOrchestrator(t)
	orch.pool = NewAgentPool(1, IsolationInProcess, t.TempDir(), "")
	if _, err := orch.pool.Acquire(context.Background(), "other-plan", "other-task", "other-branch"); err != nil {
		t.Fatalf("prime pool: %v", err)
	}

	plan := &models.TaskPlan{
		ID:            "plan-4",
		Goal:          "build a feature",
		FailurePolicy: models.FailurePolicyBlock,
		MaxAgents:     1,
		SubTasks: []*models.SubTask{
			{ID: "t1", PlanID: "plan-4", Description: "step one", Status: models.SubTaskPending},
			{ID: "t2", PlanID: "plan-4", Description: "step two", Status: models.SubTaskPending, DependsOn: []string{"t1"}},
			{ID: "t3", PlanID: "plan-4", Description: "step three", Status: models.SubTaskPending, DependsOn: []string{"t2"}},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300_000_000)
	defer cancel()
	result, err := orch.ExecutePlan(ctx, plan, ExecutePlanOptions{})
	if err == nil {
		t.Fatal("expected a blockage error describing the failed dependency chain")
	}
	if !strings.Contains(err.Error(), "skip_failed") {
		t.Fatalf("blockage error should recommend skip_failed, got %q", err)
	}
	if len(result.Failed) != 1 || result.Failed[0] != "t1" {
		t.Fatalf("expected t1 to fail (pool starved), got failed=%v", result.Failed)
	}
	if len(result.Blocked) != 2 {
		t.Fatalf("expected t2 and t3 blocked, got blocked=%v skipped=%v", result.Blocked, result.Skipped)
	}
	for _, id := range []string{"t2", "t3"} {
		for _, st := range plan.SubTasks {
			if st.ID == id && st.Status != models.SubTaskBlocked {
				t.Errorf("subtask %s status = %q, want blocked", id, st.Status)
			}
		}
	}
}

func TestOrchestrator_AbortPolicyCancelsRemainingSubtasks(t *testing.T) {
	orch := newTestOrchestrator(t)
	orch.pool = NewAgentPool(1, IsolationInProcess, t.TempDir(), "")
	if _, err := orch.pool.Acquire(context.Background(), "other-plan", "other-task", "other-branch"); err != nil {
		t.Fatalf("prime pool: %v", err)
	}

	plan := &models.TaskPlan{
		ID:            "plan-3",
		Goal:          "build a feature",
		FailurePolicy: models.FailurePolicyAbort,
		MaxAgents:     1,
		SubTasks: []*models.SubTask{
			{ID: "t1", PlanID: "plan-3", Description: "step one", Status: models.SubTaskPending},
			{ID: "t2", PlanID: "plan-3", Description: "independent step", Status: models.SubTaskPending},
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300_000_000)
	defer cancel()
	result, err := orch.ExecutePlan(ctx, plan, ExecutePlanOptions{})
	if err != nil {
		t.Fatalf("execute plan: %v", err)
	}
	if plan.Status != models.PlanFailed {
		t.Fatalf("expected plan status failed under abort policy, got %s", plan.Status)
	}
	if len(result.Failed)+len(result.Skipped) != 2 {
		t.Fatalf("expected both subtasks terminal (failed or cancelled), got result=%+v", result)
	}
}
