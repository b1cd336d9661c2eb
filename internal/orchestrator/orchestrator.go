package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tkleisas/forge/internal/agent"
	"github.com/tkleisas/forge/internal/observability"
	"github.com/tkleisas/forge/pkg/models"
)

// ExecutePlanOptions tunes one ExecutePlan run.
type ExecutePlanOptions struct {
	// Isolation selects in-process or isolated-child-process workers.
	Isolation Isolation
	// MaxRetries is how many times a failed subtask is rescheduled before
	// it is given up as permanently Failed. 0 disables retries.
	MaxRetries int
	// AgentDispatchTimeout bounds one process-isolation command/response
	// round trip; ignored in in-process mode.
	AgentDispatchTimeout time.Duration
}

func (o ExecutePlanOptions) sanitized() ExecutePlanOptions {
	if o.Isolation == "" {
		o.Isolation = IsolationInProcess
	}
	if o.AgentDispatchTimeout <= 0 {
		o.AgentDispatchTimeout = 30 * time.Minute
	}
	return o
}

// OrchestratorResult summarizes one ExecutePlan run.
type OrchestratorResult struct {
	Plan      *models.TaskPlan
	Succeeded []string
	Failed    []string
	Blocked   []string
	Skipped   []string
}

// Orchestrator drives a TaskPlan's DAG of SubTasks to completion, bounded by
// an AgentPool and coordinated through branch-per-agent git isolation.
// Scheduling is wavefront-based: each pass runs every subtask whose
// dependencies are satisfied, then persists the plan before the next pass.
type Orchestrator struct {
	git       *GitIntegration
	planStore *PlanStore
	pool      *AgentPool
	logger    *observability.Logger
	metrics   *observability.Metrics

	provider     agent.LLMProvider
	registry     *agent.ToolRegistry
	sessionStore agent.SessionStore
	loopConfig   agent.LoopConfig
}

// NewOrchestrator wires an Orchestrator from its dependencies. loopConfig is
// the baseline agent loop config; MaxIterations is overridden per subtask
// from SubTask.IterationCap().
func NewOrchestrator(
	git *GitIntegration,
	planStore *PlanStore,
	pool *AgentPool,
	logger *observability.Logger,
	metrics *observability.Metrics,
	provider agent.LLMProvider,
	registry *agent.ToolRegistry,
	sessionStore agent.SessionStore,
	loopConfig agent.LoopConfig,
) *Orchestrator {
	return &Orchestrator{
		git:          git,
		planStore:    planStore,
		pool:         pool,
		logger:       logger,
		metrics:      metrics,
		provider:     provider,
		registry:     registry,
		sessionStore: sessionStore,
		loopConfig:   loopConfig,
	}
}

// ExecutePlan runs plan to completion: it seeds the orchestration branch,
// then repeatedly computes the runnable wavefront of pending subtasks and
// executes each wavefront concurrently (bounded by the AgentPool), until
// every subtask is terminal.
func (o *Orchestrator) ExecutePlan(ctx context.Context, plan *models.TaskPlan, opts ExecutePlanOptions) (*OrchestratorResult, error) {
	opts = opts.sanitized()

	if err := o.git.EnsureRepo(ctx); err != nil {
		return nil, fmt.Errorf("ensure repo: %w", err)
	}
	branch, err := o.git.EnsureOrchestrationBranch(ctx, plan.ID, "HEAD")
	if err != nil {
		return nil, fmt.Errorf("ensure orchestration branch: %w", err)
	}
	plan.IntegrationBranch = branch
	plan.Status = models.PlanRunning
	if err := o.planStore.Save(ctx, plan); err != nil {
		o.logger.Warn(ctx, "plan save failed at start", "plan_id", plan.ID, "error", err)
	}

	byID := make(map[string]*models.SubTask, len(plan.SubTasks))
	for _, st := range plan.SubTasks {
		byID[st.ID] = st
	}

	aborted := false
	var blockageErr error
	for {
		o.applyBlockedTransitions(plan, byID)

		group := o.runnableGroup(plan, byID)
		if len(group) == 0 {
			if o.allTerminal(plan) || aborted {
				break
			}
			// Nothing runnable but subtasks remain pending: a dependency
			// cycle or an edge to a subtask that does not exist. Cancel the
			// orphans rather than spinning forever, and report which ones.
			blockageErr = o.deadEndError(plan)
			o.cancelRemaining(plan, "no runnable subtasks remain; unresolved dependency graph", false)
			break
		}

		o.executeGroup(ctx, plan, byID, group, opts)

		if err := o.planStore.Save(ctx, plan); err != nil {
			o.logger.Warn(ctx, "plan save failed mid-run", "plan_id", plan.ID, "error", err)
		}

		if plan.FailurePolicy == models.FailurePolicyAbort && o.anyFailed(group) {
			aborted = true
			o.cancelRemaining(plan, "aborting after subtask failure (failure_policy=abort)", true)
			break
		}
	}

	// Dependents of failed subtasks stay blocked under the block policy;
	// that is a partial outcome the caller has to hear about.
	if blockageErr == nil && !aborted {
		blockageErr = o.blockageError(plan)
	}

	now := time.Now()
	plan.CompletedAt = &now
	plan.Status = o.finalStatus(plan, aborted)
	if err := o.planStore.Save(ctx, plan); err != nil {
		o.logger.Warn(ctx, "plan save failed at completion", "plan_id", plan.ID, "error", err)
	}

	result := &OrchestratorResult{Plan: plan}
	for _, st := range plan.SubTasks {
		switch st.Status {
		case models.SubTaskSucceeded:
			result.Succeeded = append(result.Succeeded, st.ID)
		case models.SubTaskFailed:
			result.Failed = append(result.Failed, st.ID)
		case models.SubTaskBlocked:
			result.Blocked = append(result.Blocked, st.ID)
		case models.SubTaskSkipped, models.SubTaskCancelled:
			result.Skipped = append(result.Skipped, st.ID)
		}
	}
	return result, blockageErr
}

// blockageError describes subtasks left blocked by failed dependencies and
// names the policy knobs that would unblock a rerun. Returns nil when
// nothing is blocked.
func (o *Orchestrator) blockageError(plan *models.TaskPlan) error {
	var blocked, failed []string
	for _, st := range plan.SubTasks {
		switch st.Status {
		case models.SubTaskBlocked:
			blocked = append(blocked, st.ID)
		case models.SubTaskFailed:
			failed = append(failed, st.ID)
		}
	}
	if len(blocked) == 0 {
		return nil
	}
	return fmt.Errorf("subtasks %v are blocked by failed dependencies %v; enable skip_failed to schedule past the failures, or retry_failed to retry them",
		blocked, failed)
}

// deadEndError describes subtasks that can never run because their
// dependency edges form a cycle or reference a subtask that does not exist.
func (o *Orchestrator) deadEndError(plan *models.TaskPlan) error {
	var stuck []string
	for _, st := range plan.SubTasks {
		if st.Status == models.SubTaskPending {
			stuck = append(stuck, st.ID)
		}
	}
	return fmt.Errorf("subtasks %v can never run: their dependencies form a cycle or reference unknown subtask ids", stuck)
}

// applyBlockedTransitions marks any still-Pending subtask Blocked once one
// of its dependencies has failed, skipped, been cancelled, or is itself
// blocked. Under FailurePolicySkipFailed the subtask is demoted to Skipped
// instead. Runs to a fixpoint so blockage propagates down whole chains in
// one call regardless of subtask order.
func (o *Orchestrator) applyBlockedTransitions(plan *models.TaskPlan, byID map[string]*models.SubTask) {
	for changed := true; changed; {
		changed = false
		for _, st := range plan.SubTasks {
			if st.Status != models.SubTaskPending {
				continue
			}
			if !st.Blocked(byID) {
				continue
			}
			changed = true
			if plan.FailurePolicy == models.FailurePolicySkipFailed {
				st.Status = models.SubTaskSkipped
				st.LastError = "dependency failed or skipped"
				if o.metrics != nil {
					o.metrics.SubTasksSkipped.WithLabelValues(plan.ID).Inc()
				}
			} else {
				st.Status = models.SubTaskBlocked
			}
		}
	}
}

func (o *Orchestrator) runnableGroup(plan *models.TaskPlan, byID map[string]*models.SubTask) []*models.SubTask {
	var group []*models.SubTask
	for _, st := range plan.SubTasks {
		if st.Runnable(byID) {
			group = append(group, st)
		}
	}
	sort.Slice(group, func(i, j int) bool { return group[i].ID < group[j].ID })
	return group
}

func (o *Orchestrator) allTerminal(plan *models.TaskPlan) bool {
	for _, st := range plan.SubTasks {
		switch st.Status {
		case models.SubTaskPending, models.SubTaskRunning:
			return false
		}
	}
	return true
}

func (o *Orchestrator) anyFailed(group []*models.SubTask) bool {
	for _, st := range group {
		if st.Status == models.SubTaskFailed {
			return true
		}
	}
	return false
}

// cancelRemaining cancels subtasks that will never run. includeBlocked
// distinguishes an abort (everything goes) from a dead-ended graph, where
// blocked subtasks keep their blocked status for the caller to inspect.
func (o *Orchestrator) cancelRemaining(plan *models.TaskPlan, reason string, includeBlocked bool) {
	for _, st := range plan.SubTasks {
		switch st.Status {
		case models.SubTaskPending:
		case models.SubTaskBlocked:
			if !includeBlocked {
				continue
			}
		default:
			continue
		}
		st.Status = models.SubTaskCancelled
		st.LastError = reason
	}
}

func (o *Orchestrator) finalStatus(plan *models.TaskPlan, aborted bool) models.PlanStatus {
	if aborted {
		return models.PlanFailed
	}
	for _, st := range plan.SubTasks {
		if st.Status == models.SubTaskFailed {
			return models.PlanFailed
		}
	}
	return models.PlanSucceeded
}

// executeGroup runs every subtask in group concurrently, bounded by the
// AgentPool's own semaphore. Worker panics are recovered per goroutine so
// one crashing subtask cannot take down the run.
func (o *Orchestrator) executeGroup(ctx context.Context, plan *models.TaskPlan, byID map[string]*models.SubTask, group []*models.SubTask, opts ExecutePlanOptions) {
	var wg sync.WaitGroup
	var mu sync.Mutex

	// Snapshot completed results before any worker starts; the phase
	// barrier makes them stable, while in-flight peers are not.
	prior := make(map[string]string)
	for _, st := range plan.SubTasks {
		if st.Status == models.SubTaskSucceeded && st.Result != "" {
			prior[st.ID] = st.Result
		}
	}

	for _, st := range group {
		st.Status = models.SubTaskRunning
		started := time.Now()
		st.StartedAt = &started
		if o.metrics != nil {
			o.metrics.SubTasksStarted.WithLabelValues(plan.ID).Inc()
			o.metrics.ActiveAgents.Inc()
		}

		wg.Add(1)
		go func(subtask *models.SubTask) {
			defer wg.Done()
			defer func() {
				if o.metrics != nil {
					o.metrics.ActiveAgents.Dec()
				}
				if r := recover(); r != nil {
					mu.Lock()
					subtask.Status = models.SubTaskFailed
					subtask.LastError = fmt.Sprintf("panic: %v", r)
					mu.Unlock()
					o.logger.Error(ctx, "subtask worker panicked", "plan_id", plan.ID, "subtask_id", subtask.ID, "panic", r)
				}
			}()

			o.runSubtask(ctx, plan, subtask, prior, opts)

			mu.Lock()
			o.finishSubtask(plan, subtask, opts)
			mu.Unlock()
		}(st)
	}
	wg.Wait()
}

// runSubtask dispatches one subtask to a fresh agent (in-process loop or
// isolated child process), records its outcome on the SubTask, and commits
// + merges its branch on success.
func (o *Orchestrator) runSubtask(ctx context.Context, plan *models.TaskPlan, st *models.SubTask, prior map[string]string, opts ExecutePlanOptions) {
	agentBranch := AgentBranch(plan.ID, uuid.NewString(), st.ID)
	instance, err := o.pool.Acquire(ctx, plan.ID, st.ID, agentBranch)
	if err != nil {
		st.Status = models.SubTaskFailed
		st.LastError = fmt.Sprintf("acquire agent: %v", err)
		return
	}
	st.AgentID = instance.ID
	st.BranchName = agentBranch
	defer o.pool.Release(instance.ID, st.Status != models.SubTaskFailed)

	if err := o.git.CreateAgentBranch(ctx, plan.IntegrationBranch, agentBranch); err != nil {
		st.Status = models.SubTaskFailed
		st.LastError = fmt.Sprintf("create agent branch: %v", err)
		return
	}

	prompt := o.buildPrompt(plan, st)

	var outcome string
	if opts.Isolation == IsolationProcess {
		outcome, err = o.runIsolated(ctx, instance.ID, st, plan, prior, opts.AgentDispatchTimeout)
	} else {
		outcome, err = o.runInProcess(ctx, plan, st, prompt)
	}
	if err != nil {
		st.Status = models.SubTaskFailed
		st.LastError = err.Error()
		return
	}

	st.Result = outcome
	committed, commitErr := o.git.CommitAll(ctx, fmt.Sprintf("forge: %s", st.Description), "", "")
	if commitErr != nil {
		st.Status = models.SubTaskFailed
		st.LastError = fmt.Sprintf("commit: %v", commitErr)
		return
	}
	if committed {
		if mergeErr := o.git.MergeAgentBranch(ctx, plan.IntegrationBranch, agentBranch, st.ID); mergeErr != nil {
			st.Status = models.SubTaskFailed
			st.LastError = fmt.Sprintf("merge: %v", mergeErr)
			return
		}
	}
	st.Status = models.SubTaskSucceeded
}

// buildPrompt composes the subtask's dispatch prompt. A retried subtask
// receives only its last error, not the full prior transcript, since the
// fresh session already starts clean and a full replay would just re-burn
// context budget re-deriving what already failed.
func (o *Orchestrator) buildPrompt(plan *models.TaskPlan, st *models.SubTask) string {
	if st.RetryCount > 0 && st.LastError != "" {
		return fmt.Sprintf("Goal: %s\nTask: %s\nPrevious attempt failed with: %s\nRetry, avoiding the same mistake.",
			plan.Goal, st.Description, st.LastError)
	}
	return fmt.Sprintf("Goal: %s\nTask: %s", plan.Goal, st.Description)
}

func (o *Orchestrator) runInProcess(ctx context.Context, plan *models.TaskPlan, st *models.SubTask, prompt string) (string, error) {
	cfg := o.loopConfig
	cfg.MaxIterations = st.IterationCap()
	loop := agent.NewAgenticLoop(o.provider, o.registry, o.sessionStore, cfg, o.logger)

	session := &models.Session{
		ID:        uuid.NewString(),
		PlanID:    plan.ID,
		SubTaskID: st.ID,
		AgentID:   st.AgentID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	result, err := loop.Run(ctx, session, prompt)
	if result != nil && o.metrics != nil {
		outcome := "completed"
		switch {
		case result.GuardTripped != "":
			outcome = "guard_tripped"
		case result.Iterations >= cfg.MaxIterations:
			outcome = "iteration_cap"
		}
		o.metrics.AgentLoopIterations.WithLabelValues(outcome).Observe(float64(result.Iterations))
	}
	if err != nil {
		// An iteration-cap hit with acceptable context usage and no other
		// guard tripped is success-with-warning, not failure.
		if result == nil || !result.SoftFailure {
			return "", err
		}
		o.logger.Warn(ctx, "subtask hit iteration cap, accepting partial result",
			"plan_id", plan.ID, "subtask_id", st.ID, "iterations", result.Iterations)
	}
	return result.FinalText, nil
}

func (o *Orchestrator) runIsolated(ctx context.Context, agentID string, st *models.SubTask, plan *models.TaskPlan, prior map[string]string, timeout time.Duration) (string, error) {
	resp, err := o.pool.Dispatch(ctx, agentID, AgentCommand{
		SubTask:      st,
		Goal:         plan.Goal,
		PriorResults: prior,
	}, timeout)
	if err != nil {
		return "", err
	}
	if !resp.Success {
		return "", fmt.Errorf("agent reported failure: %s", resp.Error)
	}
	return resp.Result, nil
}

// finishSubtask applies the plan's retry policy to a failed subtask: it
// reschedules up to opts.MaxRetries times before recording a permanent
// failure, and updates completion counters either way.
func (o *Orchestrator) finishSubtask(plan *models.TaskPlan, st *models.SubTask, opts ExecutePlanOptions) {
	completed := time.Now()
	switch st.Status {
	case models.SubTaskSucceeded:
		st.CompletedAt = &completed
		if o.metrics != nil {
			o.metrics.SubTasksCompleted.WithLabelValues(plan.ID).Inc()
		}
	case models.SubTaskFailed:
		if st.RetryCount < opts.MaxRetries {
			st.RetryCount++
			st.Status = models.SubTaskPending
			st.StartedAt = nil
			return
		}
		st.CompletedAt = &completed
		if o.metrics != nil {
			o.metrics.SubTasksFailed.WithLabelValues(plan.ID).Inc()
		}
	}
}
