package models

import "time"

// SubTaskStatus is the lifecycle state of a subtask within a TaskPlan.
type SubTaskStatus string

const (
	SubTaskPending   SubTaskStatus = "pending"
	SubTaskBlocked   SubTaskStatus = "blocked"
	SubTaskRunning   SubTaskStatus = "running"
	SubTaskSucceeded SubTaskStatus = "succeeded"
	SubTaskFailed    SubTaskStatus = "failed"
	SubTaskSkipped   SubTaskStatus = "skipped"
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// PlanStatus is the aggregate lifecycle state of a TaskPlan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanSucceeded PlanStatus = "succeeded"
	PlanFailed    PlanStatus = "failed"
	PlanCancelled PlanStatus = "cancelled"
)

// FailurePolicy controls how a plan reacts when a subtask fails.
type FailurePolicy string

const (
	// FailurePolicyBlock leaves dependents of a failed subtask in the
	// blocked state while unrelated branches keep running; the plan
	// finishes with an error describing the blockage.
	FailurePolicyBlock FailurePolicy = "block"

	// FailurePolicyAbort cancels the whole plan on first failure.
	FailurePolicyAbort FailurePolicy = "abort"

	// FailurePolicySkipFailed marks dependents of a failed subtask as
	// skipped rather than blocking them.
	FailurePolicySkipFailed FailurePolicy = "skip_failed"
)

// Complexity is a coarse sizing hint used to derive the agent loop's
// iteration cap for a subtask (trivial: 20 ... very_complex: 100).
type Complexity string

const (
	ComplexityTrivial      Complexity = "trivial"
	ComplexitySimple       Complexity = "simple"
	ComplexityModerate     Complexity = "moderate"
	ComplexityComplex      Complexity = "complex"
	ComplexityVeryComplex  Complexity = "very_complex"
)

// TaskPlan is a DAG of SubTasks produced by decomposing a user request.
type TaskPlan struct {
	ID              string        `json:"id"`
	Goal            string        `json:"goal"`
	Status          PlanStatus    `json:"status"`
	FailurePolicy   FailurePolicy `json:"failure_policy"`
	MaxAgents       int           `json:"max_agents"`
	SubTasks        []*SubTask    `json:"subtasks"`
	WorkDir         string        `json:"work_dir"`
	IntegrationBranch string      `json:"integration_branch,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
}

// SubTask is one node of a TaskPlan's dependency graph.
type SubTask struct {
	ID           string        `json:"id"`
	PlanID       string        `json:"plan_id"`
	Description  string        `json:"description"`
	DependsOn    []string      `json:"depends_on,omitempty"`
	Status       SubTaskStatus `json:"status"`
	Complexity   Complexity    `json:"complexity"`
	AgentID      string        `json:"agent_id,omitempty"`
	BranchName   string        `json:"branch_name,omitempty"`
	RetryCount   int           `json:"retry_count"`
	LastError    string        `json:"last_error,omitempty"`
	Result       string        `json:"result,omitempty"`
	StartedAt    *time.Time    `json:"started_at,omitempty"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
}

// IterationCap returns the agent loop's maximum iteration count for this
// subtask's declared complexity, on a trivial(20)..very_complex(100)
// scale. Unknown/empty complexity defaults to the moderate tier.
func (s *SubTask) IterationCap() int {
	switch s.Complexity {
	case ComplexityTrivial:
		return 20
	case ComplexitySimple:
		return 35
	case ComplexityModerate, "":
		return 50
	case ComplexityComplex:
		return 75
	case ComplexityVeryComplex:
		return 100
	default:
		return 50
	}
}

// Runnable reports whether every dependency of s has succeeded, given the
// status of all subtasks in the same plan keyed by ID.
func (s *SubTask) Runnable(byID map[string]*SubTask) bool {
	if s.Status != SubTaskPending {
		return false
	}
	for _, dep := range s.DependsOn {
		depTask, ok := byID[dep]
		if !ok || depTask.Status != SubTaskSucceeded {
			return false
		}
	}
	return true
}

// Blocked reports whether any dependency of s has failed, been skipped or
// cancelled, or is itself blocked, meaning s can never become runnable.
// Checking blocked dependencies makes blockage propagate transitively down
// a chain as statuses settle.
func (s *SubTask) Blocked(byID map[string]*SubTask) bool {
	for _, dep := range s.DependsOn {
		depTask, ok := byID[dep]
		if !ok {
			continue
		}
		switch depTask.Status {
		case SubTaskFailed, SubTaskSkipped, SubTaskCancelled, SubTaskBlocked:
			return true
		}
	}
	return false
}
