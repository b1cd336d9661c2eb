package models

import "time"

// AgentInstanceStatus is the lifecycle state of a worker agent process.
type AgentInstanceStatus string

const (
	AgentInstanceSpawning AgentInstanceStatus = "spawning"
	AgentInstanceIdle     AgentInstanceStatus = "idle"
	AgentInstanceBusy     AgentInstanceStatus = "busy"
	AgentInstanceStopped  AgentInstanceStatus = "stopped"
	AgentInstanceCrashed  AgentInstanceStatus = "crashed"
)

// AgentInstance is one worker slot in the orchestrator's AgentPool — either
// an in-process goroutine worker or an isolated child process, depending on
// the pool's configured isolation mode.
type AgentInstance struct {
	ID          string              `json:"id"`
	PlanID      string              `json:"plan_id"`
	SubTaskID   string              `json:"subtask_id,omitempty"`
	Status      AgentInstanceStatus `json:"status"`
	PID         int                 `json:"pid,omitempty"`
	WorkDir     string              `json:"work_dir"`
	BranchName  string              `json:"branch_name,omitempty"`
	StartedAt   time.Time           `json:"started_at"`
	StoppedAt   *time.Time          `json:"stopped_at,omitempty"`
	LastError   string              `json:"last_error,omitempty"`
}
