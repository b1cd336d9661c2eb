package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tkleisas/forge/internal/retry"
	"github.com/tkleisas/forge/pkg/models"
)

// PlanStore persists a TaskPlan as a JSON document guarded by a sidecar
// advisory lock file, so a concurrent orchestrator process cannot write a
// torn plan. The lock is a plain O_EXCL file, the way a build script would
// guard a lockfile; concurrent readers need no lock at all.
type PlanStore struct {
	path string
}

// NewPlanStore creates a plan store backed by path (e.g.
// "<workdir>/plan.json"). The lock file is "<path>.lock".
func NewPlanStore(path string) *PlanStore {
	return &PlanStore{path: path}
}

func (s *PlanStore) lockPath() string {
	return s.path + ".lock"
}

// acquireLock spins briefly on an O_EXCL lock file, the minimal advisory
// lock primitive available without a flock binding; it gives up after a
// short bound so a crashed holder cannot wedge the orchestrator forever.
func (s *PlanStore) acquireLock(ctx context.Context) (func(), error) {
	deadline := time.Now().Add(5 * time.Second)
	for {
		f, err := os.OpenFile(s.lockPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return func() { _ = os.Remove(s.lockPath()) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquire plan lock: %w", err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire plan lock: timed out, %s held by another process", s.lockPath())
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// Save persists plan atomically (write-to-temp, rename), retrying transient
// write failures with bounded exponential backoff. Only an unrecoverable
// persistence failure is surfaced to the caller.
func (s *PlanStore) Save(ctx context.Context, plan *models.TaskPlan) error {
	unlock, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	plan.UpdatedAt = time.Now()
	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal plan: %w", err)
	}

	result := retry.Do(ctx, retry.Config{
		MaxAttempts:  3,
		InitialDelay: 50 * time.Millisecond,
		MaxDelay:     time.Second,
		Factor:       2.0,
		Jitter:       true,
	}, func() error {
		tmp := s.path + ".tmp"
		if writeErr := os.WriteFile(tmp, data, 0o644); writeErr != nil {
			return writeErr
		}
		return os.Rename(tmp, s.path)
	})
	if result.Err != nil {
		return fmt.Errorf("persist plan: %w", result.Err)
	}
	return nil
}

// Load reads a previously persisted plan.
func (s *PlanStore) Load(path string) (*models.TaskPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan: %w", err)
	}
	var plan models.TaskPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}
	// A subtask still marked running was orphaned by a crash: no agent owns
	// it on a fresh load, so it goes back to pending before scheduling
	// resumes.
	for _, st := range plan.SubTasks {
		if st.Status == models.SubTaskRunning {
			st.Status = models.SubTaskPending
			st.AgentID = ""
			st.StartedAt = nil
		}
	}
	return &plan, nil
}
