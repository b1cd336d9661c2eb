package exec

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/tkleisas/forge/pkg/models"
)

func TestExecTool_CommandNotAllowed(t *testing.T) {
	mgr := NewManager(t.TempDir(), "git", "go")
	tool := NewExecTool("exec", mgr)
	params, _ := json.Marshal(map[string]interface{}{
		"command": "rm -rf /",
	})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError || result.ErrorCode != string(models.ErrCodeCommandNotAllowed) {
		t.Fatalf("expected command_not_allowed, got %+v", result)
	}
}

func TestExecTool_BackgroundCommandNotAllowed(t *testing.T) {
	mgr := NewManager(t.TempDir(), "git")
	tool := NewExecTool("exec", mgr)
	params, _ := json.Marshal(map[string]interface{}{
		"command":    "rm -rf /",
		"background": true,
	})
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.IsError || result.ErrorCode != string(models.ErrCodeCommandNotAllowed) {
		t.Fatalf("expected command_not_allowed, got %+v", result)
	}
}

func TestProcessTool_ReadDeltaOnlyReturnsNewOutput(t *testing.T) {
	mgr := NewManager(t.TempDir(), "sh")
	execTool := NewExecTool("exec", mgr)
	procTool := NewProcessTool(mgr)

	params, _ := json.Marshal(map[string]interface{}{
		"command":    "sh -c 'echo one; sleep 0.2; echo two'",
		"background": true,
	})
	result, err := execTool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	var payload struct {
		ProcessID string `json:"process_id"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}

	time.Sleep(80 * time.Millisecond)
	firstRead, _ := json.Marshal(map[string]interface{}{"action": "read", "process_id": payload.ProcessID})
	firstResult, err := procTool.Execute(context.Background(), firstRead)
	if err != nil {
		t.Fatalf("first read: %v", err)
	}
	if !strings.Contains(firstResult.Content, "one") {
		t.Fatalf("expected first chunk of output: %s", firstResult.Content)
	}

	time.Sleep(250 * time.Millisecond)
	secondRead, _ := json.Marshal(map[string]interface{}{"action": "read", "process_id": payload.ProcessID})
	secondResult, err := procTool.Execute(context.Background(), secondRead)
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if strings.Contains(secondResult.Content, "one") {
		t.Fatalf("delta read should not repeat prior output: %s", secondResult.Content)
	}
	if !strings.Contains(secondResult.Content, "two") {
		t.Fatalf("expected second chunk of output: %s", secondResult.Content)
	}
}

func TestProcessTool_StopAll(t *testing.T) {
	mgr := NewManager(t.TempDir(), "sh")
	execTool := NewExecTool("exec", mgr)
	procTool := NewProcessTool(mgr)

	for i := 0; i < 2; i++ {
		params, _ := json.Marshal(map[string]interface{}{
			"command":    "sh -c 'sleep 5'",
			"background": true,
		})
		if _, err := execTool.Execute(context.Background(), params); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
	}

	stopParams, _ := json.Marshal(map[string]interface{}{"action": "stop_all"})
	result, err := procTool.Execute(context.Background(), stopParams)
	if err != nil {
		t.Fatalf("stop_all: %v", err)
	}
	var payload struct {
		Stopped []string `json:"stopped"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(payload.Stopped) != 2 {
		t.Fatalf("expected 2 stopped processes, got %d (%v)", len(payload.Stopped), payload.Stopped)
	}
}

func TestExecTool_TimeoutClamped(t *testing.T) {
	mgr := NewManager(t.TempDir(), "sh")
	tool := NewExecTool("exec", mgr)
	params, _ := json.Marshal(map[string]interface{}{
		"command":         "sh -c 'sleep 2'",
		"timeout_seconds": 1,
	})
	start := time.Now()
	result, err := tool.Execute(context.Background(), params)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("expected timeout to cut execution short, took %v", elapsed)
	}
	var payload struct {
		TimedOut bool `json:"timed_out"`
	}
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		t.Fatalf("parse result: %v", err)
	}
	if !payload.TimedOut {
		t.Fatalf("expected timed_out flag set: %s", result.Content)
	}
}
