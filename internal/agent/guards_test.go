package agent

import (
	"encoding/json"
	"testing"

	"github.com/tkleisas/forge/pkg/models"
)

func TestDetectToolLoop(t *testing.T) {
	g := DefaultGuardConfig()

	calls := []models.ToolCall{
		{Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		{Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		{Name: "read_file", Input: json.RawMessage(`{"path": "a.go"}`)}, // whitespace differs, same JSON
	}
	if !g.DetectToolLoop(calls) {
		t.Error("expected tool loop to be detected for 3 equivalent calls")
	}
}

func TestDetectToolLoop_NoFalsePositive(t *testing.T) {
	g := DefaultGuardConfig()

	calls := []models.ToolCall{
		{Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		{Name: "read_file", Input: json.RawMessage(`{"path":"b.go"}`)},
		{Name: "read_file", Input: json.RawMessage(`{"path":"c.go"}`)},
	}
	if g.DetectToolLoop(calls) {
		t.Error("distinct arguments should not trip the loop guard")
	}
}

func TestDetectToolLoop_BelowWindow(t *testing.T) {
	g := DefaultGuardConfig()

	calls := []models.ToolCall{
		{Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
		{Name: "read_file", Input: json.RawMessage(`{"path":"a.go"}`)},
	}
	if g.DetectToolLoop(calls) {
		t.Error("fewer calls than the window should not trip the guard")
	}
}

func TestDetectConsecutiveFailures(t *testing.T) {
	g := DefaultGuardConfig()

	results := []models.ToolResult{
		{IsError: true},
		{IsError: true},
		{IsError: true},
	}
	if !g.DetectConsecutiveFailures(results) {
		t.Error("expected consecutive-failure guard to trip")
	}
}

func TestDetectConsecutiveFailures_SuccessBreaksStreak(t *testing.T) {
	g := DefaultGuardConfig()

	results := []models.ToolResult{
		{IsError: true},
		{IsError: false},
		{IsError: true},
	}
	if g.DetectConsecutiveFailures(results) {
		t.Error("a success in the window should not trip the guard")
	}
}

func TestIterationCapOutcome(t *testing.T) {
	if !IterationCapOutcome(0.5, 0.90) {
		t.Error("low context usage should be a soft failure")
	}
	if IterationCapOutcome(0.95, 0.90) {
		t.Error("context usage at/above the auto-summarize threshold should be a hard failure")
	}
}
