package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type within an agent session.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is a single turn in an agent session's transcript.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`

	// ParentMessageID links a message to the one it replied to; empty for
	// the first message in a session.
	ParentMessageID string `json:"parent_message_id,omitempty"`

	Role    Role   `json:"role"`
	Content string `json:"content"`

	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`

	// IterationNumber is the agent-loop iteration this message belongs to.
	IterationNumber int `json:"iteration_number,omitempty"`

	// AgentDepth is 0 for the orchestrator's own messages, 1 for a
	// directly-spawned worker agent, 2 for an agent spawned by a worker, etc.
	AgentDepth int `json:"agent_depth,omitempty"`

	// IsSummarized marks a message as having been replaced by a summary.
	IsSummarized bool `json:"is_summarized,omitempty"`

	// SummaryID references the message that summarizes this one, when set.
	SummaryID string `json:"summary_id,omitempty"`

	PromptTokens     int `json:"prompt_tokens,omitempty"`
	CompletionTokens int `json:"completion_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Session represents one agent's conversation thread, scoped to a subtask.
type Session struct {
	ID        string         `json:"id"`
	PlanID    string         `json:"plan_id,omitempty"`
	SubTaskID string         `json:"subtask_id,omitempty"`
	AgentID   string         `json:"agent_id"`
	Title     string         `json:"title,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}
