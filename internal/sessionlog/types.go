// Package sessionlog reads the agent's append-only per-session JSONL logs
// under the projects directory and derives normalized messages and pending
// tool calls from them. All queries are idempotent over fixed file state.
package sessionlog

import (
	"encoding/json"
	"time"
)

// Segment is one piece of human-visible message content.
type Segment struct {
	Type string `json:"type"` // "text" or "image"

	// For text segments
	Text string `json:"text,omitempty"`

	// For image segments
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"` // base64
	URL       string `json:"url,omitempty"`
}

// ToolCall is a tool invocation attached to an assistant message, enriched
// with its result when one exists in the log.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Result    string          `json:"result,omitempty"`
	HasResult bool            `json:"has_result"`
	IsError   bool            `json:"is_error,omitempty"`
}

// Message is the normalized chat message surfaced to clients.
type Message struct {
	ID        string     `json:"id"`
	Role      string     `json:"role"` // "user" or "assistant"
	Content   []Segment  `json:"content"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// PendingToolCall is a tool_use in the log with no tool_result yet.
type PendingToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input,omitempty"`
}

// Project is one project directory under the projects root.
type Project struct {
	// Name is the directory-mangled form used in URLs.
	Name string `json:"name"`
	// Path is the real project path recovered from session logs, when known.
	Path         string    `json:"path,omitempty"`
	SessionCount int       `json:"session_count"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// SessionInfo is a cheap per-session listing record (no file content read).
type SessionInfo struct {
	ID        string    `json:"id"`
	SizeBytes int64     `json:"size_bytes"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SessionMetadata is the detailed per-session record backing the metadata
// endpoint.
type SessionMetadata struct {
	SessionID    string    `json:"session_id"`
	ProjectPath  string    `json:"project_path,omitempty"`
	Model        string    `json:"model,omitempty"`
	Summary      string    `json:"summary,omitempty"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}
