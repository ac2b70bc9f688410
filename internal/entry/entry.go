// Package entry defines the decoded form of one session-log line and the
// tolerant decoder that produces it. The assistant writes append-only JSONL
// files; each line is a user or assistant message envelope, a tool-result
// echo, or a summary marker. Unknown fields are preserved via the raw line.
package entry

import (
	"strings"
	"time"
)

// Entry types as written by the assistant.
const (
	TypeUser      = "user"
	TypeAssistant = "assistant"
	TypeSummary   = "summary"
)

// Roles inside the message envelope.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Content block kinds.
const (
	BlockText       = "text"
	BlockThinking   = "thinking"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// Usage carries the token counts reported with an assistant message.
// Streaming chunks of one request share a requestId and report cumulative
// values; the turn aggregator deduplicates before summing.
type Usage struct {
	InputTokens         int `json:"input_tokens"`
	OutputTokens        int `json:"output_tokens"`
	CacheCreationTokens int `json:"cache_creation_input_tokens"`
	CacheReadTokens     int `json:"cache_read_input_tokens"`
}

// Total returns the sum of all four token classes.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// ToolUseResult is the top-level tool result echo that accompanies
// tool-result user lines.
type ToolUseResult struct {
	ToolUseID string `json:"tool_use_id"`
	Content   string `json:"content"`
	IsError   bool   `json:"is_error"`
}

// RawEntry is one decoded log line.
type RawEntry struct {
	Type        string
	UUID        string
	ParentUUID  string
	SessionID   string
	Timestamp   time.Time
	CWD         string
	GitBranch   string
	Version     string
	RequestID   string
	AgentID     string
	IsSidechain bool

	Role       string
	Content    []ContentBlock
	Usage      *Usage
	Model      string
	StopReason string

	ToolUseResult *ToolUseResult

	// Raw preserves the original line so unknown fields survive a
	// decode/re-encode round trip.
	Raw []byte
}

// ContentBlock is one tagged content variant. Type selects which of the
// remaining fields are meaningful.
type ContentBlock struct {
	Type string

	// text / thinking
	Text     string
	Thinking string

	// tool_use
	ID    string
	Name  string
	Input map[string]any

	// tool_result
	ToolUseID     string
	ResultContent string
	IsError       bool
}

// IsHumanMessage reports whether this entry opens a turn: a user-role entry
// that carries real text and no tool_result blocks.
func (e *RawEntry) IsHumanMessage() bool {
	if e.Role != RoleUser || e.Type == TypeAssistant {
		return false
	}
	hasText := false
	for _, b := range e.Content {
		switch b.Type {
		case BlockToolResult:
			return false
		case BlockText:
			if strings.TrimSpace(b.Text) != "" {
				hasText = true
			}
		}
	}
	return hasText
}

// IsAssistantMessage reports whether this entry is an assistant response.
func (e *RawEntry) IsAssistantMessage() bool {
	return e.Role == RoleAssistant
}

// IsToolResultOnly reports whether this entry is a user-role echo of tool
// results. Such entries belong to the current turn and never open one.
func (e *RawEntry) IsToolResultOnly() bool {
	if e.Role != RoleUser {
		return false
	}
	for _, b := range e.Content {
		if b.Type == BlockToolResult {
			return true
		}
	}
	return e.ToolUseResult != nil
}

// IsSubagentEntry reports whether this entry came from a delegated sidechain
// session. Either marker counts; the log format is inconsistent about which
// one is present.
func (e *RawEntry) IsSubagentEntry() bool {
	return e.IsSidechain || e.AgentID != ""
}

// Text returns the concatenation of the entry's text blocks, separated by
// newlines. Thinking, tool_use and tool_result blocks contribute nothing.
func (e *RawEntry) Text() string {
	var parts []string
	for _, b := range e.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}
