// Package turns reconstructs conversational turns from a session's ordered
// entry stream. A turn is one human message plus every assistant response
// and tool exchange until the next human message. Aggregation is pure: the
// same entry stream always yields the same turn list.
package turns

import (
	"fmt"
	"time"
)

// Turn is one reconstructed cycle of a session. Turns are API payloads, so
// fields serialize camelCase like every other response type.
type Turn struct {
	ID               string       `json:"id"`
	SessionID        string       `json:"sessionId"`
	TurnNumber       int          `json:"turnNumber"`
	StartedAt        time.Time    `json:"startedAt"`
	EndedAt          time.Time    `json:"endedAt"`
	DurationMs       int64        `json:"durationMs"`
	UserMessage      string       `json:"userMessage"`
	AssistantMessage string       `json:"assistantMessage"`
	Usage            Usage        `json:"usage"`
	ToolUses         []*ToolUse   `json:"toolUses,omitempty"`
	CodeChanges      []CodeChange `json:"codeChanges,omitempty"`
	Model            string       `json:"model"`
	IsSubagent       bool         `json:"isSubagent"`
	AgentID          string       `json:"agentId,omitempty"`
}

// Usage is a turn's deduplicated token consumption. It mirrors the wire
// usage fields but is a distinct type: the log format's snake_case tags
// must not leak into API responses.
type Usage struct {
	InputTokens         int `json:"inputTokens"`
	OutputTokens        int `json:"outputTokens"`
	CacheCreationTokens int `json:"cacheCreationTokens"`
	CacheReadTokens     int `json:"cacheReadTokens"`
}

// Total returns the sum of all four token classes.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.CacheCreationTokens + u.CacheReadTokens
}

// TurnID builds the deterministic id for a session's nth turn. Determinism
// makes re-aggregation idempotent: replaying a file upserts the same ids.
func TurnID(sessionID string, turnNumber int) string {
	return fmt.Sprintf("%s-turn-%d", sessionID, turnNumber)
}

// ToolUse is one tool invocation observed inside a turn. Result is nil until
// a matching tool_result arrives; a dangling invocation stays unresolved
// with IsError false.
type ToolUse struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Input      map[string]any `json:"input,omitempty"`
	Result     *string        `json:"result,omitempty"`
	IsError    bool           `json:"isError"`
	DurationMs int64          `json:"durationMs"`
}

// ChangeKind classifies a code change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// CodeChange is one file modification extracted from a tool use.
type CodeChange struct {
	FilePath     string     `json:"filePath"`
	Type         ChangeKind `json:"type"`
	LinesAdded   int        `json:"linesAdded"`
	LinesRemoved int        `json:"linesRemoved"`
	Extension    string     `json:"extension"`
}
