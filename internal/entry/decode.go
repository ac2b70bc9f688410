package entry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// wire mirrors the JSONL envelope written by the assistant. Content is kept
// raw because it is either a plain string or an array of tagged blocks.
type wire struct {
	Type        string             `json:"type"`
	UUID        string             `json:"uuid"`
	ParentUUID  *string            `json:"parentUuid"`
	SessionID   string             `json:"sessionId"`
	Timestamp   string             `json:"timestamp"`
	CWD         string             `json:"cwd"`
	GitBranch   *string            `json:"gitBranch"`
	Version     string             `json:"version"`
	RequestID   string             `json:"requestId"`
	AgentID     string             `json:"agentId"`
	IsSidechain bool               `json:"isSidechain"`
	Message     *wireMessage       `json:"message"`
	ToolResult  *wireToolUseResult `json:"toolUseResult"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Usage      *Usage          `json:"usage"`
	Model      string          `json:"model"`
	StopReason *string         `json:"stop_reason"`
}

type wireBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Thinking  string          `json:"thinking"`
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Input     map[string]any  `json:"input"`
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   *bool           `json:"is_error"`
}

type wireToolUseResult struct {
	ToolUseID string          `json:"tool_use_id"`
	Content   json.RawMessage `json:"content"`
	IsError   *bool           `json:"is_error"`
}

// DecodeLine decodes one log line. It returns (nil, nil) for lines that are
// valid but carry nothing for the pipeline (blank lines, summary markers)
// and a descriptive error for malformed lines. It never panics; the caller
// logs errors with the file and line number and moves on.
func DecodeLine(line []byte) (*RawEntry, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var w wire
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, fmt.Errorf("parse line: %w", err)
	}

	// Summary markers are bookkeeping for the assistant's own UI.
	if w.Type == TypeSummary {
		return nil, nil
	}
	if w.Type != TypeUser && w.Type != TypeAssistant {
		return nil, fmt.Errorf("unknown entry type %q", w.Type)
	}
	if w.Message == nil {
		return nil, fmt.Errorf("entry %s has no message", w.UUID)
	}
	if w.Message.Role != RoleUser && w.Message.Role != RoleAssistant {
		return nil, fmt.Errorf("unknown role %q", w.Message.Role)
	}

	ts, err := time.Parse(time.RFC3339, w.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", w.Timestamp, err)
	}

	blocks, err := decodeContent(w.Message.Content)
	if err != nil {
		return nil, err
	}

	e := &RawEntry{
		Type:        w.Type,
		UUID:        w.UUID,
		SessionID:   w.SessionID,
		Timestamp:   ts,
		CWD:         w.CWD,
		Version:     w.Version,
		RequestID:   w.RequestID,
		AgentID:     w.AgentID,
		IsSidechain: w.IsSidechain,
		Role:        w.Message.Role,
		Content:     blocks,
		Usage:       w.Message.Usage,
		Model:       w.Message.Model,
		Raw:         append([]byte(nil), trimmed...),
	}
	if w.ParentUUID != nil {
		e.ParentUUID = *w.ParentUUID
	}
	if w.GitBranch != nil {
		e.GitBranch = *w.GitBranch
	}
	if w.Message.StopReason != nil {
		e.StopReason = *w.Message.StopReason
	}
	if w.ToolResult != nil {
		e.ToolUseResult = &ToolUseResult{
			ToolUseID: w.ToolResult.ToolUseID,
			Content:   flattenResultContent(w.ToolResult.Content),
		}
		if w.ToolResult.IsError != nil {
			e.ToolUseResult.IsError = *w.ToolResult.IsError
		}
	}
	return e, nil
}

// decodeContent accepts either a plain string (normalized to a single text
// block) or an array of tagged blocks.
func decodeContent(raw json.RawMessage) ([]ContentBlock, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, nil
		}
		return []ContentBlock{{Type: BlockText, Text: s}}, nil
	}

	var wbs []wireBlock
	if err := json.Unmarshal(raw, &wbs); err != nil {
		return nil, fmt.Errorf("parse content: %w", err)
	}

	blocks := make([]ContentBlock, 0, len(wbs))
	for _, wb := range wbs {
		b := ContentBlock{Type: wb.Type}
		switch wb.Type {
		case BlockText:
			b.Text = wb.Text
		case BlockThinking:
			b.Thinking = wb.Thinking
		case BlockToolUse:
			b.ID = wb.ID
			b.Name = wb.Name
			b.Input = wb.Input
		case BlockToolResult:
			b.ToolUseID = wb.ToolUseID
			b.ResultContent = flattenResultContent(wb.Content)
			if wb.IsError != nil {
				b.IsError = *wb.IsError
			}
		default:
			// Unknown block kinds pass through untyped; downstream
			// pattern matching ignores them.
		}
		blocks = append(blocks, b)
	}
	return blocks, nil
}

// flattenResultContent extracts plain text from a tool_result content value,
// which is either a string or a nested array of text blocks.
func flattenResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	var nested []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &nested); err != nil {
		return ""
	}
	var buf bytes.Buffer
	for _, n := range nested {
		if n.Type == BlockText && n.Text != "" {
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
			buf.WriteString(n.Text)
		}
	}
	return buf.String()
}
