package turns

import (
	"time"

	"github.com/zjrosen/sessionscope/internal/entry"
)

// Aggregator turns an ordered entry stream into turns. The zero value is not
// usable; construct with NewAggregator.
type Aggregator struct {
	registry Registry
}

// NewAggregator returns an aggregator using the given code-change registry.
// A nil registry falls back to the defaults.
func NewAggregator(reg Registry) *Aggregator {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Aggregator{registry: reg}
}

// Aggregate converts the session's ordered entries (timestamp ascending,
// ties in original line order) into the dense turn list 1..n. A new turn
// opens on every human message and only there; tool-result echoes and
// assistant entries attach to the currently open turn.
func (a *Aggregator) Aggregate(entries []*entry.RawEntry) []*Turn {
	var out []*Turn
	var b *builder
	turnNumber := 0

	flush := func() {
		if b == nil {
			return
		}
		out = append(out, b.materialize(a.registry))
		b = nil
	}

	for _, e := range entries {
		switch {
		case e.IsHumanMessage():
			flush()
			turnNumber++
			b = newBuilder(turnNumber, e)

		case e.IsAssistantMessage() && b != nil:
			b.addAssistant(e)

		case e.IsToolResultOnly() && b != nil:
			b.addToolResult(e)

		default:
			// Entries before the first human message, and any other
			// role, are ignored.
		}
	}
	flush()

	return out
}

// builder accumulates the entries contributing to one turn.
type builder struct {
	number       int
	user         *entry.RawEntry
	assistants   []*entry.RawEntry
	contributors []*entry.RawEntry
	tools        []*ToolUse
	toolsByID    map[string]*ToolUse
}

func newBuilder(number int, user *entry.RawEntry) *builder {
	return &builder{
		number:       number,
		user:         user,
		contributors: []*entry.RawEntry{user},
		toolsByID:    make(map[string]*ToolUse),
	}
}

func (b *builder) addAssistant(e *entry.RawEntry) {
	b.assistants = append(b.assistants, e)
	b.contributors = append(b.contributors, e)

	for _, block := range e.Content {
		switch block.Type {
		case entry.BlockToolUse:
			tu := &ToolUse{ID: block.ID, Name: block.Name, Input: block.Input}
			b.tools = append(b.tools, tu)
			if block.ID != "" {
				b.toolsByID[block.ID] = tu
			}
		case entry.BlockToolResult:
			b.resolveTool(block.ToolUseID, block.ResultContent, block.IsError)
		}
	}
}

func (b *builder) addToolResult(e *entry.RawEntry) {
	b.contributors = append(b.contributors, e)

	for _, block := range e.Content {
		if block.Type == entry.BlockToolResult {
			b.resolveTool(block.ToolUseID, block.ResultContent, block.IsError)
		}
	}
	if e.ToolUseResult != nil {
		b.resolveTool(e.ToolUseResult.ToolUseID, e.ToolUseResult.Content, e.ToolUseResult.IsError)
	}
}

func (b *builder) resolveTool(toolUseID, content string, isError bool) {
	tu, ok := b.toolsByID[toolUseID]
	if !ok {
		return
	}
	result := content
	tu.Result = &result
	tu.IsError = isError
}

func (b *builder) materialize(reg Registry) *Turn {
	t := &Turn{
		ID:          TurnID(b.user.SessionID, b.number),
		SessionID:   b.user.SessionID,
		TurnNumber:  b.number,
		StartedAt:   b.user.Timestamp,
		UserMessage: b.user.Text(),
		ToolUses:    b.tools,
	}

	// endedAt covers every contributing entry, including trailing tool
	// result echoes.
	t.EndedAt = t.StartedAt
	for _, e := range b.contributors {
		if e.Timestamp.After(t.EndedAt) {
			t.EndedAt = e.Timestamp
		}
	}
	t.DurationMs = t.EndedAt.Sub(t.StartedAt).Milliseconds()

	t.AssistantMessage = joinAssistantText(b.assistants)
	t.Usage = dedupeUsage(b.assistants)
	t.Model = pickModel(b.user, b.assistants)
	t.IsSubagent, t.AgentID = subagentMarkers(b.contributors)

	assignToolDurations(b.assistants, b.tools)
	t.CodeChanges = extractCodeChanges(reg, b.tools)

	return t
}

func joinAssistantText(assistants []*entry.RawEntry) string {
	var out string
	for _, e := range assistants {
		text := e.Text()
		if text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += text
	}
	return out
}

// dedupeUsage sums token counts over assistant entries, keeping only the
// last entry of each streaming request. Chunks of one request share a
// requestId and report cumulative usage, so summing them naively
// double-counts; the final chunk already contains the request's total.
// Entries without a requestId are independent and all contribute.
func dedupeUsage(assistants []*entry.RawEntry) Usage {
	var retained []*entry.RawEntry
	lastByRequest := make(map[string]int) // requestId -> index into retained

	for _, e := range assistants {
		if e.Usage == nil {
			continue
		}
		if e.RequestID == "" {
			retained = append(retained, e)
			continue
		}
		if idx, ok := lastByRequest[e.RequestID]; ok {
			// Later timestamp wins; on equal timestamps the later
			// input position wins.
			if !e.Timestamp.Before(retained[idx].Timestamp) {
				retained[idx] = e
			}
			continue
		}
		lastByRequest[e.RequestID] = len(retained)
		retained = append(retained, e)
	}

	var u Usage
	for _, e := range retained {
		u.InputTokens += e.Usage.InputTokens
		u.OutputTokens += e.Usage.OutputTokens
		u.CacheCreationTokens += e.Usage.CacheCreationTokens
		u.CacheReadTokens += e.Usage.CacheReadTokens
	}
	return u
}

func pickModel(user *entry.RawEntry, assistants []*entry.RawEntry) string {
	for i := len(assistants) - 1; i >= 0; i-- {
		if assistants[i].Model != "" {
			return assistants[i].Model
		}
	}
	return user.Model
}

// subagentMarkers reports whether every contributing entry carries a
// sidechain or agent marker, and the first agent id seen.
func subagentMarkers(contributors []*entry.RawEntry) (bool, string) {
	all := len(contributors) > 0
	agentID := ""
	for _, e := range contributors {
		if !e.IsSubagentEntry() {
			all = false
		}
		if agentID == "" && e.AgentID != "" {
			agentID = e.AgentID
		}
	}
	return all, agentID
}

// assignToolDurations spreads the assistant span evenly across the turn's
// tools. No per-tool timestamps exist in the input, so this is a heuristic:
// span divided by tool count, floored at zero.
func assignToolDurations(assistants []*entry.RawEntry, tools []*ToolUse) {
	if len(assistants) < 2 || len(tools) == 0 {
		return
	}

	first := assistants[0].Timestamp
	last := assistants[len(assistants)-1].Timestamp
	for _, e := range assistants {
		if e.Timestamp.Before(first) {
			first = e.Timestamp
		}
		if e.Timestamp.After(last) {
			last = e.Timestamp
		}
	}

	span := last.Sub(first)
	if span < 0 {
		span = 0
	}
	per := span / time.Duration(len(tools))
	for _, tu := range tools {
		tu.DurationMs = per.Milliseconds()
	}
}
