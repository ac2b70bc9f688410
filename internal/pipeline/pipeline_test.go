package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/store"
	"github.com/zjrosen/sessionscope/internal/tail"
	"github.com/zjrosen/sessionscope/internal/turns"
	"github.com/zjrosen/sessionscope/internal/watcher"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func ts(seconds int) string {
	return base.Add(time.Duration(seconds) * time.Second).Format(time.RFC3339)
}

func userLine(sid string, seconds int, text string) string {
	return fmt.Sprintf(`{"type":"user","uuid":"u%d","sessionId":%q,"timestamp":%q,"cwd":"/home/dev/myproj","gitBranch":"main","message":{"role":"user","content":%q}}`,
		seconds, sid, ts(seconds), text)
}

func assistantLine(sid string, seconds int, reqID, text string, input, output int) string {
	return fmt.Sprintf(`{"type":"assistant","uuid":"a%d","sessionId":%q,"timestamp":%q,"requestId":%q,"message":{"role":"assistant","model":"claude-sonnet-4-5","content":[{"type":"text","text":%q}],"usage":{"input_tokens":%d,"output_tokens":%d}}}`,
		seconds, sid, ts(seconds), reqID, text, input, output)
}

func writeFile(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func appendFile(t *testing.T, path string, lines ...string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	defer f.Close()
	for _, l := range lines {
		_, err := f.WriteString(l + "\n")
		require.NoError(t, err)
	}
}

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	engine := metrics.NewEngine(nil, metrics.Weights{}, 0)
	st := store.New(engine, nil, 0)
	p, err := New(tail.NewReader(), turns.NewAggregator(nil), engine, st, Config{})
	require.NoError(t, err)
	return p, st
}

func changed(path string) watcher.Event {
	return watcher.Event{Kind: watcher.Changed, Path: path, SessionID: watcher.SessionIDFromPath(path)}
}

func removed(path string) watcher.Event {
	return watcher.Event{Kind: watcher.Removed, Path: path, SessionID: watcher.SessionIDFromPath(path)}
}

func TestPipeline_FullLoadBuildsSessionAndTurns(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "hello"),
		assistantLine("s1", 5, "r1", "hi there", 10, 5),
	)

	p.HandleEvent(context.Background(), changed(path))

	sess, ok := st.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, "myproj", sess.ProjectName)
	assert.Equal(t, "/home/dev/myproj", sess.ProjectPath)
	assert.Equal(t, "main", sess.Branch)
	assert.Equal(t, "claude-sonnet-4-5", sess.Model)
	assert.Equal(t, 1, sess.TurnCount)

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].UserMessage)
	assert.Equal(t, "hi there", list[0].AssistantMessage)
	assert.Equal(t, 15, list[0].Usage.Total())

	current, ok := st.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "s1", current.ID)
}

func TestPipeline_IncrementalAppendExtendsTurns(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl", userLine("s1", 0, "first"))
	p.HandleEvent(context.Background(), changed(path))
	require.Len(t, st.GetSessionTurns("s1"), 1)

	appendFile(t, path,
		assistantLine("s1", 3, "r1", "answer", 20, 10),
		userLine("s1", 10, "second"),
	)
	p.HandleEvent(context.Background(), changed(path))

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 2)
	assert.Equal(t, "answer", list[0].AssistantMessage)
	assert.Equal(t, "second", list[1].UserMessage)
}

func TestPipeline_ReaggregationIsIdempotent(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "hello"),
		assistantLine("s1", 5, "r1", "hi", 10, 5),
	)

	p.HandleEvent(context.Background(), changed(path))
	first := st.GetSessionTurns("s1")
	p.HandleEvent(context.Background(), changed(path))
	second := st.GetSessionTurns("s1")

	require.Equal(t, len(first), len(second))
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, first[0].Usage, second[0].Usage)
}

func TestPipeline_CrossFileMerge(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	main := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "do a task"),
		assistantLine("s1", 2, "r1", "delegating", 10, 5),
	)
	agent := writeFile(t, dir, "agent-cafe.jsonl",
		userLine("s1", 10, "subtask"),
		assistantLine("s1", 12, "r2", "done", 30, 15),
	)

	p.HandleEvent(context.Background(), changed(main))
	p.HandleEvent(context.Background(), changed(agent))

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 2)
	assert.Equal(t, "do a task", list[0].UserMessage)
	assert.Equal(t, "subtask", list[1].UserMessage)

	sm, ok := st.GetSessionMetrics("s1")
	require.True(t, ok)
	assert.Equal(t, 60, sm.Tokens.Total)
}

func TestPipeline_FileOrderDoesNotMatter(t *testing.T) {
	// Seed scenario: processing a session's files in either order converges
	// to the same store state.
	dir := t.TempDir()
	lines1 := []string{
		userLine("s1", 0, "one"),
		assistantLine("s1", 2, "r1", "a", 10, 5),
	}
	lines2 := []string{
		userLine("s1", 10, "two"),
		assistantLine("s1", 12, "r2", "b", 20, 10),
	}

	run := func(order []string) ([]*turns.Turn, *metrics.SessionMetrics) {
		p, st := newTestPipeline(t)
		for _, path := range order {
			p.HandleEvent(context.Background(), changed(path))
		}
		sm, _ := st.GetSessionMetrics("s1")
		return st.GetSessionTurns("s1"), sm
	}

	fileA := writeFile(t, dir, "s1.jsonl", lines1...)
	fileB := writeFile(t, dir, "agent-beef.jsonl", lines2...)

	turnsAB, smAB := run([]string{fileA, fileB})
	turnsBA, smBA := run([]string{fileB, fileA})

	require.Equal(t, len(turnsAB), len(turnsBA))
	for i := range turnsAB {
		assert.Equal(t, turnsAB[i].ID, turnsBA[i].ID)
		assert.Equal(t, turnsAB[i].Usage, turnsBA[i].Usage)
	}
	assert.Equal(t, smAB.Tokens, smBA.Tokens)
	assert.Equal(t, smAB.Cost, smBA.Cost)
}

func TestPipeline_RemovedFileRebuildsFromRemaining(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	main := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "keep"),
		assistantLine("s1", 2, "r1", "kept", 10, 5),
	)
	agent := writeFile(t, dir, "agent-dead.jsonl",
		userLine("s1", 10, "drop"),
		assistantLine("s1", 12, "r2", "dropped", 100, 50),
	)

	p.HandleEvent(context.Background(), changed(main))
	p.HandleEvent(context.Background(), changed(agent))
	require.Len(t, st.GetSessionTurns("s1"), 2)

	require.NoError(t, os.Remove(agent))
	p.HandleEvent(context.Background(), removed(agent))

	sm, ok := st.GetSessionMetrics("s1")
	require.True(t, ok)
	assert.Equal(t, 15, sm.Tokens.Total)
}

func TestPipeline_MalformedLinesSkipped(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "hello"),
		`{not json at all`,
		`{"type":"summary","summary":"compaction"}`,
		assistantLine("s1", 5, "r1", "hi", 10, 5),
	)

	p.HandleEvent(context.Background(), changed(path))

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 1)
	assert.Equal(t, 15, list[0].Usage.Total())
}

func TestPipeline_SessionIDFallsBackToFilename(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	// Entries without a sessionId field; the filename names the session.
	line := fmt.Sprintf(`{"type":"user","uuid":"u1","timestamp":%q,"cwd":"/p","message":{"role":"user","content":"hi"}}`, ts(0))
	path := writeFile(t, dir, "orphan.jsonl", line)

	p.HandleEvent(context.Background(), changed(path))

	_, ok := st.GetSession("orphan")
	assert.True(t, ok)
}

func TestPipeline_TruncatedFileRebuiltFromScratch(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "one"),
		userLine("s1", 10, "two"),
	)
	p.HandleEvent(context.Background(), changed(path))
	require.Len(t, st.GetSessionTurns("s1"), 2)

	// Rewrite shorter: the stale cached entries must not survive.
	require.NoError(t, os.WriteFile(path, []byte(userLine("s1", 0, "only")+"\n"), 0o644))
	p.HandleEvent(context.Background(), changed(path))

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 1)
	assert.Equal(t, "only", list[0].UserMessage)
}

func TestPipeline_RunConsumesEventsUntilClose(t *testing.T) {
	p, st := newTestPipeline(t)
	dir := t.TempDir()

	path := writeFile(t, dir, "s1.jsonl",
		userLine("s1", 0, "hello"),
		assistantLine("s1", 5, "r1", "hi", 10, 5),
	)

	events := make(chan watcher.Event, 1)
	events <- changed(path)
	close(events)

	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not drain and exit")
	}

	require.Len(t, st.GetSessionTurns("s1"), 1)
}

func TestPipeline_MissingFileErrorContained(t *testing.T) {
	p, st := newTestPipeline(t)

	require.NotPanics(t, func() {
		p.HandleEvent(context.Background(), changed("/nope/missing.jsonl"))
	})
	assert.Equal(t, 0, st.SessionCount())
}
