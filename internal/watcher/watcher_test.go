package watcher

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWatcher(t *testing.T, root string) *Watcher {
	t.Helper()
	w, err := New(Config{Root: root, Debounce: 20 * time.Millisecond})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(w.Stop)
	return w
}

// collect drains events until the predicate matches or the timeout expires.
func collect(t *testing.T, w *Watcher, timeout time.Duration, match func(Event) bool) []Event {
	t.Helper()
	var got []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-w.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
			if match(ev) {
				return got
			}
		case <-deadline:
			return got
		}
	}
}

func TestWatcher_InitialScanEmitsAdded(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "-home-me-proj")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	path := filepath.Join(sub, "0b9e2c1a-1111-4222-8333-444455556666.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0o644))

	w := newTestWatcher(t, root)

	events := collect(t, w, time.Second, func(ev Event) bool { return ev.Path == path })
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Added, last.Kind)
	assert.Equal(t, "0b9e2c1a-1111-4222-8333-444455556666", last.SessionID)
}

func TestWatcher_NewFileThenWriteCollapses(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	path := filepath.Join(root, "agent-abc123.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))

	events := collect(t, w, time.Second, func(ev Event) bool { return ev.Path == path })
	require.NotEmpty(t, events)
	assert.Equal(t, Added, events[len(events)-1].Kind)
	assert.Equal(t, "agent-abc123", events[len(events)-1].SessionID)

	// A later write on a known file surfaces as changed.
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("two\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events = collect(t, w, time.Second, func(ev Event) bool { return ev.Kind == Changed })
	require.NotEmpty(t, events)
	assert.Equal(t, Changed, events[len(events)-1].Kind)
}

func TestWatcher_RemoveEmitsImmediately(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "agent-ff00.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))

	w := newTestWatcher(t, root)
	collect(t, w, time.Second, func(ev Event) bool { return ev.Kind == Added })

	require.NoError(t, os.Remove(path))
	events := collect(t, w, time.Second, func(ev Event) bool { return ev.Kind == Removed })
	require.NotEmpty(t, events)
	assert.Equal(t, Removed, events[len(events)-1].Kind)
	assert.Equal(t, path, events[len(events)-1].Path)
}

func TestWatcher_IgnoresOtherExtensions(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("x"), 0o644))

	events := collect(t, w, 200*time.Millisecond, func(Event) bool { return false })
	assert.Empty(t, events)
}

func TestWatcher_NewSubdirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	w := newTestWatcher(t, root)

	sub := filepath.Join(root, "-home-me-other")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	// Give the watcher a beat to register the new directory.
	time.Sleep(50 * time.Millisecond)

	path := filepath.Join(sub, "agent-12ab.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("one\n"), 0o644))

	events := collect(t, w, time.Second, func(ev Event) bool { return ev.Path == path })
	require.NotEmpty(t, events)
	assert.Equal(t, Added, events[len(events)-1].Kind)
}

func TestWatcher_RootMustExist(t *testing.T) {
	_, err := New(Config{Root: "/nonexistent/claude/projects"})
	require.Error(t, err)
}

func TestSessionIDFromPath(t *testing.T) {
	tests := []struct {
		name string
		path string
		want string
	}{
		{"uuid basename", "/root/p/0b9e2c1a-1111-4222-8333-444455556666.jsonl", "0b9e2c1a-1111-4222-8333-444455556666"},
		{"agent basename", "/root/p/agent-deadbeef.jsonl", "agent-deadbeef"},
		{"fallback basename", "/root/p/scratch-session.jsonl", "scratch-session"},
		{"no extension", "/root/p/bare", "bare"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SessionIDFromPath(tt.path))
		})
	}
}

func TestWatcher_StopDuringPendingFlushes(t *testing.T) {
	// Stop racing armed debounce timers must never send on the closed
	// event channel.
	for i := 0; i < 50; i++ {
		root := t.TempDir()
		w, err := New(Config{Root: root, Debounce: time.Millisecond, BufferSize: 1})
		require.NoError(t, err)
		require.NoError(t, w.Start())

		go func() {
			for range w.Events() {
			}
		}()

		for j := 0; j < 5; j++ {
			path := filepath.Join(root, "agent-"+strconv.Itoa(j)+".jsonl")
			require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
		}
		time.Sleep(time.Millisecond)

		require.NotPanics(t, w.Stop)
	}
}

func TestIsCanonicalSessionFile(t *testing.T) {
	assert.True(t, IsCanonicalSessionFile("/p/0b9e2c1a-1111-4222-8333-444455556666.jsonl", ".jsonl"))
	assert.True(t, IsCanonicalSessionFile("/p/agent-deadbeef.jsonl", ".jsonl"))
	assert.False(t, IsCanonicalSessionFile("/p/notes.jsonl", ".jsonl"))
	assert.False(t, IsCanonicalSessionFile("/p/AGENT-DEADBEEF.jsonl", ".jsonl"))
}
