package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/pubsub"
	"github.com/zjrosen/sessionscope/internal/turns"
)

var base = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

type recordedEvent struct {
	eventType pubsub.EventType
	sessionID string
	payload   EventPayload
}

func newTestStore(t *testing.T) (*Store, *[]recordedEvent) {
	t.Helper()

	bus := pubsub.NewBroker[EventPayload]()
	var events []recordedEvent
	_, err := bus.Subscribe(func(e pubsub.Event[EventPayload]) {
		events = append(events, recordedEvent{e.Type, e.SessionID, e.Payload})
	})
	require.NoError(t, err)

	st := New(metrics.NewEngine(nil, metrics.Weights{}, 0), bus, 0)
	st.now = func() time.Time { return base.Add(time.Hour) }
	return st, &events
}

func makeTurn(sessionID string, n int, started time.Time, usage turns.Usage) *turns.Turn {
	return &turns.Turn{
		ID:         turns.TurnID(sessionID, n),
		SessionID:  sessionID,
		TurnNumber: n,
		StartedAt:  started,
		EndedAt:    started.Add(5 * time.Second),
		DurationMs: 5000,
		Model:      "claude-sonnet-4-5",
		Usage:      usage,
	}
}

func turnMetricsFor(t *turns.Turn) *metrics.TurnMetrics {
	return metrics.NewEngine(nil, metrics.Weights{}, 0).ForTurn(t)
}

func TestStore_UpsertSession_CreateThenUpdate(t *testing.T) {
	st, events := newTestStore(t)

	st.UpsertSession(Session{ID: "s1", ProjectName: "proj", StartedAt: base, LastActivityAt: base})
	st.UpsertSession(Session{ID: "s1", Branch: "main", LastActivityAt: base.Add(time.Minute)})

	sess, ok := st.GetSession("s1")
	require.True(t, ok)
	assert.Equal(t, "proj", sess.ProjectName)
	assert.Equal(t, "main", sess.Branch)
	assert.Equal(t, base.Add(time.Minute), sess.LastActivityAt)

	require.Len(t, *events, 2)
	assert.Equal(t, pubsub.SessionCreated, (*events)[0].eventType)
	assert.Equal(t, pubsub.SessionUpdated, (*events)[1].eventType)
}

func TestStore_UpsertSession_LastActivityNeverRegresses(t *testing.T) {
	st, _ := newTestStore(t)

	st.UpsertSession(Session{ID: "s1", LastActivityAt: base.Add(time.Hour)})
	st.UpsertSession(Session{ID: "s1", LastActivityAt: base})

	sess, _ := st.GetSession("s1")
	assert.Equal(t, base.Add(time.Hour), sess.LastActivityAt)
}

func TestStore_UpsertSession_StartedAtKeepsEarliest(t *testing.T) {
	st, _ := newTestStore(t)

	st.UpsertSession(Session{ID: "s1", StartedAt: base.Add(time.Minute)})
	st.UpsertSession(Session{ID: "s1", StartedAt: base})

	sess, _ := st.GetSession("s1")
	assert.Equal(t, base, sess.StartedAt)
}

func TestStore_UpsertTurn_CreatedThenUpdated(t *testing.T) {
	st, events := newTestStore(t)
	st.UpsertSession(Session{ID: "s1", LastActivityAt: base})
	*events = nil

	t1 := makeTurn("s1", 1, base, turns.Usage{InputTokens: 10, OutputTokens: 5})
	st.UpsertTurn(t1, turnMetricsFor(t1))

	require.Len(t, *events, 2)
	assert.Equal(t, pubsub.TurnCreated, (*events)[0].eventType)
	assert.Equal(t, pubsub.MetricsUpdated, (*events)[1].eventType)

	// Replacing with a later endedAt emits updated and completed.
	*events = nil
	t1b := makeTurn("s1", 1, base, turns.Usage{InputTokens: 10, OutputTokens: 20})
	t1b.EndedAt = base.Add(10 * time.Second)
	st.UpsertTurn(t1b, turnMetricsFor(t1b))

	require.Len(t, *events, 3)
	assert.Equal(t, pubsub.TurnUpdated, (*events)[0].eventType)
	assert.Equal(t, pubsub.TurnCompleted, (*events)[1].eventType)
	assert.Equal(t, pubsub.MetricsUpdated, (*events)[2].eventType)
}

func TestStore_UpsertTurn_SameEndedAtNoCompleted(t *testing.T) {
	st, events := newTestStore(t)

	t1 := makeTurn("s1", 1, base, turns.Usage{})
	st.UpsertTurn(t1, turnMetricsFor(t1))
	*events = nil

	t1b := makeTurn("s1", 1, base, turns.Usage{OutputTokens: 9})
	st.UpsertTurn(t1b, turnMetricsFor(t1b))

	require.Len(t, *events, 2)
	assert.Equal(t, pubsub.TurnUpdated, (*events)[0].eventType)
	assert.Equal(t, pubsub.MetricsUpdated, (*events)[1].eventType)
}

func TestStore_TurnListOrderedRegardlessOfInsertOrder(t *testing.T) {
	st, _ := newTestStore(t)

	for _, n := range []int{3, 1, 2} {
		turn := makeTurn("s1", n, base.Add(time.Duration(n)*time.Minute), turns.Usage{})
		st.UpsertTurn(turn, turnMetricsFor(turn))
	}

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 3)
	for i, turn := range list {
		assert.Equal(t, i+1, turn.TurnNumber)
	}
}

func TestStore_UpsertTurn_ReplaceKeepsListDense(t *testing.T) {
	st, _ := newTestStore(t)

	t1 := makeTurn("s1", 1, base, turns.Usage{})
	t2 := makeTurn("s1", 2, base.Add(time.Minute), turns.Usage{})
	st.UpsertTurn(t1, turnMetricsFor(t1))
	st.UpsertTurn(t2, turnMetricsFor(t2))

	t1b := makeTurn("s1", 1, base, turns.Usage{OutputTokens: 3})
	st.UpsertTurn(t1b, turnMetricsFor(t1b))

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 2)
	assert.Equal(t, 3, list[0].Usage.OutputTokens)
	assert.Equal(t, 2, list[1].TurnNumber)
}

func TestStore_PruneTurnsDropsTrailing(t *testing.T) {
	st, events := newTestStore(t)
	st.UpsertSession(Session{ID: "s1", LastActivityAt: base})

	for n := 1; n <= 3; n++ {
		turn := makeTurn("s1", n, base.Add(time.Duration(n)*time.Minute), turns.Usage{InputTokens: 10})
		st.UpsertTurn(turn, turnMetricsFor(turn))
	}
	*events = nil

	st.PruneTurns("s1", 1)

	list := st.GetSessionTurns("s1")
	require.Len(t, list, 1)
	_, ok := st.GetTurn("s1-turn-3")
	assert.False(t, ok)
	_, ok = st.GetTurnMetrics("s1-turn-2")
	assert.False(t, ok)

	sm, _ := st.GetSessionMetrics("s1")
	assert.Equal(t, 10, sm.Tokens.Input)
	sess, _ := st.GetSession("s1")
	assert.Equal(t, 1, sess.TurnCount)

	require.Len(t, *events, 1)
	assert.Equal(t, pubsub.MetricsUpdated, (*events)[0].eventType)

	// Pruning to the current length is a no-op.
	*events = nil
	st.PruneTurns("s1", 1)
	assert.Empty(t, *events)
}

func TestStore_SessionMetricsInSyncAfterUpsert(t *testing.T) {
	st, _ := newTestStore(t)

	t1 := makeTurn("s1", 1, base, turns.Usage{InputTokens: 100})
	t2 := makeTurn("s1", 2, base.Add(time.Minute), turns.Usage{InputTokens: 200})
	st.UpsertTurn(t1, turnMetricsFor(t1))
	st.UpsertTurn(t2, turnMetricsFor(t2))

	sm, ok := st.GetSessionMetrics("s1")
	require.True(t, ok)
	assert.Equal(t, 2, sm.TurnCount)
	assert.Equal(t, 300, sm.Tokens.Input)
}

func TestStore_TurnCountTracksList(t *testing.T) {
	st, _ := newTestStore(t)
	st.UpsertSession(Session{ID: "s1", LastActivityAt: base})

	t1 := makeTurn("s1", 1, base, turns.Usage{})
	st.UpsertTurn(t1, turnMetricsFor(t1))

	sess, _ := st.GetSession("s1")
	assert.Equal(t, 1, sess.TurnCount)
}

func TestStore_GetTurnByID(t *testing.T) {
	st, _ := newTestStore(t)

	t1 := makeTurn("s1", 1, base, turns.Usage{})
	st.UpsertTurn(t1, turnMetricsFor(t1))

	got, ok := st.GetTurn("s1-turn-1")
	require.True(t, ok)
	assert.Equal(t, t1.ID, got.ID)

	tm, ok := st.GetTurnMetrics("s1-turn-1")
	require.True(t, ok)
	assert.Equal(t, "s1-turn-1", tm.TurnID)

	_, ok = st.GetTurn("s1-turn-99")
	assert.False(t, ok)
}

func TestStore_IsActiveDerivedFromWindow(t *testing.T) {
	st, _ := newTestStore(t)
	now := base.Add(time.Hour)
	st.now = func() time.Time { return now }

	st.UpsertSession(Session{ID: "fresh", LastActivityAt: now.Add(-time.Minute)})
	st.UpsertSession(Session{ID: "stale", LastActivityAt: now.Add(-10 * time.Minute)})

	fresh, _ := st.GetSession("fresh")
	stale, _ := st.GetSession("stale")
	assert.True(t, fresh.IsActive)
	assert.False(t, stale.IsActive)

	active := st.GetActiveSessions()
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].ID)
}

func TestStore_GetAllSessionsOrderedByRecency(t *testing.T) {
	st, _ := newTestStore(t)

	st.UpsertSession(Session{ID: "old", LastActivityAt: base})
	st.UpsertSession(Session{ID: "new", LastActivityAt: base.Add(time.Minute)})

	all := st.GetAllSessions()
	require.Len(t, all, 2)
	assert.Equal(t, "new", all[0].ID)
	assert.Equal(t, "old", all[1].ID)
}

func TestStore_CurrentSessionPointer(t *testing.T) {
	st, events := newTestStore(t)

	st.UpsertSession(Session{ID: "s1", LastActivityAt: base})
	*events = nil

	_, ok := st.CurrentSession()
	assert.False(t, ok)

	st.SetCurrentSession("s1")
	sess, ok := st.CurrentSession()
	require.True(t, ok)
	assert.Equal(t, "s1", sess.ID)

	// Pointer moves emit nothing.
	assert.Empty(t, *events)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	st, _ := newTestStore(t)

	st.UpsertSession(Session{ID: "s1", ProjectName: "proj", LastActivityAt: base})
	sess, _ := st.GetSession("s1")
	sess.ProjectName = "mutated"

	again, _ := st.GetSession("s1")
	assert.Equal(t, "proj", again.ProjectName)
}

func TestStore_NilBusDoesNotPanic(t *testing.T) {
	st := New(metrics.NewEngine(nil, metrics.Weights{}, 0), nil, 0)

	require.NotPanics(t, func() {
		st.UpsertSession(Session{ID: "s1", LastActivityAt: base})
		t1 := makeTurn("s1", 1, base, turns.Usage{})
		st.UpsertTurn(t1, turnMetricsFor(t1))
	})
}
