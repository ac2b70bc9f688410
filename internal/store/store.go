// Package store holds the reconstructed observability state: sessions, their
// ordered turns, and computed metrics. It is the single writer boundary;
// every mutation emits typed events on the bus after the lock is released.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/sessionscope/internal/log"
	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/pubsub"
	"github.com/zjrosen/sessionscope/internal/turns"
)

// DefaultActiveWindow is how long after its last activity a session still
// counts as active.
const DefaultActiveWindow = 5 * time.Minute

// Session is the top-level entity reconstructed from the log files.
// IsActive is derived at read time, never stored.
type Session struct {
	ID             string    `json:"id"`
	ProjectPath    string    `json:"projectPath"`
	ProjectName    string    `json:"projectName"`
	Branch         string    `json:"branch,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	LastActivityAt time.Time `json:"lastActivityAt"`
	Model          string    `json:"model"`
	TurnCount      int       `json:"turnCount"`
	IsActive       bool      `json:"isActive"`
}

// EventPayload carries the entity a bus event refers to. At most the fields
// relevant to the event type are set.
type EventPayload struct {
	Session        *Session
	Turn           *turns.Turn
	TurnMetrics    *metrics.TurnMetrics
	SessionMetrics *metrics.SessionMetrics
}

// Broker is the bus type the store publishes on.
type Broker = pubsub.Broker[EventPayload]

type pendingEvent struct {
	eventType pubsub.EventType
	sessionID string
	payload   EventPayload
}

// Store owns all Session, Turn and metrics instances. A single read-write
// lock guards the maps; snapshots are taken under it and returned by value
// or as copied slices.
type Store struct {
	mu               sync.RWMutex
	sessions         map[string]*Session
	turnsBySession   map[string][]*turns.Turn
	turnsByID        map[string]*turns.Turn
	sessionMetrics   map[string]*metrics.SessionMetrics
	turnMetrics      map[string]*metrics.TurnMetrics
	currentSessionID string

	engine       *metrics.Engine
	bus          *Broker
	activeWindow time.Duration
	now          func() time.Time
}

// New creates a store publishing on bus. A zero activeWindow uses the
// default.
func New(engine *metrics.Engine, bus *Broker, activeWindow time.Duration) *Store {
	if activeWindow <= 0 {
		activeWindow = DefaultActiveWindow
	}
	return &Store{
		sessions:       make(map[string]*Session),
		turnsBySession: make(map[string][]*turns.Turn),
		turnsByID:      make(map[string]*turns.Turn),
		sessionMetrics: make(map[string]*metrics.SessionMetrics),
		turnMetrics:    make(map[string]*metrics.TurnMetrics),
		engine:         engine,
		bus:            bus,
		activeWindow:   activeWindow,
		now:            time.Now,
	}
}

// UpsertSession creates the session on first sight and merges fields on
// later calls. LastActivityAt never moves backwards.
func (s *Store) UpsertSession(in Session) {
	s.mu.Lock()

	var events []pendingEvent
	existing, ok := s.sessions[in.ID]
	if !ok {
		created := in
		created.TurnCount = len(s.turnsBySession[in.ID])
		s.sessions[in.ID] = &created
		log.Debug(log.CatStore, "session created", "sessionId", in.ID, "project", in.ProjectName)
		events = append(events, pendingEvent{pubsub.SessionCreated, in.ID, EventPayload{Session: snapshotSession(&created, s.isActiveLocked(&created))}})
	} else {
		if in.ProjectPath != "" {
			existing.ProjectPath = in.ProjectPath
		}
		if in.ProjectName != "" {
			existing.ProjectName = in.ProjectName
		}
		if in.Branch != "" {
			existing.Branch = in.Branch
		}
		if in.Model != "" {
			existing.Model = in.Model
		}
		if !in.StartedAt.IsZero() && (existing.StartedAt.IsZero() || in.StartedAt.Before(existing.StartedAt)) {
			existing.StartedAt = in.StartedAt
		}
		if in.LastActivityAt.After(existing.LastActivityAt) {
			existing.LastActivityAt = in.LastActivityAt
		}
		events = append(events, pendingEvent{pubsub.SessionUpdated, in.ID, EventPayload{Session: snapshotSession(existing, s.isActiveLocked(existing))}})
	}

	s.mu.Unlock()
	s.publish(events)
}

// UpsertTurn inserts or replaces the turn by id, keeps the session's turn
// list ordered by turn number, recomputes the session metrics and emits the
// corresponding events.
func (s *Store) UpsertTurn(t *turns.Turn, tm *metrics.TurnMetrics) {
	s.mu.Lock()

	var events []pendingEvent
	list := s.turnsBySession[t.SessionID]

	if prev, ok := s.turnsByID[t.ID]; ok {
		for i, existing := range list {
			if existing.ID == t.ID {
				list[i] = t
				break
			}
		}
		s.turnsByID[t.ID] = t
		s.turnMetrics[t.ID] = tm
		events = append(events, pendingEvent{pubsub.TurnUpdated, t.SessionID, EventPayload{Turn: t, TurnMetrics: tm}})
		if !prev.EndedAt.Equal(t.EndedAt) {
			events = append(events, pendingEvent{pubsub.TurnCompleted, t.SessionID, EventPayload{Turn: t, TurnMetrics: tm}})
		}
	} else {
		idx := sort.Search(len(list), func(i int) bool { return list[i].TurnNumber >= t.TurnNumber })
		list = append(list, nil)
		copy(list[idx+1:], list[idx:])
		list[idx] = t
		s.turnsBySession[t.SessionID] = list
		s.turnsByID[t.ID] = t
		s.turnMetrics[t.ID] = tm
		events = append(events, pendingEvent{pubsub.TurnCreated, t.SessionID, EventPayload{Turn: t, TurnMetrics: tm}})
	}

	sm := s.recomputeSessionMetricsLocked(t.SessionID)
	events = append(events, pendingEvent{pubsub.MetricsUpdated, t.SessionID, EventPayload{SessionMetrics: sm}})

	if sess, ok := s.sessions[t.SessionID]; ok {
		sess.TurnCount = len(s.turnsBySession[t.SessionID])
	}

	s.mu.Unlock()
	s.publish(events)
}

// PruneTurns drops the session's turns numbered above keep. A shrinking
// re-aggregation (file truncated or removed) leaves stale trailing turns
// otherwise. Emits metrics:updated when anything was dropped.
func (s *Store) PruneTurns(sessionID string, keep int) {
	s.mu.Lock()

	list := s.turnsBySession[sessionID]
	if len(list) <= keep {
		s.mu.Unlock()
		return
	}

	for _, t := range list[keep:] {
		delete(s.turnsByID, t.ID)
		delete(s.turnMetrics, t.ID)
	}
	s.turnsBySession[sessionID] = list[:keep]
	sm := s.recomputeSessionMetricsLocked(sessionID)
	if sess, ok := s.sessions[sessionID]; ok {
		sess.TurnCount = keep
	}
	log.Debug(log.CatStore, "pruned stale turns", "sessionId", sessionID, "kept", keep)

	s.mu.Unlock()
	s.publish([]pendingEvent{{pubsub.MetricsUpdated, sessionID, EventPayload{SessionMetrics: sm}}})
}

// recomputeSessionMetricsLocked rebuilds SessionMetrics from the session's
// current turn list. Caller holds the write lock.
func (s *Store) recomputeSessionMetricsLocked(sessionID string) *metrics.SessionMetrics {
	list := s.turnsBySession[sessionID]
	tms := make([]*metrics.TurnMetrics, 0, len(list))
	for _, t := range list {
		if tm, ok := s.turnMetrics[t.ID]; ok {
			tms = append(tms, tm)
		}
	}
	sm := s.engine.ForSession(sessionID, tms)
	s.sessionMetrics[sessionID] = sm
	return sm
}

// SetCurrentSession moves the current-session pointer. No events.
func (s *Store) SetCurrentSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSessionID = id
}

// CurrentSession returns the session the pointer refers to.
func (s *Store) CurrentSession() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[s.currentSessionID]
	if !ok {
		return Session{}, false
	}
	return *snapshotSession(sess, s.isActiveLocked(sess)), true
}

// GetSession returns a snapshot of one session.
func (s *Store) GetSession(id string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return Session{}, false
	}
	return *snapshotSession(sess, s.isActiveLocked(sess)), true
}

// GetAllSessions returns every session, most recently active first.
func (s *Store) GetAllSessions() []Session {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *snapshotSession(sess, s.isActiveLocked(sess)))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastActivityAt.Equal(out[j].LastActivityAt) {
			return out[i].LastActivityAt.After(out[j].LastActivityAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// GetActiveSessions returns the sessions inside the active window.
func (s *Store) GetActiveSessions() []Session {
	all := s.GetAllSessions()
	active := all[:0]
	for _, sess := range all {
		if sess.IsActive {
			active = append(active, sess)
		}
	}
	return active
}

// GetSessionTurns returns the session's turns ordered by turn number.
func (s *Store) GetSessionTurns(sessionID string) []*turns.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.turnsBySession[sessionID]
	out := make([]*turns.Turn, len(list))
	copy(out, list)
	return out
}

// GetTurn looks a turn up by its id.
func (s *Store) GetTurn(turnID string) (*turns.Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.turnsByID[turnID]
	return t, ok
}

// GetTurnMetrics looks turn metrics up by turn id.
func (s *Store) GetTurnMetrics(turnID string) (*metrics.TurnMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tm, ok := s.turnMetrics[turnID]
	return tm, ok
}

// GetSessionMetrics returns the session's computed metrics.
func (s *Store) GetSessionMetrics(sessionID string) (*metrics.SessionMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sm, ok := s.sessionMetrics[sessionID]
	return sm, ok
}

// SessionCount reports the number of known sessions.
func (s *Store) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Store) isActiveLocked(sess *Session) bool {
	return s.now().Sub(sess.LastActivityAt) <= s.activeWindow
}

func snapshotSession(sess *Session, active bool) *Session {
	out := *sess
	out.IsActive = active
	return &out
}

func (s *Store) publish(events []pendingEvent) {
	if s.bus == nil {
		return
	}
	for _, e := range events {
		s.bus.Publish(e.eventType, e.sessionID, e.payload)
	}
}
