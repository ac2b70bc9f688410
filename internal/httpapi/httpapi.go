// Package httpapi exposes the read-only REST surface over the store. All
// responses are JSON with camelCase keys; errors carry a machine-readable
// code. The aggregate summary is cached briefly because dashboards poll it.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/sessionscope/internal/log"
	"github.com/zjrosen/sessionscope/internal/store"
)

// Error codes returned in the response body.
const (
	CodeSessionNotFound = "SESSION_NOT_FOUND"
	CodeTurnNotFound    = "TURN_NOT_FOUND"
	CodeBadRequest      = "BAD_REQUEST"
)

const (
	// DefaultTurnPageLimit applies when the turns listing gets no limit.
	DefaultTurnPageLimit = 50
	// summaryCacheTTL bounds how stale the aggregate summary may be.
	summaryCacheTTL = 2 * time.Second
	summaryCacheKey = "aggregate-summary"
)

// Server handles the REST routes. Create with NewServer and mount via
// Handler.
type Server struct {
	store        *store.Store
	streamer     http.Handler
	summaryCache *gocache.Cache
	tracer       trace.Tracer
}

// NewServer creates a server over st. streamer, if non-nil, is mounted at
// GET /api/stream.
func NewServer(st *store.Store, streamer http.Handler) *Server {
	return &Server{
		store:        st,
		streamer:     streamer,
		summaryCache: gocache.New(summaryCacheTTL, time.Minute),
		tracer:       otel.Tracer("sessionscope/httpapi"),
	}
}

// Handler returns the routed handler for the full API surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/turns", s.handleListTurns)
	mux.HandleFunc("GET /api/sessions/{id}/metrics", s.handleSessionMetrics)
	mux.HandleFunc("GET /api/turns/{turnId}", s.handleGetTurn)
	mux.HandleFunc("GET /api/summary", s.handleSummary)
	if s.streamer != nil {
		mux.Handle("GET /api/stream", s.streamer)
	}
	return s.traced(mux)
}

// traced wraps the mux with one span per request.
func (s *Server) traced(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := s.tracer.Start(r.Context(), "http "+r.Method+" "+r.URL.Path,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.path", r.URL.Path),
			))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	activeOnly := q.Get("activeOnly") == "true"
	projectFilter := q.Get("projectPath")

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	var sessions []store.Session
	if activeOnly {
		sessions = s.store.GetActiveSessions()
	} else {
		sessions = s.store.GetAllSessions()
	}

	items := make([]SessionListItem, 0, len(sessions))
	for _, sess := range sessions {
		if projectFilter != "" && !strings.Contains(sess.ProjectPath, projectFilter) {
			continue
		}
		items = append(items, s.listItem(sess))
		if limit > 0 && len(items) >= limit {
			break
		}
	}

	writeJSON(w, http.StatusOK, SessionListResponse{Sessions: items, Total: len(items)})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, ok := s.store.GetSession(id)
	if !ok {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session "+id+" not found")
		return
	}

	sm, _ := s.store.GetSessionMetrics(id)
	writeJSON(w, http.StatusOK, SessionDetailResponse{
		Session:   sess,
		Metrics:   sm,
		TurnCount: sess.TurnCount,
	})
}

func (s *Server) handleListTurns(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.store.GetSession(id); !ok {
		writeError(w, http.StatusNotFound, CodeSessionNotFound, "session "+id+" not found")
		return
	}

	q := r.URL.Query()
	offset := 0
	if raw := q.Get("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "offset must be a non-negative integer")
			return
		}
		offset = n
	}
	limit := DefaultTurnPageLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, CodeBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	all := s.store.GetSessionTurns(id)
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}

	writeJSON(w, http.StatusOK, TurnPageResponse{
		Turns:   all[offset:end],
		Offset:  offset,
		Limit:   limit,
		Total:   total,
		HasMore: end < total,
	})
}

func (s *Server) handleSessionMetrics(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sm, ok := s.store.GetSessionMetrics(id)
	if !ok {
		if _, exists := s.store.GetSession(id); !exists {
			writeError(w, http.StatusNotFound, CodeSessionNotFound, "session "+id+" not found")
			return
		}
	}

	resp := SessionMetricsResponse{SessionMetrics: sm}
	if sm != nil {
		resp.Efficiency = &sm.Efficiency
	}
	for _, turn := range s.store.GetSessionTurns(id) {
		if tm, ok := s.store.GetTurnMetrics(turn.ID); ok {
			resp.TurnMetrics = append(resp.TurnMetrics, tm)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetTurn(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turnId")
	turn, ok := s.store.GetTurn(turnID)
	if !ok {
		writeError(w, http.StatusNotFound, CodeTurnNotFound, "turn "+turnID+" not found")
		return
	}

	tm, _ := s.store.GetTurnMetrics(turnID)
	writeJSON(w, http.StatusOK, TurnDetailResponse{
		Turn:        turn,
		Metrics:     tm,
		CodeChanges: turn.CodeChanges,
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if cached, ok := s.summaryCache.Get(summaryCacheKey); ok {
		writeJSON(w, http.StatusOK, cached.(AggregateSummary))
		return
	}

	summary := AggregateSummary{GeneratedAt: time.Now().UTC()}
	for _, sess := range s.store.GetAllSessions() {
		summary.TotalSessions++
		if sess.IsActive {
			summary.ActiveSessions++
		}
		summary.TotalTurns += sess.TurnCount

		sm, ok := s.store.GetSessionMetrics(sess.ID)
		if !ok {
			continue
		}
		summary.TotalTokens += sm.Tokens.Total
		summary.TotalCost += sm.Cost.Total
		summary.TotalDurationMs += sm.TotalDurationMs
		summary.LinesAdded += sm.Code.LinesAdded
		summary.LinesRemoved += sm.Code.LinesRemoved
	}

	s.summaryCache.Set(summaryCacheKey, summary, gocache.DefaultExpiration)
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listItem(sess store.Session) SessionListItem {
	item := SessionListItem{
		ID:             sess.ID,
		ProjectName:    sess.ProjectName,
		Branch:         sess.Branch,
		StartedAt:      sess.StartedAt,
		LastActivityAt: sess.LastActivityAt,
		IsActive:       sess.IsActive,
		Summary:        SessionSummary{TotalTurns: sess.TurnCount},
	}
	if sm, ok := s.store.GetSessionMetrics(sess.ID); ok {
		item.Summary.TotalTokens = sm.Tokens.Total
		item.Summary.TotalCost = sm.Cost.Total
	}
	return item
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.ErrorErr(log.CatHTTP, "encode response failed", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
