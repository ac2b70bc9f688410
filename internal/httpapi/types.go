package httpapi

import (
	"time"

	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/store"
	"github.com/zjrosen/sessionscope/internal/turns"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SessionSummary is the per-session rollup in list responses.
type SessionSummary struct {
	TotalTurns  int     `json:"totalTurns"`
	TotalTokens int     `json:"totalTokens"`
	TotalCost   float64 `json:"totalCost"`
}

// SessionListItem is one row of the sessions listing.
type SessionListItem struct {
	ID             string         `json:"id"`
	ProjectName    string         `json:"projectName"`
	Branch         string         `json:"branch,omitempty"`
	StartedAt      time.Time      `json:"startedAt"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	IsActive       bool           `json:"isActive"`
	Summary        SessionSummary `json:"summary"`
}

// SessionListResponse wraps the sessions listing.
type SessionListResponse struct {
	Sessions []SessionListItem `json:"sessions"`
	Total    int               `json:"total"`
}

// SessionDetailResponse is the single-session view.
type SessionDetailResponse struct {
	Session   store.Session           `json:"session"`
	Metrics   *metrics.SessionMetrics `json:"metrics,omitempty"`
	TurnCount int                     `json:"turnCount"`
}

// TurnPageResponse is one page of a session's turns.
type TurnPageResponse struct {
	Turns   []*turns.Turn `json:"turns"`
	Offset  int           `json:"offset"`
	Limit   int           `json:"limit"`
	Total   int           `json:"total"`
	HasMore bool          `json:"hasMore"`
}

// SessionMetricsResponse carries the session metrics with the per-turn
// series behind them.
type SessionMetricsResponse struct {
	SessionMetrics *metrics.SessionMetrics `json:"sessionMetrics"`
	TurnMetrics    []*metrics.TurnMetrics  `json:"turnMetrics"`
	Efficiency     *metrics.Efficiency     `json:"efficiency,omitempty"`
}

// TurnDetailResponse is the single-turn view.
type TurnDetailResponse struct {
	Turn        *turns.Turn          `json:"turn"`
	Metrics     *metrics.TurnMetrics `json:"metrics,omitempty"`
	CodeChanges []turns.CodeChange   `json:"codeChanges"`
}

// AggregateSummary is the cross-session rollup.
type AggregateSummary struct {
	TotalSessions   int       `json:"totalSessions"`
	ActiveSessions  int       `json:"activeSessions"`
	TotalTurns      int       `json:"totalTurns"`
	TotalTokens     int       `json:"totalTokens"`
	TotalCost       float64   `json:"totalCost"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	LinesAdded      int       `json:"linesAdded"`
	LinesRemoved    int       `json:"linesRemoved"`
	GeneratedAt     time.Time `json:"generatedAt"`
}
