// Package metrics computes per-turn and per-session aggregates: token and
// cost breakdowns, context usage, code change counts, and the composite
// efficiency score. Computation is pure; the engine holds only the pricing
// table and the scoring constants.
package metrics

import (
	"math"
	"time"

	"github.com/zjrosen/sessionscope/internal/pricing"
	"github.com/zjrosen/sessionscope/internal/turns"
)

// TokenBreakdown splits a token total into the four billed classes.
type TokenBreakdown struct {
	Input         int `json:"input"`
	Output        int `json:"output"`
	CacheCreation int `json:"cacheCreation"`
	CacheRead     int `json:"cacheRead"`
	Total         int `json:"total"`
}

// CostBreakdown splits a USD cost into the four billed classes. Values are
// rounded to micro-cents.
type CostBreakdown struct {
	Input         float64 `json:"input"`
	Output        float64 `json:"output"`
	CacheCreation float64 `json:"cacheCreation"`
	CacheRead     float64 `json:"cacheRead"`
	Total         float64 `json:"total"`
}

// CodeMetrics counts the code changes of a turn or session.
type CodeMetrics struct {
	FilesCreated  int `json:"filesCreated"`
	FilesModified int `json:"filesModified"`
	FilesDeleted  int `json:"filesDeleted"`
	LinesAdded    int `json:"linesAdded"`
	LinesRemoved  int `json:"linesRemoved"`
}

// TurnMetrics is the computed view of one turn.
type TurnMetrics struct {
	TurnID              string         `json:"turnId"`
	TurnNumber          int            `json:"turnNumber"`
	Timestamp           time.Time      `json:"timestamp"`
	Tokens              TokenBreakdown `json:"tokens"`
	Cost                CostBreakdown  `json:"cost"`
	DurationMs          int64          `json:"durationMs"`
	ContextUsagePercent float64        `json:"contextUsagePercent"`
	ToolCount           int            `json:"toolCount"`
	ToolErrors          int            `json:"toolErrors"`
	ToolBreakdown       map[string]int `json:"toolBreakdown"`
	Code                CodeMetrics    `json:"codeMetrics"`
}

// Averages are per-turn means over a session.
type Averages struct {
	TokensPerTurn       float64 `json:"tokensPerTurn"`
	CostPerTurn         float64 `json:"costPerTurn"`
	DurationMsPerTurn   float64 `json:"durationMsPerTurn"`
	ContextUsagePercent float64 `json:"contextUsagePercent"`
}

// Peaks are element-wise maxima over a session's turns.
type Peaks struct {
	MaxTokensInTurn        int     `json:"maxTokensInTurn"`
	MaxCostInTurn          float64 `json:"maxCostInTurn"`
	MaxDurationMs          int64   `json:"maxDurationMs"`
	MaxContextUsagePercent float64 `json:"maxContextUsagePercent"`
}

// Efficiency holds the composite score and its components, all in [0,100].
type Efficiency struct {
	CacheUtilization  float64 `json:"cacheUtilization"`
	CodeOutputRatio   float64 `json:"codeOutputRatio"`
	ToolSuccessRate   float64 `json:"toolSuccessRate"`
	ContextEfficiency float64 `json:"contextEfficiency"`
	CompositeScore    float64 `json:"compositeScore"`
}

// SessionMetrics is the computed view of a whole session.
type SessionMetrics struct {
	SessionID       string         `json:"sessionId"`
	TurnCount       int            `json:"turnCount"`
	Tokens          TokenBreakdown `json:"tokens"`
	Cost            CostBreakdown  `json:"costBreakdown"`
	TotalDurationMs int64          `json:"totalDurationMs"`
	ToolCount       int            `json:"toolCount"`
	ToolBreakdown   map[string]int `json:"toolBreakdown"`
	Code            CodeMetrics    `json:"codeMetrics"`
	Averages        Averages       `json:"averages"`
	Peaks           Peaks          `json:"peaks"`
	Efficiency      Efficiency     `json:"efficiency"`
	EfficiencyScore float64        `json:"efficiencyScore"`
	CacheHitRate    float64        `json:"cacheHitRate"`
}

// Weights control the composite efficiency score. They are heuristics, so
// they live in configuration rather than code.
type Weights struct {
	CacheUtilization  float64
	ToolSuccessRate   float64
	ContextEfficiency float64
	CodeOutputRatio   float64
}

// DefaultWeights weighs the four components equally.
func DefaultWeights() Weights {
	return Weights{
		CacheUtilization:  0.25,
		ToolSuccessRate:   0.25,
		ContextEfficiency: 0.25,
		CodeOutputRatio:   0.25,
	}
}

// DefaultCodeRatioScale converts the raw code-output ratio onto the 0-100
// score scale before clamping.
const DefaultCodeRatioScale = 10.0

// Engine computes metrics against a pricing table.
type Engine struct {
	prices         *pricing.Table
	weights        Weights
	codeRatioScale float64
}

// NewEngine creates an engine. A nil table uses the built-in prices; zero
// weights use the defaults.
func NewEngine(table *pricing.Table, weights Weights, codeRatioScale float64) *Engine {
	if table == nil {
		table = pricing.NewTable()
	}
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	if codeRatioScale <= 0 {
		codeRatioScale = DefaultCodeRatioScale
	}
	return &Engine{prices: table, weights: weights, codeRatioScale: codeRatioScale}
}

// ForTurn computes the metrics of one turn.
func (e *Engine) ForTurn(t *turns.Turn) *TurnMetrics {
	price := e.prices.Lookup(t.Model)

	tokens := TokenBreakdown{
		Input:         t.Usage.InputTokens,
		Output:        t.Usage.OutputTokens,
		CacheCreation: t.Usage.CacheCreationTokens,
		CacheRead:     t.Usage.CacheReadTokens,
		Total:         t.Usage.Total(),
	}

	cost := CostBreakdown{
		Input:         pricing.Cost(tokens.Input, price.InputPerM),
		Output:        pricing.Cost(tokens.Output, price.OutputPerM),
		CacheCreation: pricing.Cost(tokens.CacheCreation, price.CacheCreationPerM),
		CacheRead:     pricing.Cost(tokens.CacheRead, price.CacheReadPerM),
	}
	cost.Total = pricing.RoundCost(cost.Input + cost.Output + cost.CacheCreation + cost.CacheRead)

	tm := &TurnMetrics{
		TurnID:              t.ID,
		TurnNumber:          t.TurnNumber,
		Timestamp:           t.StartedAt,
		Tokens:              tokens,
		Cost:                cost,
		DurationMs:          t.DurationMs,
		ContextUsagePercent: price.ContextUsagePercent(tokens.Input, tokens.CacheRead),
		ToolBreakdown:       make(map[string]int),
	}

	for _, tu := range t.ToolUses {
		tm.ToolCount++
		tm.ToolBreakdown[tu.Name]++
		if tu.IsError {
			tm.ToolErrors++
		}
	}

	for _, cc := range t.CodeChanges {
		switch cc.Type {
		case turns.ChangeCreate:
			tm.Code.FilesCreated++
		case turns.ChangeModify:
			tm.Code.FilesModified++
		case turns.ChangeDelete:
			tm.Code.FilesDeleted++
		}
		tm.Code.LinesAdded += cc.LinesAdded
		tm.Code.LinesRemoved += cc.LinesRemoved
	}

	return tm
}

// ForSession reduces a session's turn metrics to session metrics. The input
// order does not matter; sums and maxima are commutative.
func (e *Engine) ForSession(sessionID string, tms []*TurnMetrics) *SessionMetrics {
	sm := &SessionMetrics{
		SessionID:     sessionID,
		TurnCount:     len(tms),
		ToolBreakdown: make(map[string]int),
	}

	var contextSum float64
	for _, tm := range tms {
		sm.Tokens.Input += tm.Tokens.Input
		sm.Tokens.Output += tm.Tokens.Output
		sm.Tokens.CacheCreation += tm.Tokens.CacheCreation
		sm.Tokens.CacheRead += tm.Tokens.CacheRead
		sm.Tokens.Total += tm.Tokens.Total

		sm.Cost.Input = pricing.RoundCost(sm.Cost.Input + tm.Cost.Input)
		sm.Cost.Output = pricing.RoundCost(sm.Cost.Output + tm.Cost.Output)
		sm.Cost.CacheCreation = pricing.RoundCost(sm.Cost.CacheCreation + tm.Cost.CacheCreation)
		sm.Cost.CacheRead = pricing.RoundCost(sm.Cost.CacheRead + tm.Cost.CacheRead)
		sm.Cost.Total = pricing.RoundCost(sm.Cost.Total + tm.Cost.Total)

		sm.TotalDurationMs += tm.DurationMs
		sm.ToolCount += tm.ToolCount
		for name, n := range tm.ToolBreakdown {
			sm.ToolBreakdown[name] += n
		}

		sm.Code.FilesCreated += tm.Code.FilesCreated
		sm.Code.FilesModified += tm.Code.FilesModified
		sm.Code.FilesDeleted += tm.Code.FilesDeleted
		sm.Code.LinesAdded += tm.Code.LinesAdded
		sm.Code.LinesRemoved += tm.Code.LinesRemoved

		contextSum += tm.ContextUsagePercent

		sm.Peaks.MaxTokensInTurn = max(sm.Peaks.MaxTokensInTurn, tm.Tokens.Total)
		sm.Peaks.MaxCostInTurn = math.Max(sm.Peaks.MaxCostInTurn, tm.Cost.Total)
		sm.Peaks.MaxDurationMs = max(sm.Peaks.MaxDurationMs, tm.DurationMs)
		sm.Peaks.MaxContextUsagePercent = math.Max(sm.Peaks.MaxContextUsagePercent, tm.ContextUsagePercent)
	}

	if n := float64(len(tms)); n > 0 {
		sm.Averages.TokensPerTurn = float64(sm.Tokens.Total) / n
		sm.Averages.CostPerTurn = pricing.RoundCost(sm.Cost.Total / n)
		sm.Averages.DurationMsPerTurn = float64(sm.TotalDurationMs) / n
		sm.Averages.ContextUsagePercent = contextSum / n
	}

	sm.CacheHitRate = pricing.CacheHitRate(sm.Tokens.CacheRead, sm.Tokens.CacheCreation)
	sm.Efficiency = e.efficiency(sm, tms)
	sm.EfficiencyScore = sm.Efficiency.CompositeScore

	return sm
}

// efficiency derives the composite score from the session aggregates.
func (e *Engine) efficiency(sm *SessionMetrics, tms []*TurnMetrics) Efficiency {
	eff := Efficiency{CacheUtilization: clampPercent(sm.CacheHitRate)}

	if sm.Tokens.Total > 0 {
		eff.CodeOutputRatio = float64(sm.Code.LinesAdded+sm.Code.LinesRemoved) / (float64(sm.Tokens.Total) / 1000)
	}

	toolErrors := 0
	for _, tm := range tms {
		toolErrors += tm.ToolErrors
	}
	if sm.ToolCount > 0 {
		eff.ToolSuccessRate = float64(sm.ToolCount-toolErrors) / float64(sm.ToolCount) * 100
	} else {
		eff.ToolSuccessRate = 100
	}

	eff.ContextEfficiency = clampPercent(100 * (1 - sm.Averages.ContextUsagePercent/100))

	codeScore := math.Min(100, eff.CodeOutputRatio*e.codeRatioScale)
	w := e.weights
	totalWeight := w.CacheUtilization + w.ToolSuccessRate + w.ContextEfficiency + w.CodeOutputRatio
	if totalWeight > 0 {
		eff.CompositeScore = clampPercent((w.CacheUtilization*eff.CacheUtilization +
			w.ToolSuccessRate*eff.ToolSuccessRate +
			w.ContextEfficiency*eff.ContextEfficiency +
			w.CodeOutputRatio*codeScore) / totalWeight)
	}

	return eff
}

func clampPercent(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}
