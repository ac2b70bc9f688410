// Package pricing maps model identifiers to per-million-token prices and
// context window sizes, and provides the cost and context-usage arithmetic
// shared by the metrics engine. Prices are inputs: the built-in table can be
// overlaid from a YAML file so stale entries never require a rebuild.
package pricing

import (
	"fmt"
	"math"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ModelPrice holds per-million-token prices (USD) and the context window
// size for one model.
type ModelPrice struct {
	InputPerM         float64 `yaml:"inputPerM"`
	OutputPerM        float64 `yaml:"outputPerM"`
	CacheCreationPerM float64 `yaml:"cacheCreationPerM"`
	CacheReadPerM     float64 `yaml:"cacheReadPerM"`
	MaxContextTokens  int     `yaml:"maxContextTokens"`
}

// DefaultModel is the fallback key used when a model id has no table entry.
const DefaultModel = "default"

// builtin is keyed by model-id prefix. Lookup picks the longest matching
// prefix so "claude-sonnet-4-5-20250929" resolves via "claude-sonnet-4".
var builtin = map[string]ModelPrice{
	"claude-opus-4":     {InputPerM: 15.00, OutputPerM: 75.00, CacheCreationPerM: 18.75, CacheReadPerM: 1.50, MaxContextTokens: 200000},
	"claude-sonnet-4":   {InputPerM: 3.00, OutputPerM: 15.00, CacheCreationPerM: 3.75, CacheReadPerM: 0.30, MaxContextTokens: 200000},
	"claude-haiku-4":    {InputPerM: 1.00, OutputPerM: 5.00, CacheCreationPerM: 1.25, CacheReadPerM: 0.10, MaxContextTokens: 200000},
	"claude-3-7-sonnet": {InputPerM: 3.00, OutputPerM: 15.00, CacheCreationPerM: 3.75, CacheReadPerM: 0.30, MaxContextTokens: 200000},
	"claude-3-5-sonnet": {InputPerM: 3.00, OutputPerM: 15.00, CacheCreationPerM: 3.75, CacheReadPerM: 0.30, MaxContextTokens: 200000},
	"claude-3-5-haiku":  {InputPerM: 0.80, OutputPerM: 4.00, CacheCreationPerM: 1.00, CacheReadPerM: 0.08, MaxContextTokens: 200000},
	"claude-3-opus":     {InputPerM: 15.00, OutputPerM: 75.00, CacheCreationPerM: 18.75, CacheReadPerM: 1.50, MaxContextTokens: 200000},
	DefaultModel:        {InputPerM: 3.00, OutputPerM: 15.00, CacheCreationPerM: 3.75, CacheReadPerM: 0.30, MaxContextTokens: 200000},
}

// Table resolves model ids to prices.
type Table struct {
	entries  map[string]ModelPrice
	prefixes []string // sorted longest-first for prefix lookup
}

// NewTable returns a table containing the built-in entries.
func NewTable() *Table {
	t := &Table{entries: make(map[string]ModelPrice, len(builtin))}
	for k, v := range builtin {
		t.entries[k] = v
	}
	t.reindex()
	return t
}

// NewTableFromFile returns the built-in table overlaid with entries from a
// YAML file mapping model-id (or prefix) to ModelPrice. Override entries
// replace built-ins with the same key.
func NewTableFromFile(path string) (*Table, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied pricing file
	if err != nil {
		return nil, fmt.Errorf("read pricing file: %w", err)
	}

	var overrides map[string]ModelPrice
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse pricing file %s: %w", path, err)
	}

	t := NewTable()
	for k, v := range overrides {
		t.entries[k] = v
	}
	t.reindex()
	return t, nil
}

func (t *Table) reindex() {
	t.prefixes = t.prefixes[:0]
	for k := range t.entries {
		if k == DefaultModel {
			continue
		}
		t.prefixes = append(t.prefixes, k)
	}
	// Longest prefix first so more specific entries win.
	sort.Slice(t.prefixes, func(i, j int) bool {
		if len(t.prefixes[i]) != len(t.prefixes[j]) {
			return len(t.prefixes[i]) > len(t.prefixes[j])
		}
		return t.prefixes[i] < t.prefixes[j]
	})
}

// Lookup returns the price entry for the given model id, falling back to the
// default entry when no exact or prefix match exists.
func (t *Table) Lookup(model string) ModelPrice {
	if p, ok := t.entries[model]; ok {
		return p
	}
	lower := strings.ToLower(model)
	for _, prefix := range t.prefixes {
		if strings.HasPrefix(lower, prefix) {
			return t.entries[prefix]
		}
	}
	return t.entries[DefaultModel]
}

// Cost returns the USD cost for n tokens at the given per-million price,
// rounded to micro-cents (6 decimal places).
func Cost(tokens int, perMillion float64) float64 {
	return RoundCost(float64(tokens) / 1_000_000 * perMillion)
}

// RoundCost rounds a monetary value to 6 decimal places.
func RoundCost(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// ContextUsagePercent returns the percentage of the model's context window
// occupied by input plus cache-read tokens, clamped to [0,100] and rounded
// to 2 decimals.
func (p ModelPrice) ContextUsagePercent(inputTokens, cacheReadTokens int) float64 {
	if p.MaxContextTokens <= 0 {
		return 0
	}
	pct := float64(inputTokens+cacheReadTokens) / float64(p.MaxContextTokens) * 100
	pct = math.Round(pct*100) / 100
	return math.Min(100, pct)
}

// CacheHitRate returns cacheRead / (cacheRead + cacheCreation) as a
// percentage, zero when the denominator is zero.
func CacheHitRate(cacheRead, cacheCreation int) float64 {
	total := cacheRead + cacheCreation
	if total == 0 {
		return 0
	}
	return float64(cacheRead) / float64(total) * 100
}
