package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/sessionscope/internal/turns"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	return v
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(newViper())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:4477", cfg.ListenAddr)
	assert.Equal(t, 100*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 5*time.Minute, cfg.ActiveWindow)
	assert.Equal(t, 30*time.Second, cfg.Heartbeat)
	assert.Equal(t, 256, cfg.QueueSize)
	assert.Equal(t, 500, cfg.FileCacheSize)
	assert.Equal(t, 200, cfg.SessionCacheSize)
	assert.Equal(t, 100, cfg.MaxListeners)
	assert.NotEmpty(t, cfg.LogsRoot)
	assert.False(t, cfg.Debug)
	assert.Equal(t, "", cfg.TraceExporter)

	assert.Equal(t, 0.25, cfg.EfficiencyWeights.CacheUtilization)
	assert.Equal(t, 10.0, cfg.CodeRatioScale)
	assert.Equal(t, turns.ChangeCreate, cfg.ToolRegistry["Write"])
	assert.Equal(t, turns.ChangeModify, cfg.ToolRegistry["Edit"])
}

func TestLoad_Overrides(t *testing.T) {
	v := newViper()
	v.Set(KeyListenAddr, "0.0.0.0:9000")
	v.Set(KeyDebounce, "250ms")
	v.Set(KeyWeightCache, 0.5)

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, 250*time.Millisecond, cfg.Debounce)
	assert.Equal(t, 0.5, cfg.EfficiencyWeights.CacheUtilization)
}

func TestLoad_CustomToolRegistry(t *testing.T) {
	v := newViper()
	v.Set(KeyToolRegistry, map[string]string{"ApplyPatch": "modify"})

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, turns.ChangeModify, cfg.ToolRegistry["ApplyPatch"])
	// The override replaces the defaults wholesale.
	_, ok := cfg.ToolRegistry["Write"]
	assert.False(t, ok)
}

func TestLoad_InvalidToolKind(t *testing.T) {
	v := newViper()
	v.Set(KeyToolRegistry, map[string]string{"Weird": "transmogrify"})

	_, err := Load(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transmogrify")
}

func TestLoad_InvalidTraceExporter(t *testing.T) {
	v := newViper()
	v.Set(KeyTraceExporter, "jaeger")

	_, err := Load(v)
	require.Error(t, err)
}

func TestLoad_EmptyLogsRootRejected(t *testing.T) {
	v := newViper()
	v.Set(KeyLogsRoot, "")

	_, err := Load(v)
	require.Error(t, err)
}
