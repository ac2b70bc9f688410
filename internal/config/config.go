// Package config loads runtime configuration from flags, environment and an
// optional YAML file, in that precedence order. Keys use dotted viper names;
// the environment prefix is SESSIONSCOPE with dots mapped to underscores.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/turns"
)

// Viper keys.
const (
	KeyLogsRoot         = "logs.root"
	KeyListenAddr       = "http.listen"
	KeyDebounce         = "watcher.debounce"
	KeyActiveWindow     = "session.activeWindow"
	KeyHeartbeat        = "stream.heartbeat"
	KeyQueueSize        = "stream.queueSize"
	KeyFileCacheSize    = "pipeline.fileCacheSize"
	KeySessionCacheSize = "pipeline.sessionCacheSize"
	KeyWorkers          = "pipeline.workers"
	KeyMaxListeners     = "bus.maxListeners"
	KeyPricingFile      = "pricing.file"
	KeyDebug            = "debug"
	KeyDebugLogFile     = "debug.logFile"
	KeyTraceExporter    = "trace.exporter"
	KeyTraceEndpoint    = "trace.endpoint"

	KeyWeightCache   = "efficiency.weights.cacheUtilization"
	KeyWeightTools   = "efficiency.weights.toolSuccessRate"
	KeyWeightContext = "efficiency.weights.contextEfficiency"
	KeyWeightCode    = "efficiency.weights.codeOutputRatio"
	KeyCodeScale     = "efficiency.codeRatioScale"

	KeyToolRegistry = "tools.registry"
)

// EnvPrefix is the environment variable prefix.
const EnvPrefix = "SESSIONSCOPE"

// Config is the resolved runtime configuration.
type Config struct {
	LogsRoot     string
	ListenAddr   string
	Debounce     time.Duration
	ActiveWindow time.Duration

	Heartbeat time.Duration
	QueueSize int

	FileCacheSize    int
	SessionCacheSize int
	Workers          int
	MaxListeners     int

	PricingFile string

	Debug        bool
	DebugLogFile string

	TraceExporter string // "", "stdout" or "otlp"
	TraceEndpoint string

	EfficiencyWeights metrics.Weights
	CodeRatioScale    float64
	ToolRegistry      turns.Registry
}

// SetDefaults installs every default on v. Call once before binding flags.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyLogsRoot, defaultLogsRoot())
	v.SetDefault(KeyListenAddr, "127.0.0.1:4477")
	v.SetDefault(KeyDebounce, 100*time.Millisecond)
	v.SetDefault(KeyActiveWindow, 5*time.Minute)
	v.SetDefault(KeyHeartbeat, 30*time.Second)
	v.SetDefault(KeyQueueSize, 256)
	v.SetDefault(KeyFileCacheSize, 500)
	v.SetDefault(KeySessionCacheSize, 200)
	v.SetDefault(KeyWorkers, 4)
	v.SetDefault(KeyMaxListeners, 100)
	v.SetDefault(KeyPricingFile, "")
	v.SetDefault(KeyDebug, false)
	v.SetDefault(KeyDebugLogFile, "")
	v.SetDefault(KeyTraceExporter, "")
	v.SetDefault(KeyTraceEndpoint, "localhost:4317")

	v.SetDefault(KeyWeightCache, 0.25)
	v.SetDefault(KeyWeightTools, 0.25)
	v.SetDefault(KeyWeightContext, 0.25)
	v.SetDefault(KeyWeightCode, 0.25)
	v.SetDefault(KeyCodeScale, metrics.DefaultCodeRatioScale)

	registry := map[string]string{}
	for name, kind := range turns.DefaultRegistry() {
		registry[name] = string(kind)
	}
	v.SetDefault(KeyToolRegistry, registry)
}

// defaultLogsRoot points at the assistant's per-project log tree.
func defaultLogsRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".claude/projects"
	}
	return filepath.Join(home, ".claude", "projects")
}

// Setup wires env binding and the optional config file into v.
func Setup(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, "sessionscope"))
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	// Absent config files are fine; anything else should surface.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "warning: config file: %v\n", err)
		}
	}
}

// Load resolves the full configuration from v.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		LogsRoot:         v.GetString(KeyLogsRoot),
		ListenAddr:       v.GetString(KeyListenAddr),
		Debounce:         v.GetDuration(KeyDebounce),
		ActiveWindow:     v.GetDuration(KeyActiveWindow),
		Heartbeat:        v.GetDuration(KeyHeartbeat),
		QueueSize:        v.GetInt(KeyQueueSize),
		FileCacheSize:    v.GetInt(KeyFileCacheSize),
		SessionCacheSize: v.GetInt(KeySessionCacheSize),
		Workers:          v.GetInt(KeyWorkers),
		MaxListeners:     v.GetInt(KeyMaxListeners),
		PricingFile:      v.GetString(KeyPricingFile),
		Debug:            v.GetBool(KeyDebug),
		DebugLogFile:     v.GetString(KeyDebugLogFile),
		TraceExporter:    v.GetString(KeyTraceExporter),
		TraceEndpoint:    v.GetString(KeyTraceEndpoint),
		EfficiencyWeights: metrics.Weights{
			CacheUtilization:  v.GetFloat64(KeyWeightCache),
			ToolSuccessRate:   v.GetFloat64(KeyWeightTools),
			ContextEfficiency: v.GetFloat64(KeyWeightContext),
			CodeOutputRatio:   v.GetFloat64(KeyWeightCode),
		},
		CodeRatioScale: v.GetFloat64(KeyCodeScale),
	}

	registry := turns.Registry{}
	for name, kind := range v.GetStringMapString(KeyToolRegistry) {
		switch turns.ChangeKind(kind) {
		case turns.ChangeCreate, turns.ChangeModify, turns.ChangeDelete:
			registry[name] = turns.ChangeKind(kind)
		default:
			return Config{}, fmt.Errorf("tool registry: %q maps to unknown change kind %q", name, kind)
		}
	}
	cfg.ToolRegistry = registry

	if cfg.LogsRoot == "" {
		return Config{}, fmt.Errorf("logs root must not be empty")
	}
	switch cfg.TraceExporter {
	case "", "stdout", "otlp":
	default:
		return Config{}, fmt.Errorf("trace exporter must be empty, stdout or otlp, got %q", cfg.TraceExporter)
	}
	return cfg, nil
}
