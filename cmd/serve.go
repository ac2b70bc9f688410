package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/sessionscope/internal/config"
	"github.com/zjrosen/sessionscope/internal/httpapi"
	"github.com/zjrosen/sessionscope/internal/log"
	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/pipeline"
	"github.com/zjrosen/sessionscope/internal/pricing"
	"github.com/zjrosen/sessionscope/internal/pubsub"
	"github.com/zjrosen/sessionscope/internal/store"
	"github.com/zjrosen/sessionscope/internal/stream"
	"github.com/zjrosen/sessionscope/internal/tail"
	"github.com/zjrosen/sessionscope/internal/telemetry"
	"github.com/zjrosen/sessionscope/internal/turns"
	"github.com/zjrosen/sessionscope/internal/watcher"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Watch the session logs and serve the API",
	Long: `Watch the assistant's log directory, keep the in-memory session state
current, and serve the REST API plus the SSE event stream until
interrupted.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Debug {
		logPath := cfg.DebugLogFile
		if logPath == "" {
			logPath = filepath.Join(os.TempDir(), "sessionscope-debug.log")
		}
		cleanup, err := log.Init(logPath, 1000)
		if err != nil {
			return fmt.Errorf("init debug log: %w", err)
		}
		defer cleanup()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:       cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		ServiceVersion: version,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.ErrorErr(log.CatConfig, "tracing shutdown failed", err)
		}
	}()

	table := pricing.NewTable()
	if cfg.PricingFile != "" {
		table, err = pricing.NewTableFromFile(cfg.PricingFile)
		if err != nil {
			return fmt.Errorf("load pricing overrides: %w", err)
		}
	}

	engine := metrics.NewEngine(table, cfg.EfficiencyWeights, cfg.CodeRatioScale)
	bus := pubsub.NewBrokerWithLimit[store.EventPayload](cfg.MaxListeners)
	st := store.New(engine, bus, cfg.ActiveWindow)

	pipe, err := pipeline.New(
		tail.NewReader(),
		turns.NewAggregator(cfg.ToolRegistry),
		engine,
		st,
		pipeline.Config{
			FileCacheSize:    cfg.FileCacheSize,
			SessionCacheSize: cfg.SessionCacheSize,
			Workers:          cfg.Workers,
		},
	)
	if err != nil {
		return fmt.Errorf("create pipeline: %w", err)
	}

	w, err := watcher.New(watcher.Config{
		Root:     cfg.LogsRoot,
		Debounce: cfg.Debounce,
	})
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Start(); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer w.Stop()

	pipeDone := make(chan struct{})
	go func() {
		defer close(pipeDone)
		pipe.Run(ctx, w.Events())
	}()

	broadcaster, err := stream.NewBroadcaster(st, bus, stream.Config{
		QueueSize:     cfg.QueueSize,
		Heartbeat:     cfg.Heartbeat,
		ServerVersion: version,
	})
	if err != nil {
		return fmt.Errorf("create broadcaster: %w", err)
	}
	defer broadcaster.Stop()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: httpapi.NewServer(st, broadcaster).Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info(log.CatHTTP, "listening", "addr", cfg.ListenAddr)
		fmt.Printf("sessionscope %s watching %s, serving http://%s\n", version, cfg.LogsRoot, cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.ErrorErr(log.CatHTTP, "http shutdown failed", err)
	}
	<-pipeDone
	return nil
}
