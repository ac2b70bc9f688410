// Package pipeline drives the processing path from file events to store
// updates: read new lines, decode them, merge entries across the files of a
// session, aggregate turns, compute metrics and upsert into the store.
package pipeline

import (
	"context"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/zjrosen/sessionscope/internal/entry"
	"github.com/zjrosen/sessionscope/internal/log"
	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/store"
	"github.com/zjrosen/sessionscope/internal/tail"
	"github.com/zjrosen/sessionscope/internal/turns"
	"github.com/zjrosen/sessionscope/internal/watcher"
)

const (
	// DefaultFileCacheSize bounds the per-file entry cache.
	DefaultFileCacheSize = 500
	// DefaultSessionCacheSize bounds the merged per-session entry cache.
	DefaultSessionCacheSize = 200
	// DefaultWorkers is the number of event-processing goroutines.
	DefaultWorkers = 4
)

// Config sizes the pipeline's caches and worker pool.
type Config struct {
	FileCacheSize    int
	SessionCacheSize int
	Workers          int
}

func (c Config) withDefaults() Config {
	if c.FileCacheSize <= 0 {
		c.FileCacheSize = DefaultFileCacheSize
	}
	if c.SessionCacheSize <= 0 {
		c.SessionCacheSize = DefaultSessionCacheSize
	}
	if c.Workers <= 0 {
		c.Workers = DefaultWorkers
	}
	return c
}

// Pipeline owns the entry caches and the session-file index. Events for the
// same path are serialised by worker assignment; rebuilds of the same
// session are serialised by a per-session lock.
type Pipeline struct {
	cfg    Config
	reader *tail.Reader
	agg    *turns.Aggregator
	engine *metrics.Engine
	store  *store.Store
	tracer trace.Tracer

	fileEntries    *lru.Cache[string, []*entry.RawEntry]
	sessionEntries *lru.Cache[string, []*entry.RawEntry]

	mu           sync.Mutex
	sessionFiles map[string]map[string]struct{}
	fileSession  map[string]string
	sessionLocks map[string]*sync.Mutex
}

// New creates a pipeline writing into st.
func New(reader *tail.Reader, agg *turns.Aggregator, engine *metrics.Engine, st *store.Store, cfg Config) (*Pipeline, error) {
	cfg = cfg.withDefaults()

	fileCache, err := lru.New[string, []*entry.RawEntry](cfg.FileCacheSize)
	if err != nil {
		return nil, err
	}
	sessionCache, err := lru.New[string, []*entry.RawEntry](cfg.SessionCacheSize)
	if err != nil {
		return nil, err
	}

	return &Pipeline{
		cfg:            cfg,
		reader:         reader,
		agg:            agg,
		engine:         engine,
		store:          st,
		tracer:         otel.Tracer("sessionscope/pipeline"),
		fileEntries:    fileCache,
		sessionEntries: sessionCache,
		sessionFiles:   make(map[string]map[string]struct{}),
		fileSession:    make(map[string]string),
		sessionLocks:   make(map[string]*sync.Mutex),
	}, nil
}

// Run consumes watcher events until the channel closes or ctx is cancelled.
// Events are sharded to workers by path, so events for one path never race.
func (p *Pipeline) Run(ctx context.Context, events <-chan watcher.Event) {
	queues := make([]chan watcher.Event, p.cfg.Workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan watcher.Event, 64)
		wg.Add(1)
		go func(q <-chan watcher.Event) {
			defer wg.Done()
			for ev := range q {
				p.HandleEvent(ctx, ev)
			}
		}(queues[i])
	}

	for {
		select {
		case <-ctx.Done():
			for _, q := range queues {
				close(q)
			}
			wg.Wait()
			return
		case ev, ok := <-events:
			if !ok {
				for _, q := range queues {
					close(q)
				}
				wg.Wait()
				return
			}
			queues[pathShard(ev.Path, len(queues))] <- ev
		}
	}
}

func pathShard(path string, n int) int {
	h := fnv.New32a()
	h.Write([]byte(path))
	return int(h.Sum32()) % n
}

// HandleEvent processes one watcher event. Errors are logged and contained;
// the next event for the path can retry.
func (p *Pipeline) HandleEvent(ctx context.Context, ev watcher.Event) {
	switch ev.Kind {
	case watcher.Removed:
		p.handleRemoved(ctx, ev.Path)
	default:
		if err := p.processFile(ctx, ev.Path, ev.SessionID); err != nil {
			log.ErrorErr(log.CatPipeline, "file pass failed", err, "path", ev.Path)
		}
	}
}

func (p *Pipeline) processFile(ctx context.Context, path, pathSessionID string) error {
	ctx, span := p.tracer.Start(ctx, "pipeline.processFile",
		trace.WithAttributes(attribute.String("file.path", path)))
	defer span.End()

	known := p.fileEntries.Contains(path)

	var res tail.Result
	var err error
	if known {
		res, err = p.reader.ReadNew(path)
	} else {
		res, err = p.reader.ReadAll(path)
	}
	if err != nil {
		return err
	}

	newEntries := p.decodeLines(path, res.Lines, res.StartLine)

	cached, _ := p.fileEntries.Get(path)
	if res.Truncated || !known {
		// The file was rewritten (or never seen); cached entries are stale.
		cached = nil
	}
	fileEntries := append(cached, newEntries...)
	p.fileEntries.Add(path, fileEntries)

	sessionID := p.resolveSessionID(path, pathSessionID, newEntries)
	if sessionID == "" {
		log.Debug(log.CatPipeline, "no session id for file", "path", path)
		return nil
	}
	span.SetAttributes(attribute.String("session.id", sessionID))

	p.recordSessionFile(sessionID, path)
	p.rebuildSession(ctx, sessionID)
	p.store.SetCurrentSession(sessionID)

	log.Debug(log.CatPipeline, "file pass complete",
		"path", path, "sessionId", sessionID, "newEntries", len(newEntries), "startLine", res.StartLine)
	return nil
}

// handleRemoved drops all state derived from the path and rebuilds the
// session from its remaining files.
func (p *Pipeline) handleRemoved(ctx context.Context, path string) {
	p.reader.Forget(path)
	p.fileEntries.Remove(path)

	p.mu.Lock()
	sessionID := p.fileSession[path]
	delete(p.fileSession, path)
	if sessionID != "" {
		delete(p.sessionFiles[sessionID], path)
	}
	p.mu.Unlock()

	if sessionID == "" {
		return
	}
	log.Info(log.CatPipeline, "session file removed", "path", path, "sessionId", sessionID)
	p.rebuildSession(ctx, sessionID)
}

func (p *Pipeline) decodeLines(path string, lines []string, startLine int) []*entry.RawEntry {
	entries := make([]*entry.RawEntry, 0, len(lines))
	for i, line := range lines {
		e, err := entry.DecodeLine([]byte(line))
		if err != nil {
			log.Warn(log.CatDecode, "skipping malformed line", "path", path, "line", startLine+i, "error", err.Error())
			continue
		}
		if e == nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries
}

// resolveSessionID prefers the sessionId carried by the entries themselves;
// the filename is the fallback for files whose new lines carry none.
func (p *Pipeline) resolveSessionID(path, pathSessionID string, newEntries []*entry.RawEntry) string {
	for _, e := range newEntries {
		if e.SessionID != "" {
			return e.SessionID
		}
	}

	p.mu.Lock()
	prev := p.fileSession[path]
	p.mu.Unlock()
	if prev != "" {
		return prev
	}

	if pathSessionID != "" {
		return pathSessionID
	}
	return watcher.SessionIDFromPath(path)
}

func (p *Pipeline) recordSessionFile(sessionID, path string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.sessionFiles[sessionID] == nil {
		p.sessionFiles[sessionID] = make(map[string]struct{})
	}
	p.sessionFiles[sessionID][path] = struct{}{}
	p.fileSession[path] = sessionID
}

func (p *Pipeline) sessionLock(sessionID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()

	l, ok := p.sessionLocks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		p.sessionLocks[sessionID] = l
	}
	return l
}

// rebuildSession merges the entries of every file belonging to the session,
// re-aggregates its turns and upserts the results. Rebuilds of one session
// are serialised; idempotent because turn ids are deterministic.
func (p *Pipeline) rebuildSession(ctx context.Context, sessionID string) {
	lock := p.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	_, span := p.tracer.Start(ctx, "pipeline.rebuildSession",
		trace.WithAttributes(attribute.String("session.id", sessionID)))
	defer span.End()

	p.mu.Lock()
	paths := make([]string, 0, len(p.sessionFiles[sessionID]))
	for path := range p.sessionFiles[sessionID] {
		paths = append(paths, path)
	}
	p.mu.Unlock()
	sort.Strings(paths)

	var merged []*entry.RawEntry
	for _, path := range paths {
		merged = append(merged, p.entriesForFile(path)...)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})
	p.sessionEntries.Add(sessionID, merged)

	turnList := p.agg.Aggregate(merged)

	if sess, ok := sessionFields(sessionID, merged); ok {
		p.store.UpsertSession(sess)
	}
	for _, t := range turnList {
		p.store.UpsertTurn(t, p.engine.ForTurn(t))
	}
	p.store.PruneTurns(sessionID, len(turnList))

	span.SetAttributes(attribute.Int("session.entries", len(merged)), attribute.Int("session.turns", len(turnList)))
}

// entriesForFile returns the cached entries for the path, re-reading the
// whole file when the cache evicted them. The re-read bypasses the tail
// reader so its offset state stays untouched.
func (p *Pipeline) entriesForFile(path string) []*entry.RawEntry {
	if cached, ok := p.fileEntries.Get(path); ok {
		return cached
	}

	data, err := os.ReadFile(path)
	if err != nil {
		log.Warn(log.CatPipeline, "reload of evicted file failed", "path", path, "error", err.Error())
		return nil
	}
	entries := p.decodeLines(path, splitLines(string(data)), 1)
	p.fileEntries.Add(path, entries)
	return entries
}

func splitLines(data string) []string {
	lines := strings.Split(data, "\n")
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// sessionFields derives the session row from the merged entry list.
func sessionFields(sessionID string, entries []*entry.RawEntry) (store.Session, bool) {
	if len(entries) == 0 {
		return store.Session{}, false
	}

	sess := store.Session{
		ID:             sessionID,
		StartedAt:      entries[0].Timestamp,
		LastActivityAt: entries[len(entries)-1].Timestamp,
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		if sess.ProjectPath == "" && e.CWD != "" {
			sess.ProjectPath = e.CWD
			sess.ProjectName = filepath.Base(e.CWD)
		}
		if sess.Branch == "" && e.GitBranch != "" {
			sess.Branch = e.GitBranch
		}
		if sess.Model == "" && e.Model != "" {
			sess.Model = e.Model
		}
		if sess.ProjectPath != "" && sess.Branch != "" && sess.Model != "" {
			break
		}
	}
	return sess, true
}
