// Package stream fans store events out to push subscribers over server-sent
// events. Each subscriber owns a bounded send queue; a slow client is
// dropped rather than ever blocking a broadcast.
package stream

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/sessionscope/internal/log"
	"github.com/zjrosen/sessionscope/internal/metrics"
	"github.com/zjrosen/sessionscope/internal/pubsub"
	"github.com/zjrosen/sessionscope/internal/store"
	"github.com/zjrosen/sessionscope/internal/turns"
)

// Outgoing message kinds.
const (
	KindConnected       = "connected"
	KindSessionSnapshot = "session-snapshot"
	KindSessionUpdate   = "session-update"
	KindTurnNew         = "turn-new"
	KindTurnUpdate      = "turn-update"
	KindTurnComplete    = "turn-complete"
	KindMetrics         = "metrics"
	KindHeartbeat       = "heartbeat"
	KindError           = "error"
)

const (
	// DefaultQueueSize bounds each subscriber's send queue.
	DefaultQueueSize = 256
	// DefaultHeartbeat is the keepalive interval.
	DefaultHeartbeat = 30 * time.Second
)

// ErrSlowSubscriber marks a subscriber dropped on queue overflow.
var ErrSlowSubscriber = errors.New("stream: subscriber queue overflow")

// Message is one outgoing frame. Payload is kind-specific.
type Message struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// ConnectedPayload echoes the subscription parameters back to the client.
type ConnectedPayload struct {
	ClientID      string `json:"clientId"`
	SessionFilter string `json:"sessionFilter,omitempty"`
	ServerVersion string `json:"serverVersion"`
}

// SnapshotPayload carries a full session view on connect.
type SnapshotPayload struct {
	Session *store.Session          `json:"session"`
	Turns   []*turns.Turn           `json:"turns"`
	Metrics *metrics.SessionMetrics `json:"metrics,omitempty"`
}

// TurnPayload carries a turn and its metrics.
type TurnPayload struct {
	SessionID string               `json:"sessionId"`
	Turn      *turns.Turn          `json:"turn"`
	Metrics   *metrics.TurnMetrics `json:"metrics,omitempty"`
}

// ErrorPayload carries a machine-readable error code.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Subscriber is one connected client. Alive transitions to false exactly
// once; all cleanup funnels through close.
type Subscriber struct {
	ID            string
	SessionFilter string

	queue chan Message
	done  chan struct{}
	once  sync.Once
	b     *Broadcaster
}

// Messages is the subscriber's receive side.
func (s *Subscriber) Messages() <-chan Message {
	return s.queue
}

// Done is closed when the subscriber is cleaned up.
func (s *Subscriber) Done() <-chan struct{} {
	return s.done
}

// Close marks the subscriber dead and removes it. Safe to call repeatedly
// and from any goroutine.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		close(s.done)
		s.b.remove(s.ID)
		// The queue is left open; receivers watch Done instead. Closing it
		// here would race concurrent enqueues.
	})
}

// enqueue delivers a message without ever blocking. Overflow kills the
// subscriber.
func (s *Subscriber) enqueue(m Message) {
	select {
	case <-s.done:
		return
	default:
	}

	select {
	case s.queue <- m:
	default:
		log.Warn(log.CatStream, "dropping slow subscriber", "clientId", s.ID, "error", ErrSlowSubscriber.Error())
		go s.Close()
	}
}

// Config tunes the broadcaster.
type Config struct {
	QueueSize     int
	Heartbeat     time.Duration
	ServerVersion string
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// Broadcaster maps client ids to subscribers and relays bus events to the
// matching ones.
type Broadcaster struct {
	cfg   Config
	store *store.Store

	mu          sync.RWMutex
	subscribers map[string]*Subscriber

	cancelBus func()
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewBroadcaster wires a broadcaster to the bus and store.
func NewBroadcaster(st *store.Store, bus *store.Broker, cfg Config) (*Broadcaster, error) {
	b := &Broadcaster{
		cfg:         cfg.withDefaults(),
		store:       st,
		subscribers: make(map[string]*Subscriber),
		stopCh:      make(chan struct{}),
	}

	cancel, err := bus.Subscribe(b.onEvent)
	if err != nil {
		return nil, err
	}
	b.cancelBus = cancel

	b.wg.Add(1)
	go b.heartbeatLoop()
	return b, nil
}

// Stop detaches from the bus and closes every subscriber.
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		b.cancelBus()
		close(b.stopCh)
		b.wg.Wait()

		b.mu.RLock()
		subs := make([]*Subscriber, 0, len(b.subscribers))
		for _, s := range b.subscribers {
			subs = append(subs, s)
		}
		b.mu.RUnlock()
		for _, s := range subs {
			s.Close()
		}
	})
}

// Subscribe registers a client. sessionFilter may be empty, meaning all
// sessions. The connected message and initial snapshot (or error) are
// already queued on return.
func (b *Broadcaster) Subscribe(sessionFilter string) *Subscriber {
	sub := &Subscriber{
		ID:            uuid.NewString(),
		SessionFilter: sessionFilter,
		queue:         make(chan Message, b.cfg.QueueSize),
		done:          make(chan struct{}),
		b:             b,
	}

	// The greeting and the map insertion happen under the lock: a concurrent
	// broadcast waits for the insertion, so connected and the snapshot are
	// always first in the queue, and the snapshot (read after the lock is
	// taken) covers anything published before the subscriber became visible.
	b.mu.Lock()
	sub.enqueue(b.message(KindConnected, ConnectedPayload{
		ClientID:      sub.ID,
		SessionFilter: sessionFilter,
		ServerVersion: b.cfg.ServerVersion,
	}))
	b.sendInitialSnapshot(sub)
	b.subscribers[sub.ID] = sub
	b.mu.Unlock()

	log.Info(log.CatStream, "subscriber connected", "clientId", sub.ID, "sessionFilter", sessionFilter)
	return sub
}

func (b *Broadcaster) sendInitialSnapshot(sub *Subscriber) {
	if sub.SessionFilter != "" {
		sess, ok := b.store.GetSession(sub.SessionFilter)
		if !ok {
			sub.enqueue(b.message(KindError, ErrorPayload{
				Code:    "SESSION_NOT_FOUND",
				Message: "session " + sub.SessionFilter + " not found",
			}))
			return
		}
		sub.enqueue(b.snapshotMessage(sess))
		return
	}

	if current, ok := b.store.CurrentSession(); ok {
		sub.enqueue(b.snapshotMessage(current))
	}
}

func (b *Broadcaster) snapshotMessage(sess store.Session) Message {
	sm, _ := b.store.GetSessionMetrics(sess.ID)
	return b.message(KindSessionSnapshot, SnapshotPayload{
		Session: &sess,
		Turns:   b.store.GetSessionTurns(sess.ID),
		Metrics: sm,
	})
}

func (b *Broadcaster) remove(id string) {
	b.mu.Lock()
	_, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()
	if ok {
		log.Info(log.CatStream, "subscriber disconnected", "clientId", id)
	}
}

// SubscriberCount reports the live subscriber count.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// onEvent translates a bus event into the outgoing message kind and fans it
// out to subscribers whose filter matches.
func (b *Broadcaster) onEvent(e pubsub.Event[store.EventPayload]) {
	var msg Message
	switch e.Type {
	case pubsub.SessionCreated, pubsub.SessionUpdated:
		msg = b.message(KindSessionUpdate, e.Payload.Session)
	case pubsub.TurnCreated:
		msg = b.message(KindTurnNew, TurnPayload{SessionID: e.SessionID, Turn: e.Payload.Turn, Metrics: e.Payload.TurnMetrics})
	case pubsub.TurnUpdated:
		msg = b.message(KindTurnUpdate, TurnPayload{SessionID: e.SessionID, Turn: e.Payload.Turn, Metrics: e.Payload.TurnMetrics})
	case pubsub.TurnCompleted:
		msg = b.message(KindTurnComplete, TurnPayload{SessionID: e.SessionID, Turn: e.Payload.Turn, Metrics: e.Payload.TurnMetrics})
	case pubsub.MetricsUpdated:
		msg = b.message(KindMetrics, e.Payload.SessionMetrics)
	default:
		return
	}
	b.broadcast(e.SessionID, msg)
}

func (b *Broadcaster) broadcast(sessionID string, msg Message) {
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.SessionFilter == "" || s.SessionFilter == sessionID {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		s.enqueue(msg)
	}
}

func (b *Broadcaster) heartbeatLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.Heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.broadcastHeartbeat()
		}
	}
}

func (b *Broadcaster) broadcastHeartbeat() {
	msg := b.message(KindHeartbeat, nil)
	b.mu.RLock()
	targets := make([]*Subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		targets = append(targets, s)
	}
	b.mu.RUnlock()
	for _, s := range targets {
		s.enqueue(msg)
	}
}

func (b *Broadcaster) message(kind string, payload any) Message {
	return Message{Kind: kind, Timestamp: time.Now().UTC(), Payload: payload}
}

// EncodeSSE renders the message as a server-sent event frame:
// "event: <kind>\ndata: <JSON>\n\n".
func EncodeSSE(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(data)+len(m.Kind)+16)
	frame = append(frame, "event: "...)
	frame = append(frame, m.Kind...)
	frame = append(frame, "\ndata: "...)
	frame = append(frame, data...)
	frame = append(frame, "\n\n"...)
	return frame, nil
}
