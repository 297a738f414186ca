// Package bus implements the process-wide publish/subscribe fabric: typed
// message delivery on a single cooperative worker, a bounded replayable
// history, and a secondary named-event emitter sharing the same worker.
package bus

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	defaultHistoryCap = 10000
	stopJoinTimeout   = 3 * time.Second
)

// MetricsCallback is invoked for operational counters when configured.
type MetricsCallback func(metric string, value float64, tags map[string]string)

// EventHandler receives named-event emissions.
type EventHandler func(args ...any)

// Config holds bus construction parameters.
type Config struct {
	HistoryCap      int
	MetricsCallback MetricsCallback
}

type subscriber struct {
	name     string
	callback func(*Message)
	filters  map[string]any
}

type opKind int

const (
	opPublish opKind = iota
	opEmit
	opSubscribe
)

type op struct {
	kind opKind

	msg *Message

	eventName string
	args      []any

	sub         *subscriber
	replayMax   int
	replayLevel Level
}

// Bus delivers messages to subscribers in publish order on one worker
// goroutine. Callback panics are trapped so one bad subscriber cannot
// affect delivery to the rest.
type Bus struct {
	mu       sync.Mutex
	cond     *sync.Cond
	queue    []op
	started  bool
	stopping bool
	done     chan struct{}

	subscribers map[string]*subscriber
	handlers    map[string]map[string]EventHandler
	handlerIdx  map[string]string

	history *historyRing
	debug   atomic.Bool
	metrics MetricsCallback
}

// New creates a stopped bus; call Start before publishing.
func New(cfg Config) *Bus {
	b := &Bus{
		subscribers: make(map[string]*subscriber),
		handlers:    make(map[string]map[string]EventHandler),
		handlerIdx:  make(map[string]string),
		history:     newHistoryRing(cfg.HistoryCap),
		metrics:     cfg.MetricsCallback,
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Start launches the delivery worker. Safe to call again after Stop.
func (b *Bus) Start() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.started {
		return
	}
	b.started = true
	b.stopping = false
	b.done = make(chan struct{})
	go b.supervise(b.done)
	log.Debug().Msg("message bus started")
}

// Stop drains nothing: the worker exits after at most one in-flight
// callback. Pending queue entries are discarded.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	b.stopping = true
	b.started = false
	done := b.done
	b.cond.Broadcast()
	b.mu.Unlock()

	select {
	case <-done:
	case <-time.After(stopJoinTimeout):
		log.Warn().Msg("message bus worker did not stop within timeout")
	}

	b.mu.Lock()
	b.queue = nil
	b.mu.Unlock()
	log.Debug().Msg("message bus stopped")
}

// IsRunning reports whether the worker is accepting work.
func (b *Bus) IsRunning() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.started
}

// SetDebugMode toggles the process-wide debug hint other components
// consult (verbose traces, saving failed QR crops).
func (b *Bus) SetDebugMode(on bool) { b.debug.Store(on) }

// IsDebugMode reports the debug hint.
func (b *Bus) IsDebugMode() bool { return b.debug.Load() }

// Publish enqueues a message for delivery and returns immediately. When
// the bus is stopped the message is dropped with a warning.
func (b *Bus) Publish(content string, level Level, opts ...MessageOption) {
	m := NewMessage(content, level)
	for _, o := range opts {
		o(m)
	}
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		log.Warn().Str("content", content).Msg("publish on stopped bus, dropping")
		return
	}
	b.queue = append(b.queue, op{kind: opPublish, msg: m})
	b.cond.Signal()
	b.mu.Unlock()
	b.count("bus_messages_published_total", map[string]string{"level": level.String()})
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subOptions)

type subOptions struct {
	filters     map[string]any
	replay      bool
	replayMax   int
	replayLevel Level
}

// WithFilters sets the initial per-subscriber filter map.
func WithFilters(filters map[string]any) SubscribeOption {
	return func(o *subOptions) { o.filters = filters }
}

// WithReplay requests atomic history replay before live delivery: the
// matching historical tail (up to max messages at or above minLevel) is
// pushed to the new subscriber before any subsequently published message.
func WithReplay(max int, minLevel Level) SubscribeOption {
	return func(o *subOptions) {
		o.replay = true
		o.replayMax = max
		o.replayLevel = minLevel
	}
}

// Subscribe registers callback under name and returns the name.
// Re-subscribing under an existing name replaces the prior entry.
func (b *Bus) Subscribe(name string, callback func(*Message), opts ...SubscribeOption) string {
	var o subOptions
	for _, fn := range opts {
		fn(&o)
	}
	sub := &subscriber{name: name, callback: callback, filters: o.filters}
	if sub.filters == nil {
		sub.filters = make(map[string]any)
	}

	b.mu.Lock()
	if o.replay && b.started {
		// Registration and replay both happen on the worker so no live
		// message can interleave ahead of its historical position.
		b.queue = append(b.queue, op{kind: opSubscribe, sub: sub, replayMax: o.replayMax, replayLevel: o.replayLevel})
		b.cond.Signal()
		b.mu.Unlock()
		return name
	}
	b.subscribers[name] = sub
	filters := copyFilters(sub.filters)
	b.mu.Unlock()

	if o.replay {
		// Stopped bus: no worker can race the replay itself.
		for _, m := range b.history.snapshot(o.replayMax, o.replayLevel, "") {
			if matchesFilters(m, filters) {
				b.invoke(sub, m)
			}
		}
	}
	return name
}

// Unsubscribe removes the named subscription. Delivery already in flight
// for an earlier message may still complete.
func (b *Bus) Unsubscribe(name string) {
	b.mu.Lock()
	delete(b.subscribers, name)
	b.mu.Unlock()
}

// SetFilter updates one filter key for the named subscriber.
func (b *Bus) SetFilter(name, key string, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[name]
	if !ok {
		return fmt.Errorf("no subscriber named %q", name)
	}
	sub.filters[key] = value
	return nil
}

// GetFilter returns the filter value for the named subscriber.
func (b *Bus) GetFilter(name, key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subscribers[name]
	if !ok {
		return nil, false
	}
	v, ok := sub.filters[key]
	return v, ok
}

// On registers a handler for a named event and returns its subscription ID.
func (b *Bus) On(eventName string, handler EventHandler) string {
	id := uuid.NewString()
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers[eventName] == nil {
		b.handlers[eventName] = make(map[string]EventHandler)
	}
	b.handlers[eventName][id] = handler
	b.handlerIdx[id] = eventName
	return id
}

// Off removes an event handler by subscription ID.
func (b *Bus) Off(subscriptionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	eventName, ok := b.handlerIdx[subscriptionID]
	if !ok {
		return
	}
	delete(b.handlerIdx, subscriptionID)
	delete(b.handlers[eventName], subscriptionID)
	if len(b.handlers[eventName]) == 0 {
		delete(b.handlers, eventName)
	}
}

// Emit schedules a named-event emission on the worker, preserving order
// relative to published messages.
func (b *Bus) Emit(eventName string, args ...any) {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		log.Warn().Str("event", eventName).Msg("emit on stopped bus, dropping")
		return
	}
	b.queue = append(b.queue, op{kind: opEmit, eventName: eventName, args: args})
	b.cond.Signal()
	b.mu.Unlock()
	b.count("bus_events_emitted_total", map[string]string{"event": eventName})
}

// GetHistory returns a filtered snapshot of retained messages in
// insertion order. max <= 0 means no cap.
func (b *Bus) GetHistory(max int, minLevel Level, patternName string) []*Message {
	return b.history.snapshot(max, minLevel, patternName)
}

// HistoryLen reports how many messages are retained.
func (b *Bus) HistoryLen() int { return b.history.len() }

// supervise restarts the worker loop after a panic until stop.
func (b *Bus) supervise(done chan struct{}) {
	defer close(done)
	for {
		exited := b.runWorker()
		if exited {
			return
		}
		log.Error().Msg("bus worker restarting after panic")
	}
}

// runWorker returns true on clean stop, false after a trapped panic.
func (b *Bus) runWorker() (stopped bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Bytes("stack", debug.Stack()).Msg("bus worker panic")
			stopped = false
		}
	}()
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.stopping {
			b.cond.Wait()
		}
		if b.stopping {
			b.mu.Unlock()
			return true
		}
		next := b.queue[0]
		b.queue = b.queue[1:]
		b.mu.Unlock()
		b.process(next)
	}
}

func (b *Bus) process(o op) {
	switch o.kind {
	case opPublish:
		b.deliver(o.msg)
	case opEmit:
		b.dispatchEvent(o.eventName, o.args)
	case opSubscribe:
		b.registerWithReplay(o)
	}
}

func (b *Bus) deliver(m *Message) {
	// History insertion happens on the worker, before fan-out, so replay
	// snapshots taken by later subscribe ops are complete.
	b.history.append(m)

	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		// Filters are mutable via SetFilter from any goroutine, so they
		// are only read under the lock; delivery uses a copy.
		b.mu.Lock()
		cur, stillThere := b.subscribers[s.name]
		var filters map[string]any
		if stillThere {
			filters = copyFilters(cur.filters)
		}
		b.mu.Unlock()
		if !stillThere {
			continue
		}
		if matchesFilters(m, filters) {
			b.invoke(s, m)
		}
	}
}

func copyFilters(filters map[string]any) map[string]any {
	out := make(map[string]any, len(filters))
	for k, v := range filters {
		out[k] = v
	}
	return out
}

func (b *Bus) registerWithReplay(o op) {
	h := b.history
	h.mu.Lock()
	msgs := h.snapshotLocked(o.replayMax, o.replayLevel, "", func(m *Message) bool {
		return matchesFilters(m, o.sub.filters)
	})
	b.mu.Lock()
	b.subscribers[o.sub.name] = o.sub
	b.mu.Unlock()
	h.mu.Unlock()

	for _, m := range msgs {
		b.invoke(o.sub, m)
	}
}

func (b *Bus) dispatchEvent(eventName string, args []any) {
	b.mu.Lock()
	snapshot := make([]EventHandler, 0, len(b.handlers[eventName]))
	for _, h := range b.handlers[eventName] {
		snapshot = append(snapshot, h)
	}
	b.mu.Unlock()

	for _, h := range snapshot {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Interface("panic", r).Str("event", eventName).
						Bytes("stack", debug.Stack()).Msg("event handler panic")
				}
			}()
			h(args...)
		}()
	}
}

func (b *Bus) invoke(s *subscriber, m *Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("subscriber", s.name).
				Bytes("stack", debug.Stack()).Msg("subscriber callback panic")
		}
	}()
	s.callback(m)
}

func (b *Bus) count(metric string, tags map[string]string) {
	if b.metrics != nil {
		b.metrics(metric, 1, tags)
	}
}
