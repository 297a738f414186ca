// Package realtime maintains the shared presence + broadcast channel
// joining all peers running the tool. One bridge owns one connection:
// it tracks the local presence record, heartbeats, watches for ping
// loss, and republishes filtered remote events onto the local bus.
package realtime

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
	"github.com/versewatch/versewatch/internal/pattern"
)

const (
	// WireEvent is the broadcast event name on the channel.
	WireEvent = "realtime-event"

	// DefaultChannel is the channel joining all peers.
	DefaultChannel = "general"

	defaultHeartbeat     = 30 * time.Second
	defaultPingLoss      = 120 * time.Second
	defaultWatchdogCheck = 5 * time.Second
	unknownUsername      = "Unknown"
)

// Status is the bridge lifecycle state.
type Status int32

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusDisconnecting
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusDisconnecting:
		return "disconnecting"
	default:
		return "disconnected"
	}
}

// GameState provides the local identity and environment for presence
// records and inbound filtering.
type GameState interface {
	Snapshot() pattern.Snapshot
}

// ProfileStore receives profiles carried by peer broadcasts.
type ProfileStore interface {
	StoreRemote(player string, profile map[string]any, sourceUser string)
}

// MetricsCallback feeds bridge counters to the metrics registry.
type MetricsCallback func(metric string, value float64, tags map[string]string)

// Config tunes the bridge. Zero durations take the defaults.
type Config struct {
	Channel           string
	HeartbeatInterval time.Duration
	PingLossThreshold time.Duration
	WatchdogCheck     time.Duration
	SubmitTimeout     time.Duration
	AutoReconnect     bool

	// Inbound filtering.
	FilterByMode          bool
	FilterByShard         bool
	ExcludedContent       map[string]bool
	AllowedUsernames      map[string]bool
	FilterStalledIfOnline bool

	NotificationsEnabled bool
	NotificationEvents   map[string]bool

	MetricsCallback MetricsCallback
}

// Bridge owns at most one transport connection. All transport mutations
// flow through the event loop's submit primitive; heartbeat and watchdog
// are separate goroutines with 1 s ticks so stop requests are honored
// promptly.
type Bridge struct {
	cfg     Config
	bus     *bus.Bus
	state   GameState
	factory TransportFactory
	profile ProfileStore

	mu          sync.Mutex
	loop        *eventLoop
	transport   Transport
	lastTracked *PresenceMeta
	hbStop      chan struct{}
	hbDone      chan struct{}
	wdStop      chan struct{}
	wdDone      chan struct{}

	status  atomic.Int32
	closing atomic.Bool

	// reconnectMu serializes reconnect; concurrent requests no-op.
	reconnectMu sync.Mutex

	lastAnyPing atomic.Int64
	pingMissing atomic.Bool

	activityMu   sync.Mutex
	lastActivity map[string]time.Time
}

// NewBridge creates a disconnected bridge. profile may be nil.
func NewBridge(cfg Config, b *bus.Bus, state GameState, factory TransportFactory, profile ProfileStore) *Bridge {
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeat
	}
	if cfg.PingLossThreshold <= 0 {
		cfg.PingLossThreshold = defaultPingLoss
	}
	if cfg.WatchdogCheck <= 0 {
		cfg.WatchdogCheck = defaultWatchdogCheck
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = defaultSubmitTimeout
	}
	return &Bridge{
		cfg:          cfg,
		bus:          b,
		state:        state,
		factory:      factory,
		profile:      profile,
		lastActivity: make(map[string]time.Time),
	}
}

// Status returns the lifecycle state.
func (b *Bridge) Status() Status { return Status(b.status.Load()) }

// IsConnected reports whether the channel is up.
func (b *Bridge) IsConnected() bool { return b.Status() == StatusConnected }

func (b *Bridge) setStatus(s Status) { b.status.Store(int32(s)) }

// Connect joins the shared channel. It declines without a usable
// username and returns false on any connect failure.
func (b *Bridge) Connect() bool {
	username := b.state.Snapshot().Username
	if username == "" || username == unknownUsername {
		log.Warn().Msg("realtime connect declined: no username detected yet")
		return false
	}

	b.mu.Lock()
	if s := b.Status(); s == StatusConnected || s == StatusConnecting {
		b.mu.Unlock()
		log.Warn().Str("status", s.String()).Msg("realtime connect ignored")
		return false
	}
	b.setStatus(StatusConnecting)
	b.closing.Store(false)
	if b.loop == nil {
		b.loop = newEventLoop()
	}
	loop := b.loop
	b.mu.Unlock()

	err := loop.Submit(func() error {
		t := b.factory(Handlers{
			OnBroadcast:    b.handleBroadcast,
			OnPresenceSync: b.handlePresenceSync,
			OnDisconnect:   b.handleTransportDown,
		})
		ctx, cancel := context.WithTimeout(context.Background(), b.cfg.SubmitTimeout)
		defer cancel()
		if err := t.Connect(ctx); err != nil {
			return err
		}
		if err := t.Join(b.cfg.Channel, username); err != nil {
			_ = t.Close()
			return err
		}
		meta := b.presenceMeta()
		if err := t.Track(meta); err != nil {
			// Transient: presence refresh retries every heartbeat.
			log.Warn().Err(err).Msg("initial presence track failed")
		}
		b.mu.Lock()
		b.transport = t
		b.lastTracked = &meta
		b.mu.Unlock()
		return nil
	}, b.cfg.SubmitTimeout)
	if err != nil {
		log.Error().Err(err).Msg("realtime connect failed")
		b.setStatus(StatusDisconnected)
		return false
	}

	b.lastAnyPing.Store(time.Now().UnixNano())
	b.pingMissing.Store(false)
	b.setStatus(StatusConnected)
	b.startWorkers()
	b.count("realtime_connects_total")

	log.Info().Str("channel", b.cfg.Channel).Str("username", username).Msg("realtime connected")
	b.bus.Emit(bus.EventRealtime, map[string]any{
		"type": "connection", "content": "Connected", "timestamp": isoNow(),
	})
	b.Broadcast("connection", "Connected", nil)
	return true
}

// Disconnect tears everything down: heartbeat, watchdog, channel,
// transport, loop. Safe to call from any goroutine and when already
// disconnected.
func (b *Bridge) Disconnect() {
	b.closing.Store(true)
	b.setStatus(StatusDisconnecting)

	b.mu.Lock()
	hbStop, hbDone := b.hbStop, b.hbDone
	wdStop, wdDone := b.wdStop, b.wdDone
	b.hbStop, b.hbDone, b.wdStop, b.wdDone = nil, nil, nil, nil
	b.mu.Unlock()

	stopWorker(hbStop, hbDone)
	stopWorker(wdStop, wdDone)

	b.closeConnection()
	b.setStatus(StatusDisconnected)
	log.Info().Msg("realtime disconnected")
}

// closeConnection releases the transport and loop but leaves the
// heartbeat and watchdog workers alone.
func (b *Bridge) closeConnection() {
	b.mu.Lock()
	transport := b.transport
	loop := b.loop
	b.transport = nil
	b.loop = nil
	b.lastTracked = nil
	b.mu.Unlock()

	if loop != nil {
		if transport != nil {
			if err := loop.Submit(transport.Close, 5*time.Second); err != nil {
				log.Warn().Err(err).Msg("transport close failed")
			}
		}
		loop.Stop()
	}
}

// Reconnect drops the connection and dials again, serialized by a
// non-recursive lock: a concurrent call is a no-op returning false with
// a warning. The heartbeat and watchdog workers survive the cycle, so a
// failed attempt is retried on the next watchdog check.
func (b *Bridge) Reconnect() bool {
	if b.closing.Load() {
		return false
	}
	if !b.reconnectMu.TryLock() {
		log.Warn().Msg("reconnect already in progress")
		return false
	}
	defer b.reconnectMu.Unlock()

	log.Info().Msg("realtime reconnecting")
	b.closeConnection()
	b.setStatus(StatusDisconnected)
	ok := b.Connect()
	if ok {
		b.count("realtime_reconnects_total")
	}
	return ok
}

// Broadcast wraps event data with the local identity and ships it on the
// channel. Transient send errors are logged and skipped.
func (b *Bridge) Broadcast(eventType, content string, rawData map[string]any) {
	snap := b.state.Snapshot()
	now := isoNow()
	payload := map[string]any{
		"username":  snap.Username,
		"timestamp": now,
		"shard":     snap.Shard,
		"event_data": map[string]any{
			"type":      eventType,
			"content":   content,
			"timestamp": now,
			"raw_data":  rawData,
		},
	}
	b.send(payload)
}

func (b *Bridge) send(payload map[string]any) {
	b.mu.Lock()
	loop, transport := b.loop, b.transport
	b.mu.Unlock()
	if loop == nil || transport == nil {
		log.Debug().Msg("broadcast skipped: not connected")
		return
	}
	if err := loop.Submit(func() error {
		return transport.Send(WireEvent, payload)
	}, b.cfg.SubmitTimeout); err != nil {
		log.Warn().Err(err).Msg("broadcast send failed")
		return
	}
	b.count("realtime_broadcasts_total")
}

// RefreshPresence re-tracks the local record when it differs from the
// most recently tracked one. Called on every heartbeat and whenever
// shard, version, or mode changes.
func (b *Bridge) RefreshPresence() {
	meta := b.presenceMeta()
	if meta.Username == "" || meta.Username == unknownUsername {
		return
	}

	b.mu.Lock()
	loop, transport := b.loop, b.transport
	if transport == nil || (b.lastTracked != nil && *b.lastTracked == meta) {
		b.mu.Unlock()
		return
	}
	b.lastTracked = &meta
	b.mu.Unlock()

	if err := loop.Submit(func() error { return transport.Track(meta) }, b.cfg.SubmitTimeout); err != nil {
		log.Warn().Err(err).Msg("presence track failed")
	}
}

// PresentUsers returns the usernames currently in the channel presence.
func (b *Bridge) PresentUsers() []string {
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return nil
	}
	present := transport.Presence()
	names := make([]string, 0, len(present))
	for name := range present {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LastActivity reports when a peer last pinged.
func (b *Bridge) LastActivity(username string) (time.Time, bool) {
	b.activityMu.Lock()
	defer b.activityMu.Unlock()
	t, ok := b.lastActivity[username]
	return t, ok
}

func (b *Bridge) presenceMeta() PresenceMeta {
	snap := b.state.Snapshot()
	return PresenceMeta{
		Username: snap.Username,
		Shard:    snap.Shard,
		Version:  snap.Version,
		Status:   "online",
		Mode:     snap.Mode,
	}
}

// --- heartbeat and watchdog ---

// startWorkers launches the heartbeat and watchdog goroutines. Both
// survive reconnect cycles, so a connect arriving from Reconnect finds
// them already running and leaves them alone.
func (b *Bridge) startWorkers() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.hbStop == nil {
		stop, done := make(chan struct{}), make(chan struct{})
		b.hbStop, b.hbDone = stop, done
		go b.heartbeatLoop(stop, done)
	}
	if b.wdStop == nil {
		stop, done := make(chan struct{}), make(chan struct{})
		b.wdStop, b.wdDone = stop, done
		go b.watchdogLoop(stop, done)
	}
}

// heartbeatLoop re-tracks presence and emits a ping broadcast every
// heartbeat interval. The 1 s tick keeps stop latency low.
func (b *Bridge) heartbeatLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.Sub(last) < b.cfg.HeartbeatInterval {
				continue
			}
			last = now
			b.beatOnce()
		}
	}
}

func (b *Bridge) beatOnce() {
	b.RefreshPresence()
	ping := map[string]any{"type": "ping", "content": "ping", "timestamp": isoNow()}
	b.bus.Emit(bus.EventRealtime, ping)

	snap := b.state.Snapshot()
	b.send(map[string]any{
		"username":   snap.Username,
		"timestamp":  isoNow(),
		"shard":      snap.Shard,
		"event_data": ping,
	})
}

// watchdogLoop flags a ping gap once per gap and, when configured,
// reconnects off-loop.
func (b *Bridge) watchdogLoop(stop, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	last := time.Now()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			if now.Sub(last) < b.cfg.WatchdogCheck {
				continue
			}
			last = now
			b.checkPingLoss()
		}
	}
}

func (b *Bridge) checkPingLoss() {
	lastPing := time.Unix(0, b.lastAnyPing.Load())
	if time.Since(lastPing) <= b.cfg.PingLossThreshold {
		return
	}
	// The flag guards the emission, not the reconnect: one
	// broadcast_ping_missing per gap, but every check retries the
	// connection until a ping lands.
	if b.pingMissing.CompareAndSwap(false, true) {
		log.Warn().Time("last_ping", lastPing).Msg("no ping broadcasts observed")
		b.bus.Emit(bus.EventBroadcastPingMissing)
		b.count("realtime_ping_loss_total")
	}
	if !b.cfg.AutoReconnect {
		return
	}
	// Off the watchdog goroutine so the loop keeps ticking through the
	// reconnect; overlapping attempts collapse on the reconnect lock.
	go func() {
		if b.Reconnect() {
			b.bus.Emit(bus.EventRealtimeReconnected)
		}
	}()
}

func stopWorker(stop, done chan struct{}) {
	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		log.Warn().Msg("bridge worker did not stop within timeout")
	}
}

func (b *Bridge) handleTransportDown(err error) {
	if b.Status() != StatusConnected {
		return
	}
	log.Warn().Err(err).Msg("realtime transport dropped")
	// Keep heartbeat and watchdog alive: the ping-loss path drives
	// recovery once the gap exceeds the threshold.
	b.setStatus(StatusDisconnected)
}

func (b *Bridge) count(metric string) {
	if b.cfg.MetricsCallback != nil {
		b.cfg.MetricsCallback(metric, 1, nil)
	}
}

func isoNow() string { return time.Now().UTC().Format(time.RFC3339) }
