// Package app assembles the monitor: bus, tailer, pattern engine,
// dispatch pipeline, realtime bridge, profile service, QR recovery, and
// the local status server, wired per the loaded configuration.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
	"github.com/versewatch/versewatch/internal/config"
	"github.com/versewatch/versewatch/internal/dispatch"
	"github.com/versewatch/versewatch/internal/httpapi"
	"github.com/versewatch/versewatch/internal/pattern"
	"github.com/versewatch/versewatch/internal/profile"
	"github.com/versewatch/versewatch/internal/qr"
	"github.com/versewatch/versewatch/internal/ratelimit"
	"github.com/versewatch/versewatch/internal/realtime"
	"github.com/versewatch/versewatch/internal/sinks"
	"github.com/versewatch/versewatch/internal/tail"
)

// Options are the CLI-level switches layered over the config file.
type Options struct {
	// ProcessAll reads the existing log from the start instead of only
	// following new lines.
	ProcessAll bool

	// ProcessOnce reads the log to EOF once and exits.
	ProcessOnce bool

	// NoDiscord disables the Discord sink regardless of config.
	NoDiscord bool

	// Datasource overrides the configured provider when non-empty.
	Datasource string

	Debug   bool
	Version string
}

// Monitor owns every component and their start/stop ordering.
type Monitor struct {
	cfg  *config.Config
	opts Options

	metrics   *httpapi.MetricsRegistry
	bus       *bus.Bus
	state     *pattern.State
	engine    *pattern.Engine
	tailer    *tail.Tailer
	pipeline  *dispatch.Pipeline
	bridge    *realtime.Bridge
	profiles  *profile.Service
	discord   *sinks.DiscordSink
	technical *sinks.TechnicalNotifier
	qrWatcher *qr.Watcher
	httpSrv   *httpapi.Server

	logPath    string
	monitoring atomic.Bool
	eventSubs  []string
}

// New builds a fully wired monitor from config and CLI options.
func New(cfg *config.Config, opts Options) (*Monitor, error) {
	m := &Monitor{cfg: cfg, opts: opts}
	m.metrics = httpapi.NewMetricsRegistry()

	m.bus = bus.New(bus.Config{MetricsCallback: m.metrics.Observe})
	m.bus.SetDebugMode(opts.Debug)

	m.state = pattern.NewState(m.bus, cfg.Username)

	rules, err := cfg.CompileRules()
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(ratelimit.Config{
		Timeout:       time.Duration(cfg.RateLimitTimeout) * time.Second,
		MaxDuplicates: cfg.RateLimitMaxDuplicates,
	})

	provider, err := m.buildProvider()
	if err != nil {
		return nil, err
	}
	m.pipeline = dispatch.NewPipeline(provider, dispatch.PipelineConfig{
		MetricsCallback: m.metrics.Observe,
	})

	m.discord = sinks.NewDiscordSink(sinks.DiscordConfig{
		Webhook:     cfg.DiscordWebhookURL,
		LiveWebhook: cfg.LiveDiscordWebhook,
		ACWebhook:   cfg.ACDiscordWebhook,
		Enabled:     cfg.UseDiscord && !opts.NoDiscord,
	}, m.state)
	m.technical = sinks.NewTechnicalNotifier(cfg.TechnicalWebhookURL)

	m.profiles = profile.NewService(
		profile.NewScraper(cfg.CitizenPageBaseURL, 0),
		m.buildProfileStore(),
		m.bus,
	)

	m.bridge = realtime.NewBridge(realtime.Config{
		HeartbeatInterval:     cfg.HeartbeatInterval(),
		AutoReconnect:         cfg.AutoReconnection,
		FilterByMode:          cfg.FilterByCurrentMode,
		FilterByShard:         cfg.FilterByCurrentShard,
		ExcludedContent:       config.ToStringSet(cfg.ExcludedRemoteContent),
		AllowedUsernames:      config.ToStringSet(cfg.FilterBroadcastUsernames),
		FilterStalledIfOnline: cfg.FilterStalledIfOnline,
		NotificationsEnabled:  cfg.NotificationsEnabled,
		NotificationEvents:    config.ToStringSet(cfg.NotificationsEvents),
		MetricsCallback:       m.metrics.Observe,
	}, m.bus, m.state, realtime.NewPhoenixFactory(realtime.PhoenixConfig{
		URL:    cfg.RealtimeURL,
		APIKey: cfg.RealtimeKey,
	}), m.profiles)
	m.profiles.SetBroadcaster(m.bridge)

	vip := profile.NewVIPMatcher(cfg.ImportantPlayers)
	if n := vip.InvalidCount(); n > 0 {
		log.Warn().Int("invalid", n).Msg("some important_players entries did not compile")
	}

	m.engine = pattern.NewEngine(rules, m.state, m.bus, limiter,
		pattern.WithBroadcaster(m.bridge),
		pattern.WithEnqueuer(m.pipeline),
		pattern.WithDiscord(m.discord),
		pattern.WithProfiles(m.profiles),
		pattern.WithVIPMatcher(vip),
		pattern.WithScriptVersion(opts.Version),
		pattern.WithMetrics(m.metrics.Observe),
	)

	m.logPath = m.resolveLogPath()
	m.tailer = tail.New(tail.Config{
		Path:      m.logPath,
		FromStart: opts.ProcessAll || opts.ProcessOnce,
		OneShot:   opts.ProcessOnce,
	}, m.engine.HandleLine, m.engine.HandleTruncation)

	m.qrWatcher = qr.NewWatcher(qr.Config{
		Dir:   filepath.Join(filepath.Dir(m.logPath), "ScreenShots"),
		Debug: opts.Debug,
	}, m.state)

	m.httpSrv = httpapi.NewServer(cfg.StatusListen, m, m.metrics)
	return m, nil
}

// buildProvider selects the durable sink per config, with the CLI
// override winning.
func (m *Monitor) buildProvider() (dispatch.DataProvider, error) {
	datasource := m.cfg.Datasource
	if m.opts.Datasource != "" {
		datasource = m.opts.Datasource
	}
	switch datasource {
	case config.DatasourceSupabase:
		return dispatch.NewSupabaseProvider(m.cfg.SupabaseURL, m.cfg.SupabaseKey)
	case config.DatasourceGoogleSheets:
		return dispatch.NewSheetsProvider(m.cfg.GoogleSheetsWebhook), nil
	default:
		return nil, fmt.Errorf("unknown datasource %q", datasource)
	}
}

func (m *Monitor) buildProfileStore() profile.Store {
	if m.cfg.RedisAddr != "" {
		log.Info().Str("addr", m.cfg.RedisAddr).Msg("profile cache backed by redis")
		return profile.NewRedisStore(m.cfg.RedisAddr, m.cfg.RedisPassword, m.cfg.RedisDB, m.cfg.CacheTTL())
	}
	return profile.NewMemoryStore(m.cfg.CacheTTL())
}

// resolveLogPath picks the log file. With auto detection on, the most
// recently written of the live and PTU logs wins; ties and errors fall
// back to the explicit path.
func (m *Monitor) resolveLogPath() string {
	if !m.cfg.AutoEnvironmentDetection {
		return m.cfg.LogFilePath
	}
	live, ptu := m.cfg.LiveLogPath, m.cfg.PTULogPath
	liveInfo, liveErr := os.Stat(live)
	ptuInfo, ptuErr := os.Stat(ptu)
	switch {
	case liveErr == nil && ptuErr == nil:
		if ptuInfo.ModTime().After(liveInfo.ModTime()) {
			log.Info().Str("path", ptu).Msg("auto detection selected PTU log")
			return ptu
		}
		return live
	case liveErr == nil:
		return live
	case ptuErr == nil:
		log.Info().Str("path", ptu).Msg("auto detection selected PTU log")
		return ptu
	default:
		return m.cfg.LogFilePath
	}
}

// Run starts everything, blocks until ctx is cancelled (or, in one-shot
// mode, until the log is drained), then shuts down in reverse order.
func (m *Monitor) Run(ctx context.Context) error {
	m.bus.Start()
	m.wireEvents()

	m.pipeline.Start()
	m.httpSrv.Start()
	if err := m.qrWatcher.Start(); err != nil {
		log.Warn().Err(err).Msg("qr recovery unavailable")
	}

	m.technical.Startup(m.cfg.Username, m.opts.Version)
	if m.bridge.Connect() {
		m.metrics.RealtimeConnected.Set(1)
	}

	m.monitoring.Store(true)
	m.tailer.Start()
	log.Info().Str("log", m.logPath).Msg("monitoring started")

	select {
	case <-ctx.Done():
	case <-m.tailerDone():
	}
	m.shutdown()
	return nil
}

// tailerDone closes only in one-shot mode; otherwise the tailer runs
// until stopped and Run waits on ctx alone.
func (m *Monitor) tailerDone() <-chan struct{} {
	if !m.opts.ProcessOnce {
		return nil
	}
	return m.tailer.Done()
}

// wireEvents registers the bus subscriptions tying components together.
func (m *Monitor) wireEvents() {
	sub := func(event string, h bus.EventHandler) {
		m.eventSubs = append(m.eventSubs, m.bus.On(event, h))
	}

	// Presence follows the state machine.
	refresh := func(...any) {
		m.bridge.RefreshPresence()
	}
	sub(bus.EventModeChange, refresh)
	sub(bus.EventShardVersionUpdate, refresh)

	// A detected username both refreshes presence and revives a bridge
	// that declined to connect while the identity was unknown.
	sub(bus.EventUsernameChange, func(args ...any) {
		m.bridge.RefreshPresence()
		if !m.bridge.IsConnected() && m.state.Username() != "Unknown" {
			if m.bridge.Connect() {
				m.metrics.RealtimeConnected.Set(1)
			}
		}
	})

	// Truncation reset asks the bridge to drop the session.
	sub(bus.EventRealtimeDisconnect, func(...any) {
		m.bridge.Disconnect()
		m.metrics.RealtimeConnected.Set(0)
	})

	sub(bus.EventRealtimeReconnected, func(...any) {
		m.metrics.RealtimeConnected.Set(1)
	})
	sub(bus.EventBroadcastPingMissing, func(...any) {
		m.metrics.RealtimeConnected.Set(0)
	})

	sub(bus.EventForceBroadcastProfile, func(args ...any) {
		if len(args) > 0 {
			if player, ok := args[0].(string); ok {
				m.profiles.ForceBroadcast(player)
			}
		}
	})

	// Config-driven runtime toggles from the GUI/API layer.
	sub(bus.EventDatasourceChanged, func(args ...any) {
		log.Warn().Msg("datasource change requires restart; keeping current provider")
	})
}

// shutdown stops components in reverse dependency order with bounded
// waits so a wedged network call cannot hang exit.
func (m *Monitor) shutdown() {
	log.Info().Msg("shutting down")
	m.monitoring.Store(false)

	m.tailer.Stop()
	m.qrWatcher.Stop()

	if !m.pipeline.Join(30 * time.Second) {
		log.Warn().Msg("dispatch queue did not drain in time")
	}
	m.pipeline.Stop()

	if !m.profiles.Join(10 * time.Second) {
		log.Warn().Msg("profile requests still in flight at shutdown")
	}
	if !m.discord.Join(10 * time.Second) {
		log.Warn().Msg("discord sends still in flight at shutdown")
	}

	m.bridge.Disconnect()
	m.metrics.RealtimeConnected.Set(0)
	m.technical.Shutdown(m.cfg.Username)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("status server shutdown")
	}

	for _, id := range m.eventSubs {
		m.bus.Off(id)
	}
	m.bus.Stop()
	log.Info().Msg("stopped")
}

// StatusSnapshot serves /status.
func (m *Monitor) StatusSnapshot() httpapi.Status {
	snap := m.state.Snapshot()
	return httpapi.Status{
		Monitoring:        m.monitoring.Load(),
		RealtimeConnected: m.bridge.IsConnected(),
		Username:          snap.Username,
		Shard:             snap.Shard,
		Version:           snap.Version,
		Mode:              snap.Mode,
	}
}

// SaveConfig persists the active configuration and announces it so
// embedding layers can refresh their view.
func (m *Monitor) SaveConfig(path string) error {
	if err := m.cfg.Save(path); err != nil {
		return err
	}
	m.bus.Emit(bus.EventConfigSaved)
	return nil
}

// Bus exposes the message bus for embedding layers (GUI, tests).
func (m *Monitor) Bus() *bus.Bus { return m.bus }
