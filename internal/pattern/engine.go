// Package pattern converts raw game log lines into structured bus
// messages. A configuration-driven ordered rule set handles the generic
// extraction; a small built-in set of state lines drives the
// mode/shard/version machine directly.
package pattern

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
	"github.com/versewatch/versewatch/internal/ratelimit"
)

// Broadcaster ships a matched event to peers over the realtime channel.
type Broadcaster interface {
	Broadcast(eventType, content string, rawData map[string]any)
}

// Enqueuer feeds the durable-sink dispatch pipeline.
type Enqueuer interface {
	Enqueue(data map[string]any, sheet string)
}

// DiscordSink posts a formatted line to the configured webhook.
type DiscordSink interface {
	Send(content string)
}

// ProfileRequester starts asynchronous profile enrichment for a player.
type ProfileRequester interface {
	RequestProfile(player, origin string)
}

// VIPMatcher tests a line against the configured important-player set.
type VIPMatcher interface {
	MatchLine(line string) (player string, ok bool)
}

// MetricsCallback receives engine throughput counters.
type MetricsCallback func(metric string, value float64, tags map[string]string)

// Engine runs the rule set over incoming lines on the tailer goroutine.
// All collaborators are optional; a nil collaborator disables its route.
type Engine struct {
	rules         *RuleSet
	state         *State
	bus           *bus.Bus
	limiter       *ratelimit.Limiter
	broadcaster   Broadcaster
	enqueuer      Enqueuer
	discord       DiscordSink
	profiles      ProfileRequester
	vip           VIPMatcher
	scriptVersion string
	metrics       MetricsCallback
}

// EngineOption wires an optional collaborator.
type EngineOption func(*Engine)

// WithBroadcaster routes realtime-set rules to the bridge.
func WithBroadcaster(b Broadcaster) EngineOption { return func(e *Engine) { e.broadcaster = b } }

// WithEnqueuer routes sheet-mapped rules to the dispatch pipeline.
func WithEnqueuer(q Enqueuer) EngineOption { return func(e *Engine) { e.enqueuer = q } }

// WithDiscord routes discord-set rules to the webhook sink.
func WithDiscord(d DiscordSink) EngineOption { return func(e *Engine) { e.discord = d } }

// WithProfiles routes scraping-set rules to profile enrichment.
func WithProfiles(p ProfileRequester) EngineOption { return func(e *Engine) { e.profiles = p } }

// WithVIPMatcher enables independent VIP line matching.
func WithVIPMatcher(v VIPMatcher) EngineOption { return func(e *Engine) { e.vip = v } }

// WithScriptVersion stamps outgoing data with the tool version.
func WithScriptVersion(v string) EngineOption { return func(e *Engine) { e.scriptVersion = v } }

// WithMetrics attaches a throughput counter sink.
func WithMetrics(cb MetricsCallback) EngineOption { return func(e *Engine) { e.metrics = cb } }

// NewEngine builds the engine around a compiled rule set and the shared
// state machine.
func NewEngine(rules *RuleSet, state *State, b *bus.Bus, limiter *ratelimit.Limiter, opts ...EngineOption) *Engine {
	e := &Engine{rules: rules, state: state, bus: b, limiter: limiter}
	for _, o := range opts {
		o(e)
	}
	return e
}

// State exposes the engine's state machine.
func (e *Engine) State() *State { return e.state }

// HandleTruncation is the tailer's truncation callback: the whole game
// state burst-resets.
func (e *Engine) HandleTruncation() {
	e.state.Reset()
}

// HandleLine processes one log line. Built-in state lines short-circuit;
// otherwise the first matching rule (sheet-bound rules first) produces a
// message and fans out to its configured routes.
func (e *Engine) HandleLine(line string) {
	ts := lineTimestamp(line)
	e.count("engine_lines_total", nil)

	if e.handleStateLine(line) {
		return
	}

	if e.vip != nil {
		if player, ok := e.vip.MatchLine(line); ok {
			e.publishVIP(player, ts)
		}
	}

	rule, data, ok := e.matchRules(line)
	if !ok {
		return
	}

	e.count("engine_rule_matches_total", map[string]string{"rule": rule.Name})
	e.enrich(data, ts)
	content := e.renderContent(rule.Name, data)

	e.bus.Publish(content, bus.LevelInfo,
		bus.WithTimestamp(ts),
		bus.WithPattern(rule.Name),
		bus.WithMetadata(data))

	e.routeDiscord(rule.Name, content, data)
	e.routeSheets(rule.Name, data)
	e.routeRealtime(rule.Name, content, data)
	e.routeScraping(rule.Name, data)
}

// handleStateLine applies the built-in state patterns; returns true when
// the line was consumed.
func (e *Engine) handleStateLine(line string) bool {
	switch {
	case strings.Contains(line, contextEstablisherMarker):
		var mode, nickname string
		if m := contextGamerulesRe.FindStringSubmatch(line); m != nil {
			mode = m[1]
		}
		if m := contextNicknameRe.FindStringSubmatch(line); m != nil {
			nickname = stripEntitySuffix(m[1])
		}
		if mode != "" {
			e.state.ApplyContextEstablisher(mode, nickname)
		}
		return true

	case strings.Contains(line, channelDisconnectedMarker):
		if m := channelGamerulesRe.FindStringSubmatch(line); m != nil {
			e.state.ApplyChannelDisconnected(m[1])
		}
		return true

	case strings.Contains(line, reuseChannelMarker):
		if m := reuseVersionRe.FindStringSubmatch(line); m != nil {
			e.state.ApplyServerVersion(m[1])
		}
		return true

	case strings.Contains(line, eaLobbyMarker):
		if m := eaLobbyNetworkRe.FindStringSubmatch(line); m != nil {
			e.state.ApplyEALobbyResponse(m[1])
		}
		return true
	}
	return false
}

func (e *Engine) matchRules(line string) (Rule, map[string]any, bool) {
	for _, rule := range e.rules.SheetRules {
		if data, ok := extractGroups(rule.Re, line); ok {
			return rule, data, true
		}
	}
	for _, rule := range e.rules.OtherRules {
		if data, ok := extractGroups(rule.Re, line); ok {
			return rule, data, true
		}
	}
	return Rule{}, nil, false
}

// enrich synthesizes player/action and merges state fields not already
// extracted from the line.
func (e *Engine) enrich(data map[string]any, ts string) {
	player := firstString(data, "player", "owner", "entity")
	if player == "" {
		player = "Unknown"
	}
	data["player"] = player

	snap := e.state.Snapshot()
	merge := map[string]any{
		"mode":           snap.Mode,
		"shard":          snap.Shard,
		"username":       snap.Username,
		"version":        snap.Version,
		"script_version": e.scriptVersion,
		"datetime":       ts,
	}
	for k, v := range merge {
		if _, exists := data[k]; !exists {
			data[k] = v
		}
	}
}

func (e *Engine) renderContent(ruleName string, data map[string]any) string {
	data["action"] = titleCase(ruleName)
	if tpl, ok := e.rules.Messages[ruleName]; ok {
		return formatTemplate(tpl, data)
	}
	return fmt.Sprintf("%s: %s", data["action"], data["player"])
}

func (e *Engine) routeDiscord(ruleName, content string, data map[string]any) {
	tpl, bound := e.rules.Discord[ruleName]
	if !bound || e.discord == nil {
		return
	}
	if !e.limiter.ShouldSend(content, "discord") {
		log.Debug().Str("pattern", ruleName).Msg("Rate limited discord event")
		e.count("rate_limit_drops_total", map[string]string{"type": "discord"})
		return
	}
	out := content
	if tpl != "" {
		out = formatTemplate(tpl, data)
	}
	e.discord.Send(out)
}

func (e *Engine) routeSheets(ruleName string, data map[string]any) {
	sheet, bound := e.rules.SheetsMapping[ruleName]
	if !bound || e.enqueuer == nil {
		return
	}
	if e.state.DispatchBlocked() {
		log.Debug().Str("pattern", ruleName).Msg("dispatch suppressed by PTU/private lobby gate")
		return
	}
	e.enqueuer.Enqueue(data, sheet)
}

func (e *Engine) routeRealtime(ruleName, content string, data map[string]any) {
	if !e.rules.Realtime[ruleName] || e.broadcaster == nil {
		return
	}
	if e.state.DispatchBlocked() {
		log.Debug().Str("pattern", ruleName).Msg("broadcast suppressed by PTU/private lobby gate")
		return
	}
	if !e.limiter.ShouldSend(content, "realtime") {
		log.Debug().Str("pattern", ruleName).Msg("Rate limited realtime event")
		e.count("rate_limit_drops_total", map[string]string{"type": "realtime"})
		return
	}
	e.broadcaster.Broadcast(ruleName, content, data)
}

func (e *Engine) routeScraping(ruleName string, data map[string]any) {
	if !e.rules.Scraping[ruleName] || e.profiles == nil {
		return
	}
	local := e.state.Username()
	for _, key := range []string{"killer", "victim", "player", "owner", "entity"} {
		name, _ := data[key].(string)
		if name == "" || name == "Unknown" || name == local {
			continue
		}
		e.profiles.RequestProfile(name, "automatic")
		return
	}
}

func (e *Engine) publishVIP(player, ts string) {
	data := map[string]any{
		"player": player,
		"alert":  "🔊",
	}
	content := fmt.Sprintf("VIP %s spotted", player)
	if tpl, ok := e.rules.Messages["vip"]; ok {
		content = formatTemplate(tpl, data)
	}
	e.bus.Publish(content, bus.LevelInfo,
		bus.WithTimestamp(ts),
		bus.WithPattern("vip"),
		bus.WithMetadata(data))
}

func (e *Engine) count(metric string, tags map[string]string) {
	if e.metrics != nil {
		e.metrics(metric, 1, tags)
	}
}

func firstString(data map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := data[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
