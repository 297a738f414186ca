package realtime

import (
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
)

// handleBroadcast runs the inbound filtering pipeline on every channel
// broadcast, self-sent included. It runs on the transport read goroutine
// and must not block: bus emissions are queued, not synchronous.
func (b *Bridge) handleBroadcast(event string, payload map[string]any) {
	if event != WireEvent {
		return
	}
	username, _ := payload["username"].(string)
	eventData, _ := payload["event_data"].(map[string]any)
	if username == "" || eventData == nil {
		log.Debug().Msg("malformed realtime payload dropped")
		return
	}
	eventType, _ := eventData["type"].(string)
	content, _ := eventData["content"].(string)
	rawData, _ := eventData["raw_data"].(map[string]any)

	b.count("realtime_inbound_total")

	// Profiles shared by peers bypass the rest of the pipeline.
	if eventType == "actor_profile" {
		b.absorbRemoteProfile(username, rawData)
		return
	}

	snap := b.state.Snapshot()
	if b.cfg.FilterByMode && !environmentMatches(stringField(rawData, "mode"), snap.Mode) {
		b.count("realtime_filtered_total")
		return
	}
	if b.cfg.FilterByShard {
		remoteShard, _ := payload["shard"].(string)
		if !environmentMatches(remoteShard, snap.Shard) {
			b.count("realtime_filtered_total")
			return
		}
	}
	if b.cfg.ExcludedContent[content] {
		b.count("realtime_filtered_total")
		return
	}
	if len(b.cfg.AllowedUsernames) > 0 && !b.cfg.AllowedUsernames[username] {
		b.count("realtime_filtered_total")
		return
	}
	if b.cfg.FilterStalledIfOnline && eventType == "actor_stall" && b.isPresent(stalledPlayer(rawData)) {
		log.Debug().Str("player", stalledPlayer(rawData)).Msg("stall suppressed: player online")
		b.count("realtime_filtered_total")
		return
	}

	if eventType == "ping" {
		b.recordPing(username)
		return
	}

	if b.cfg.NotificationsEnabled && b.cfg.NotificationEvents[eventType] {
		b.bus.Emit(bus.EventShowNotification, username, eventData)
	}
	b.bus.Emit(bus.EventRemoteRealtime, username, eventData)
}

// handlePresenceSync publishes the sorted roster after every presence
// state or diff message.
func (b *Bridge) handlePresenceSync(present map[string]PresenceMeta) {
	names := make([]string, 0, len(present))
	for name := range present {
		names = append(names, name)
	}
	sort.Strings(names)
	b.bus.Emit(bus.EventUsersOnlineUpdated, names)
}

func (b *Bridge) absorbRemoteProfile(sourceUser string, rawData map[string]any) {
	player := stringField(rawData, "player")
	if player == "" {
		player = stringField(rawData, "name")
	}
	if player == "" {
		return
	}
	if b.profile != nil {
		b.profile.StoreRemote(player, rawData, sourceUser)
	}
	b.bus.Emit(bus.EventActorProfile, player, rawData, "broadcast_received")
}

func (b *Bridge) recordPing(username string) {
	b.lastAnyPing.Store(time.Now().UnixNano())
	b.pingMissing.Store(false)
	b.activityMu.Lock()
	b.lastActivity[username] = time.Now()
	b.activityMu.Unlock()
}

func (b *Bridge) isPresent(player string) bool {
	if player == "" {
		return false
	}
	b.mu.Lock()
	transport := b.transport
	b.mu.Unlock()
	if transport == nil {
		return false
	}
	_, ok := transport.Presence()[player]
	return ok
}

// environmentMatches compares a remote mode or shard against the local
// one. Unknown or empty values on either side pass: a peer that has not
// detected its environment yet must not be silenced.
func environmentMatches(remote, local string) bool {
	if remote == "" || remote == unknownUsername || local == "" || local == unknownUsername {
		return true
	}
	return remote == local
}

func stalledPlayer(rawData map[string]any) string {
	if p := stringField(rawData, "player"); p != "" {
		return p
	}
	return stringField(rawData, "victim")
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}
