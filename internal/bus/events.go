package bus

// Named-event channel identifiers. These form the wire contract between
// components; handlers registered via On receive the positional args
// documented next to each name.
const (
	// EventModeChange fires with (newMode, oldMode) when the gamerules
	// mode changes; newMode is "" when the mode is cleared.
	EventModeChange = "mode_change"

	// EventShardVersionUpdate fires with (shard, version, username, mode)
	// whenever any of the four changes.
	EventShardVersionUpdate = "shard_version_update"

	// EventUsernameChange fires with (newName, oldName).
	EventUsernameChange = "username_change"

	// EventActorProfile fires with (playerName, profile) when a profile
	// has been enriched, locally or from a peer broadcast.
	EventActorProfile = "actor_profile"

	// EventRealtime fires with (eventData) for locally generated realtime
	// payloads, including the heartbeat ping.
	EventRealtime = "realtime_event"

	// EventRemoteRealtime fires with (username, eventData) for filtered
	// inbound peer broadcasts.
	EventRemoteRealtime = "remote_realtime_event"

	// EventBroadcastPingMissing fires once per gap when no ping broadcast
	// has been observed for the loss threshold.
	EventBroadcastPingMissing = "broadcast_ping_missing"

	// EventRealtimeReconnected fires after a successful watchdog-driven
	// reconnect.
	EventRealtimeReconnected = "realtime_reconnected"

	// EventRealtimeDisconnect requests/announces a bridge disconnect.
	EventRealtimeDisconnect = "realtime_disconnect"

	// EventUsersOnlineUpdated fires with ([]string usernames) on every
	// presence sync.
	EventUsersOnlineUpdated = "users_online_updated"

	// EventShowNotification fires with (title, body) when an OS
	// notification should be displayed by the shell.
	EventShowNotification = "show_windows_notification"

	// EventConfigSaved fires after the configuration has been persisted.
	EventConfigSaved = "config_saved"

	// EventDatasourceChanged fires with (newDatasource) when the sink
	// provider selection changes at runtime.
	EventDatasourceChanged = "datasource_changed"

	// EventForceBroadcastProfile fires with (playerName) to re-broadcast
	// a cached profile regardless of cache state.
	EventForceBroadcastProfile = "force_broadcast_profile"
)
