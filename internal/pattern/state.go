package pattern

import (
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
)

const (
	eaModePrefix = "EA_"
	scModePrefix = "SC_"
	defaultMode  = "SC_Default"
)

// Emitter is the named-event side of the bus the state machine talks to.
type Emitter interface {
	Emit(eventName string, args ...any)
}

// Snapshot is an immutable copy of the game state for readers on other
// goroutines (presence records, dispatch enrichment).
type Snapshot struct {
	Username          string
	Shard             string
	Version           string
	Mode              string
	InEAMode          bool
	BlockPrivateLobby bool
}

// State tracks mode, shard, server version, username and the EA
// private-lobby flag. Transitions come from a handful of engine log lines
// and from QR shard recovery; each transition emits its change events.
type State struct {
	mu              sync.Mutex
	emitter         Emitter
	defaultUsername string

	username          string
	shard             string
	version           string
	mode              string
	inEAMode          bool
	blockPrivateLobby bool
}

// NewState creates the state machine with the configured fallback
// username, used until the log reveals the real nickname.
func NewState(emitter Emitter, defaultUsername string) *State {
	return &State{
		emitter:         emitter,
		defaultUsername: defaultUsername,
		username:        defaultUsername,
	}
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Username:          s.username,
		Shard:             s.shard,
		Version:           s.version,
		Mode:              s.mode,
		InEAMode:          s.inEAMode,
		BlockPrivateLobby: s.blockPrivateLobby,
	}
}

// Username returns the current (possibly default) username.
func (s *State) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// InEAMode reports whether an Arena Commander mode is active.
func (s *State) InEAMode() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inEAMode
}

// PTUActive reports whether the tracked server version points at a PTU
// environment, which suppresses durable and realtime dispatch.
func (s *State) PTUActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return strings.HasPrefix(strings.ToLower(s.version), "ptu")
}

// DispatchBlocked reports whether sink/broadcast traffic is suppressed,
// either by PTU or by the custom-network EA lobby block.
func (s *State) DispatchBlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.HasPrefix(strings.ToLower(s.version), "ptu") {
		return true
	}
	return s.blockPrivateLobby
}

// Reset reverts to defaults after log truncation: position-independent
// fields clear and the corresponding change events fire in a fixed burst.
func (s *State) Reset() {
	s.mu.Lock()
	prevMode := s.mode
	prevUser := s.username
	s.shard = ""
	s.version = ""
	s.mode = ""
	s.inEAMode = false
	s.blockPrivateLobby = false
	s.username = s.defaultUsername
	user := s.username
	s.mu.Unlock()

	log.Info().Str("prev_mode", prevMode).Str("prev_user", prevUser).Msg("game state reset")
	s.emitter.Emit(bus.EventModeChange, "", prevMode)
	s.emitter.Emit(bus.EventShardVersionUpdate, "", "", user, "")
	s.emitter.Emit(bus.EventUsernameChange, user, prevUser)
	s.emitter.Emit(bus.EventRealtimeDisconnect)
}

// ApplyContextEstablisher handles the Context Establisher Done line:
// the authoritative source for mode and nickname.
func (s *State) ApplyContextEstablisher(mode, nickname string) {
	s.mu.Lock()
	oldMode := s.mode
	oldUser := s.username

	s.mode = mode
	s.inEAMode = strings.HasPrefix(mode, eaModePrefix)
	if strings.HasPrefix(mode, scModePrefix) {
		// Any SC_* mode always clears the private lobby block.
		s.blockPrivateLobby = false
	}
	if oldMode == defaultMode && mode != defaultMode {
		// Leaving the persistent universe invalidates the shard.
		s.shard = ""
	}
	userChanged := nickname != "" && nickname != oldUser
	if userChanged {
		s.username = nickname
	}
	shard, version, user := s.shard, s.version, s.username
	s.mu.Unlock()

	if mode != oldMode {
		log.Info().Str("mode", mode).Str("prev", oldMode).Msg("mode change")
		s.emitter.Emit(bus.EventModeChange, mode, oldMode)
		s.emitter.Emit(bus.EventShardVersionUpdate, shard, version, user, mode)
	}
	if userChanged {
		log.Info().Str("username", user).Msg("nickname detected")
		s.emitter.Emit(bus.EventUsernameChange, user, oldUser)
	}
}

// ApplyChannelDisconnected handles the Channel Disconnected line. Mode
// exits inside EA lobbies are suppressed: the lobby reconnects channels
// freely without an actual mode change.
func (s *State) ApplyChannelDisconnected(gamerules string) {
	s.mu.Lock()
	if gamerules != s.mode || s.mode == "" {
		s.mu.Unlock()
		return
	}
	if s.inEAMode {
		s.mu.Unlock()
		log.Debug().Str("gamerules", gamerules).Msg("channel disconnect inside EA lobby ignored")
		return
	}
	oldMode := s.mode
	s.mode = ""
	shard, version, user := s.shard, s.version, s.username
	s.mu.Unlock()

	log.Info().Str("prev", oldMode).Msg("mode cleared on channel disconnect")
	s.emitter.Emit(bus.EventModeChange, "", oldMode)
	s.emitter.Emit(bus.EventShardVersionUpdate, shard, version, user, "")
}

// ApplyServerVersion handles the ReuseChannel endpoint line carrying the
// server build version.
func (s *State) ApplyServerVersion(version string) {
	s.mu.Lock()
	if version == "" || version == s.version {
		s.mu.Unlock()
		return
	}
	s.version = version
	shard, user, mode := s.shard, s.username, s.mode
	s.mu.Unlock()

	log.Info().Str("version", version).Msg("server version update")
	s.emitter.Emit(bus.EventShardVersionUpdate, shard, version, user, mode)
}

// ApplyEALobbyResponse handles the EALobby NotifyServiceRequestResponse
// line. Only meaningful inside EA_* modes: a Custom network is a private
// lobby and blocks recording, Online lifts the block.
func (s *State) ApplyEALobbyResponse(network string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !strings.HasPrefix(s.mode, eaModePrefix) {
		return
	}
	switch network {
	case "Custom":
		if !s.blockPrivateLobby {
			log.Info().Msg("private EA lobby detected, recording blocked")
		}
		s.blockPrivateLobby = true
	case "Online":
		if s.blockPrivateLobby {
			log.Info().Msg("online EA lobby, recording unblocked")
		}
		s.blockPrivateLobby = false
	}
}

// ApplyShardVersion updates shard and version from QR recovery and emits
// shard_version_update only when something actually changed.
func (s *State) ApplyShardVersion(shard, version string) {
	s.mu.Lock()
	if (shard == "" || shard == s.shard) && (version == "" || version == s.version) {
		s.mu.Unlock()
		return
	}
	if shard != "" {
		s.shard = shard
	}
	if version != "" {
		s.version = version
	}
	curShard, curVersion, user, mode := s.shard, s.version, s.username, s.mode
	s.mu.Unlock()

	log.Info().Str("shard", curShard).Str("version", curVersion).Msg("shard recovered")
	s.emitter.Emit(bus.EventShardVersionUpdate, curShard, curVersion, user, mode)
}
