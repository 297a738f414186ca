package bus

import (
	"strings"
	"time"
)

// Level is the severity attached to every bus message. Values mirror the
// usual syslog-style ordering so filters can compare with >=.
type Level int

const (
	LevelDebug    Level = 10
	LevelInfo     Level = 20
	LevelWarning  Level = 30
	LevelError    Level = 40
	LevelCritical Level = 50
)

// String returns the canonical upper-case name for the level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// ParseLevel maps a level name to its Level, defaulting to INFO.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug
	case "WARNING", "WARN":
		return LevelWarning
	case "ERROR":
		return LevelError
	case "CRITICAL", "FATAL":
		return LevelCritical
	default:
		return LevelInfo
	}
}

// Message is the unit carried on the bus. Timestamp is the source-provided
// log time (falls back to creation time when absent); CreationTime is the
// wall clock at construction.
type Message struct {
	Content      string         `json:"content"`
	Timestamp    string         `json:"timestamp"`
	CreationTime time.Time      `json:"creation_time"`
	Level        Level          `json:"level"`
	PatternName  string         `json:"pattern_name,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// NewMessage builds a message, filling Timestamp and CreationTime so both
// invariants (non-empty timestamp, assigned level) hold.
func NewMessage(content string, level Level) *Message {
	now := time.Now()
	return &Message{
		Content:      content,
		Timestamp:    now.Format(time.RFC3339),
		CreationTime: now,
		Level:        level,
	}
}

// MessageOption customizes a message at publish time.
type MessageOption func(*Message)

// WithTimestamp overrides the source timestamp (log time).
func WithTimestamp(ts string) MessageOption {
	return func(m *Message) {
		if ts != "" {
			m.Timestamp = ts
		}
	}
}

// WithPattern tags the message with the pattern rule that produced it.
func WithPattern(name string) MessageOption {
	return func(m *Message) { m.PatternName = name }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) MessageOption {
	return func(m *Message) { m.Metadata = md }
}

// matchesFilters reports whether the message passes every (key, value)
// pair. Level compares with >= (severity floor); every other key compares
// with equality against the message attribute or a metadata entry. The
// asymmetry is deliberate and lives only here.
func matchesFilters(m *Message, filters map[string]any) bool {
	for k, v := range filters {
		switch k {
		case "level":
			lv, ok := v.(Level)
			if !ok {
				return false
			}
			if m.Level < lv {
				return false
			}
		case "pattern_name":
			if m.PatternName != v {
				return false
			}
		case "content":
			if m.Content != v {
				return false
			}
		default:
			mv, ok := m.Metadata[k]
			if !ok || mv != v {
				return false
			}
		}
	}
	return true
}
