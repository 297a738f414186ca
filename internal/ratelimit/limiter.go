// Package ratelimit provides the duplicate-suppression limiter used on
// outbound broadcasts and sink dispatch, plus a token-bucket pacer for
// webhook endpoints.
package ratelimit

import (
	"sync"
	"time"
)

// Config holds limiter parameters. Timeout is the duplicate-suppression
// window; MaxDuplicates (>=1) is the count permitted inside it. A zero
// GlobalLimitCount disables the process-global sliding window.
type Config struct {
	Timeout           time.Duration
	MaxDuplicates     int
	CleanupInterval   time.Duration
	GlobalLimitCount  int
	GlobalLimitWindow time.Duration
}

// DefaultConfig matches the shipped rate_limit_* settings.
func DefaultConfig() Config {
	return Config{
		Timeout:         300 * time.Second,
		MaxDuplicates:   1,
		CleanupInterval: 10 * time.Minute,
	}
}

type entry struct {
	lastSent time.Time
	count    int
}

// Stats describes the limiter's view of one message key.
type Stats struct {
	LastSent time.Time
	Count    int
	Blocked  bool
}

// Limiter suppresses duplicate messages inside a sliding window and can
// enforce a global sliding-window send cap. Safe under contention; all
// state sits behind one mutex.
type Limiter struct {
	mu          sync.Mutex
	cfg         Config
	entries     map[string]entry
	global      []time.Time
	lastCleanup time.Time
	now         func() time.Time
}

// New creates a limiter. MaxDuplicates below 1 is clamped to 1.
func New(cfg Config) *Limiter {
	if cfg.MaxDuplicates < 1 {
		cfg.MaxDuplicates = 1
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	return &Limiter{
		cfg:         cfg,
		entries:     make(map[string]entry),
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

func key(message, messageType string) string {
	if messageType == "" {
		return message
	}
	return messageType + ":" + message
}

// ShouldSend decides whether a message may go out now. Duplicate sends
// inside the window beyond MaxDuplicates are refused; refusals still bump
// the duplicate count so the window extends under sustained spam.
func (l *Limiter) ShouldSend(message, messageType string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if l.cfg.GlobalLimitCount > 0 {
		l.pruneGlobal(now)
		if len(l.global) >= l.cfg.GlobalLimitCount {
			return false
		}
	}

	if now.Sub(l.lastCleanup) > l.cfg.CleanupInterval {
		for k, e := range l.entries {
			if now.Sub(e.lastSent) > l.cfg.CleanupInterval {
				delete(l.entries, k)
			}
		}
		l.lastCleanup = now
	}

	k := key(message, messageType)
	e, exists := l.entries[k]
	switch {
	case exists && e.count >= l.cfg.MaxDuplicates && now.Sub(e.lastSent) < l.cfg.Timeout:
		e.count++
		l.entries[k] = e
		return false
	case exists && now.Sub(e.lastSent) >= l.cfg.Timeout:
		l.entries[k] = entry{lastSent: now, count: 1}
	case exists:
		e.count++
		l.entries[k] = e
	default:
		l.entries[k] = entry{lastSent: now, count: 1}
	}

	if l.cfg.GlobalLimitCount > 0 {
		l.global = append(l.global, now)
	}
	return true
}

// GetStats reports the limiter's state for one message key.
func (l *Limiter) GetStats(message, messageType string) Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, exists := l.entries[key(message, messageType)]
	if !exists {
		return Stats{}
	}
	blocked := e.count >= l.cfg.MaxDuplicates && l.now().Sub(e.lastSent) < l.cfg.Timeout
	return Stats{LastSent: e.lastSent, Count: e.count, Blocked: blocked}
}

// Reset clears all limiter state.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]entry)
	l.global = nil
}

func (l *Limiter) pruneGlobal(now time.Time) {
	cutoff := now.Add(-l.cfg.GlobalLimitWindow)
	i := 0
	for i < len(l.global) && !l.global[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.global = append(l.global[:0], l.global[i:]...)
	}
}
