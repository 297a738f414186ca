package profile

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Profile is one enriched player record. SourceType records how the
// data arrived (scrape or broadcast); Origin records why it was looked
// up (automatic, manual, broadcast_received).
type Profile struct {
	Player     string    `json:"player"`
	Handle     string    `json:"handle,omitempty"`
	OrgSID     string    `json:"org_sid,omitempty"`
	OrgName    string    `json:"org_name,omitempty"`
	Enlisted   string    `json:"enlisted,omitempty"`
	UEERecord  string    `json:"uee_record,omitempty"`
	SourceType string    `json:"source_type,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	FetchedAt  time.Time `json:"fetched_at"`
}

// RawData flattens the profile for broadcast payloads and bus events.
func (p Profile) RawData() map[string]any {
	return map[string]any{
		"player":      p.Player,
		"handle":      p.Handle,
		"org_sid":     p.OrgSID,
		"org_name":    p.OrgName,
		"enlisted":    p.Enlisted,
		"uee_record":  p.UEERecord,
		"source_type": p.SourceType,
		"origin":      p.Origin,
	}
}

// canonicalName is the cache key: lowercase, trimmed.
func canonicalName(player string) string {
	return strings.ToLower(strings.TrimSpace(player))
}

// Store is the profile cache. Implementations are safe for concurrent
// use.
type Store interface {
	Get(ctx context.Context, player string) (Profile, bool)
	Set(ctx context.Context, p Profile)
}

// memoryStore is the default cache: a map with per-entry expiry.
type memoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

type memoryEntry struct {
	profile Profile
	expires time.Time
}

// NewMemoryStore caches profiles in-process. ttl <= 0 disables expiry.
func NewMemoryStore(ttl time.Duration) Store {
	return &memoryStore{ttl: ttl, entries: make(map[string]memoryEntry)}
}

func (m *memoryStore) Get(_ context.Context, player string) (Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[canonicalName(player)]
	if !ok {
		return Profile{}, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		delete(m.entries, canonicalName(player))
		return Profile{}, false
	}
	return e.profile, true
}

func (m *memoryStore) Set(_ context.Context, p Profile) {
	e := memoryEntry{profile: p}
	if m.ttl > 0 {
		e.expires = time.Now().Add(m.ttl)
	}
	m.mu.Lock()
	m.entries[canonicalName(p.Player)] = e
	m.mu.Unlock()
}

// redisStore keeps the cache in Redis so profiles survive restarts and
// can be shared by multiple instances on one host.
type redisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore connects to addr; the keyspace is "profile:<name>".
func NewRedisStore(addr, password string, db int, ttl time.Duration) Store {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	return &redisStore{client: client, ttl: ttl}
}

func (r *redisStore) key(player string) string { return "profile:" + canonicalName(player) }

func (r *redisStore) Get(ctx context.Context, player string) (Profile, bool) {
	raw, err := r.client.Get(ctx, r.key(player)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Msg("profile cache read failed")
		}
		return Profile{}, false
	}
	var p Profile
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Warn().Err(err).Msg("profile cache entry corrupt")
		return Profile{}, false
	}
	return p, true
}

func (r *redisStore) Set(ctx context.Context, p Profile) {
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := r.client.Set(ctx, r.key(p.Player), raw, r.ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("profile cache write failed")
	}
}
