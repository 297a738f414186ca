package profile

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/versewatch/versewatch/internal/bus"
)

// Request origins.
const (
	OriginAutomatic = "automatic"
	OriginManual    = "manual"
	OriginBroadcast = "broadcast_received"
)

// Source types.
const (
	sourceScrape    = "scrape"
	sourceBroadcast = "broadcast"
)

// Emitter publishes named events; satisfied by *bus.Bus.
type Emitter interface {
	Emit(name string, args ...any)
}

// Broadcaster shares a profile with peers; satisfied by the realtime
// bridge.
type Broadcaster interface {
	Broadcast(eventType, content string, rawData map[string]any)
}

// Service resolves player profiles: cache first, citizen page on miss.
// Each request runs on its own goroutine; concurrent requests for the
// same player collapse to one fetch.
type Service struct {
	scraper *Scraper
	store   Store
	events  Emitter

	mu          sync.Mutex
	broadcaster Broadcaster
	inflight    map[string]bool
	wg          sync.WaitGroup
}

// NewService wires the scraper and cache. The broadcaster is attached
// later, once the realtime bridge exists.
func NewService(scraper *Scraper, store Store, events Emitter) *Service {
	return &Service{
		scraper:  scraper,
		store:    store,
		events:   events,
		inflight: make(map[string]bool),
	}
}

// SetBroadcaster attaches the peer-sharing sink. Nil disables sharing.
func (s *Service) SetBroadcaster(b Broadcaster) {
	s.mu.Lock()
	s.broadcaster = b
	s.mu.Unlock()
}

// RequestProfile resolves a player asynchronously. A cache hit is
// served without rebroadcast; a miss is scraped, cached, announced on
// the bus, and — for automatic captures only — broadcast to peers once.
func (s *Service) RequestProfile(player, origin string) {
	key := canonicalName(player)
	if key == "" {
		return
	}
	s.mu.Lock()
	if s.inflight[key] {
		s.mu.Unlock()
		return
	}
	s.inflight[key] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.inflight, key)
			s.mu.Unlock()
		}()
		s.resolve(player, origin)
	}()
}

func (s *Service) resolve(player, origin string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if cached, ok := s.store.Get(ctx, player); ok {
		s.events.Emit(bus.EventActorProfile, cached.Player, cached.RawData(), origin)
		return
	}

	p, err := s.scraper.Fetch(ctx, player)
	if err != nil {
		if IsNotFound(err) {
			log.Debug().Str("player", player).Msg("no citizen page, likely NPC")
		} else {
			log.Warn().Err(err).Str("player", player).Msg("profile fetch failed")
		}
		return
	}
	p.SourceType = sourceScrape
	p.Origin = origin
	s.store.Set(ctx, p)

	s.events.Emit(bus.EventActorProfile, p.Player, p.RawData(), origin)
	if origin == OriginAutomatic {
		s.broadcast(p)
	}
}

// ForceBroadcast re-shares a profile with peers regardless of cache
// state, with no notification side effects. Missing profiles are
// fetched first.
func (s *Service) ForceBroadcast(player string) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		p, ok := s.store.Get(ctx, player)
		if !ok {
			fetched, err := s.scraper.Fetch(ctx, player)
			if err != nil {
				log.Warn().Err(err).Str("player", player).Msg("force broadcast fetch failed")
				return
			}
			fetched.SourceType = sourceScrape
			fetched.Origin = OriginManual
			s.store.Set(ctx, fetched)
			p = fetched
		}
		s.broadcast(p)
	}()
}

// StoreRemote caches a profile carried by a peer broadcast. Remote
// profiles never rebroadcast.
func (s *Service) StoreRemote(player string, profile map[string]any, sourceUser string) {
	p := Profile{
		Player:     player,
		Handle:     stringVal(profile, "handle"),
		OrgSID:     stringVal(profile, "org_sid"),
		OrgName:    stringVal(profile, "org_name"),
		Enlisted:   stringVal(profile, "enlisted"),
		UEERecord:  stringVal(profile, "uee_record"),
		SourceType: sourceBroadcast,
		Origin:     OriginBroadcast,
		FetchedAt:  time.Now().UTC(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.store.Set(ctx, p)
	log.Debug().Str("player", player).Str("from", sourceUser).Msg("remote profile cached")
}

// Join waits for outstanding requests, bounded by timeout.
func (s *Service) Join(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (s *Service) broadcast(p Profile) {
	s.mu.Lock()
	b := s.broadcaster
	s.mu.Unlock()
	if b == nil {
		return
	}
	b.Broadcast("actor_profile", p.Player, p.RawData())
}

func stringVal(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
