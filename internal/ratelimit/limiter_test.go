package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock lets tests drive the limiter's notion of now.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	l := New(cfg)
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l.now = clk.Now
	l.lastCleanup = clk.Now()
	return l, clk
}

func TestLimiter_SuppressesDuplicateInsideWindow(t *testing.T) {
	l, clk := newTestLimiter(Config{Timeout: 300 * time.Second, MaxDuplicates: 1})

	assert.True(t, l.ShouldSend("actor_death Bob", "realtime"))
	assert.False(t, l.ShouldSend("actor_death Bob", "realtime"))

	clk.Advance(10 * time.Second)
	assert.False(t, l.ShouldSend("actor_death Bob", "realtime"))

	// A different message type is a different key.
	assert.True(t, l.ShouldSend("actor_death Bob", "discord"))
}

func TestLimiter_AllowsAfterTimeout(t *testing.T) {
	l, clk := newTestLimiter(Config{Timeout: 300 * time.Second, MaxDuplicates: 1})

	assert.True(t, l.ShouldSend("msg", ""))
	clk.Advance(301 * time.Second)
	assert.True(t, l.ShouldSend("msg", ""))
}

func TestLimiter_MaxDuplicatesPermitsNInsideWindow(t *testing.T) {
	l, _ := newTestLimiter(Config{Timeout: time.Minute, MaxDuplicates: 3})

	assert.True(t, l.ShouldSend("m", ""))
	assert.True(t, l.ShouldSend("m", ""))
	assert.True(t, l.ShouldSend("m", ""))
	assert.False(t, l.ShouldSend("m", ""))
}

func TestLimiter_GlobalSlidingWindow(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Timeout:           time.Minute,
		MaxDuplicates:     100,
		GlobalLimitCount:  3,
		GlobalLimitWindow: 10 * time.Second,
	})

	assert.True(t, l.ShouldSend("a", ""))
	assert.True(t, l.ShouldSend("b", ""))
	assert.True(t, l.ShouldSend("c", ""))
	// Fourth distinct message still refused by the global cap.
	assert.False(t, l.ShouldSend("d", ""))

	clk.Advance(11 * time.Second)
	assert.True(t, l.ShouldSend("d", ""))
}

func TestLimiter_GetStats(t *testing.T) {
	l, _ := newTestLimiter(Config{Timeout: time.Minute, MaxDuplicates: 1})

	assert.Zero(t, l.GetStats("m", "t"))

	require.True(t, l.ShouldSend("m", "t"))
	st := l.GetStats("m", "t")
	assert.Equal(t, 1, st.Count)
	assert.True(t, st.Blocked)
	assert.False(t, st.LastSent.IsZero())

	require.False(t, l.ShouldSend("m", "t"))
	st = l.GetStats("m", "t")
	assert.Equal(t, 2, st.Count)
}

func TestLimiter_CleanupPurgesStaleEntries(t *testing.T) {
	l, clk := newTestLimiter(Config{
		Timeout:         time.Second,
		MaxDuplicates:   1,
		CleanupInterval: time.Minute,
	})

	require.True(t, l.ShouldSend("stale", ""))
	clk.Advance(2 * time.Minute)
	// Any call past the cleanup interval triggers the purge.
	require.True(t, l.ShouldSend("fresh", ""))

	l.mu.Lock()
	_, staleExists := l.entries["stale"]
	l.mu.Unlock()
	assert.False(t, staleExists)
}

func TestLimiter_ConcurrentAccessIsSafe(t *testing.T) {
	l := New(Config{Timeout: time.Minute, MaxDuplicates: 5})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				l.ShouldSend("shared", "stress")
				l.GetStats("shared", "stress")
			}
		}()
	}
	wg.Wait()

	st := l.GetStats("shared", "stress")
	assert.True(t, st.Blocked)
}

func TestLimiter_ResetClearsState(t *testing.T) {
	l, _ := newTestLimiter(Config{Timeout: time.Minute, MaxDuplicates: 1})
	require.True(t, l.ShouldSend("m", ""))
	require.False(t, l.ShouldSend("m", ""))

	l.Reset()
	assert.True(t, l.ShouldSend("m", ""))
}

func TestWebhookPacer(t *testing.T) {
	p := NewWebhookPacer(1, 2)
	assert.True(t, p.Allow())
	assert.True(t, p.Allow())
	assert.False(t, p.Allow())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	assert.Error(t, p.Wait(ctx))
}
