package bus

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers delivered messages and lets tests wait for a count.
type collector struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collector) callback(m *Message) {
	c.mu.Lock()
	c.msgs = append(c.msgs, m)
	c.mu.Unlock()
}

func (c *collector) contents() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.msgs))
	for i, m := range c.msgs {
		out[i] = m.Content
	}
	return out
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.msgs)
		c.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, have %d", n, len(c.contents()))
}

func newRunningBus(t *testing.T) *Bus {
	t.Helper()
	b := New(Config{})
	b.Start()
	t.Cleanup(b.Stop)
	return b
}

func TestBus_DeliveryOrderPreserved(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("order", c.callback)

	for i := 0; i < 200; i++ {
		b.Publish(fmt.Sprintf("msg-%03d", i), LevelInfo)
	}
	c.waitFor(t, 200)

	got := c.contents()
	for i, content := range got {
		assert.Equal(t, fmt.Sprintf("msg-%03d", i), content)
	}
}

func TestBus_LevelFilterIsFloor(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("warnings", c.callback, WithFilters(map[string]any{"level": LevelWarning}))

	b.Publish("debug", LevelDebug)
	b.Publish("info", LevelInfo)
	b.Publish("warning", LevelWarning)
	b.Publish("error", LevelError)
	c.waitFor(t, 2)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"warning", "error"}, c.contents())
}

func TestBus_PatternFilterIsEquality(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("deaths", c.callback, WithFilters(map[string]any{"pattern_name": "player_death"}))

	b.Publish("a", LevelInfo, WithPattern("player_death"))
	b.Publish("b", LevelInfo, WithPattern("vehicle_destroy"))
	b.Publish("c", LevelInfo, WithPattern("player_death"))
	c.waitFor(t, 2)

	assert.Equal(t, []string{"a", "c"}, c.contents())
}

func TestBus_ReplayDeliversSuffixThenLive(t *testing.T) {
	b := newRunningBus(t)
	for i := 0; i < 1000; i++ {
		b.Publish(fmt.Sprintf("hist-%04d", i), LevelInfo)
	}
	// Make sure all 1000 reached history before subscribing.
	require.Eventually(t, func() bool { return b.HistoryLen() == 1000 },
		5*time.Second, 5*time.Millisecond)

	var c collector
	b.Subscribe("replayer", c.callback, WithReplay(100, LevelInfo))
	b.Publish("live-1001", LevelInfo)

	c.waitFor(t, 101)
	got := c.contents()
	require.Len(t, got, 101)
	for i := 0; i < 100; i++ {
		assert.Equal(t, fmt.Sprintf("hist-%04d", 900+i), got[i])
	}
	assert.Equal(t, "live-1001", got[100])
}

func TestBus_ReplayRespectsMinLevel(t *testing.T) {
	b := newRunningBus(t)
	b.Publish("d1", LevelDebug)
	b.Publish("e1", LevelError)
	b.Publish("d2", LevelDebug)
	b.Publish("e2", LevelError)
	require.Eventually(t, func() bool { return b.HistoryLen() == 4 },
		5*time.Second, 5*time.Millisecond)

	var c collector
	b.Subscribe("errors-only", c.callback, WithReplay(10, LevelError))
	c.waitFor(t, 2)

	assert.Equal(t, []string{"e1", "e2"}, c.contents())
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("short-lived", c.callback)

	b.Publish("one", LevelInfo)
	c.waitFor(t, 1)
	b.Unsubscribe("short-lived")
	b.Publish("two", LevelInfo)
	time.Sleep(30 * time.Millisecond)

	assert.Equal(t, []string{"one"}, c.contents())
}

func TestBus_ResubscribeReplacesPrior(t *testing.T) {
	b := newRunningBus(t)
	var first, second collector
	b.Subscribe("same-name", first.callback)
	b.Subscribe("same-name", second.callback)

	b.Publish("only-second", LevelInfo)
	second.waitFor(t, 1)

	assert.Empty(t, first.contents())
	assert.Equal(t, []string{"only-second"}, second.contents())
}

func TestBus_PanickingSubscriberDoesNotAffectOthers(t *testing.T) {
	b := newRunningBus(t)
	b.Subscribe("bad", func(*Message) { panic("boom") })
	var c collector
	b.Subscribe("good", c.callback)

	b.Publish("first", LevelInfo)
	b.Publish("second", LevelInfo)
	c.waitFor(t, 2)

	assert.Equal(t, []string{"first", "second"}, c.contents())
	assert.True(t, b.IsRunning())
}

func TestBus_PublishWhenStoppedDrops(t *testing.T) {
	b := New(Config{})
	var c collector
	b.Subscribe("late", c.callback)

	b.Publish("dropped", LevelInfo)
	time.Sleep(10 * time.Millisecond)
	assert.Empty(t, c.contents())
	assert.Zero(t, b.HistoryLen())
}

func TestBus_SetFilterAfterSubscribe(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("filtered", c.callback)
	require.NoError(t, b.SetFilter("filtered", "level", LevelError))

	v, ok := b.GetFilter("filtered", "level")
	require.True(t, ok)
	assert.Equal(t, LevelError, v)

	b.Publish("info", LevelInfo)
	b.Publish("error", LevelError)
	c.waitFor(t, 1)
	time.Sleep(20 * time.Millisecond)

	assert.Equal(t, []string{"error"}, c.contents())
	assert.Error(t, b.SetFilter("missing", "level", LevelInfo))
}

func TestBus_SetFilterWhileDelivering(t *testing.T) {
	b := newRunningBus(t)
	var c collector
	b.Subscribe("mutating", c.callback, WithFilters(map[string]any{"level": LevelInfo}))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				_ = b.SetFilter("mutating", "level", LevelInfo)
			}
		}
	}()

	const n = 500
	for i := 0; i < n; i++ {
		b.Publish(fmt.Sprintf("m%d", i), LevelInfo)
	}
	c.waitFor(t, n)
	close(stop)
	wg.Wait()

	contents := c.contents()
	require.Len(t, contents, n)
	assert.Equal(t, "m0", contents[0])
	assert.Equal(t, fmt.Sprintf("m%d", n-1), contents[n-1])
}

func TestBus_EventEmitterOnOffEmit(t *testing.T) {
	b := newRunningBus(t)
	var mu sync.Mutex
	var got [][]any
	id := b.On(EventModeChange, func(args ...any) {
		mu.Lock()
		got = append(got, args)
		mu.Unlock()
	})

	b.Emit(EventModeChange, "SC_Default", "")
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	}, 5*time.Second, 2*time.Millisecond)
	assert.Equal(t, []any{"SC_Default", ""}, got[0])

	b.Off(id)
	b.Emit(EventModeChange, "EA_SquadronBattle", "SC_Default")
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, got, 1)
}

func TestBus_EventHandlerPanicIsTrapped(t *testing.T) {
	b := newRunningBus(t)
	b.On(EventRealtime, func(...any) { panic("handler boom") })
	fired := make(chan struct{}, 1)
	b.On(EventRealtime, func(...any) { fired <- struct{}{} })

	b.Emit(EventRealtime, map[string]any{"type": "ping"})
	select {
	case <-fired:
	case <-time.After(5 * time.Second):
		t.Fatal("second handler never fired")
	}
}

func TestBus_GetHistoryFilters(t *testing.T) {
	b := newRunningBus(t)
	b.Publish("a", LevelInfo, WithPattern("player_death"))
	b.Publish("b", LevelDebug, WithPattern("player_death"))
	b.Publish("c", LevelError, WithPattern("vehicle_destroy"))
	require.Eventually(t, func() bool { return b.HistoryLen() == 3 },
		5*time.Second, 5*time.Millisecond)

	all := b.GetHistory(0, LevelDebug, "")
	assert.Len(t, all, 3)
	deaths := b.GetHistory(0, LevelDebug, "player_death")
	assert.Len(t, deaths, 2)
	infoUp := b.GetHistory(0, LevelInfo, "")
	assert.Len(t, infoUp, 2)
	capped := b.GetHistory(1, LevelDebug, "")
	require.Len(t, capped, 1)
	assert.Equal(t, "c", capped[0].Content)
}

func TestHistoryRing_EvictsOldest(t *testing.T) {
	h := newHistoryRing(3)
	for i := 0; i < 5; i++ {
		h.append(NewMessage(fmt.Sprintf("m%d", i), LevelInfo))
	}
	snap := h.snapshot(0, LevelDebug, "")
	require.Len(t, snap, 3)
	assert.Equal(t, "m2", snap[0].Content)
	assert.Equal(t, "m4", snap[2].Content)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("debug"))
	assert.Equal(t, LevelWarning, ParseLevel("WARN"))
	assert.Equal(t, LevelInfo, ParseLevel("unknown"))
	assert.Equal(t, "CRITICAL", LevelCritical.String())
}
