package host

import (
	"context"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestMap(config Config) (*ConnMap, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cm := NewConnMap(logrus.New(), config)
	cm.now = clock.Now
	return cm, clock
}

func TestConnMapTouchForget(t *testing.T) {
	cm, clock := newTestMap(Config{})

	a := cm.Touch("a")
	clock.Advance(time.Second)
	assert.Same(t, a, cm.Touch("a"))
	assert.True(t, clock.t.Equal(a.LastSeen()), "last seen %v, want %v", a.LastSeen(), clock.t)
	assert.Equal(t, time.UTC, a.LastSeen().Location())
	cm.Touch("b")

	conns := cm.Connections()
	require.Len(t, conns, 2)
	assert.Equal(t, api.ConnectionID("a"), conns[0].ID)

	cm.Forget("a")
	_, ok := cm.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, cm.Len())
}

func TestConnMapSweep(t *testing.T) {
	cm, clock := newTestMap(Config{IdleTimeout: time.Minute})

	cm.Touch("old")
	clock.Advance(50 * time.Second)
	cm.Touch("new")
	clock.Advance(20 * time.Second)

	assert.Equal(t, 1, cm.Sweep())
	_, ok := cm.Get("old")
	assert.False(t, ok)
	_, ok = cm.Get("new")
	assert.True(t, ok)
}

func TestConnMapStartStops(t *testing.T) {
	cm, _ := newTestMap(Config{SweepInterval: time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() { done <- cm.Start(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestRateLimit(t *testing.T) {
	cm, clock := newTestMap(Config{Limits: map[api.TypeID]Limit{
		0x0A: {PerSecond: 3},
	}})
	c := cm.Touch("p1")

	for i := 0; i < 3; i++ {
		assert.True(t, cm.Allow(c, 0x0A), "packet %d", i)
	}
	assert.False(t, cm.Allow(c, 0x0A))
	assert.True(t, cm.Allow(c, 0x0B), "types without a limit pass")

	// other connections have their own bucket
	assert.True(t, cm.Allow(cm.Touch("p2"), 0x0A))

	clock.Advance(time.Second)
	assert.True(t, cm.Allow(c, 0x0A))
}

func TestHistory(t *testing.T) {
	h := NewHistory(3)
	for i := 0; i < 5; i++ {
		dir := api.Inbound
		if i%2 == 1 {
			dir = api.Outbound
		}
		h.Add(Entry{TypeID: api.TypeID(i), Direction: dir, Data: []byte{byte(i)}})
	}

	all := h.All()
	require.Len(t, all, 3)
	assert.Equal(t, []api.TypeID{2, 3, 4}, []api.TypeID{all[0].TypeID, all[1].TypeID, all[2].TypeID})

	recent := h.Recent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, api.TypeID(3), recent[0].TypeID)
	assert.Equal(t, api.TypeID(4), recent[1].TypeID)
	assert.Len(t, h.Recent(10), 3)

	assert.Len(t, h.Filter(api.Inbound), 2)

	h.Clear()
	assert.Equal(t, 0, h.Len())
	assert.Empty(t, h.All())

	var disabled *History
	disabled.Add(Entry{})
	assert.Nil(t, disabled.All())
	assert.Nil(t, NewHistory(0))
}
