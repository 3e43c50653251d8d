package host

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Limit is a token bucket for one packet type.
type Limit struct {
	PerSecond float64 `yaml:"per_second" json:"per_second"`
	Burst     int     `yaml:"burst" json:"burst"`
}

type Config struct {
	// IdleTimeout after which a connection without traffic is forgotten.
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	// HistorySize is the per-connection ring size; 0 disables history.
	HistorySize int
	Limits      map[api.TypeID]Limit
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: 30 * time.Second,
		HistorySize:   256,
	}
}

func NewConnMap(logger *logrus.Logger, config Config) *ConnMap {
	d := DefaultConfig()
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = d.IdleTimeout
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = d.SweepInterval
	}
	return &ConnMap{
		conns:  map[api.ConnectionID]*ConnInfo{},
		logger: logger.WithField("component", "connmap"),
		config: config,
		now:    time.Now,
	}
}

// ConnMap tracks per-connection state: rate limiters and packet history.
type ConnMap struct {
	sync.RWMutex //Because we concurrently read and write to our maps
	conns        map[api.ConnectionID]*ConnInfo
	logger       *logrus.Entry
	config       Config
	now          func() time.Time
}

// ConnInfo is the state of one connection.
type ConnInfo struct {
	ID        api.ConnectionID
	FirstSeen time.Time
	lastSeen  atomic.Int64

	Packets atomic.Uint64
	Dropped atomic.Uint64

	limitMu  sync.Mutex
	limiters map[api.TypeID]*rate.Limiter

	History *History
}

// LastSeen is reported in UTC so it compares and serializes the same on
// every host.
func (c *ConnInfo) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load()).UTC()
}

func (c *ConnInfo) String() string {
	marshal, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(marshal)
}

func (c *ConnInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}{
		"id":         c.ID,
		"first_seen": c.FirstSeen,
		"last_seen":  c.LastSeen(),
		"packets":    c.Packets.Load(),
		"dropped":    c.Dropped.Load(),
		"history":    c.History.Len(),
	})
}

// Touch returns the state for id, creating it on first sight.
func (cm *ConnMap) Touch(id api.ConnectionID) *ConnInfo {
	now := cm.now()

	cm.RLock()
	c, ok := cm.conns[id]
	cm.RUnlock()
	if !ok {
		cm.Lock()
		if c, ok = cm.conns[id]; !ok {
			c = &ConnInfo{
				ID:        id,
				FirstSeen: now,
				limiters:  map[api.TypeID]*rate.Limiter{},
				History:   NewHistory(cm.config.HistorySize),
			}
			cm.conns[id] = c
			cm.logger.WithField("conn", id).Debug("New connection")
		}
		cm.Unlock()
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

func (cm *ConnMap) Get(id api.ConnectionID) (*ConnInfo, bool) {
	cm.RLock()
	defer cm.RUnlock()
	c, ok := cm.conns[id]
	return c, ok
}

// Forget drops all state of id; call on disconnect.
func (cm *ConnMap) Forget(id api.ConnectionID) {
	cm.Lock()
	defer cm.Unlock()
	delete(cm.conns, id)
}

// Connections returns a copy of the tracked connections ordered by id.
func (cm *ConnMap) Connections() []*ConnInfo {
	cm.RLock()
	out := make([]*ConnInfo, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	cm.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (cm *ConnMap) Len() int {
	cm.RLock()
	defer cm.RUnlock()
	return len(cm.conns)
}

// Allow takes a token for packet type t on connection c. Types without a
// configured limit are always allowed.
func (cm *ConnMap) Allow(c *ConnInfo, t api.TypeID) bool {
	l, ok := cm.config.Limits[t]
	if !ok || l.PerSecond <= 0 {
		return true
	}

	c.limitMu.Lock()
	lim, ok := c.limiters[t]
	if !ok {
		burst := l.Burst
		if burst <= 0 {
			burst = int(l.PerSecond)
			if burst < 1 {
				burst = 1
			}
		}
		lim = rate.NewLimiter(rate.Limit(l.PerSecond), burst)
		c.limiters[t] = lim
	}
	c.limitMu.Unlock()

	return lim.AllowN(cm.now(), 1)
}

// Sweep forgets connections idle for longer than the idle timeout and
// returns how many were removed.
func (cm *ConnMap) Sweep() int {
	deadline := cm.now().Add(-cm.config.IdleTimeout).UnixNano()

	cm.Lock()
	defer cm.Unlock()
	n := 0
	for id, c := range cm.conns {
		if c.lastSeen.Load() < deadline {
			delete(cm.conns, id)
			n++
		}
	}
	return n
}

// Start sweeps idle connections until ctx is done.
func (cm *ConnMap) Start(ctx context.Context) error {
	ticker := time.NewTicker(cm.config.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := cm.Sweep(); n > 0 {
				cm.logger.WithField("removed", n).Debug("Swept idle connections")
			}
		}
	}
}
