package relay

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/transport/relay/header"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

// Handler decides the fate of every relayed frame body.
type Handler interface {
	Handle(ctx context.Context, dir api.Direction, t api.TypeID, raw []byte, connID api.ConnectionID) api.Result
	Forget(connID api.ConnectionID)
}

// Relay sits between game clients and the game server. Datagrams from a
// client travel upstream as Inbound events, replies travel back as
// Outbound events. Each client address is one connection.
type Relay struct {
	logger   *logrus.Entry
	config   Config
	handler  Handler
	upstream *net.UDPAddr

	mu       sync.Mutex
	conn     *net.UDPConn
	sessions map[string]*session

	overflow  metrics.Counter
	malformed metrics.Counter
	opened    metrics.Counter
	closed    metrics.Counter
}

type session struct {
	id       api.ConnectionID
	client   *net.UDPAddr
	upstream *net.UDPConn
	inbound  chan []byte
	done     chan struct{}
	once     sync.Once
	lastSeen atomic.Int64
}

func (s *session) touch(now time.Time) { s.lastSeen.Store(now.UnixNano()) }

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.upstream.Close()
	})
}

func NewRelay(logger *logrus.Logger, config Config, handler Handler, registry metrics.Registry) (*Relay, error) {
	config = config.orDefault()
	upstream, err := net.ResolveUDPAddr("udp", config.Upstream)
	if err != nil {
		return nil, err
	}
	if registry == nil {
		registry = metrics.DefaultRegistry
	}
	return &Relay{
		logger:    logger.WithField("component", "relay"),
		config:    config,
		handler:   handler,
		upstream:  upstream,
		sessions:  map[string]*session{},
		overflow:  metrics.GetOrRegisterCounter("relay.overflow", registry),
		malformed: metrics.GetOrRegisterCounter("relay.malformed", registry),
		opened:    metrics.GetOrRegisterCounter("relay.sessions.opened", registry),
		closed:    metrics.GetOrRegisterCounter("relay.sessions.closed", registry),
	}, nil
}

// Listen binds the client facing socket. Start calls it when needed.
func (r *Relay) Listen(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != nil {
		return nil
	}
	conn, err := listen(ctx, r.logger, r.config)
	if err != nil {
		return err
	}
	r.conn = conn
	return nil
}

// LocalAddr is the bound client facing address, nil before Listen.
func (r *Relay) LocalAddr() net.Addr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil
	}
	return r.conn.LocalAddr()
}

// Sessions returns the number of open client sessions.
func (r *Relay) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Start relays traffic until ctx is done.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.Listen(ctx); err != nil {
		return err
	}
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"listen":   conn.LocalAddr().String(),
		"upstream": r.upstream.String(),
	}).Info("Relay started")

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	go r.sweep(ctx)

	buffer := make([]byte, r.config.MTU)
	for {
		n, addr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				r.closeAll()
				r.logger.Info("Relay stopped")
				return nil
			}
			r.logger.WithError(err).Debug("Failed to read from client")
			continue
		}

		s, err := r.session(ctx, addr)
		if err != nil {
			r.logger.WithError(err).WithField("client", addr.String()).Error("Failed to open upstream")
			continue
		}
		s.touch(time.Now())

		frame := make([]byte, n)
		copy(frame, buffer[:n])
		select {
		case s.inbound <- frame:
		case <-s.done:
		default:
			r.overflow.Inc(1)
		}
	}
}

func (r *Relay) session(ctx context.Context, client *net.UDPAddr) (*session, error) {
	key := client.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[key]; ok {
		return s, nil
	}

	upstream, err := net.DialUDP("udp", nil, r.upstream)
	if err != nil {
		return nil, err
	}
	s := &session{
		id:       api.ConnectionID(key),
		client:   &net.UDPAddr{IP: append(net.IP(nil), client.IP...), Port: client.Port, Zone: client.Zone},
		upstream: upstream,
		inbound:  make(chan []byte, r.config.QueueSize),
		done:     make(chan struct{}),
	}
	r.sessions[key] = s
	r.opened.Inc(1)
	r.logger.WithField("conn", s.id).Debug("Session opened")

	go r.forward(ctx, s)
	go r.reply(ctx, s, r.conn)
	return s, nil
}

// forward carries client frames upstream in arrival order.
func (r *Relay) forward(ctx context.Context, s *session) {
	for {
		select {
		case <-s.done:
			return
		case frame := <-s.inbound:
			out, ok := r.process(ctx, api.Inbound, s.id, frame)
			if !ok {
				continue
			}
			if _, err := s.upstream.Write(out); err != nil {
				r.logger.WithError(err).WithField("conn", s.id).Debug("Failed to write upstream")
			}
		}
	}
}

// reply carries upstream frames back to the client in arrival order.
func (r *Relay) reply(ctx context.Context, s *session, conn *net.UDPConn) {
	buffer := make([]byte, r.config.MTU)
	for {
		n, err := s.upstream.Read(buffer)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			// upstream not reachable yet, keep the session until it idles out
			r.logger.WithError(err).WithField("conn", s.id).Debug("Failed to read from upstream")
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		s.touch(time.Now())

		out, ok := r.process(ctx, api.Outbound, s.id, buffer[:n])
		if !ok {
			continue
		}
		if _, err := conn.WriteToUDP(out, s.client); err != nil {
			r.logger.WithError(err).WithField("conn", s.id).Debug("Failed to write to client")
		}
	}
}

// process runs one frame through the handler and returns the frame to
// deliver, if any.
func (r *Relay) process(ctx context.Context, dir api.Direction, id api.ConnectionID, frame []byte) ([]byte, bool) {
	h, body, err := header.Split(frame)
	if err != nil {
		r.malformed.Inc(1)
		r.logger.WithError(err).WithField("conn", id).Debug("Dropping malformed frame")
		return nil, false
	}

	res := r.handler.Handle(ctx, dir, h.TypeID, body, id)
	if !res.Deliver() {
		return nil, false
	}
	if res.Disposition != api.Modified {
		return frame, true
	}
	out := make([]byte, header.Len, header.Len+len(res.Bytes))
	copy(out, frame[:header.Len])
	return append(out, res.Bytes...), true
}

func (r *Relay) sweep(ctx context.Context) {
	interval := r.config.IdleTimeout / 2
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			r.expire(now)
		}
	}
}

// expire closes sessions idle for longer than the idle timeout.
func (r *Relay) expire(now time.Time) int {
	deadline := now.Add(-r.config.IdleTimeout).UnixNano()

	r.mu.Lock()
	var idle []*session
	for key, s := range r.sessions {
		if s.lastSeen.Load() < deadline {
			delete(r.sessions, key)
			idle = append(idle, s)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		s.close()
		r.handler.Forget(s.id)
		r.closed.Inc(1)
		r.logger.WithField("conn", s.id).Debug("Session closed after idle timeout")
	}
	return len(idle)
}

func (r *Relay) closeAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = map[string]*session{}
	r.mu.Unlock()

	for _, s := range sessions {
		s.close()
		r.handler.Forget(s.id)
		r.closed.Inc(1)
	}
}
