package relay

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/am6737/packetguard/api"
	"github.com/am6737/packetguard/transport/relay/header"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type event struct {
	dir api.Direction
	t   api.TypeID
}

// fakeHandler drops type 2 and rewrites type 3 to "patched".
type fakeHandler struct {
	mu        sync.Mutex
	events    []event
	forgotten []api.ConnectionID
}

func (f *fakeHandler) Handle(_ context.Context, dir api.Direction, t api.TypeID, raw []byte, _ api.ConnectionID) api.Result {
	f.mu.Lock()
	f.events = append(f.events, event{dir, t})
	f.mu.Unlock()
	switch t {
	case 2:
		return api.Result{Disposition: api.Dropped}
	case 3:
		return api.Result{Disposition: api.Modified, Bytes: []byte("patched")}
	}
	return api.Result{Disposition: api.Allowed, Bytes: raw}
}

func (f *fakeHandler) Forget(id api.ConnectionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.forgotten = append(f.forgotten, id)
}

func (f *fakeHandler) Forgotten() []api.ConnectionID {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]api.ConnectionID(nil), f.forgotten...)
}

// echoServer sends every datagram back to its sender and reports what
// it received.
func echoServer(t *testing.T) (*net.UDPConn, <-chan []byte) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	received := make(chan []byte, 16)
	go func() {
		buf := make([]byte, 2048)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			frame := append([]byte(nil), buf[:n]...)
			received <- frame
			conn.WriteToUDP(frame, addr)
		}
	}()
	return conn, received
}

func startRelay(t *testing.T, upstream string, idle time.Duration) (*Relay, *fakeHandler) {
	handler := &fakeHandler{}
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	r, err := NewRelay(logger, Config{Host: "127.0.0.1", Port: 0, Upstream: upstream, IdleTimeout: idle}, handler, metrics.NewRegistry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Listen(ctx))
	done := make(chan error, 1)
	go func() { done <- r.Start(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Error("relay did not stop")
		}
	})
	return r, handler
}

func frame(t *testing.T, typeID api.TypeID, body string) []byte {
	f, err := header.Build(typeID, 0, []byte(body))
	require.NoError(t, err)
	return f
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	select {
	case b := <-ch:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestRelayHonoursDisposition(t *testing.T) {
	upstream, received := echoServer(t)
	r, handler := startRelay(t, upstream.LocalAddr().String(), time.Minute)

	client, err := net.DialUDP("udp", nil, r.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(frame(t, 2, "dropped"))
	require.NoError(t, err)
	_, err = client.Write(frame(t, 3, "original"))
	require.NoError(t, err)
	_, err = client.Write(frame(t, 1, "plain"))
	require.NoError(t, err)
	_, err = client.Write([]byte{0xFF})
	require.NoError(t, err)

	// per-connection order is kept and the dropped frame never arrives
	assert.Equal(t, frame(t, 3, "patched"), receive(t, received))
	assert.Equal(t, frame(t, 1, "plain"), receive(t, received))

	replies := make(chan []byte, 4)
	go func() {
		buf := make([]byte, 2048)
		for {
			client.SetReadDeadline(time.Now().Add(2 * time.Second))
			n, err := client.Read(buf)
			if err != nil {
				return
			}
			replies <- append([]byte(nil), buf[:n]...)
		}
	}()
	// the echoed "patched" frame is type 3 again and is rewritten on the way out
	assert.Equal(t, frame(t, 3, "patched"), receive(t, replies))
	assert.Equal(t, frame(t, 1, "plain"), receive(t, replies))

	handler.mu.Lock()
	events := append([]event(nil), handler.events...)
	handler.mu.Unlock()
	assert.Contains(t, events, event{api.Inbound, 2})
	assert.Contains(t, events, event{api.Outbound, 1})
	assert.Equal(t, 1, r.Sessions())
}

func TestRelayIdleSessionsAreForgotten(t *testing.T) {
	upstream, received := echoServer(t)
	r, handler := startRelay(t, upstream.LocalAddr().String(), 50*time.Millisecond)

	client, err := net.DialUDP("udp", nil, r.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	_, err = client.Write(frame(t, 1, "hello"))
	require.NoError(t, err)
	receive(t, received)

	assert.Eventually(t, func() bool { return r.Sessions() == 0 }, 2*time.Second, 10*time.Millisecond)
	forgotten := handler.Forgotten()
	require.Len(t, forgotten, 1)
	assert.Equal(t, api.ConnectionID(client.LocalAddr().String()), forgotten[0])
}

func TestExpire(t *testing.T) {
	handler := &fakeHandler{}
	r, err := NewRelay(logrus.New(), Config{Upstream: "127.0.0.1:1", IdleTimeout: time.Second}, handler, metrics.NewRegistry())
	require.NoError(t, err)

	up, err := net.DialUDP("udp", nil, r.upstream)
	require.NoError(t, err)
	now := time.Now()
	s := &session{id: "c", upstream: up, inbound: make(chan []byte), done: make(chan struct{})}
	s.touch(now)
	r.sessions["c"] = s

	assert.Equal(t, 0, r.expire(now.Add(500*time.Millisecond)))
	assert.Equal(t, 1, r.expire(now.Add(2*time.Second)))
	assert.Equal(t, []api.ConnectionID{"c"}, handler.Forgotten())

	select {
	case <-s.done:
	default:
		t.Fatal("session not closed")
	}
}
