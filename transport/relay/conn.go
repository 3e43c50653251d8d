package relay

import (
	"fmt"
	"net"
	"time"
)

const MTU = 9001

// Config of the reference UDP relay.
type Config struct {
	Host        string
	Port        int
	ReadBuffer  int
	WriteBuffer int
	MTU         int
	// ReusePort lets several relays share the listening port.
	ReusePort bool

	Upstream    string
	IdleTimeout time.Duration
	// QueueSize is the per-connection inbound backlog.
	QueueSize int
}

func DefaultConfig() Config {
	return Config{
		Host:        "0.0.0.0",
		Port:        7777,
		MTU:         1500,
		Upstream:    "127.0.0.1:7778",
		IdleTimeout: 2 * time.Minute,
		QueueSize:   256,
	}
}

func (c Config) orDefault() Config {
	d := DefaultConfig()
	if c.MTU <= 0 || c.MTU > MTU {
		c.MTU = d.MTU
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	return c
}

func (c Config) listenAddr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%v", c.Port))
}
