//go:build !linux || android

package relay

import (
	"context"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

func listen(ctx context.Context, l *logrus.Entry, c Config) (*net.UDPConn, error) {
	if c.ReusePort {
		l.Warn("listen.reuse_port is only supported on linux")
	}
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", c.listenAddr())
	if err != nil {
		return nil, err
	}
	uc, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected PacketConn: %T %#v", pc, pc)
	}
	if c.ReadBuffer > 0 {
		if err := uc.SetReadBuffer(c.ReadBuffer); err != nil {
			l.WithError(err).Error("Failed to set listen.read_buffer")
		}
	}
	if c.WriteBuffer > 0 {
		if err := uc.SetWriteBuffer(c.WriteBuffer); err != nil {
			l.WithError(err).Error("Failed to set listen.write_buffer")
		}
	}
	return uc, nil
}
