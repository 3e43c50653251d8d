//go:build linux && !android

package relay

import (
	"context"
	"fmt"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

func listen(ctx context.Context, l *logrus.Entry, c Config) (*net.UDPConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, rc syscall.RawConn) error {
			var opErr error
			err := rc.Control(func(fd uintptr) {
				if c.ReusePort {
					if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
						opErr = fmt.Errorf("unable to set SO_REUSEPORT: %s", err)
						return
					}
				}
				setBuffer(l, int(fd), unix.SO_RCVBUFFORCE, unix.SO_RCVBUF, c.ReadBuffer, "listen.read_buffer")
				setBuffer(l, int(fd), unix.SO_SNDBUFFORCE, unix.SO_SNDBUF, c.WriteBuffer, "listen.write_buffer")
			})
			if err != nil {
				return err
			}
			return opErr
		},
	}

	pc, err := lc.ListenPacket(ctx, "udp", c.listenAddr())
	if err != nil {
		return nil, err
	}
	if uc, ok := pc.(*net.UDPConn); ok {
		return uc, nil
	}
	pc.Close()
	return nil, fmt.Errorf("unexpected PacketConn: %T %#v", pc, pc)
}

// setBuffer tries the privileged option first and falls back to the
// capped one.
func setBuffer(l *logrus.Entry, fd, force, normal, size int, name string) {
	if size <= 0 {
		return
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, force, size); err != nil {
		if err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, normal, size); err != nil {
			l.WithError(err).Errorf("Failed to set %s", name)
			return
		}
	}
	if got, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, normal); err == nil {
		l.WithField("size", got).Infof("%s was set", name)
	} else {
		l.WithError(err).Warnf("Failed to get %s", name)
	}
}
