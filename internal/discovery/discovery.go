// Package discovery implements the LAN beacon contract: the broker
// periodically announces a 2-byte magic on a well-known UDP port, and
// clients listen briefly and record the source address of the first
// matching beacon.
package discovery

import (
	"bytes"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
)

// magic is the beacon body. Anything else on the port is ignored.
var magic = []byte{0xCA, 0xFE}

// DefaultPort is the beacon UDP port.
const DefaultPort = 9999

// DefaultProbeTimeout bounds how long a probe listens before concluding no
// broker is announcing.
const DefaultProbeTimeout = 500 * time.Millisecond

// BroadcastAddr returns the announce destination for a beacon port.
func BroadcastAddr(port int) string {
	return fmt.Sprintf("255.255.255.255:%d", port)
}

// Announcer broadcasts the beacon until closed.
type Announcer struct {
	conn   net.Conn
	stop   chan struct{}
	done   chan struct{}
	logger pslog.Logger
}

// Announce starts broadcasting the beacon to dest every interval.
func Announce(dest string, interval time.Duration, logger pslog.Logger) (*Announcer, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	// The well-known destination is the limited broadcast address, which
	// needs SO_BROADCAST on the sending socket.
	dialer := net.Dialer{
		Control: func(_, _ string, raw syscall.RawConn) error {
			var serr error
			if err := raw.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			}); err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := dialer.Dial("udp4", dest)
	if err != nil {
		return nil, fmt.Errorf("beacon dial %s: %w", dest, err)
	}
	a := &Announcer{
		conn:   conn,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
		logger: logger,
	}
	go a.loop(interval)
	return a, nil
}

func (a *Announcer) loop(interval time.Duration) {
	defer close(a.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := a.conn.Write(magic); err != nil {
			a.logger.Warn("beacon send failed", "error", err)
		}
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}
	}
}

// Close stops the beacon.
func (a *Announcer) Close() error {
	close(a.stop)
	<-a.done
	return a.conn.Close()
}

// Probe listens on the beacon port for up to timeout and returns the IP of
// the first announcing broker. api.ErrNotFound means nothing announced.
func Probe(port int, timeout time.Duration) (string, error) {
	conn, err := net.ListenPacket("udp4", fmt.Sprintf(":%d", port))
	if err != nil {
		return "", fmt.Errorf("%w: beacon listen: %v", api.ErrTransport, err)
	}
	defer conn.Close()
	return probeOn(conn, timeout)
}

func probeOn(conn net.PacketConn, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 16)
	for {
		if err := conn.SetReadDeadline(deadline); err != nil {
			return "", fmt.Errorf("%w: beacon deadline: %v", api.ErrTransport, err)
		}
		n, src, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return "", fmt.Errorf("%w: no broker beacon heard", api.ErrNotFound)
			}
			return "", fmt.Errorf("%w: beacon read: %v", api.ErrTransport, err)
		}
		if n != len(magic) || !bytes.Equal(buf[:n], magic) {
			continue
		}
		host, _, err := net.SplitHostPort(src.String())
		if err != nil {
			return "", fmt.Errorf("%w: beacon source %q: %v", api.ErrTransport, src.String(), err)
		}
		return host, nil
	}
}
