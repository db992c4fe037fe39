package discovery

import (
	"errors"
	"net"
	"testing"
	"time"

	"pkt.systems/dsv/api"
	"pkt.systems/pslog"
)

func TestProbeHearsAnnouncer(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	a, err := Announce(conn.LocalAddr().String(), 20*time.Millisecond, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("announce: %v", err)
	}
	defer a.Close()

	ip, err := probeOn(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	if ip != "127.0.0.1" {
		t.Fatalf("source ip %q", ip)
	}
}

func TestProbeTimesOutQuietly(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	_, err = probeOn(conn, 100*time.Millisecond)
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestProbeIgnoresForeignDatagrams(t *testing.T) {
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()

	noise, err := net.Dial("udp4", conn.LocalAddr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer noise.Close()
	if _, err := noise.Write([]byte("not a beacon")); err != nil {
		t.Fatalf("write: %v", err)
	}

	_, err = probeOn(conn, 150*time.Millisecond)
	if !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after noise, got %v", err)
	}
}
