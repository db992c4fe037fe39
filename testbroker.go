package dsv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/dsv/client"
)

// TestBroker wraps a running broker with convenient handles for tests: the
// server, its bound endpoint addresses, and a connected client.
type TestBroker struct {
	Server *Server
	Client *client.Client
	Config Config

	stop func(context.Context) error
}

// StartTestBroker starts a broker on ephemeral loopback ports with the
// discovery beacon disabled and the save stream in a temp directory, then
// connects a client to it. Everything is cleaned up when the test ends.
func StartTestBroker(t testing.TB, mutate func(*Config)) *TestBroker {
	t.Helper()
	cfg := Config{
		ReqListen:     "127.0.0.1:0",
		PubListen:     "127.0.0.1:0",
		IngestListen:  "127.0.0.1:0",
		DisableBeacon: true,
		SaveStore:     "file://" + filepath.Join(t.TempDir(), "dsv.save"),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	srv, stop, err := StartBroker(context.Background(), cfg)
	if err != nil {
		t.Fatalf("start test broker: %v", err)
	}
	cli, err := client.Open(
		client.WithEndpoints(
			srv.ReqAddr().String(),
			srv.PubAddr().String(),
			srv.IngestAddr().String(),
		),
		client.WithConnectGrace(20*time.Millisecond),
	)
	if err != nil {
		_ = stop(context.Background())
		t.Fatalf("connect test client: %v", err)
	}
	tb := &TestBroker{Server: srv, Client: cli, Config: cfg, stop: stop}
	t.Cleanup(func() {
		_ = cli.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = stop(shutdownCtx)
	})
	return tb
}

// NewClient connects an additional client to the broker. Test cleanup
// closes the client, and the broker afterwards.
func (tb *TestBroker) NewClient(t testing.TB) *client.Client {
	t.Helper()
	cli, err := client.Open(
		client.WithEndpoints(
			tb.Server.ReqAddr().String(),
			tb.Server.PubAddr().String(),
			tb.Server.IngestAddr().String(),
		),
		client.WithConnectGrace(20*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("connect extra client: %v", err)
	}
	t.Cleanup(func() { _ = cli.Close() })
	return cli
}

// Stop shuts the broker down early, for restart-style tests.
func (tb *TestBroker) Stop(t testing.TB) {
	t.Helper()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tb.stop(shutdownCtx); err != nil {
		t.Fatalf("stop test broker: %v", err)
	}
}
