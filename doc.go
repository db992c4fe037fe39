// Package dsv exposes the Go APIs behind the distributed system variable
// service: a single broker process that owns a registry of named, typed
// variables, and the pieces needed to embed or test it. Producers publish
// typed values under hierarchical names; consumers read them over a
// request/reply endpoint or subscribe to change notifications with
// last-value replay for late joiners.
//
// # Running a broker
//
// The broker binds three TCP endpoints — request/reply, subscriber fan-out,
// and producer ingest — and announces itself on a UDP beacon so clients can
// find it without configuration.
//
//	cfg := dsv.Config{SaveStore: "file:///var/run/dsv.save"}
//	srv, err := dsv.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("dsv: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// StartBroker wraps the same lifecycle with a ready wait and a stop
// function. StartTestBroker does the same on ephemeral loopback ports for
// tests.
//
// # Client SDK
//
// The Go client (pkt.systems/dsv/client) discovers a broker via the beacon
// (or connects to pinned endpoints), then exposes typed accessors over the
// wire protocol:
//
//	c, err := client.Open()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	err = c.Create(10, client.Definition{
//	    Name:  "/SYS/TEST/COUNTER",
//	    Type:  api.TypeUint32,
//	    Value: api.Value{Type: api.TypeUint32, Num: 7},
//	})
//	h, err := c.Handle(10, "/SYS/TEST/COUNTER")
//	err = client.Set(c, h, uint32(42))
//	v, err := client.Get[uint32](c, h)
//
// Variable names compose as "[<instance>]<uppercase path>"; the client
// canonicalizes paths to uppercase before they reach the wire.
//
// # Persistence
//
// Entries created with api.FlagSave participate in save/restore: save
// appends dirty flagged entries to the save store as `<name>=<value>;`
// records, and restore replays the accumulated stream onto existing
// entries (create first, then restore). The store is a local file by
// default, or an S3-compatible object via an s3:// URL.
package dsv
