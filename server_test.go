package dsv

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/client"
)

// waitFor polls until fn succeeds, failing the test after the deadline.
// Ingest operations are fire-and-forget, so tests must wait for the broker
// to commit them.
func waitFor(t *testing.T, what string, fn func() error) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var err error
	for time.Now().Before(deadline) {
		if err = fn(); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s: %v", what, err)
}

func waitHandle(t *testing.T, c *client.Client, instanceID uint32, name string) api.Handle {
	t.Helper()
	var h api.Handle
	waitFor(t, "handle of "+name, func() error {
		var err error
		h, err = c.Handle(instanceID, name)
		return err
	})
	return h
}

func TestScalarCreateGetSetNotify(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	if err := c.Create(10, client.Definition{
		Name:  "/X/Y",
		Desc:  "end to end scalar",
		Type:  api.TypeUint32,
		Value: api.Value{Type: api.TypeUint32, Num: 7},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := waitHandle(t, c, 10, "/X/Y")

	typ, err := c.Type(h)
	if err != nil || typ != api.TypeUint32 {
		t.Fatalf("type %v %v", typ, err)
	}
	if got, err := c.GetByName(10, "/X/Y"); err != nil || got != "7" {
		t.Fatalf("get by name: %q %v", got, err)
	}
	if n, err := c.Len(h); err != nil || n != 4 {
		t.Fatalf("len: %d %v", n, err)
	}

	// A second client subscribed before the set sees the LVC replay of the
	// current value, then exactly the mutation frame.
	sub := tb.NewClient(t)
	if err := sub.Subscribe(10, "/X/Y"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	lvc, err := sub.Notification()
	if err != nil {
		t.Fatalf("lvc notification: %v", err)
	}
	if lvc.Name != "[10]/X/Y" {
		t.Fatalf("lvc topic %q", lvc.Name)
	}
	if v, err := lvc.Value(api.TypeUint32); err != nil || v.Uint() != 7 {
		t.Fatalf("lvc value %v %v", v, err)
	}

	if err := c.SetByName(10, "/X/Y", "42"); err != nil {
		t.Fatalf("set by name: %v", err)
	}
	note, err := sub.Notification()
	if err != nil {
		t.Fatalf("set notification: %v", err)
	}
	if note.Name != "[10]/X/Y" {
		t.Fatalf("topic %q", note.Name)
	}
	if !bytes.Equal(note.Raw, []byte{42, 0, 0, 0}) {
		t.Fatalf("payload %v, want little-endian 42", note.Raw)
	}

	if got, err := client.Get[uint32](c, h); err != nil || got != 42 {
		t.Fatalf("typed get: %d %v", got, err)
	}
}

func TestArrayElementOperations(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	if err := c.Create(10, client.Definition{
		Name:  "/A/ARR",
		Type:  api.TypeIntArray,
		Value: api.Value{Type: api.TypeIntArray, Arr: []int32{1, 2, 3}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := waitHandle(t, c, 10, "/A/ARR")

	if err := c.AddItem(h, 4); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := c.InsItem(h, 0, 0); err != nil {
		t.Fatalf("ins: %v", err)
	}
	if err := c.DelItem(h, 2); err != nil {
		t.Fatalf("del: %v", err)
	}
	waitFor(t, "array to settle", func() error {
		arr, err := c.GetArray(h)
		if err != nil {
			return err
		}
		if !reflect.DeepEqual(arr, []int32{0, 1, 3, 4}) {
			return fmt.Errorf("array %v", arr)
		}
		return nil
	})
	if got, err := c.GetItem(h, 3); err != nil || got != 4 {
		t.Fatalf("get item: %d %v", got, err)
	}
	if n, err := c.Len(h); err != nil || n != 16 {
		t.Fatalf("len: %d %v", n, err)
	}
	// Out-of-range element reads surface as invalid.
	if _, err := c.GetItem(h, 4); !errors.Is(err, api.ErrInvalid) {
		t.Fatalf("expected ErrInvalid, got %v", err)
	}
}

func TestSaveRestoreAcrossRestart(t *testing.T) {
	saveStore := ""
	tb := StartTestBroker(t, func(cfg *Config) {})
	saveStore = tb.Config.SaveStore
	c := tb.Client

	if err := c.Create(1, client.Definition{
		Name:  "/PERSIST/V",
		Type:  api.TypeUint32,
		Flags: api.FlagSave,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitHandle(t, c, 1, "/PERSIST/V")
	if err := c.SetByName(1, "/PERSIST/V", "1234"); err != nil {
		t.Fatalf("set: %v", err)
	}
	waitFor(t, "value to commit", func() error {
		got, err := c.GetByName(1, "/PERSIST/V")
		if err != nil {
			return err
		}
		if got != "1234" {
			return fmt.Errorf("value %q", got)
		}
		return nil
	})
	if err := c.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	_ = c.Close()
	tb.Stop(t)

	// Restart against the same save stream; create runs before restore.
	tb2 := StartTestBroker(t, func(cfg *Config) { cfg.SaveStore = saveStore })
	c2 := tb2.Client
	if err := c2.Create(1, client.Definition{
		Name:  "/PERSIST/V",
		Type:  api.TypeUint32,
		Flags: api.FlagSave,
	}); err != nil {
		t.Fatalf("create after restart: %v", err)
	}
	waitHandle(t, c2, 1, "/PERSIST/V")
	if err := c2.Restore(); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if got, err := c2.GetByName(1, "/PERSIST/V"); err != nil || got != "1234" {
		t.Fatalf("restored value %q %v", got, err)
	}
}

func TestSubscribeBeforeCreate(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client
	sub := tb.NewClient(t)

	if err := sub.Subscribe(1, "/SYS/DEV_LIST"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// Nothing exists yet, so no LVC frame may arrive.
	got := make(chan client.Notification, 1)
	go func() {
		n, err := sub.Notification()
		if err == nil {
			got <- n
		}
	}()
	select {
	case n := <-got:
		t.Fatalf("unexpected frame before create: %+v", n)
	case <-time.After(300 * time.Millisecond):
	}

	if err := c.Create(1, client.Definition{
		Name:  "/SYS/DEV_LIST",
		Type:  api.TypeIntArray,
		Value: api.Value{Type: api.TypeIntArray, Arr: []int32{0}},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	select {
	case n := <-got:
		if n.Name != "[1]/SYS/DEV_LIST" {
			t.Fatalf("topic %q", n.Name)
		}
		// Payload: u64 byte-length prefix of 4, then one zero element.
		want := []byte{4, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
		if !bytes.Equal(n.Raw, want) {
			t.Fatalf("payload %v want %v", n.Raw, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no frame after create")
	}
}

func TestSubscriptionPrefixDiscipline(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client
	sub := tb.NewClient(t)

	if err := c.Create(1, client.Definition{Name: "/A", Type: api.TypeUint8}); err != nil {
		t.Fatalf("create /A: %v", err)
	}
	if err := c.Create(1, client.Definition{Name: "/AB", Type: api.TypeUint8}); err != nil {
		t.Fatalf("create /AB: %v", err)
	}
	waitHandle(t, c, 1, "/A")
	hAB := waitHandle(t, c, 1, "/AB")

	if err := sub.Subscribe(1, "/A"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	// LVC for [1]/A only.
	n, err := sub.Notification()
	if err != nil || n.Name != "[1]/A" {
		t.Fatalf("lvc %+v %v", n, err)
	}

	// A mutation of [1]/AB must not reach this subscriber; a mutation of
	// [1]/A must.
	if err := client.Set(c, hAB, uint8(9)); err != nil {
		t.Fatalf("set /AB: %v", err)
	}
	if err := c.SetByName(1, "/A", "5"); err != nil {
		t.Fatalf("set /A: %v", err)
	}
	n, err = sub.Notification()
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if n.Name != "[1]/A" {
		t.Fatalf("received frame for %q, want [1]/A only", n.Name)
	}
	if v, err := n.Value(api.TypeUint8); err != nil || v.Uint() != 5 {
		t.Fatalf("value %v %v", v, err)
	}
}

func TestFuzzyIteration(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	for _, name := range []string{"/SYS/A", "/SYS/B"} {
		if err := c.Create(1, client.Definition{Name: name, Type: api.TypeUint8}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	if err := c.Create(2, client.Definition{Name: "/OTHER", Type: api.TypeUint8}); err != nil {
		t.Fatalf("create /OTHER: %v", err)
	}
	waitHandle(t, c, 2, "/OTHER")

	var names []string
	last := int32(-1)
	for {
		index, name, _, err := c.GetNext("SYS", last)
		if err != nil {
			if !errors.Is(err, api.ErrNotFound) {
				t.Fatalf("get next: %v", err)
			}
			break
		}
		names = append(names, name)
		last = index
	}
	if !reflect.DeepEqual(names, []string{"[1]/SYS/A", "[1]/SYS/B"}) {
		t.Fatalf("fuzzy results %v", names)
	}
}

func TestConcurrentSettersPerNameOrder(t *testing.T) {
	const perClient = 200
	tb := StartTestBroker(t, nil)
	c := tb.Client

	for _, name := range []string{"/LOAD/A", "/LOAD/B"} {
		if err := c.Create(1, client.Definition{Name: name, Type: api.TypeUint32}); err != nil {
			t.Fatalf("create %s: %v", name, err)
		}
	}
	waitHandle(t, c, 1, "/LOAD/A")
	waitHandle(t, c, 1, "/LOAD/B")

	sub := tb.NewClient(t)
	if err := sub.Subscribe(1, "/LOAD/A"); err != nil {
		t.Fatalf("subscribe A: %v", err)
	}
	if err := sub.Subscribe(1, "/LOAD/B"); err != nil {
		t.Fatalf("subscribe B: %v", err)
	}
	// Drain the two LVC replays before the load starts.
	for i := 0; i < 2; i++ {
		if _, err := sub.Notification(); err != nil {
			t.Fatalf("lvc: %v", err)
		}
	}

	type frame struct {
		name  string
		value uint32
	}
	frames := make(chan frame, 2*perClient)
	go func() {
		for i := 0; i < 2*perClient; i++ {
			n, err := sub.Notification()
			if err != nil {
				return
			}
			v, err := n.Value(api.TypeUint32)
			if err != nil {
				return
			}
			frames <- frame{name: n.Name, value: uint32(v.Uint())}
		}
		close(frames)
	}()

	setAll := func(t *testing.T, cli *client.Client, name string) {
		h, err := cli.Handle(1, name)
		if err != nil {
			t.Errorf("handle %s: %v", name, err)
			return
		}
		for i := 1; i <= perClient; i++ {
			if err := client.Set(cli, h, uint32(i)); err != nil {
				t.Errorf("set %s=%d: %v", name, i, err)
				return
			}
		}
	}
	cA := tb.NewClient(t)
	cB := tb.NewClient(t)
	done := make(chan struct{}, 2)
	go func() { setAll(t, cA, "/LOAD/A"); done <- struct{}{} }()
	go func() { setAll(t, cB, "/LOAD/B"); done <- struct{}{} }()
	<-done
	<-done

	lastSeen := map[string]uint32{}
	received := 0
	timeout := time.After(20 * time.Second)
	for received < 2*perClient {
		select {
		case f, ok := <-frames:
			if !ok {
				t.Fatalf("subscriber stopped after %d frames", received)
			}
			if f.value != lastSeen[f.name]+1 {
				t.Fatalf("out of order on %s: got %d after %d", f.name, f.value, lastSeen[f.name])
			}
			lastSeen[f.name] = f.value
			received++
		case <-timeout:
			t.Fatalf("received %d of %d frames", received, 2*perClient)
		}
	}
	if lastSeen["[1]/LOAD/A"] != perClient || lastSeen["[1]/LOAD/B"] != perClient {
		t.Fatalf("final counters %v", lastSeen)
	}
}

func TestDuplicateCreateKeepsOriginal(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	if err := c.Create(1, client.Definition{
		Name:  "/DUP",
		Type:  api.TypeUint32,
		Value: api.Value{Type: api.TypeUint32, Num: 1},
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitHandle(t, c, 1, "/DUP")
	// The duplicate is silently dropped on the ingest path.
	if err := c.Create(1, client.Definition{
		Name:  "/DUP",
		Type:  api.TypeUint32,
		Value: api.Value{Type: api.TypeUint32, Num: 2},
	}); err != nil {
		t.Fatalf("duplicate create publish: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if got, err := c.GetByName(1, "/DUP"); err != nil || got != "1" {
		t.Fatalf("value %q %v, want original 1", got, err)
	}
}

func TestUnknownNameAndHandleErrors(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	if _, err := c.Handle(9, "/NOPE"); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Type(api.Handle(12345)); !errors.Is(err, api.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for bogus handle, got %v", err)
	}
}

func TestTrackFlagDoesNotGateForwards(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	if err := c.Create(1, client.Definition{Name: "/TRACKED", Type: api.TypeUint8}); err != nil {
		t.Fatalf("create: %v", err)
	}
	h := waitHandle(t, c, 1, "/TRACKED")
	if err := c.Track(h, false); err != nil {
		t.Fatalf("track off: %v", err)
	}

	sub := tb.NewClient(t)
	if err := sub.Subscribe(1, "/TRACKED"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if _, err := sub.Notification(); err != nil {
		t.Fatalf("lvc: %v", err)
	}
	// Forward frames flow regardless of the track flag.
	if err := client.Set(c, h, uint8(3)); err != nil {
		t.Fatalf("set: %v", err)
	}
	n, err := sub.Notification()
	if err != nil {
		t.Fatalf("notification: %v", err)
	}
	if v, err := n.Value(api.TypeUint8); err != nil || v.Uint() != 3 {
		t.Fatalf("value %v %v", v, err)
	}
}

func TestStatsVariablesPublished(t *testing.T) {
	tb := StartTestBroker(t, func(cfg *Config) { cfg.StatsInterval = 50 * time.Millisecond })
	c := tb.Client

	waitFor(t, "stats uptime variable", func() error {
		_, err := c.GetByName(0, "/SYS/STATS/UPTIME")
		return err
	})
	if _, err := c.GetByName(0, "/SYS/STATS/RUN_ID"); err != nil {
		t.Fatalf("run id: %v", err)
	}
}
