// Package dsv implements the distributed system variable broker: a single
// process that owns the authoritative registry of named, typed variables and
// serves three TCP endpoints — producer ingest, request/reply, and
// subscriber fan-out with last-value replay.
package dsv

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/xid"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/internal/clock"
	"pkt.systems/dsv/internal/discovery"
	"pkt.systems/dsv/internal/registry"
	"pkt.systems/dsv/internal/savefile"
	"pkt.systems/dsv/internal/sysstats"
	"pkt.systems/dsv/internal/transport"
	"pkt.systems/dsv/internal/wire"
)

// ErrBrokerRunning reports that another broker is already announcing on the
// network; a second instance refuses to start.
var ErrBrokerRunning = errors.New("dsv: a broker is already announcing on this network")

// Server is the dsv broker. A single event-loop goroutine owns the registry;
// connection readers only shuttle frames into it, so no registry locking is
// needed and per-name commit order is the order subscribers observe.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clk    clock.Clock
	reg    *registry.Registry
	store  savefile.Store
	runID  xid.ID

	ingest *transport.IngestServer
	pub    *transport.PubServer
	rep    *transport.ReplyServer
	beacon *discovery.Announcer

	telemetry *telemetryBundle
	meters    brokerMeters

	started     time.Time
	statHandles map[string]api.Handle

	readyOnce sync.Once
	readyCh   chan struct{}
	stopOnce  sync.Once
	stopCh    chan struct{}
	loopDone  chan struct{}
}

// Option configures broker instances.
type Option func(*options)

type options struct {
	Logger pslog.Logger
	Clock  clock.Clock
	Store  savefile.Store
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithSaveStore injects a pre-built save store (useful for tests).
func WithSaveStore(s savefile.Store) Option {
	return func(o *options) { o.Store = s }
}

// NewServer constructs a broker according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	clk := o.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	store := o.Store
	if store == nil {
		var err error
		store, err = savefile.Open(cfg.SaveStore)
		if err != nil {
			return nil, err
		}
	}
	var telemetry *telemetryBundle
	if cfg.MetricsListen != "" {
		var err error
		telemetry, err = setupTelemetry(cfg.MetricsListen, logger.With("svc", "telemetry"))
		if err != nil {
			return nil, err
		}
	}
	s := &Server{
		cfg:         cfg,
		logger:      logger.With("svc", "broker"),
		clk:         clk,
		reg:         registry.New(clk),
		store:       store,
		runID:       xid.New(),
		meters:      newBrokerMeters(logger),
		telemetry:   telemetry,
		statHandles: make(map[string]api.Handle),
		readyCh:     make(chan struct{}),
		stopCh:      make(chan struct{}),
		loopDone:    make(chan struct{}),
	}
	return s, nil
}

// Start binds the three endpoints, starts the discovery beacon, and runs the
// event loop until Shutdown. Bind failures are fatal. Start refuses to run
// when another broker is already announcing on the beacon port.
func (s *Server) Start() error {
	defer close(s.loopDone)
	if !s.cfg.DisableBeacon {
		if ip, err := discovery.Probe(s.cfg.BeaconPort, discovery.DefaultProbeTimeout); err == nil {
			return fmt.Errorf("%w (seen at %s)", ErrBrokerRunning, ip)
		} else if !errors.Is(err, api.ErrNotFound) {
			return fmt.Errorf("beacon probe: %w", err)
		}
	}

	var err error
	s.ingest, err = transport.ListenIngest(s.cfg.IngestListen, s.cfg.MaxMessageBytes, s.logger.With("sock", "ingest"))
	if err != nil {
		return fmt.Errorf("bind ingest (%s): %w", s.cfg.IngestListen, err)
	}
	s.pub, err = transport.ListenPub(s.cfg.PubListen, s.cfg.MaxMessageBytes, s.logger.With("sock", "fanout"))
	if err != nil {
		_ = s.ingest.Close()
		return fmt.Errorf("bind fan-out (%s): %w", s.cfg.PubListen, err)
	}
	s.rep, err = transport.ListenReply(s.cfg.ReqListen, s.cfg.MaxMessageBytes, s.logger.With("sock", "reply"))
	if err != nil {
		_ = s.ingest.Close()
		_ = s.pub.Close()
		return fmt.Errorf("bind reply (%s): %w", s.cfg.ReqListen, err)
	}
	if !s.cfg.DisableBeacon {
		s.beacon, err = discovery.Announce(discovery.BroadcastAddr(s.cfg.BeaconPort), s.cfg.BeaconInterval, s.logger.With("svc", "beacon"))
		if err != nil {
			s.closeEndpoints()
			return fmt.Errorf("beacon announce: %w", err)
		}
	}
	if s.cfg.RestoreOnStart {
		if err := s.restore(); err != nil {
			s.logger.Warn("restore on start failed", "error", err)
		}
	}
	s.started = s.clk.Now()
	s.logger.Info("broker listening",
		"run_id", s.runID.String(),
		"req", s.rep.Addr().String(),
		"fanout", s.pub.Addr().String(),
		"ingest", s.ingest.Addr().String(),
		"save_store", s.store.Location(),
	)
	s.signalReady()
	s.run()

	// Final save happens before the endpoints close so a clean shutdown never
	// loses flagged mutations.
	if err := s.save(); err != nil {
		s.logger.Error("final save failed", "error", err)
	}
	s.closeEndpoints()
	if s.beacon != nil {
		_ = s.beacon.Close()
	}
	if s.telemetry != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.telemetry.Shutdown(shutdownCtx)
		cancel()
	}
	return nil
}

// Shutdown stops the event loop and waits for Start to finish cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	select {
	case <-s.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitUntilReady blocks until the endpoints are bound or the context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReqAddr returns the bound request endpoint address once ready.
func (s *Server) ReqAddr() net.Addr { return s.rep.Addr() }

// PubAddr returns the bound fan-out endpoint address once ready.
func (s *Server) PubAddr() net.Addr { return s.pub.Addr() }

// IngestAddr returns the bound ingest endpoint address once ready.
func (s *Server) IngestAddr() net.Addr { return s.ingest.Addr() }

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

func (s *Server) closeEndpoints() {
	if s.ingest != nil {
		_ = s.ingest.Close()
	}
	if s.pub != nil {
		_ = s.pub.Close()
	}
	if s.rep != nil {
		_ = s.rep.Close()
	}
}

// run is the broker event loop. Every registry mutation completes before the
// next event is taken.
func (s *Server) run() {
	var statsCh <-chan time.Time
	if s.cfg.StatsInterval > 0 {
		statsCh = s.clk.After(s.cfg.StatsInterval)
	}
	for {
		select {
		case <-s.stopCh:
			s.logger.Info("stopping broker", "entries", s.reg.Len())
			return
		case frame := <-s.ingest.Frames():
			s.handleIngest(frame)
		case ev := <-s.pub.Events():
			s.handleSubEvent(ev)
		case req := <-s.rep.Requests():
			req.Reply(s.handleRequest(req.Frame))
		case <-statsCh:
			s.publishStats()
			statsCh = s.clk.After(s.cfg.StatsInterval)
		}
	}
}

// handleIngest applies a fire-and-forget mutation. There is no reply path;
// failures are logged and the frame is dropped, observable to clients only
// as a missing change notification.
func (s *Server) handleIngest(frame []byte) {
	s.meters.add(s.meters.ingestFrames)
	req, err := wire.DecodeRequest(frame)
	if err != nil {
		s.meters.add(s.meters.ingestErrors)
		s.logger.Warn("ingest frame rejected", "error", err)
		return
	}
	e, err := s.applyIngest(req)
	if err != nil {
		s.meters.add(s.meters.ingestErrors)
		s.logger.Warn("ingest operation failed", "op", req.Op.String(), "error", err)
		return
	}
	s.forward(e)
}

func (s *Server) applyIngest(req wire.Request) (*registry.Entry, error) {
	switch req.Op {
	case wire.OpCreate:
		p, err := wire.DecodeCreate(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.reg.Create(registry.CreateSpec{
			Name:       p.Name,
			Desc:       p.Desc,
			Tags:       p.Tags,
			InstanceID: p.InstanceID,
			Type:       p.Type,
			Flags:      p.Flags,
			Value:      p.Value,
		})
	case wire.OpSet:
		h, rest, err := wire.DecodeHandle(req.Payload)
		if err != nil {
			return nil, err
		}
		e, err := s.reg.Resolve(h)
		if err != nil {
			return nil, err
		}
		v, err := wire.DecodeSetValue(rest, e.Type)
		if err != nil {
			return nil, err
		}
		return s.reg.Set(h, v)
	case wire.OpAddItem:
		h, value, err := wire.DecodeHandleItem(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.reg.AddItem(h, value)
	case wire.OpInsItem:
		h, index, value, err := wire.DecodeHandleIndexValue(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.reg.InsItem(h, index, value)
	case wire.OpSetItem:
		h, index, value, err := wire.DecodeHandleIndexValue(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.reg.SetItem(h, index, value)
	case wire.OpDelItem:
		h, index, err := wire.DecodeHandleIndex(req.Payload)
		if err != nil {
			return nil, err
		}
		return s.reg.DelItem(h, index)
	}
	return nil, fmt.Errorf("%w: opcode %s not accepted on ingest", api.ErrInvalid, req.Op)
}

// handleSubEvent replays the current value to a new subscription — the
// last-value cache. The replay rides the normal fan-out path, so every
// current subscriber of the topic sees it too.
func (s *Server) handleSubEvent(ev transport.SubEvent) {
	s.meters.add(s.meters.subEvents)
	if !ev.Subscribe {
		return
	}
	topic := ev.Topic
	if len(topic) > 0 && topic[len(topic)-1] == 0 {
		topic = topic[:len(topic)-1]
	}
	e, ok := s.reg.Lookup(string(topic))
	if !ok {
		return
	}
	s.forward(e)
}

// handleRequest dispatches a request-socket frame and always produces a
// reply, carrying a non-zero result on failure.
func (s *Server) handleRequest(frame []byte) []byte {
	s.meters.add(s.meters.requests)
	req, err := wire.DecodeRequest(frame)
	if err != nil {
		s.logger.Warn("request frame rejected", "error", err)
		return wire.EncodeReply(api.ResultFromErr(err), nil)
	}
	payload, err := s.applyRequest(req)
	if err != nil {
		s.meters.add(s.meters.requestErrors)
		if !errors.Is(err, api.ErrNotFound) {
			s.logger.Warn("request failed", "op", req.Op.String(), "error", err)
		}
		return wire.EncodeReply(api.ResultFromErr(err), nil)
	}
	return wire.EncodeReply(api.ResultOK, payload)
}

func (s *Server) applyRequest(req wire.Request) ([]byte, error) {
	switch req.Op {
	case wire.OpGetHandle:
		name, err := wire.DecodeName(req.Payload)
		if err != nil {
			return nil, err
		}
		e, ok := s.reg.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s", api.ErrNotFound, name)
		}
		return wire.EncodeHandle(e.Handle), nil
	case wire.OpGetType:
		e, err := s.resolvePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return wire.EncodeI32(int32(e.Type)), nil
	case wire.OpGetLen:
		e, err := s.resolvePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return wire.EncodeU64(e.ByteLength()), nil
	case wire.OpGet:
		e, err := s.resolvePayload(req.Payload)
		if err != nil {
			return nil, err
		}
		return e.Value.Encode(), nil
	case wire.OpGetNext:
		last, search, err := wire.DecodeGetNext(req.Payload)
		if err != nil {
			return nil, err
		}
		e, index, err := s.reg.Next(last, search)
		if err != nil {
			return nil, err
		}
		return wire.EncodeGetNextReply(index, e.Name, e.Value.String()), nil
	case wire.OpGetItem:
		h, index, err := wire.DecodeHandleIndex(req.Payload)
		if err != nil {
			return nil, err
		}
		value, err := s.reg.GetItem(h, index)
		if err != nil {
			return nil, err
		}
		return wire.EncodeI32(value), nil
	case wire.OpSave:
		return nil, s.save()
	case wire.OpRestore:
		return nil, s.restore()
	case wire.OpTrack:
		h, enable, err := wire.DecodeTrack(req.Payload)
		if err != nil {
			return nil, err
		}
		if _, err := s.reg.SetTrack(h, enable); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return nil, fmt.Errorf("%w: opcode %s not accepted on request socket", api.ErrInvalid, req.Op)
}

func (s *Server) resolvePayload(payload []byte) (*registry.Entry, error) {
	h, _, err := wire.DecodeHandle(payload)
	if err != nil {
		return nil, err
	}
	return s.reg.Resolve(h)
}

// forward emits the entry's current value on the fan-out socket, topic
// framed with the full name.
func (s *Server) forward(e *registry.Entry) {
	frame := wire.EncodeForward(e.Name, e.Value.Encode())
	s.pub.Broadcast(wire.TopicBytes(e.Name), frame)
	s.meters.add(s.meters.forwards)
}

// save appends one save run to the store. Dirty bits clear only after the
// append succeeded.
func (s *Server) save() error {
	data, pending := s.reg.PendingSaveRecords()
	if len(pending) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.Append(ctx, data); err != nil {
		return err
	}
	s.reg.ClearDirty(pending)
	s.logger.Info("saved", "records", len(pending), "store", s.store.Location())
	return nil
}

// restore replays the accumulated save stream onto existing entries.
// Records for unknown names are skipped; create runs before restore.
func (s *Server) restore() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := s.reg.ApplySaveRecords(data); err != nil {
		return err
	}
	s.logger.Info("restored", "bytes", len(data), "store", s.store.Location())
	return nil
}

// Full names of the broker self-stats variables.
const (
	statRunID      = "[0]/SYS/STATS/RUN_ID"
	statCPUPercent = "[0]/SYS/STATS/CPU_PERCENT"
	statMemUsed    = "[0]/SYS/STATS/MEM_USED"
	statUptime     = "[0]/SYS/STATS/UPTIME"
)

// publishStats commits host load samples as ordinary variables through the
// normal pipeline, forward frames included.
func (s *Server) publishStats() {
	sample := sysstats.Collect()
	s.commitStat(statRunID, api.Value{Type: api.TypeString, Str: s.runID.String()})
	s.commitStat(statCPUPercent, mustFloat(sample.CPUPercent))
	s.commitStat(statMemUsed, api.Value{Type: api.TypeUint64, Num: sample.MemUsed})
	uptime := uint64(s.clk.Now().Sub(s.started) / time.Second)
	s.commitStat(statUptime, api.Value{Type: api.TypeUint64, Num: uptime})
}

func mustFloat(f float64) api.Value {
	v, _ := api.FromFloat64(f, api.TypeDouble)
	return v
}

func (s *Server) commitStat(name string, v api.Value) {
	h, ok := s.statHandles[name]
	if !ok {
		e, err := s.reg.Create(registry.CreateSpec{
			Name:       name,
			Desc:       "broker self statistic",
			Tags:       "stats",
			InstanceID: 0,
			Type:       v.Type,
			Value:      v,
		})
		if err != nil {
			s.logger.Warn("stats create failed", "name", name, "error", err)
			return
		}
		s.statHandles[name] = e.Handle
		s.forward(e)
		return
	}
	if name == statRunID {
		return
	}
	e, err := s.reg.Set(h, v)
	if err != nil {
		s.logger.Warn("stats set failed", "name", name, "error", err)
		return
	}
	s.forward(e)
}

// StartBroker starts a broker in a background goroutine and waits until it
// is ready. It returns the running server alongside a stop function.
func StartBroker(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancel := context.WithTimeout(waitCtx, 10*time.Second)
	defer cancel()
	select {
	case startErr := <-errCh:
		if startErr == nil {
			startErr = errors.New("dsv: broker exited before becoming ready")
		}
		return nil, nil, startErr
	case <-srv.readyCh:
	case <-readyCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, readyCtx.Err()
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			stopErr = <-errCh
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
