// Package client is the Go SDK for the dsv broker. A Client owns three
// connections — request/reply, publish-to-ingest, and
// subscribe-from-fan-out — plus a lazy per-name handle cache. Clients are
// safe for use from one goroutine; wrap calls in your own mutex to share
// one across goroutines.
package client

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/internal/discovery"
	"pkt.systems/dsv/internal/transport"
	"pkt.systems/dsv/internal/wire"
)

const (
	defaultReqPort    = 56787
	defaultPubPort    = 56788
	defaultIngestPort = 56789

	// connectGrace is the pause after connecting the publish socket, so the
	// broker's subscription filter includes this client before any
	// immediate send. This is a documented race mitigation for the pub/sub
	// transport.
	connectGrace = 100 * time.Millisecond

	defaultDialTimeout = 5 * time.Second
)

// Option configures Open.
type Option func(*options)

type options struct {
	host         string
	reqAddr      string
	pubAddr      string
	ingestAddr   string
	beaconPort   int
	probeTimeout time.Duration
	dialTimeout  time.Duration
	maxMessage   int
	grace        time.Duration
	logger       pslog.Logger
}

// WithBrokerHost pins the broker host, skipping beacon discovery. The
// default ports are used.
func WithBrokerHost(host string) Option {
	return func(o *options) { o.host = host }
}

// WithEndpoints pins all three endpoint addresses explicitly (tests,
// non-default ports).
func WithEndpoints(req, fanout, ingest string) Option {
	return func(o *options) {
		o.reqAddr, o.pubAddr, o.ingestAddr = req, fanout, ingest
	}
}

// WithBeaconPort overrides the discovery beacon port.
func WithBeaconPort(port int) Option {
	return func(o *options) { o.beaconPort = port }
}

// WithProbeTimeout bounds the discovery listen.
func WithProbeTimeout(d time.Duration) Option {
	return func(o *options) { o.probeTimeout = d }
}

// WithDialTimeout bounds each endpoint dial.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}

// WithMaxMessage overrides the per-message size bound.
func WithMaxMessage(n int) Option {
	return func(o *options) { o.maxMessage = n }
}

// WithConnectGrace overrides the post-connect pause on the publish socket.
func WithConnectGrace(d time.Duration) Option {
	return func(o *options) { o.grace = d }
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Client is a connection to one broker.
type Client struct {
	id     string
	logger pslog.Logger

	req *transport.ReqConn
	pub *transport.PubConn
	sub *transport.SubConn

	mu      sync.Mutex
	handles map[string]api.Handle
}

// Open locates a broker — via the supplied host/endpoints or the LAN
// beacon — and establishes the three connections. A probe that hears no
// beacon fails with api.ErrNotFound.
func Open(opts ...Option) (*Client, error) {
	o := options{
		beaconPort:   discovery.DefaultPort,
		probeTimeout: discovery.DefaultProbeTimeout,
		dialTimeout:  defaultDialTimeout,
		maxMessage:   transport.DefaultMaxMessage,
		grace:        connectGrace,
	}
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	if o.reqAddr == "" {
		host := o.host
		if host == "" {
			ip, err := discovery.Probe(o.beaconPort, o.probeTimeout)
			if err != nil {
				return nil, fmt.Errorf("discover broker: %w", err)
			}
			host = ip
		}
		o.reqAddr = net.JoinHostPort(host, strconv.Itoa(defaultReqPort))
		o.pubAddr = net.JoinHostPort(host, strconv.Itoa(defaultPubPort))
		o.ingestAddr = net.JoinHostPort(host, strconv.Itoa(defaultIngestPort))
	}

	c := &Client{
		id:      uuid.NewString(),
		handles: make(map[string]api.Handle),
	}
	c.logger = logger.With("client_id", c.id)

	var err error
	c.req, err = transport.DialReq(o.reqAddr, o.dialTimeout, o.maxMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: dial request endpoint %s: %v", api.ErrTransport, o.reqAddr, err)
	}
	c.pub, err = transport.DialPub(o.ingestAddr, o.dialTimeout)
	if err != nil {
		_ = c.req.Close()
		return nil, fmt.Errorf("%w: dial ingest endpoint %s: %v", api.ErrTransport, o.ingestAddr, err)
	}
	c.sub, err = transport.DialSub(o.pubAddr, o.dialTimeout, o.maxMessage)
	if err != nil {
		_ = c.req.Close()
		_ = c.pub.Close()
		return nil, fmt.Errorf("%w: dial fan-out endpoint %s: %v", api.ErrTransport, o.pubAddr, err)
	}
	if o.grace > 0 {
		time.Sleep(o.grace)
	}
	c.logger.Debug("connected", "req", o.reqAddr, "fanout", o.pubAddr, "ingest", o.ingestAddr)
	return c, nil
}

// Close releases all three connections. A blocked Notification call is
// unblocked with an error.
func (c *Client) Close() error {
	var errs []error
	for _, closer := range []func() error{c.sub.Close, c.pub.Close, c.req.Close} {
		if err := closer(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Definition describes a variable to create. Name is the path portion; the
// full registry key is composed from the instance id and the uppercased
// path. A zero Value creates the type's zero value.
type Definition struct {
	Name  string
	Desc  string
	Tags  string
	Type  api.Type
	Flags api.Flags
	Value api.Value
}

// Create publishes a create request. Creation rides the ingest socket:
// there is no reply, and a rejected create is observable only through a
// later lookup.
func (c *Client) Create(instanceID uint32, def Definition) error {
	if !def.Type.Valid() {
		return fmt.Errorf("%w: create %q with invalid type", api.ErrInvalid, def.Name)
	}
	value := def.Value
	if value.Type == api.TypeInvalid {
		value.Type = def.Type
	}
	if value.Type != def.Type {
		return fmt.Errorf("%w: create %q value type mismatch", api.ErrInvalid, def.Name)
	}
	payload := wire.EncodeCreate(wire.CreatePayload{
		Type:       def.Type,
		Flags:      def.Flags,
		InstanceID: instanceID,
		Name:       api.FullName(instanceID, def.Name),
		Desc:       def.Desc,
		Tags:       def.Tags,
		Value:      value,
	})
	return c.publish(wire.OpCreate, payload)
}

// Handle resolves the variable handle for an instance id and path, caching
// the result per full name.
func (c *Client) Handle(instanceID uint32, name string) (api.Handle, error) {
	return c.HandleByFullName(api.FullName(instanceID, name))
}

// HandleByFullName resolves a handle for an already-composed full name.
func (c *Client) HandleByFullName(fullName string) (api.Handle, error) {
	c.mu.Lock()
	h, ok := c.handles[fullName]
	c.mu.Unlock()
	if ok {
		return h, nil
	}
	payload, err := c.request(wire.OpGetHandle, wire.EncodeName(fullName))
	if err != nil {
		return 0, err
	}
	h, _, err = wire.DecodeHandle(payload)
	if err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.handles[fullName] = h
	c.mu.Unlock()
	return h, nil
}

// Type queries the variable's creation type.
func (c *Client) Type(h api.Handle) (api.Type, error) {
	payload, err := c.request(wire.OpGetType, wire.EncodeHandle(h))
	if err != nil {
		return api.TypeInvalid, err
	}
	t, err := wire.DecodeI32(payload)
	if err != nil {
		return api.TypeInvalid, err
	}
	return api.Type(t), nil
}

// Len queries the variable's current encoded payload length.
func (c *Client) Len(h api.Handle) (uint64, error) {
	payload, err := c.request(wire.OpGetLen, wire.EncodeHandle(h))
	if err != nil {
		return 0, err
	}
	return wire.DecodeU64(payload)
}

// Save asks the broker to append dirty flagged entries to the save store.
func (c *Client) Save() error {
	_, err := c.request(wire.OpSave, nil)
	return err
}

// Restore asks the broker to replay the save store onto existing entries.
func (c *Client) Restore() error {
	_, err := c.request(wire.OpRestore, nil)
	return err
}

// Track flips the variable's track flag. The broker records the flag but
// forwards every mutation regardless.
func (c *Client) Track(h api.Handle, enable bool) error {
	_, err := c.request(wire.OpTrack, wire.EncodeTrack(h, enable))
	return err
}

// GetNext advances a fuzzy iteration: it returns the first variable past
// lastIndex whose full name contains search, with the new cursor. Iteration
// starts at -1 and ends when the error is api.ErrNotFound.
func (c *Client) GetNext(search string, lastIndex int32) (index int32, name, value string, err error) {
	payload, err := c.request(wire.OpGetNext, wire.EncodeGetNext(lastIndex, search))
	if err != nil {
		return 0, "", "", err
	}
	return splitGetNextReply(payload)
}

func splitGetNextReply(payload []byte) (int32, string, string, error) {
	index, name, value, err := wire.DecodeGetNextReply(payload)
	if err != nil {
		return 0, "", "", err
	}
	return index, name, value, nil
}

// request performs one request/reply round trip and separates "broker said
// no" (the result's sentinel error) from "never reached broker"
// (api.ErrTransport).
func (c *Client) request(op wire.Op, payload []byte) ([]byte, error) {
	rep, err := c.req.Do(wire.EncodeRequest(op, payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", api.ErrTransport, op, err)
	}
	reply, err := wire.DecodeReply(rep)
	if err != nil {
		return nil, err
	}
	if reply.Result != api.ResultOK {
		return nil, fmt.Errorf("%s: %w", op, reply.Result.Err())
	}
	return reply.Payload, nil
}

// publish sends one fire-and-forget frame on the ingest socket.
func (c *Client) publish(op wire.Op, payload []byte) error {
	if err := c.pub.Send(wire.EncodeRequest(op, payload)); err != nil {
		return fmt.Errorf("%w: %s: %v", api.ErrTransport, op, err)
	}
	return nil
}
