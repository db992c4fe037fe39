package client

import (
	"fmt"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/internal/wire"
)

// Subscribe registers for change notifications on a variable by instance id
// and path. The subscription topic is the full name including its trailing
// NUL, so "[1]/A" never matches "[1]/AB". If the variable already exists the
// broker immediately replays its current value (last-value cache).
func (c *Client) Subscribe(instanceID uint32, name string) error {
	return c.SubscribeFullName(api.FullName(instanceID, name))
}

// SubscribeFullName registers for notifications on an already-composed full
// name.
func (c *Client) SubscribeFullName(fullName string) error {
	if err := c.sub.Subscribe(wire.TopicBytes(fullName)); err != nil {
		return fmt.Errorf("%w: subscribe %s: %v", api.ErrTransport, fullName, err)
	}
	return nil
}

// Unsubscribe removes a subscription added with Subscribe.
func (c *Client) Unsubscribe(instanceID uint32, name string) error {
	fullName := api.FullName(instanceID, name)
	if err := c.sub.Unsubscribe(wire.TopicBytes(fullName)); err != nil {
		return fmt.Errorf("%w: unsubscribe %s: %v", api.ErrTransport, fullName, err)
	}
	return nil
}

// Notification is one forwarded mutation: the full name and the raw value
// payload. The subscriber knows (or queries) the variable's type to decode
// the payload.
type Notification struct {
	Name string
	Raw  []byte
}

// Value decodes the raw payload against a known type.
func (n Notification) Value(t api.Type) (api.Value, error) {
	return api.DecodeValue(n.Raw, t)
}

// Notification blocks until the next forward frame arrives on the
// subscribe socket. Closing the client unblocks it with an error.
func (c *Client) Notification() (Notification, error) {
	frame, err := c.sub.Recv()
	if err != nil {
		return Notification{}, fmt.Errorf("%w: receive notification: %v", api.ErrTransport, err)
	}
	fwd, err := wire.DecodeForward(frame)
	if err != nil {
		return Notification{}, err
	}
	return Notification{Name: fwd.Topic, Raw: fwd.Value}, nil
}
