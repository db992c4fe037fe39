package client

import (
	"encoding/binary"
	"fmt"
	"math"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/internal/wire"
)

// Scalar constrains the numeric variable kinds.
type Scalar interface {
	uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// Set publishes a scalar value. The Go type selects the wire width; it must
// match the variable's creation type, which the broker does not re-check on
// the ingest path.
func Set[T Scalar](c *Client, h api.Handle, value T) error {
	v, err := scalarValue(value)
	if err != nil {
		return err
	}
	return c.publish(wire.OpSet, wire.EncodeHandleValue(h, v))
}

// Get fetches a scalar value. The reply width must match the Go type.
func Get[T Scalar](c *Client, h api.Handle) (T, error) {
	var zero T
	payload, err := c.request(wire.OpGet, wire.EncodeHandle(h))
	if err != nil {
		return zero, err
	}
	if err := decodeScalar(payload, &zero); err != nil {
		return zero, err
	}
	return zero, nil
}

// SetString publishes a string value.
func (c *Client) SetString(h api.Handle, value string) error {
	return c.publish(wire.OpSet, wire.EncodeHandleValue(h, api.Value{Type: api.TypeString, Str: value}))
}

// GetString fetches a string value.
func (c *Client) GetString(h api.Handle) (string, error) {
	payload, err := c.request(wire.OpGet, wire.EncodeHandle(h))
	if err != nil {
		return "", err
	}
	v, err := api.DecodeValue(payload, api.TypeString)
	if err != nil {
		return "", err
	}
	return v.Str, nil
}

// SetArray publishes a whole int-array value.
func (c *Client) SetArray(h api.Handle, values []int32) error {
	return c.publish(wire.OpSet, wire.EncodeHandleValue(h, api.Value{Type: api.TypeIntArray, Arr: values}))
}

// GetArray fetches a whole int-array value.
func (c *Client) GetArray(h api.Handle) ([]int32, error) {
	payload, err := c.request(wire.OpGet, wire.EncodeHandle(h))
	if err != nil {
		return nil, err
	}
	v, err := api.DecodeValue(payload, api.TypeIntArray)
	if err != nil {
		return nil, err
	}
	return v.Arr, nil
}

// AddItem appends an element to an int-array variable.
func (c *Client) AddItem(h api.Handle, value int32) error {
	return c.publish(wire.OpAddItem, wire.EncodeHandleItem(h, value))
}

// InsItem inserts an element before the 0-based index.
func (c *Client) InsItem(h api.Handle, index, value int32) error {
	return c.publish(wire.OpInsItem, wire.EncodeHandleIndexValue(h, index, value))
}

// SetItem overwrites the element at index.
func (c *Client) SetItem(h api.Handle, index, value int32) error {
	return c.publish(wire.OpSetItem, wire.EncodeHandleIndexValue(h, index, value))
}

// DelItem removes the element at index.
func (c *Client) DelItem(h api.Handle, index int32) error {
	return c.publish(wire.OpDelItem, wire.EncodeHandleIndex(h, index))
}

// GetItem reads the element at index.
func (c *Client) GetItem(h api.Handle, index int32) (int32, error) {
	payload, err := c.request(wire.OpGetItem, wire.EncodeHandleIndex(h, index))
	if err != nil {
		return 0, err
	}
	return wire.DecodeI32(payload)
}

// SetFromString sets a variable from its string form, whatever its type: it
// queries the creation type, parses accordingly, and publishes.
func (c *Client) SetFromString(h api.Handle, value string) error {
	t, err := c.Type(h)
	if err != nil {
		return err
	}
	v, err := api.ParseValue(value, t)
	if err != nil {
		return err
	}
	return c.publish(wire.OpSet, wire.EncodeHandleValue(h, v))
}

// GetAsString fetches a variable in string form, whatever its type.
func (c *Client) GetAsString(h api.Handle) (string, error) {
	t, err := c.Type(h)
	if err != nil {
		return "", err
	}
	payload, err := c.request(wire.OpGet, wire.EncodeHandle(h))
	if err != nil {
		return "", err
	}
	v, err := api.DecodeValue(payload, t)
	if err != nil {
		return "", err
	}
	return v.String(), nil
}

// SetByName resolves the handle and sets the variable from its string form.
// A convenience for tooling; not for hot paths.
func (c *Client) SetByName(instanceID uint32, name, value string) error {
	h, err := c.Handle(instanceID, name)
	if err != nil {
		return err
	}
	return c.SetFromString(h, value)
}

// GetByName resolves the handle and fetches the variable in string form.
func (c *Client) GetByName(instanceID uint32, name string) (string, error) {
	h, err := c.Handle(instanceID, name)
	if err != nil {
		return "", err
	}
	return c.GetAsString(h)
}

func scalarValue(value any) (api.Value, error) {
	switch v := value.(type) {
	case uint8:
		return api.Value{Type: api.TypeUint8, Num: uint64(v)}, nil
	case uint16:
		return api.Value{Type: api.TypeUint16, Num: uint64(v)}, nil
	case uint32:
		return api.Value{Type: api.TypeUint32, Num: uint64(v)}, nil
	case uint64:
		return api.Value{Type: api.TypeUint64, Num: v}, nil
	case int8:
		return api.Value{Type: api.TypeSint8, Num: uint64(v)}, nil
	case int16:
		return api.Value{Type: api.TypeSint16, Num: uint64(v)}, nil
	case int32:
		return api.Value{Type: api.TypeSint32, Num: uint64(v)}, nil
	case int64:
		return api.Value{Type: api.TypeSint64, Num: uint64(v)}, nil
	case float32:
		return api.Value{Type: api.TypeFloat, Num: uint64(math.Float32bits(v))}, nil
	case float64:
		return api.Value{Type: api.TypeDouble, Num: math.Float64bits(v)}, nil
	}
	return api.Value{}, fmt.Errorf("%w: unsupported scalar %T", api.ErrInvalid, value)
}

func decodeScalar(payload []byte, dst any) error {
	want := 0
	switch dst.(type) {
	case *uint8, *int8:
		want = 1
	case *uint16, *int16:
		want = 2
	case *uint32, *int32, *float32:
		want = 4
	case *uint64, *int64, *float64:
		want = 8
	default:
		return fmt.Errorf("%w: unsupported scalar %T", api.ErrInvalid, dst)
	}
	if len(payload) != want {
		return fmt.Errorf("%w: scalar reply is %d bytes, want %d", api.ErrInvalid, len(payload), want)
	}
	switch p := dst.(type) {
	case *uint8:
		*p = payload[0]
	case *int8:
		*p = int8(payload[0])
	case *uint16:
		*p = binary.LittleEndian.Uint16(payload)
	case *int16:
		*p = int16(binary.LittleEndian.Uint16(payload))
	case *uint32:
		*p = binary.LittleEndian.Uint32(payload)
	case *int32:
		*p = int32(binary.LittleEndian.Uint32(payload))
	case *uint64:
		*p = binary.LittleEndian.Uint64(payload)
	case *int64:
		*p = int64(binary.LittleEndian.Uint64(payload))
	case *float32:
		*p = math.Float32frombits(binary.LittleEndian.Uint32(payload))
	case *float64:
		*p = math.Float64frombits(binary.LittleEndian.Uint64(payload))
	}
	return nil
}
