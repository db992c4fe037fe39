// Package wire implements the dsv frame codec: request frames sent by
// clients, reply frames produced by the broker, and forward frames emitted
// to subscribers. Every frame travels as a single transport message; all
// integer fields are little-endian.
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pkt.systems/dsv/api"
)

// Op is the request opcode.
type Op int32

const (
	OpInvalid Op = iota
	OpCreate
	OpGetHandle
	OpGetType
	OpGetLen
	OpSet
	OpGet
	OpGetNext
	OpAddItem
	OpDelItem
	OpInsItem
	OpSetItem
	OpGetItem
	OpSave
	OpRestore
	OpTrack

	opMax
)

var opNames = map[Op]string{
	OpCreate:    "create",
	OpGetHandle: "get-handle",
	OpGetType:   "get-type",
	OpGetLen:    "get-len",
	OpSet:       "set",
	OpGet:       "get",
	OpGetNext:   "get-next",
	OpAddItem:   "add-item",
	OpDelItem:   "del-item",
	OpInsItem:   "ins-item",
	OpSetItem:   "set-item",
	OpGetItem:   "get-item",
	OpSave:      "save",
	OpRestore:   "restore",
	OpTrack:     "track",
}

func (op Op) String() string {
	if name, ok := opNames[op]; ok {
		return name
	}
	return fmt.Sprintf("op(%d)", int32(op))
}

// Valid reports whether op names a known request opcode.
func (op Op) Valid() bool {
	return op > OpInvalid && op < opMax
}

const (
	requestHeaderLen = 12
	replyHeaderLen   = 12
	forwardHeaderLen = 8
)

// Request is a parsed request frame.
type Request struct {
	Op      Op
	Payload []byte
}

// EncodeRequest builds a request frame: opcode i32, full-frame length u64,
// payload.
func EncodeRequest(op Op, payload []byte) []byte {
	b := make([]byte, requestHeaderLen+len(payload))
	binary.LittleEndian.PutUint32(b, uint32(op))
	binary.LittleEndian.PutUint64(b[4:], uint64(len(b)))
	copy(b[requestHeaderLen:], payload)
	return b
}

// DecodeRequest parses a request frame. The length field must match the
// frame size exactly.
func DecodeRequest(frame []byte) (Request, error) {
	if len(frame) < requestHeaderLen {
		return Request{}, fmt.Errorf("%w: short request frame (%d bytes)", api.ErrInvalid, len(frame))
	}
	op := Op(int32(binary.LittleEndian.Uint32(frame)))
	if !op.Valid() {
		return Request{}, fmt.Errorf("%w: unknown opcode %d", api.ErrInvalid, int32(op))
	}
	length := binary.LittleEndian.Uint64(frame[4:])
	if length != uint64(len(frame)) {
		return Request{}, fmt.Errorf("%w: request length %d does not match frame size %d", api.ErrInvalid, length, len(frame))
	}
	return Request{Op: op, Payload: frame[requestHeaderLen:]}, nil
}

// Reply is a parsed reply frame.
type Reply struct {
	Result  api.Result
	Payload []byte
}

// EncodeReply builds a reply frame: full-frame length u64, result i32,
// payload.
func EncodeReply(result api.Result, payload []byte) []byte {
	b := make([]byte, replyHeaderLen+len(payload))
	binary.LittleEndian.PutUint64(b, uint64(len(b)))
	binary.LittleEndian.PutUint32(b[8:], uint32(result))
	copy(b[replyHeaderLen:], payload)
	return b
}

// DecodeReply parses a reply frame.
func DecodeReply(frame []byte) (Reply, error) {
	if len(frame) < replyHeaderLen {
		return Reply{}, fmt.Errorf("%w: short reply frame (%d bytes)", api.ErrInvalid, len(frame))
	}
	length := binary.LittleEndian.Uint64(frame)
	if length != uint64(len(frame)) {
		return Reply{}, fmt.Errorf("%w: reply length %d does not match frame size %d", api.ErrInvalid, length, len(frame))
	}
	result := api.Result(int32(binary.LittleEndian.Uint32(frame[8:])))
	return Reply{Result: result, Payload: frame[replyHeaderLen:]}, nil
}

// Forward is a parsed forward frame: the NUL-terminated topic (the full
// variable name) followed by the value in wire form.
type Forward struct {
	Topic string
	Value []byte
}

// EncodeForward builds a forward frame: full-frame length u64, topic bytes
// with trailing NUL, value wire bytes.
func EncodeForward(topic string, value []byte) []byte {
	b := make([]byte, forwardHeaderLen+len(topic)+1+len(value))
	binary.LittleEndian.PutUint64(b, uint64(len(b)))
	copy(b[forwardHeaderLen:], topic)
	copy(b[forwardHeaderLen+len(topic)+1:], value)
	return b
}

// DecodeForward parses a forward frame.
func DecodeForward(frame []byte) (Forward, error) {
	if len(frame) < forwardHeaderLen {
		return Forward{}, fmt.Errorf("%w: short forward frame (%d bytes)", api.ErrInvalid, len(frame))
	}
	length := binary.LittleEndian.Uint64(frame)
	if length != uint64(len(frame)) {
		return Forward{}, fmt.Errorf("%w: forward length %d does not match frame size %d", api.ErrInvalid, length, len(frame))
	}
	rest := frame[forwardHeaderLen:]
	i := bytes.IndexByte(rest, 0)
	if i < 0 {
		return Forward{}, fmt.Errorf("%w: forward frame missing topic terminator", api.ErrInvalid)
	}
	return Forward{Topic: string(rest[:i]), Value: rest[i+1:]}, nil
}

// TopicBytes returns the subscription prefix for a full name: the name bytes
// including the trailing NUL, so that a subscription to "[1]/A" cannot match
// "[1]/AB".
func TopicBytes(name string) []byte {
	b := make([]byte, len(name)+1)
	copy(b, name)
	return b
}
