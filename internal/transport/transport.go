// Package transport carries dsv frames over TCP. It reproduces the three
// messaging roles the broker topology needs — fire-and-forget ingest,
// request/reply, and publish/subscribe with broker-visible subscription
// events — on plain connections. Every payload travels as one
// length-delimited message (u32 little-endian size prefix), so a frame is
// never split or coalesced at the application layer.
package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxMessage bounds a single wire message. Oversized peers are
// disconnected rather than buffered.
const DefaultMaxMessage = 64 * 1024

// ErrMessageTooLarge reports a message exceeding the configured bound.
var ErrMessageTooLarge = errors.New("transport: message too large")

// WriteMessage writes one length-delimited message to w.
func WriteMessage(w io.Writer, msg []byte) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(msg)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(msg)
	return err
}

// ReadMessage reads one length-delimited message from r, rejecting messages
// larger than max.
func ReadMessage(r io.Reader, max int) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if int(n) > max {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLarge, n, max)
	}
	msg := make([]byte, n)
	if _, err := io.ReadFull(r, msg); err != nil {
		return nil, err
	}
	return msg, nil
}
