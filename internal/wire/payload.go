package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"pkt.systems/dsv/api"
)

// CreatePayload is the body of a create request: a fixed descriptor block
// followed by the name, description, and tags strings and the initial value.
// Length mirrors the encoded payload width of the initial value; Timestamp
// is a placeholder the broker overwrites at commit time.
type CreatePayload struct {
	Type       api.Type
	Flags      api.Flags
	InstanceID uint32
	Length     uint64
	Timestamp  uint64
	Name       string
	Desc       string
	Tags       string
	Value      api.Value
}

const createDescLen = 28

// EncodeCreate renders the create payload. The initial value travels in its
// wire form: string bytes plus NUL, raw elements for int arrays (the
// descriptor Length gives their byte count), or the scalar's native bytes.
func EncodeCreate(p CreatePayload) []byte {
	var buf bytes.Buffer
	var desc [createDescLen]byte
	binary.LittleEndian.PutUint32(desc[0:], uint32(p.Type))
	binary.LittleEndian.PutUint32(desc[4:], uint32(p.Flags))
	binary.LittleEndian.PutUint32(desc[8:], p.InstanceID)
	binary.LittleEndian.PutUint64(desc[12:], p.Value.ByteLength())
	binary.LittleEndian.PutUint64(desc[20:], p.Timestamp)
	buf.Write(desc[:])
	writeCString(&buf, p.Name)
	writeCString(&buf, p.Desc)
	writeCString(&buf, p.Tags)
	switch p.Type {
	case api.TypeString:
		writeCString(&buf, p.Value.Str)
	case api.TypeIntArray:
		for _, e := range p.Value.Arr {
			var el [4]byte
			binary.LittleEndian.PutUint32(el[:], uint32(e))
			buf.Write(el[:])
		}
	default:
		buf.Write(p.Value.Encode())
	}
	return buf.Bytes()
}

// DecodeCreate parses a create payload.
func DecodeCreate(b []byte) (CreatePayload, error) {
	if len(b) < createDescLen {
		return CreatePayload{}, fmt.Errorf("%w: short create descriptor", api.ErrInvalid)
	}
	p := CreatePayload{
		Type:       api.Type(int32(binary.LittleEndian.Uint32(b[0:]))),
		Flags:      api.Flags(binary.LittleEndian.Uint32(b[4:])),
		InstanceID: binary.LittleEndian.Uint32(b[8:]),
		Length:     binary.LittleEndian.Uint64(b[12:]),
		Timestamp:  binary.LittleEndian.Uint64(b[20:]),
	}
	if !p.Type.Valid() {
		return CreatePayload{}, fmt.Errorf("%w: create with type %d", api.ErrInvalid, int32(p.Type))
	}
	rest := b[createDescLen:]
	var err error
	if p.Name, rest, err = readCString(rest); err != nil {
		return CreatePayload{}, fmt.Errorf("%w: create missing name", api.ErrInvalid)
	}
	if p.Desc, rest, err = readCString(rest); err != nil {
		return CreatePayload{}, fmt.Errorf("%w: create missing description", api.ErrInvalid)
	}
	if p.Tags, rest, err = readCString(rest); err != nil {
		return CreatePayload{}, fmt.Errorf("%w: create missing tags", api.ErrInvalid)
	}
	p.Value = api.Value{Type: p.Type}
	switch p.Type {
	case api.TypeString:
		if len(rest) > 0 {
			if p.Value.Str, _, err = readCString(rest); err != nil {
				return CreatePayload{}, fmt.Errorf("%w: create string value not terminated", api.ErrInvalid)
			}
		}
	case api.TypeIntArray:
		if p.Length%4 != 0 || uint64(len(rest)) < p.Length {
			return CreatePayload{}, fmt.Errorf("%w: create array value truncated", api.ErrInvalid)
		}
		n := int(p.Length / 4)
		p.Value.Arr = make([]int32, n)
		for i := 0; i < n; i++ {
			p.Value.Arr[i] = int32(binary.LittleEndian.Uint32(rest[i*4:]))
		}
	default:
		if len(rest) > 0 {
			if p.Value, err = api.DecodeValue(rest, p.Type); err != nil {
				return CreatePayload{}, err
			}
		}
	}
	return p, nil
}

// EncodeHandle renders an 8-byte handle token.
func EncodeHandle(h api.Handle) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(h))
	return b[:]
}

// DecodeHandle reads a handle token from the front of b, returning the rest.
func DecodeHandle(b []byte) (api.Handle, []byte, error) {
	if len(b) < 8 {
		return 0, nil, fmt.Errorf("%w: short handle token", api.ErrInvalid)
	}
	return api.Handle(binary.LittleEndian.Uint64(b)), b[8:], nil
}

// EncodeHandleValue renders a set payload: handle token followed by the
// value in wire form. For int arrays the value travels without its length
// prefix; the receiver derives the count from the remaining bytes.
func EncodeHandleValue(h api.Handle, v api.Value) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeHandle(h))
	if v.Type == api.TypeIntArray {
		for _, e := range v.Arr {
			var el [4]byte
			binary.LittleEndian.PutUint32(el[:], uint32(e))
			buf.Write(el[:])
		}
		return buf.Bytes()
	}
	buf.Write(v.Encode())
	return buf.Bytes()
}

// DecodeSetValue parses the value portion of a set payload against the
// entry's known type.
func DecodeSetValue(b []byte, t api.Type) (api.Value, error) {
	if t == api.TypeIntArray {
		if len(b)%4 != 0 {
			return api.Value{}, fmt.Errorf("%w: array set payload not a multiple of 4", api.ErrInvalid)
		}
		v := api.Value{Type: t, Arr: make([]int32, len(b)/4)}
		for i := range v.Arr {
			v.Arr[i] = int32(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return v, nil
	}
	return api.DecodeValue(b, t)
}

// EncodeHandleIndex renders a handle followed by an i32 index (del-item,
// get-item).
func EncodeHandleIndex(h api.Handle, index int32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint64(b, uint64(h))
	binary.LittleEndian.PutUint32(b[8:], uint32(index))
	return b
}

// DecodeHandleIndex parses a handle and index.
func DecodeHandleIndex(b []byte) (api.Handle, int32, error) {
	h, rest, err := DecodeHandle(b)
	if err != nil {
		return 0, 0, err
	}
	if len(rest) < 4 {
		return 0, 0, fmt.Errorf("%w: short index", api.ErrInvalid)
	}
	return h, int32(binary.LittleEndian.Uint32(rest)), nil
}

// EncodeHandleIndexValue renders a handle, an i32 index, and an i32 value
// (ins-item, set-item). AddItem uses EncodeHandleItem instead.
func EncodeHandleIndexValue(h api.Handle, index, value int32) []byte {
	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b, uint64(h))
	binary.LittleEndian.PutUint32(b[8:], uint32(index))
	binary.LittleEndian.PutUint32(b[12:], uint32(value))
	return b
}

// DecodeHandleIndexValue parses a handle, index, and element value.
func DecodeHandleIndexValue(b []byte) (api.Handle, int32, int32, error) {
	h, index, err := DecodeHandleIndex(b)
	if err != nil {
		return 0, 0, 0, err
	}
	if len(b) < 16 {
		return 0, 0, 0, fmt.Errorf("%w: short element value", api.ErrInvalid)
	}
	return h, index, int32(binary.LittleEndian.Uint32(b[12:])), nil
}

// EncodeHandleItem renders an add-item payload: handle plus the i32 element.
func EncodeHandleItem(h api.Handle, value int32) []byte {
	b := make([]byte, 12)
	binary.LittleEndian.PutUint64(b, uint64(h))
	binary.LittleEndian.PutUint32(b[8:], uint32(value))
	return b
}

// DecodeHandleItem parses an add-item payload.
func DecodeHandleItem(b []byte) (api.Handle, int32, error) {
	return DecodeHandleIndex(b)
}

// EncodeGetNext renders a fuzzy iteration request: the last cursor index and
// the NUL-terminated search substring.
func EncodeGetNext(lastIndex int32, search string) []byte {
	var buf bytes.Buffer
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(lastIndex))
	buf.Write(idx[:])
	writeCString(&buf, search)
	return buf.Bytes()
}

// DecodeGetNext parses a fuzzy iteration request.
func DecodeGetNext(b []byte) (int32, string, error) {
	if len(b) < 4 {
		return 0, "", fmt.Errorf("%w: short get-next payload", api.ErrInvalid)
	}
	last := int32(binary.LittleEndian.Uint32(b))
	search, _, err := readCString(b[4:])
	if err != nil {
		return 0, "", fmt.Errorf("%w: get-next search not terminated", api.ErrInvalid)
	}
	return last, search, nil
}

// EncodeGetNextReply renders a fuzzy iteration reply: the new cursor index,
// the matching full name, and the stringified value.
func EncodeGetNextReply(index int32, name, value string) []byte {
	var buf bytes.Buffer
	var idx [4]byte
	binary.LittleEndian.PutUint32(idx[:], uint32(index))
	buf.Write(idx[:])
	writeCString(&buf, name)
	writeCString(&buf, value)
	return buf.Bytes()
}

// DecodeGetNextReply parses a fuzzy iteration reply payload.
func DecodeGetNextReply(b []byte) (int32, string, string, error) {
	if len(b) < 4 {
		return 0, "", "", fmt.Errorf("%w: short get-next reply", api.ErrInvalid)
	}
	index := int32(binary.LittleEndian.Uint32(b))
	name, rest, err := readCString(b[4:])
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: get-next reply missing name", api.ErrInvalid)
	}
	value, _, err := readCString(rest)
	if err != nil {
		return 0, "", "", fmt.Errorf("%w: get-next reply missing value", api.ErrInvalid)
	}
	return index, name, value, nil
}

// EncodeTrack renders a track payload: handle plus an i32 enable flag.
func EncodeTrack(h api.Handle, enable bool) []byte {
	var e int32
	if enable {
		e = 1
	}
	return EncodeHandleItem(h, e)
}

// DecodeTrack parses a track payload.
func DecodeTrack(b []byte) (api.Handle, bool, error) {
	h, e, err := DecodeHandleItem(b)
	if err != nil {
		return 0, false, err
	}
	return h, e != 0, nil
}

// EncodeI32 renders a bare i32 payload (type and get-item replies).
func EncodeI32(v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// DecodeI32 parses a bare i32 payload.
func DecodeI32(b []byte) (int32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("%w: short i32 payload", api.ErrInvalid)
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

// EncodeU64 renders a bare u64 payload (len replies).
func EncodeU64(v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return b[:]
}

// DecodeU64 parses a bare u64 payload.
func DecodeU64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: short u64 payload", api.ErrInvalid)
	}
	return binary.LittleEndian.Uint64(b), nil
}

// EncodeName renders a NUL-terminated name payload (get-handle).
func EncodeName(name string) []byte {
	var buf bytes.Buffer
	writeCString(&buf, name)
	return buf.Bytes()
}

// DecodeName parses a NUL-terminated name payload.
func DecodeName(b []byte) (string, error) {
	name, _, err := readCString(b)
	if err != nil {
		return "", fmt.Errorf("%w: name not terminated", api.ErrInvalid)
	}
	return name, nil
}

func writeCString(buf *bytes.Buffer, s string) {
	buf.WriteString(s)
	buf.WriteByte(0)
}

func readCString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, api.ErrInvalid
	}
	return string(b[:i]), b[i+1:], nil
}
