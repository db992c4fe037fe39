// Package api defines the shared contract between the dsv broker and its
// clients: the typed value model, the wire-visible enums, and the result
// codes carried in reply frames.
package api

import (
	"errors"
	"fmt"
	"strings"
)

// Type identifies the payload kind stored in a variable. The numeric values
// are part of the wire protocol and must not be reordered.
type Type int32

const (
	TypeInvalid Type = iota
	TypeString
	TypeIntArray
	TypeUint16
	TypeSint16
	TypeUint32
	TypeSint32
	TypeFloat
	TypeUint64
	TypeSint64
	TypeDouble
	TypeUint8
	TypeSint8

	typeMax
)

var typeNames = map[Type]string{
	TypeString:   "string",
	TypeIntArray: "int_array",
	TypeUint16:   "uint16",
	TypeSint16:   "sint16",
	TypeUint32:   "uint32",
	TypeSint32:   "sint32",
	TypeFloat:    "float",
	TypeUint64:   "uint64",
	TypeSint64:   "sint64",
	TypeDouble:   "double",
	TypeUint8:    "uint8",
	TypeSint8:    "sint8",
}

// String returns the lowercase type name used in batch definitions and CLI
// flags, or "invalid" for unknown values.
func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return "invalid"
}

// Valid reports whether t names a concrete payload kind.
func (t Type) Valid() bool {
	return t > TypeInvalid && t < typeMax
}

// Scalar reports whether t is a fixed-width numeric type.
func (t Type) Scalar() bool {
	return t.Valid() && t != TypeString && t != TypeIntArray
}

// TypeFromString resolves a lowercase type name (as used in JSON batch files
// and CLI flags) to its Type. Unknown names yield TypeInvalid.
func TypeFromString(name string) Type {
	for t, n := range typeNames {
		if n == name {
			return t
		}
	}
	return TypeInvalid
}

// SizeFromType returns the encoded payload width for a freshly created value
// of type t: the scalar width, 1 for string (the NUL of the empty string),
// and 0 for an int array created empty. Invalid types return -1.
func SizeFromType(t Type) int {
	switch t {
	case TypeString:
		return 1
	case TypeIntArray:
		return 0
	case TypeUint8, TypeSint8:
		return 1
	case TypeUint16, TypeSint16:
		return 2
	case TypeUint32, TypeSint32, TypeFloat:
		return 4
	case TypeUint64, TypeSint64, TypeDouble:
		return 8
	}
	return -1
}

// Flags is the per-variable flag bitset.
type Flags uint32

const (
	// FlagSave marks the variable for participation in save/restore.
	FlagSave Flags = 1 << iota
	// FlagTrack marks the variable as tracked. The broker records the flag
	// but forwards every mutation regardless; see the track operation.
	FlagTrack
)

// FlagsFromString parses a comma-separated flag list such as "save,track".
// Unknown tokens are ignored.
func FlagsFromString(s string) Flags {
	var f Flags
	if strings.Contains(s, "save") {
		f |= FlagSave
	}
	if strings.Contains(s, "track") {
		f |= FlagTrack
	}
	return f
}

// Has reports whether all bits in mask are set.
func (f Flags) Has(mask Flags) bool {
	return f&mask == mask
}

// Handle is an opaque reference to a broker-side variable. Handles are minted
// by the broker, travel as 8 bytes on the wire, and stay valid for the
// broker's lifetime. The zero handle is never issued.
type Handle uint64

// Valid reports whether h refers to a minted handle.
func (h Handle) Valid() bool {
	return h != 0
}

// Result is the status code carried in every reply frame. Zero means
// success; the remaining values partition the failure space.
type Result int32

const (
	ResultOK Result = iota
	ResultInvalid
	ResultNotFound
	ResultExists
	ResultIO
	ResultTransport
	ResultInternal
)

// Sentinel errors corresponding to the non-zero Result codes. The client
// library returns these (possibly wrapped) so callers can branch with
// errors.Is.
var (
	ErrInvalid   = errors.New("dsv: invalid argument")
	ErrNotFound  = errors.New("dsv: not found")
	ErrExists    = errors.New("dsv: already exists")
	ErrIO        = errors.New("dsv: i/o failure")
	ErrTransport = errors.New("dsv: transport failure")
	ErrInternal  = errors.New("dsv: internal failure")
)

var resultErrs = map[Result]error{
	ResultInvalid:   ErrInvalid,
	ResultNotFound:  ErrNotFound,
	ResultExists:    ErrExists,
	ResultIO:        ErrIO,
	ResultTransport: ErrTransport,
	ResultInternal:  ErrInternal,
}

// Err maps a Result to its sentinel error, nil for ResultOK.
func (r Result) Err() error {
	if r == ResultOK {
		return nil
	}
	if err, ok := resultErrs[r]; ok {
		return err
	}
	return fmt.Errorf("%w: unknown result %d", ErrInternal, int32(r))
}

// ResultFromErr maps an error back to its wire Result. Unrecognized errors
// map to ResultInternal; nil maps to ResultOK.
func ResultFromErr(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalid):
		return ResultInvalid
	case errors.Is(err, ErrNotFound):
		return ResultNotFound
	case errors.Is(err, ErrExists):
		return ResultExists
	case errors.Is(err, ErrIO):
		return ResultIO
	case errors.Is(err, ErrTransport):
		return ResultTransport
	}
	return ResultInternal
}

// FullName composes the unique registry key from an instance id and a path.
// Paths are canonicalized to uppercase on the client side; the broker stores
// whatever it receives verbatim.
func FullName(instanceID uint32, path string) string {
	return fmt.Sprintf("[%d]%s", instanceID, strings.ToUpper(path))
}
