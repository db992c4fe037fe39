// Package registry implements the broker's authoritative variable store: the
// full-name map, handle minting, typed mutation, fuzzy iteration, and the
// save/restore record format. The registry is not safe for concurrent use;
// the broker's event loop is its single caller.
package registry

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/internal/clock"
)

// Entry is one variable record. The registry owns every entry for the
// broker's lifetime; there is no delete.
type Entry struct {
	Handle     api.Handle
	Name       string
	Desc       string
	Tags       string
	InstanceID uint32
	Type       api.Type
	Flags      api.Flags
	Value      api.Value
	Timestamp  time.Time
	Dirty      bool
}

// ByteLength returns the encoded payload width of the entry's current value.
func (e *Entry) ByteLength() uint64 {
	return e.Value.ByteLength()
}

// Registry maps full names to entries. Handles are monotonic and stay valid
// for the registry's lifetime.
type Registry struct {
	clk        clock.Clock
	byName     map[string]*Entry
	byHandle   map[api.Handle]*Entry
	ordered    []*Entry
	nextHandle uint64
}

// New constructs an empty registry.
func New(clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Registry{
		clk:      clk,
		byName:   make(map[string]*Entry),
		byHandle: make(map[api.Handle]*Entry),
	}
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// CreateSpec carries the fields of a create operation.
type CreateSpec struct {
	Name       string
	Desc       string
	Tags       string
	InstanceID uint32
	Type       api.Type
	Flags      api.Flags
	Value      api.Value
}

// Create inserts a new entry. A create against an existing full name fails
// with api.ErrExists; an empty name or invalid type fails with
// api.ErrInvalid.
func (r *Registry) Create(spec CreateSpec) (*Entry, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("%w: create with empty name", api.ErrInvalid)
	}
	if !spec.Type.Valid() {
		return nil, fmt.Errorf("%w: create %q with invalid type", api.ErrInvalid, spec.Name)
	}
	if _, ok := r.byName[spec.Name]; ok {
		return nil, fmt.Errorf("%w: %s", api.ErrExists, spec.Name)
	}
	value := spec.Value
	if value.Type == api.TypeInvalid {
		value.Type = spec.Type
	}
	if value.Type != spec.Type {
		return nil, fmt.Errorf("%w: create %q value type mismatch", api.ErrInvalid, spec.Name)
	}
	r.nextHandle++
	e := &Entry{
		Handle:     api.Handle(r.nextHandle),
		Name:       spec.Name,
		Desc:       spec.Desc,
		Tags:       spec.Tags,
		InstanceID: spec.InstanceID,
		Type:       spec.Type,
		Flags:      spec.Flags,
		Value:      value,
		Timestamp:  r.clk.Now(),
	}
	r.byName[e.Name] = e
	r.byHandle[e.Handle] = e
	r.ordered = append(r.ordered, e)
	return e, nil
}

// Lookup finds an entry by full name.
func (r *Registry) Lookup(name string) (*Entry, bool) {
	e, ok := r.byName[name]
	return e, ok
}

// Resolve finds an entry by handle.
func (r *Registry) Resolve(h api.Handle) (*Entry, error) {
	e, ok := r.byHandle[h]
	if !ok {
		return nil, fmt.Errorf("%w: handle %d", api.ErrNotFound, uint64(h))
	}
	return e, nil
}

// Set replaces the entry's value. The value's type must equal the entry's
// creation type.
func (r *Registry) Set(h api.Handle, v api.Value) (*Entry, error) {
	e, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	if v.Type != e.Type {
		return nil, fmt.Errorf("%w: set %s with %s payload", api.ErrInvalid, e.Name, v.Type)
	}
	e.Value = v
	r.touch(e)
	return e, nil
}

// AddItem appends an element to an int-array entry.
func (r *Registry) AddItem(h api.Handle, value int32) (*Entry, error) {
	e, err := r.arrayEntry(h)
	if err != nil {
		return nil, err
	}
	e.Value.Arr = append(e.Value.Arr, value)
	r.touch(e)
	return e, nil
}

// InsItem inserts an element before the 0-based index. Index len appends;
// anything beyond is invalid.
func (r *Registry) InsItem(h api.Handle, index, value int32) (*Entry, error) {
	e, err := r.arrayEntry(h)
	if err != nil {
		return nil, err
	}
	n := int32(len(e.Value.Arr))
	if index < 0 || index > n {
		return nil, fmt.Errorf("%w: insert index %d out of range (len %d)", api.ErrInvalid, index, n)
	}
	arr := append(e.Value.Arr, 0)
	copy(arr[index+1:], arr[index:])
	arr[index] = value
	e.Value.Arr = arr
	r.touch(e)
	return e, nil
}

// SetItem overwrites the element at index.
func (r *Registry) SetItem(h api.Handle, index, value int32) (*Entry, error) {
	e, err := r.arrayEntry(h)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= int32(len(e.Value.Arr)) {
		return nil, fmt.Errorf("%w: set index %d out of range (len %d)", api.ErrInvalid, index, len(e.Value.Arr))
	}
	e.Value.Arr[index] = value
	r.touch(e)
	return e, nil
}

// DelItem removes the element at index.
func (r *Registry) DelItem(h api.Handle, index int32) (*Entry, error) {
	e, err := r.arrayEntry(h)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= int32(len(e.Value.Arr)) {
		return nil, fmt.Errorf("%w: delete index %d out of range (len %d)", api.ErrInvalid, index, len(e.Value.Arr))
	}
	e.Value.Arr = append(e.Value.Arr[:index], e.Value.Arr[index+1:]...)
	r.touch(e)
	return e, nil
}

// GetItem reads the element at index.
func (r *Registry) GetItem(h api.Handle, index int32) (int32, error) {
	e, err := r.arrayEntry(h)
	if err != nil {
		return 0, err
	}
	if index < 0 || index >= int32(len(e.Value.Arr)) {
		return 0, fmt.Errorf("%w: get index %d out of range (len %d)", api.ErrInvalid, index, len(e.Value.Arr))
	}
	return e.Value.Arr[index], nil
}

// SetTrack flips the track flag on the entry. Tracking is recorded but does
// not gate forwarding; every successful mutation is forwarded regardless.
func (r *Registry) SetTrack(h api.Handle, enable bool) (*Entry, error) {
	e, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	if enable {
		e.Flags |= api.FlagTrack
	} else {
		e.Flags &^= api.FlagTrack
	}
	return e, nil
}

// Next returns the first entry past the cursor whose full name contains
// substr, with the new cursor. Cursors count matches in insertion order; the
// iteration starts with lastIndex -1 and ends with api.ErrNotFound.
func (r *Registry) Next(lastIndex int32, substr string) (*Entry, int32, error) {
	index := int32(-1)
	for _, e := range r.ordered {
		if !strings.Contains(e.Name, substr) {
			continue
		}
		index++
		if index > lastIndex {
			return e, index, nil
		}
	}
	return nil, 0, fmt.Errorf("%w: no match for %q past %d", api.ErrNotFound, substr, lastIndex)
}

func (r *Registry) arrayEntry(h api.Handle) (*Entry, error) {
	e, err := r.Resolve(h)
	if err != nil {
		return nil, err
	}
	if e.Type != api.TypeIntArray {
		return nil, fmt.Errorf("%w: %s is not an int array", api.ErrInvalid, e.Name)
	}
	return e, nil
}

// touch records a successful mutation: dirty for the next save, timestamp
// monotonically non-decreasing.
func (r *Registry) touch(e *Entry) {
	now := r.clk.Now()
	if now.After(e.Timestamp) {
		e.Timestamp = now
	}
	e.Dirty = true
}
