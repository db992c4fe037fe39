package client

import (
	"encoding/json"
	"fmt"
	"os"

	"pkt.systems/dsv/api"
)

// batchFileSizeMax bounds a batch definition file.
const batchFileSizeMax = 2 * 1024 * 1024

// BatchEntry is one element of a JSON batch definition. Value accepts a
// string (parsed per the variable's type) or a number (narrowed from
// float64, the way JSON numbers arrive).
type BatchEntry struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Tags        string `json:"tags"`
	Type        string `json:"type"`
	Flags       string `json:"flags"`
	Value       any    `json:"value"`
}

// CreateFromJSON reads a JSON array of variable definitions and issues one
// create per element under the given instance id. Elements that fail to
// parse are logged and skipped; the count of issued creates is returned.
func (c *Client) CreateFromJSON(instanceID uint32, path string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, fmt.Errorf("%w: stat %s: %v", api.ErrIO, path, err)
	}
	if info.Size() > batchFileSizeMax {
		return 0, fmt.Errorf("%w: %s exceeds %d bytes", api.ErrInvalid, path, batchFileSizeMax)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: read %s: %v", api.ErrIO, path, err)
	}
	var entries []BatchEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return 0, fmt.Errorf("%w: parse %s: %v", api.ErrInvalid, path, err)
	}
	created := 0
	for _, entry := range entries {
		def, err := entry.definition()
		if err != nil {
			c.logger.Warn("batch entry skipped", "name", entry.Name, "error", err)
			continue
		}
		if err := c.Create(instanceID, def); err != nil {
			c.logger.Warn("batch create failed", "name", entry.Name, "error", err)
			continue
		}
		created++
	}
	return created, nil
}

func (e BatchEntry) definition() (Definition, error) {
	t := api.TypeFromString(e.Type)
	if !t.Valid() {
		return Definition{}, fmt.Errorf("%w: unsupported type %q", api.ErrInvalid, e.Type)
	}
	def := Definition{
		Name:  e.Name,
		Desc:  e.Description,
		Tags:  e.Tags,
		Type:  t,
		Flags: api.FlagsFromString(e.Flags),
	}
	switch v := e.Value.(type) {
	case nil:
		// Zero value of the type.
	case string:
		parsed, err := api.ParseValue(v, t)
		if err != nil {
			return Definition{}, err
		}
		def.Value = parsed
	case float64:
		parsed, err := api.FromFloat64(v, t)
		if err != nil {
			return Definition{}, err
		}
		def.Value = parsed
	case bool:
		n := 0.0
		if v {
			n = 1.0
		}
		parsed, err := api.FromFloat64(n, t)
		if err != nil {
			return Definition{}, err
		}
		def.Value = parsed
	default:
		return Definition{}, fmt.Errorf("%w: value of %T", api.ErrInvalid, e.Value)
	}
	return def, nil
}
