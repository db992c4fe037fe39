package registry

import (
	"bytes"
	"fmt"
	"strings"

	"pkt.systems/dsv/api"
)

// PendingSaveRecords renders one save run: a `<name>=<value>;` record for
// every entry that is flagged for saving and dirty. Names and values must
// not contain '=' or ';'; offending entries are skipped. The entries behind
// the records are returned so the caller can clear their dirty bits once the
// run has been persisted.
func (r *Registry) PendingSaveRecords() ([]byte, []*Entry) {
	var buf bytes.Buffer
	var saved []*Entry
	for _, e := range r.ordered {
		if !e.Dirty || !e.Flags.Has(api.FlagSave) {
			continue
		}
		value := e.Value.String()
		if strings.ContainsAny(e.Name, "=;") || strings.ContainsAny(value, "=;") {
			continue
		}
		buf.WriteString(e.Name)
		buf.WriteByte('=')
		buf.WriteString(value)
		buf.WriteByte(';')
		saved = append(saved, e)
	}
	return buf.Bytes(), saved
}

// ClearDirty marks the given entries clean. It runs after the save stream
// has been durably appended.
func (r *Registry) ClearDirty(entries []*Entry) {
	for _, e := range entries {
		e.Dirty = false
	}
}

// ApplySaveRecords replays a save stream onto existing entries. Records are
// `<name>=<value>;` concatenated; duplicate names apply in order so the last
// record wins. Names without a registry entry are skipped silently — create
// runs before restore. Restored values do not mark entries dirty and do not
// advance timestamps; restore is idempotent.
func (r *Registry) ApplySaveRecords(data []byte) error {
	pos := 0
	for pos < len(data) {
		eq := bytes.IndexByte(data[pos:], '=')
		if eq < 0 {
			return fmt.Errorf("%w: save record missing '=' at offset %d", api.ErrIO, pos)
		}
		name := string(data[pos : pos+eq])
		rest := pos + eq + 1
		sep := bytes.IndexByte(data[rest:], ';')
		if sep < 0 {
			return fmt.Errorf("%w: save record missing ';' at offset %d", api.ErrIO, rest)
		}
		value := string(data[rest : rest+sep])
		pos = rest + sep + 1

		e, ok := r.byName[name]
		if !ok {
			continue
		}
		v, err := api.ParseValue(value, e.Type)
		if err != nil {
			continue
		}
		e.Value = v
	}
	return nil
}
