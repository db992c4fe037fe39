package dsv

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCreateFromJSONBatch(t *testing.T) {
	tb := StartTestBroker(t, nil)
	c := tb.Client

	batch := `[
  {"name": "/SYS/TEST/U16", "description": "a u16", "tags": "test", "type": "uint16", "value": 16},
  {"name": "/SYS/TEST/STR", "description": "a string", "tags": "test", "type": "string", "value": "hello"},
  {"name": "/SYS/TEST/INT_ARRAY", "description": "an array", "tags": "test", "type": "int_array", "value": "1,2,3"},
  {"name": "/SYS/TEST/BAD", "description": "skipped", "tags": "test", "type": "blob", "value": 1}
]`
	path := filepath.Join(t.TempDir(), "vars.json")
	if err := os.WriteFile(path, []byte(batch), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	created, err := c.CreateFromJSON(123, path)
	if err != nil {
		t.Fatalf("create from json: %v", err)
	}
	if created != 3 {
		t.Fatalf("created %d, want 3 (bad entry skipped)", created)
	}

	waitHandle(t, c, 123, "/SYS/TEST/INT_ARRAY")
	if got, err := c.GetByName(123, "/SYS/TEST/U16"); err != nil || got != "16" {
		t.Fatalf("u16 %q %v", got, err)
	}
	if got, err := c.GetByName(123, "/SYS/TEST/STR"); err != nil || got != "hello" {
		t.Fatalf("str %q %v", got, err)
	}
	if got, err := c.GetByName(123, "/SYS/TEST/INT_ARRAY"); err != nil || got != "1,2,3" {
		t.Fatalf("array %q %v", got, err)
	}
	if _, err := c.Handle(123, "/SYS/TEST/BAD"); err == nil {
		t.Fatal("bad entry must not exist")
	}
}
