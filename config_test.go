package dsv

import (
	"testing"
	"time"
)

func TestConfigValidateDefaults(t *testing.T) {
	var cfg Config
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if cfg.ReqListen != DefaultReqListen {
		t.Fatalf("req listen %q", cfg.ReqListen)
	}
	if cfg.PubListen != DefaultPubListen {
		t.Fatalf("pub listen %q", cfg.PubListen)
	}
	if cfg.IngestListen != DefaultIngestListen {
		t.Fatalf("ingest listen %q", cfg.IngestListen)
	}
	if cfg.BeaconPort != DefaultBeaconPort {
		t.Fatalf("beacon port %d", cfg.BeaconPort)
	}
	if cfg.BeaconInterval != DefaultBeaconInterval {
		t.Fatalf("beacon interval %v", cfg.BeaconInterval)
	}
	if cfg.SaveStore != DefaultSaveStore {
		t.Fatalf("save store %q", cfg.SaveStore)
	}
	if cfg.MaxMessageBytes != DefaultMaxMessageBytes {
		t.Fatalf("max message %d", cfg.MaxMessageBytes)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	cfg := Config{BeaconPort: 70000}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for beacon port out of range")
	}
	cfg = Config{MaxMessageBytes: 16}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for tiny max message")
	}
	cfg = Config{StatsInterval: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative stats interval")
	}
	cfg = Config{BeaconInterval: -time.Second}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for negative beacon interval")
	}
}
