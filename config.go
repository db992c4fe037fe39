package dsv

import (
	"fmt"
	"time"
)

const (
	// DefaultReqListen is the request/reply endpoint.
	DefaultReqListen = ":56787"
	// DefaultPubListen is the subscriber fan-out endpoint.
	DefaultPubListen = ":56788"
	// DefaultIngestListen is the producer publish endpoint.
	DefaultIngestListen = ":56789"
	// DefaultBeaconPort is the UDP discovery beacon port.
	DefaultBeaconPort = 9999
	// DefaultBeaconInterval is the announce cadence.
	DefaultBeaconInterval = 100 * time.Millisecond
	// DefaultSaveStore is the save stream location.
	DefaultSaveStore = "file:///var/run/dsv.save"
	// DefaultMaxMessageBytes bounds a single wire message.
	DefaultMaxMessageBytes = 64 * 1024
	// DefaultMetricsListen disables the metrics endpoint unless configured.
	DefaultMetricsListen = ""
	// DefaultConfigFileName is the config file searched for when --config is
	// omitted.
	DefaultConfigFileName = "config.yaml"
)

// Config carries broker settings. The zero value is completed by Validate.
type Config struct {
	// ReqListen is the request/reply TCP endpoint.
	ReqListen string
	// PubListen is the fan-out TCP endpoint subscribers connect to.
	PubListen string
	// IngestListen is the TCP endpoint producers publish to.
	IngestListen string

	// BeaconPort is the UDP discovery port. DisableBeacon turns the beacon
	// (and the second-broker refusal probe) off, for tests and fixed-address
	// deployments.
	BeaconPort     int
	BeaconInterval time.Duration
	DisableBeacon  bool

	// SaveStore locates the save stream: file:///path or
	// s3://host[:port]/bucket/key.
	SaveStore string
	// RestoreOnStart replays the save stream once at startup, after which
	// clients may still request restore explicitly.
	RestoreOnStart bool

	// MaxMessageBytes bounds a single wire message; oversized peers are
	// disconnected.
	MaxMessageBytes int

	// MetricsListen exposes Prometheus metrics when non-empty.
	MetricsListen string

	// StatsInterval publishes broker self-stats variables under [0]/SYS/STATS
	// at this cadence; zero disables them.
	StatsInterval time.Duration
}

// Validate applies defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.ReqListen == "" {
		c.ReqListen = DefaultReqListen
	}
	if c.PubListen == "" {
		c.PubListen = DefaultPubListen
	}
	if c.IngestListen == "" {
		c.IngestListen = DefaultIngestListen
	}
	if c.BeaconPort == 0 {
		c.BeaconPort = DefaultBeaconPort
	}
	if c.BeaconPort < 0 || c.BeaconPort > 65535 {
		return fmt.Errorf("config: beacon port %d out of range", c.BeaconPort)
	}
	if c.BeaconInterval == 0 {
		c.BeaconInterval = DefaultBeaconInterval
	}
	if c.BeaconInterval < 0 {
		return fmt.Errorf("config: negative beacon interval")
	}
	if c.SaveStore == "" {
		c.SaveStore = DefaultSaveStore
	}
	if c.MaxMessageBytes == 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessageBytes < 1024 {
		return fmt.Errorf("config: max message bytes %d too small", c.MaxMessageBytes)
	}
	if c.StatsInterval < 0 {
		return fmt.Errorf("config: negative stats interval")
	}
	return nil
}
