// Package macconfig loads the YAML configuration for an sdrmac instance:
// the two MAC protocols' tunables, the frame buffer, carrier sense, the
// switch's initial selection, and the ambient metrics/telemetry/status
// endpoints.
package macconfig

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level document loaded from a YAML file.
type Config struct {
	Node         NodeConfig         `yaml:"node"`
	Buffer       BufferConfig       `yaml:"buffer"`
	CarrierSense CarrierSenseConfig `yaml:"carrier_sense"`
	CSMA         CSMAConfig         `yaml:"csma"`
	TDMA         TDMAConfig         `yaml:"tdma"`
	ActivePort   int                `yaml:"active_port"` // -1, 0 (csma) or 1 (tdma)
	Prometheus   PrometheusConfig   `yaml:"prometheus"`
	MQTT         MQTTConfig         `yaml:"mqtt"`
	Status       StatusConfig       `yaml:"status"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// NodeConfig identifies this station on the network.
type NodeConfig struct {
	MAC string `yaml:"mac"` // colon-hex, e.g. "02:00:00:00:00:01"
}

// BufferConfig configures the transmit queue and optional ARP rewriting.
type BufferConfig struct {
	Capacity int    `yaml:"capacity"`
	ARPPath  string `yaml:"arp_path,omitempty"` // empty disables ARP rewriting
}

// CarrierSenseConfig configures the energy detector.
type CarrierSenseConfig struct {
	NumSamples int     `yaml:"num_samples"`
	GainDB     float64 `yaml:"gain_db"`
}

// CSMAConfig configures the CSMA/CA MAC.
type CSMAConfig struct {
	Enabled      bool    `yaml:"enabled"`
	SlotTimeUS   int     `yaml:"slot_time_us"`
	SIFSUS       int     `yaml:"sifs_us"`
	DIFSUS       int     `yaml:"difs_us"`
	Alpha        float64 `yaml:"alpha"`
	ThresholdDBm float64 `yaml:"threshold_dbm"`
	Debug        bool    `yaml:"debug"`
}

// TDMAConfig configures the TDMA MAC.
type TDMAConfig struct {
	Enabled         bool    `yaml:"enabled"`
	IsCoordinator   bool    `yaml:"is_coordinator"`
	SlotTimeUS      int     `yaml:"slot_time_us"`
	SyncIntervalUS  int     `yaml:"sync_interval_us"`
	AllocIntervalUS int     `yaml:"alloc_interval_us"`
	CommIntervalUS  int     `yaml:"comm_interval_us"`
	GuardTimeUS     int     `yaml:"guard_time_us"`
	PHYDelayUS      int     `yaml:"phy_delay_us"`
	Alpha           float64 `yaml:"alpha"`
	ThresholdDBm    float64 `yaml:"threshold_dbm"`
	Debug           bool    `yaml:"debug"`
}

// PrometheusConfig configures the metrics HTTP listener.
type PrometheusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// MQTTConfig configures the telemetry publisher.
type MQTTConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id,omitempty"`
	Topic    string `yaml:"topic"`
}

// StatusConfig configures the websocket live-status feed.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// LoggingConfig holds the "logging" section. cmd/sdrmacd does not read it;
// per-MAC debug logging is switched by csma.debug and tdma.debug.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
}

// Load reads and parses a YAML configuration file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("macconfig: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("macconfig: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = 8
	}
	if c.CSMA.SlotTimeUS == 0 {
		c.CSMA.SlotTimeUS = 20
	}
	if c.CSMA.Alpha == 0 {
		c.CSMA.Alpha = 1
	}
	if c.TDMA.SlotTimeUS == 0 {
		c.TDMA.SlotTimeUS = 20
	}
	if c.TDMA.Alpha == 0 {
		c.TDMA.Alpha = 1
	}
	if c.TDMA.PHYDelayUS == 0 {
		c.TDMA.PHYDelayUS = 50000
	}
	if c.Prometheus.Listen == "" {
		c.Prometheus.Listen = ":9110"
	}
	if c.Status.Listen == "" {
		c.Status.Listen = ":9111"
	}
	if c.MQTT.Topic == "" {
		c.MQTT.Topic = "sdrmac/events"
	}
}
