// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the network-defense agent's JSON configuration
// document into a typed Config, filling any omitted subtree from
// DefaultConfig() rather than leaving it zero-valued.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"grimm.is/flywall/internal/errors"
)

// General holds top-level agent settings.
type General struct {
	Enabled       bool          `json:"enabled"`
	CheckInterval time.Duration `json:"check_interval"`
}

// ARP holds the ARP spoofing detector's settings.
type ARP struct {
	CheckInterval   time.Duration `json:"check_interval"`
	Threshold       int           `json:"threshold"`
	BlockDuration   time.Duration `json:"block_duration"`
	TrustedDevices  []string      `json:"trusted_devices"`
	MonitorGateway  bool          `json:"monitor_gateway"`
}

// FloodConfig is shared by the three DDoS flood sub-detectors.
type FloodConfig struct {
	Enabled                  bool    `json:"enabled"`
	PacketsPerSecondThreshold int    `json:"packets_per_second_threshold"`
	AnomalyDetection          bool   `json:"anomaly_detection"`
}

// SynFloodConfig holds the SYN flood rules. It is a separate struct
// from FloodConfig and has no anomaly_detection switch.
type SynFloodConfig struct {
	Enabled                      bool    `json:"enabled"`
	SynPerSecondThreshold        int     `json:"syn_per_second_threshold"`
	SynAckRatioThreshold         float64 `json:"syn_ack_ratio_threshold"`
	IncompleteConnectionsThresh  int     `json:"incomplete_connections_threshold"`
}

// DDoS holds the DDoS detector's settings.
type DDoS struct {
	AdaptiveThresholds   bool           `json:"adaptive_thresholds"`
	SynFlood             SynFloodConfig `json:"syn_flood"`
	UDPFlood             FloodConfig    `json:"udp_flood"`
	ICMPFlood            FloodConfig    `json:"icmp_flood"`
	CountMinSketchWidth  int            `json:"count_min_sketch_width"`
	CountMinSketchDepth  int            `json:"count_min_sketch_depth"`
}

// ScanRule is shared by the horizontal/vertical scan sub-detectors.
type ScanRule struct {
	Enabled       bool          `json:"enabled"`
	HostsThreshold int          `json:"hosts_threshold,omitempty"`
	PortsThreshold int          `json:"ports_threshold,omitempty"`
	TimeWindow    time.Duration `json:"time_window"`
}

// NetworkScan holds the scan detector's settings.
type NetworkScan struct {
	Horizontal ScanRule `json:"horizontal_scan"`
	Vertical   ScanRule `json:"vertical_scan"`
}

// Firewall holds the mitigation controller's settings.
type Firewall struct {
	AutoBlock bool     `json:"auto_block"`
	RateLimit bool     `json:"rate_limit"`
	Whitelist []string `json:"whitelist"`
	Blacklist []string `json:"blacklist"`
}

// Bruteforce holds the brute-force detector's settings.
type Bruteforce struct {
	Enabled                bool          `json:"enabled"`
	FailedAttemptsThreshold int          `json:"failed_attempts_threshold"`
	TimeWindow             time.Duration `json:"time_window"`
	PortsToMonitor         []int         `json:"ports_to_monitor"`
}

// Config is the root configuration document, loaded once at startup.
type Config struct {
	General     General     `json:"general"`
	ARP         ARP         `json:"arp"`
	DDoS        DDoS        `json:"ddos"`
	NetworkScan NetworkScan `json:"network_scan"`
	Firewall    Firewall    `json:"firewall"`
	Bruteforce  Bruteforce  `json:"bruteforce"`
}

// DefaultConfig returns the documented defaults from spec §4 and §6.
func DefaultConfig() *Config {
	return &Config{
		General: General{
			Enabled:       true,
			CheckInterval: 3 * time.Second,
		},
		ARP: ARP{
			CheckInterval:  3 * time.Second,
			Threshold:      3,
			BlockDuration:  1 * time.Hour,
			TrustedDevices: nil,
			MonitorGateway: true,
		},
		DDoS: DDoS{
			AdaptiveThresholds: true,
			SynFlood: SynFloodConfig{
				Enabled:                     true,
				SynPerSecondThreshold:       100,
				SynAckRatioThreshold:        0.1,
				IncompleteConnectionsThresh: 50,
			},
			UDPFlood: FloodConfig{
				Enabled:                   true,
				PacketsPerSecondThreshold: 1000,
				AnomalyDetection:          true,
			},
			ICMPFlood: FloodConfig{
				Enabled:                   true,
				PacketsPerSecondThreshold: 500,
				AnomalyDetection:          true,
			},
			CountMinSketchWidth: 2048,
			CountMinSketchDepth: 4,
		},
		NetworkScan: NetworkScan{
			Horizontal: ScanRule{
				Enabled:        true,
				HostsThreshold: 10,
				TimeWindow:     60 * time.Second,
			},
			Vertical: ScanRule{
				Enabled:        true,
				PortsThreshold: 20,
				TimeWindow:     60 * time.Second,
			},
		},
		Firewall: Firewall{
			AutoBlock: true,
			RateLimit: true,
		},
		Bruteforce: Bruteforce{
			Enabled:                 true,
			FailedAttemptsThreshold: 5,
			TimeWindow:              300 * time.Second,
			PortsToMonitor:          []int{22, 23, 80, 443, 3306, 5432},
		},
	}
}

// Load reads a JSON configuration document from path and fills any
// subtree the document omits with DefaultConfig()'s value. A missing
// file is not an error: the defaults are returned as-is, matching
// spec §6's "missing subtrees take documented defaults" semantics
// applied to the whole document.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, errors.Wrapf(err, errors.KindUnavailable, "config: read %s", path)
	}

	if err := mergeJSON(data, cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "config: parse %s", path)
	}

	return cfg, nil
}

// mergeJSON decodes data on top of an already-defaulted cfg. Because
// json.Unmarshal only overwrites fields present in the document, any
// subtree the document omits retains the default value already in cfg.
func mergeJSON(data []byte, cfg *Config) error {
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("invalid json: %w", err)
	}
	return nil
}
