// Package config loads the YAML configuration file that drives a Lithair
// node, following the teacher repository's internal/cli.Config pattern:
// a single struct with yaml tags per subsystem, loaded with gopkg.in/yaml.v3
// and then layered with environment overrides from pkg/lithair.FromEnv.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lithair/lithair-sub001/pkg/lithair"
)

// Config is the on-disk shape of a node's config file.
type Config struct {
	Storage struct {
		Dir       string `yaml:"dir"`
		MultiFile bool   `yaml:"multi_file"`
	} `yaml:"storage"`

	WAL struct {
		Enabled         bool `yaml:"enabled"`
		FlushIntervalMs int  `yaml:"flush_interval_ms"`
		MaxBufferSize   int  `yaml:"max_buffer_size"`
	} `yaml:"wal"`

	Snapshot struct {
		Threshold uint64 `yaml:"threshold"`
	} `yaml:"snapshot"`

	Replication struct {
		NodeID              uint64   `yaml:"node_id"`
		Leader              bool     `yaml:"leader"`
		Peers               []string `yaml:"peers"`
		SyncIntervalSeconds int      `yaml:"sync_interval_seconds"`
	} `yaml:"replication"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Verbose bool `yaml:"verbose"`
}

// Default mirrors pkg/lithair.DefaultConfig's values, expressed as a
// loadable file config plus the ambient server settings the domain
// struct doesn't own (storage location, replication topology, metrics
// port).
func Default() Config {
	var cfg Config
	cfg.Storage.Dir = "data/lithair"
	cfg.Storage.MultiFile = false

	cfg.WAL.Enabled = true
	cfg.WAL.FlushIntervalMs = 5
	cfg.WAL.MaxBufferSize = 100

	cfg.Snapshot.Threshold = lithair.DefaultSnapshotThreshold

	cfg.Replication.NodeID = 1
	cfg.Replication.Leader = true
	cfg.Replication.SyncIntervalSeconds = 10

	cfg.Metrics.Enabled = true
	cfg.Metrics.Port = 9090

	return cfg
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config YAML %s: %w", path, err)
	}

	return &cfg, nil
}

// ToLithairConfig derives the pkg/lithair.Config used by storage,
// eventstore, and wal components, starting from lithair.FromEnv() so
// RS_* environment variables still take precedence, then layering in
// the file-level settings this type owns.
func (c *Config) ToLithairConfig() lithair.Config {
	lc := lithair.FromEnv()
	lc.SnapshotThreshold = c.Snapshot.Threshold
	lc.GroupCommitEnabled = c.WAL.Enabled
	lc.GroupCommitFlushInterval = time.Duration(c.WAL.FlushIntervalMs) * time.Millisecond
	lc.GroupCommitMaxBufferSize = c.WAL.MaxBufferSize
	lc.Verbose = c.Verbose || lc.Verbose
	return lc
}

// SyncInterval is the replication poll period as a time.Duration.
func (c *Config) SyncInterval() time.Duration {
	return time.Duration(c.Replication.SyncIntervalSeconds) * time.Second
}
