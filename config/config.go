// Package config loads the replica's YAML configuration file. Parsing the
// file itself is an ambient concern (spec.md §1 explicitly treats "YAML
// configuration loading" as an external collaborator of the core engine);
// this package is that collaborator, handed to nezha.New as an already
// validated *Config.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"
)

// Config holds every option spec.md §6 names as "recognized options", plus
// the handful needed to actually run a process (peer addresses, log level,
// metrics listen address).
type Config struct {
	ReplicaID  uint32   `yaml:"replicaId"`
	ReplicaIPs []string `yaml:"replicaIps"`

	KeyNum uint32 `yaml:"keyNum"`

	SlidingWindowLen       uint32 `yaml:"slidingWindowLen"`
	IndexTransferBatch     uint32 `yaml:"indexTransferBatch"`
	RequestKeyTransferBatch uint32 `yaml:"requestKeyTransferBatch"`
	RequestTransferBatch   uint32 `yaml:"requestTransferBatch"`

	ReclaimTimeoutMs      uint64 `yaml:"reclaimTimeout"`
	StateTransferTimeoutMs uint64 `yaml:"stateTransferTimeout"`
	HeartbeatTimeoutMs    uint64 `yaml:"heartbeatTimeout"`
	PeriodicSyncIntervalMs uint64 `yaml:"periodicSyncInterval"`
	OWDHeadroomUs         uint64 `yaml:"owdHeadroom"`

	// Ambient, not in spec.md's recognized-options list but required to run.
	LogLevel     string `yaml:"logLevel"`
	LogFile      string `yaml:"logFile"`
	MetricsAddr  string `yaml:"metricsAddr"`
	ShardCount   uint32 `yaml:"shardCount"`
}

// Defaults mirrors PrintConfig()'s implicit defaults in
// original_source/nezha/replica.h: reasonable values so a config file only
// needs to set replicaId/replicaIps/keyNum to get a runnable process.
func Defaults() Config {
	return Config{
		SlidingWindowLen:        100,
		IndexTransferBatch:      64,
		RequestKeyTransferBatch: 64,
		RequestTransferBatch:    64,
		ReclaimTimeoutMs:        1000,
		StateTransferTimeoutMs:  2000,
		HeartbeatTimeoutMs:      500,
		PeriodicSyncIntervalMs:  100,
		OWDHeadroomUs:           5000,
		LogLevel:                "info",
		ShardCount:              4,
	}
}

// Load reads and validates the YAML file at path, failing loudly per
// spec.md §7 ("Configuration / self-check failure at startup: fail loudly,
// do not start").
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "config: read %s", path)
	}
	cfg := Defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, errors.Wrapf(err, "config: parse %s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate performs the self-checks spec.md §7 requires at startup.
func (c *Config) Validate() error {
	if len(c.ReplicaIPs) == 0 {
		return errors.New("config: replicaIps must be non-empty")
	}
	if int(c.ReplicaID) >= len(c.ReplicaIPs) {
		return errors.Newf("config: replicaId %d out of range for %d replicas", c.ReplicaID, len(c.ReplicaIPs))
	}
	if c.KeyNum == 0 {
		return errors.New("config: keyNum must be positive")
	}
	if c.ShardCount == 0 {
		return errors.New("config: shardCount must be positive")
	}
	if _, err := parseLevelName(c.LogLevel); err != nil {
		return errors.Wrap(err, "config")
	}
	return nil
}

func parseLevelName(s string) (string, error) {
	switch s {
	case "trace", "debug", "info", "warn", "warning", "error", "crit", "critical", "":
		return s, nil
	default:
		return "", fmt.Errorf("unknown logLevel %q", s)
	}
}

func (c *Config) ReclaimTimeout() time.Duration {
	return time.Duration(c.ReclaimTimeoutMs) * time.Millisecond
}
func (c *Config) StateTransferTimeout() time.Duration {
	return time.Duration(c.StateTransferTimeoutMs) * time.Millisecond
}
func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMs) * time.Millisecond
}
func (c *Config) PeriodicSyncInterval() time.Duration {
	return time.Duration(c.PeriodicSyncIntervalMs) * time.Millisecond
}
func (c *Config) OWDHeadroom() time.Duration {
	return time.Duration(c.OWDHeadroomUs) * time.Microsecond
}

// ReplicaNum is the static peer-set size N from spec.md §2.
func (c *Config) ReplicaNum() uint32 { return uint32(len(c.ReplicaIPs)) }

// SuperMajority is ⌈(N+1)/2⌉, the quorum size spec.md §4.6/§4.9 refers to.
func (c *Config) SuperMajority() int {
	n := int(c.ReplicaNum())
	return (n+1+1)/2
}

// LogFields renders the config for the boot log line, the Go analogue of
// original_source/nezha/replica.h's PrintConfig().
func (c *Config) LogFields() []any {
	return []any{
		"replicaId", c.ReplicaID,
		"replicaNum", c.ReplicaNum(),
		"keyNum", c.KeyNum,
		"heartbeatTimeout", c.HeartbeatTimeout(),
		"owdHeadroom", c.OWDHeadroom(),
	}
}
