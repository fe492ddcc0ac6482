// Package kotadb is the public embedded-database API: a document store
// with a write-ahead log, a B+ tree primary index over paths, and a
// trigram full-text index, composed behind the standard wrapper stack
// (tracing, validation, retry, cache, metering).
package kotadb

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/tailscale/hujson"

	"github.com/jayminwest/kotadb/internal/kerr"
)

// Configuration defaults.
const (
	DefaultCacheCapacity    = 1000
	DefaultWALSegmentBytes  = 64 << 20 // 64 MiB
	DefaultBTreeFanout      = 128
	DefaultRetryMaxAttempts = 3

	DefaultRetryInitialBackoff = 10 * time.Millisecond
	DefaultRetryMaxBackoff     = 500 * time.Millisecond

	// DefaultCheckpointBytes triggers an automatic checkpoint after this
	// many committed payload bytes.
	DefaultCheckpointBytes = 16 << 20
)

// Config holds every knob the engine exposes. No other environment-derived
// state influences correctness.
type Config struct {
	// DataDir is the root of all persistent state. Required.
	DataDir string `json:"data_dir"`

	// CacheCapacity is the document cache size, in documents.
	CacheCapacity int64 `json:"cache_capacity,omitempty"`

	// WALSegmentBytes rotates WAL segments at this size.
	WALSegmentBytes int64 `json:"wal_segment_bytes,omitempty"`

	// BTreeFanout is the maximum children per B+ tree node.
	BTreeFanout int `json:"btree_fanout,omitempty"`

	// TrigramScoreThresholdShort gates results for queries of ≤6 chars.
	TrigramScoreThresholdShort float64 `json:"trigram_score_threshold_short,omitempty"`

	// TrigramScoreThresholdLong gates results for longer queries.
	TrigramScoreThresholdLong float64 `json:"trigram_score_threshold_long,omitempty"`

	// Retry policy for transient I/O failures; backoffs are in milliseconds.
	RetryMaxAttempts        int   `json:"retry_max_attempts,omitempty"`
	RetryInitialBackoffMs   int64 `json:"retry_initial_backoff,omitempty"`
	RetryMaxBackoffMs       int64 `json:"retry_max_backoff,omitempty"`

	// FsyncOnCommit fsyncs the WAL at every commit point. Pointer so an
	// explicit false in a config file is distinguishable from unset.
	FsyncOnCommit *bool `json:"fsync_on_commit,omitempty"`

	// CheckpointIntervalBytes triggers an automatic checkpoint once this
	// many payload bytes have committed since the last one.
	CheckpointIntervalBytes int64 `json:"checkpoint_interval_bytes,omitempty"`

	// ReadOnly opens the database without taking the write lock; every
	// mutation fails.
	ReadOnly bool `json:"read_only,omitempty"`
}

// DefaultConfig returns the default configuration rooted at dataDir.
func DefaultConfig(dataDir string) Config {
	fsync := true

	return Config{
		DataDir:                    dataDir,
		CacheCapacity:              DefaultCacheCapacity,
		WALSegmentBytes:            DefaultWALSegmentBytes,
		BTreeFanout:                DefaultBTreeFanout,
		TrigramScoreThresholdShort: 0.80,
		TrigramScoreThresholdLong:  0.60,
		RetryMaxAttempts:           DefaultRetryMaxAttempts,
		RetryInitialBackoffMs:      DefaultRetryInitialBackoff.Milliseconds(),
		RetryMaxBackoffMs:          DefaultRetryMaxBackoff.Milliseconds(),
		FsyncOnCommit:              &fsync,
		CheckpointIntervalBytes:    DefaultCheckpointBytes,
	}
}

// LoadConfigFile reads a JSONC config file and merges it over the
// defaults. Missing fields keep their defaults; a malformed file is a
// configuration error.
func LoadConfigFile(path string) (Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w: %v", path, kerr.ErrConfig, err)
	}

	standardized, err := hujson.Standardize(data)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w: invalid JSONC: %v", path, kerr.ErrConfig, err)
	}

	var fileCfg Config

	err = json.Unmarshal(standardized, &fileCfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w: %v", path, kerr.ErrConfig, err)
	}

	cfg := mergeConfig(DefaultConfig(fileCfg.DataDir), fileCfg)

	err = cfg.validate()
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}

	return cfg, nil
}

func mergeConfig(base, overlay Config) Config {
	if overlay.DataDir != "" {
		base.DataDir = overlay.DataDir
	}

	if overlay.CacheCapacity != 0 {
		base.CacheCapacity = overlay.CacheCapacity
	}

	if overlay.WALSegmentBytes != 0 {
		base.WALSegmentBytes = overlay.WALSegmentBytes
	}

	if overlay.BTreeFanout != 0 {
		base.BTreeFanout = overlay.BTreeFanout
	}

	if overlay.TrigramScoreThresholdShort != 0 {
		base.TrigramScoreThresholdShort = overlay.TrigramScoreThresholdShort
	}

	if overlay.TrigramScoreThresholdLong != 0 {
		base.TrigramScoreThresholdLong = overlay.TrigramScoreThresholdLong
	}

	if overlay.RetryMaxAttempts != 0 {
		base.RetryMaxAttempts = overlay.RetryMaxAttempts
	}

	if overlay.RetryInitialBackoffMs != 0 {
		base.RetryInitialBackoffMs = overlay.RetryInitialBackoffMs
	}

	if overlay.RetryMaxBackoffMs != 0 {
		base.RetryMaxBackoffMs = overlay.RetryMaxBackoffMs
	}

	if overlay.FsyncOnCommit != nil {
		base.FsyncOnCommit = overlay.FsyncOnCommit
	}

	if overlay.CheckpointIntervalBytes != 0 {
		base.CheckpointIntervalBytes = overlay.CheckpointIntervalBytes
	}

	base.ReadOnly = base.ReadOnly || overlay.ReadOnly

	return base
}

// validate rejects misconfiguration at startup rather than mid-operation.
func (c Config) validate() error {
	const op = "validate config"

	switch {
	case c.DataDir == "":
		return fmt.Errorf("%s: %w: data_dir is required", op, kerr.ErrConfig)
	case c.CacheCapacity <= 0:
		return fmt.Errorf("%s: %w: cache_capacity must be positive", op, kerr.ErrConfig)
	case c.WALSegmentBytes <= 0:
		return fmt.Errorf("%s: %w: wal_segment_bytes must be positive", op, kerr.ErrConfig)
	case c.BTreeFanout < 4:
		return fmt.Errorf("%s: %w: btree_fanout must be at least 4", op, kerr.ErrConfig)
	case c.TrigramScoreThresholdShort < 0 || c.TrigramScoreThresholdShort > 1:
		return fmt.Errorf("%s: %w: trigram_score_threshold_short out of [0,1]", op, kerr.ErrConfig)
	case c.TrigramScoreThresholdLong < 0 || c.TrigramScoreThresholdLong > 1:
		return fmt.Errorf("%s: %w: trigram_score_threshold_long out of [0,1]", op, kerr.ErrConfig)
	case c.RetryMaxAttempts < 1:
		return fmt.Errorf("%s: %w: retry_max_attempts must be at least 1", op, kerr.ErrConfig)
	case c.RetryInitialBackoffMs < 0 || c.RetryMaxBackoffMs < 0:
		return fmt.Errorf("%s: %w: retry backoffs must be non-negative", op, kerr.ErrConfig)
	case c.CheckpointIntervalBytes < 0:
		return fmt.Errorf("%s: %w: checkpoint_interval_bytes must be non-negative", op, kerr.ErrConfig)
	}

	return nil
}

func (c Config) fsyncOnCommit() bool {
	if c.FsyncOnCommit == nil {
		return true
	}

	return *c.FsyncOnCommit
}
