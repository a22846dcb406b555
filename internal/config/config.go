package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds process settings (in-memory representation).
type Config struct {
	// DBPath is the SQLite database file.
	DBPath string `json:"db_path"`
	// Port is the HTTP API port.
	Port int `json:"port"`

	// IngestBatchMax caps the number of trades accepted per ingest batch.
	IngestBatchMax int `json:"ingest_batch_max"`
	// CalcPartitions is the partition count of the calc-request log; one
	// worker runs per partition.
	CalcPartitions int `json:"calc_partitions"`
	// CalcDeadline bounds the processing of one calc request; an overrun is
	// not acknowledged and redelivers.
	CalcDeadline time.Duration `json:"calc_deadline"`
	// ConfigCacheTTL is how long the active config set is served without
	// rereading the store.
	ConfigCacheTTL time.Duration `json:"config_cache_ttl"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		DBPath:         "poskeeper.db",
		Port:           13380,
		IngestBatchMax: 5000,
		CalcPartitions: 8,
		CalcDeadline:   30 * time.Second,
		ConfigCacheTTL: 60 * time.Second,
	}
}

// FromEnv returns the defaults overridden by POSKEEPER_* environment
// variables. Malformed values fall back to the default with an error listing
// what was ignored.
func FromEnv() (*Config, error) {
	cfg := Default()
	var err error

	if v := os.Getenv("POSKEEPER_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("POSKEEPER_PORT"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			cfg.Port = n
		} else {
			err = fmt.Errorf("POSKEEPER_PORT=%q ignored", v)
		}
	}
	if v := os.Getenv("POSKEEPER_BATCH_MAX"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			cfg.IngestBatchMax = n
		} else {
			err = fmt.Errorf("POSKEEPER_BATCH_MAX=%q ignored", v)
		}
	}
	if v := os.Getenv("POSKEEPER_CALC_PARTITIONS"); v != "" {
		if n, perr := strconv.Atoi(v); perr == nil && n > 0 {
			cfg.CalcPartitions = n
		} else {
			err = fmt.Errorf("POSKEEPER_CALC_PARTITIONS=%q ignored", v)
		}
	}
	if v := os.Getenv("POSKEEPER_CALC_DEADLINE"); v != "" {
		if d, perr := time.ParseDuration(v); perr == nil && d > 0 {
			cfg.CalcDeadline = d
		} else {
			err = fmt.Errorf("POSKEEPER_CALC_DEADLINE=%q ignored", v)
		}
	}
	if v := os.Getenv("POSKEEPER_CONFIG_TTL"); v != "" {
		if d, perr := time.ParseDuration(v); perr == nil && d > 0 {
			cfg.ConfigCacheTTL = d
		} else {
			err = fmt.Errorf("POSKEEPER_CONFIG_TTL=%q ignored", v)
		}
	}
	return cfg, err
}
