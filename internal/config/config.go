// Package config loads the coordinator daemon's runtime settings from
// environment variables, with the typed defaults from spec.md §6. The
// storage node daemon does not use it; it takes its settings as
// command-line flags.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"distfs/internal/cache"
	"distfs/internal/chunkmodel"
)

// Config is the full set of recognized options.
type Config struct {
	ChunkSize            int64
	ReplicationFactor    int
	StorageNodes         []string
	ChunkUploadDeadline  time.Duration
	NodeRequestTimeout   time.Duration
	HealthProbeInterval  time.Duration
	VerificationSchedule string
	ShareCleanupSchedule string
	CacheTTLs            map[cache.Namespace]time.Duration

	DatabasePath string
	CacheAddr    string // empty uses the in-process cache
	ListenAddr   string
	Workers      int
}

// Default returns the spec.md §6 defaults plus sensible defaults for the
// ambient options (database path, listen address, worker count) it adds.
func Default() Config {
	ttls := make(map[cache.Namespace]time.Duration, len(cache.DefaultTTLs))
	for ns, ttl := range cache.DefaultTTLs {
		ttls[ns] = ttl
	}
	return Config{
		ChunkSize:            chunkmodel.DefaultChunkSize,
		ReplicationFactor:    3,
		ChunkUploadDeadline:  60 * time.Second,
		NodeRequestTimeout:   30 * time.Second,
		HealthProbeInterval:  60 * time.Second,
		VerificationSchedule: "0 3 * * *",
		ShareCleanupSchedule: "0 2 * * *",
		CacheTTLs:            ttls,
		DatabasePath:         "distfs.sqlite",
		ListenAddr:           ":8080",
		Workers:              1,
	}
}

// FromEnv overlays environment variables named per spec.md §6 (plus the
// ambient DISTFS_DATABASE_PATH / DISTFS_CACHE_ADDR / DISTFS_LISTEN_ADDR /
// DISTFS_WORKERS) onto the defaults. Unset variables leave the default in
// place; malformed ones are reported as errors rather than silently
// ignored.
func FromEnv() (Config, error) {
	cfg := Default()

	if v, ok := os.LookupEnv("CHUNK_SIZE"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return cfg, fmt.Errorf("parse CHUNK_SIZE: %w", err)
		}
		cfg.ChunkSize = n
	}
	if v, ok := os.LookupEnv("REPLICATION_FACTOR"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse REPLICATION_FACTOR: %w", err)
		}
		cfg.ReplicationFactor = n
	}
	if v, ok := os.LookupEnv("STORAGE_NODES"); ok {
		cfg.StorageNodes = splitNonEmpty(v)
	}
	if v, ok := os.LookupEnv("CHUNK_UPLOAD_DEADLINE"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CHUNK_UPLOAD_DEADLINE: %w", err)
		}
		cfg.ChunkUploadDeadline = d
	}
	if v, ok := os.LookupEnv("NODE_REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse NODE_REQUEST_TIMEOUT: %w", err)
		}
		cfg.NodeRequestTimeout = d
	}
	if v, ok := os.LookupEnv("HEALTH_PROBE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse HEALTH_PROBE_INTERVAL: %w", err)
		}
		cfg.HealthProbeInterval = d
	}
	if v, ok := os.LookupEnv("VERIFICATION_SCHEDULE"); ok {
		cfg.VerificationSchedule = v
	}
	if v, ok := os.LookupEnv("SHARE_CLEANUP_SCHEDULE"); ok {
		cfg.ShareCleanupSchedule = v
	}
	if v, ok := os.LookupEnv("DISTFS_DATABASE_PATH"); ok {
		cfg.DatabasePath = v
	}
	if v, ok := os.LookupEnv("DISTFS_CACHE_ADDR"); ok {
		cfg.CacheAddr = v
	}
	if v, ok := os.LookupEnv("DISTFS_LISTEN_ADDR"); ok {
		cfg.ListenAddr = v
	}
	if v, ok := os.LookupEnv("DISTFS_WORKERS"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse DISTFS_WORKERS: %w", err)
		}
		cfg.Workers = n
	}

	return cfg, cfg.Validate()
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep in the coordinator or task runner.
func (c Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("CHUNK_SIZE must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkSize > chunkmodel.MaxChunkSize {
		return fmt.Errorf("CHUNK_SIZE %d exceeds MAX_CHUNK_SIZE %d", c.ChunkSize, chunkmodel.MaxChunkSize)
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("REPLICATION_FACTOR must be >= 1, got %d", c.ReplicationFactor)
	}
	if c.Workers < 1 {
		return fmt.Errorf("worker count must be >= 1, got %d", c.Workers)
	}
	return nil
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
