// Package config loads the pipeline configuration from defaults, an optional
// YAML file, a .env file and IMAGEPIPELINE_* environment variables, in that
// order of precedence (later wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/Skryldev/image-pipeline/adapters/storage"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/logging"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "IMAGEPIPELINE_"

// StorageBackend selects the storage adapter behind the disk cache.
type StorageBackend string

const (
	StorageLocal StorageBackend = "local"
	StorageS3    StorageBackend = "s3"
)

// Config is the top-level configuration struct. All fields have safe defaults
// so callers can start with Default() and override only what they need.
type Config struct {
	Executors   ExecutorConfig    `yaml:"executors" envPrefix:"EXECUTORS_"`
	Network     NetworkConfig     `yaml:"network" envPrefix:"NETWORK_"`
	MemoryCache MemoryCacheConfig `yaml:"memory_cache" envPrefix:"MEMORY_CACHE_"`
	DiskCache   DiskCacheConfig   `yaml:"disk_cache" envPrefix:"DISK_CACHE_"`
	Progressive ProgressiveConfig `yaml:"progressive" envPrefix:"PROGRESSIVE_"`
	Decode      DecodeConfig      `yaml:"decode" envPrefix:"DECODE_"`
	Logging     logging.Config    `yaml:"logging" envPrefix:"LOG_"`
}

// ExecutorConfig sizes the worker pools. Zero worker counts are resolved at
// runtime (NumCPU for decoding).
type ExecutorConfig struct {
	IOWorkers         int `yaml:"io_workers" env:"IO_WORKERS"`
	DecodeWorkers     int `yaml:"decode_workers" env:"DECODE_WORKERS"`
	BackgroundWorkers int `yaml:"background_workers" env:"BACKGROUND_WORKERS"`
	QueueSize         int `yaml:"queue_size" env:"QUEUE_SIZE"` // queue buffer per pool; excess tasks wait
}

// NetworkConfig configures the HTTP fetcher.
type NetworkConfig struct {
	Workers      int           `yaml:"workers" env:"WORKERS"`
	MaxRedirects int           `yaml:"max_redirects" env:"MAX_REDIRECTS"`
	Timeout      time.Duration `yaml:"timeout" env:"TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" env:"MAX_RETRIES"`
	RetryDelay   time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`
}

// MemoryCacheConfig bounds the in-memory caches.
type MemoryCacheConfig struct {
	BitmapEntries  int   `yaml:"bitmap_entries" env:"BITMAP_ENTRIES"`
	BitmapBytes    int64 `yaml:"bitmap_bytes" env:"BITMAP_BYTES"`
	EncodedEntries int   `yaml:"encoded_entries" env:"ENCODED_ENTRIES"`
	EncodedBytes   int64 `yaml:"encoded_bytes" env:"ENCODED_BYTES"`
}

// DiskCacheConfig configures the disk cache and its backing store.
type DiskCacheConfig struct {
	Enabled bool           `yaml:"enabled" env:"ENABLED"`
	Storage StorageBackend `yaml:"storage" env:"STORAGE"`
	// Dir holds the cache files for local storage and the index database
	// for either backend.
	Dir         string           `yaml:"dir" env:"DIR"`
	Permissions uint32           `yaml:"permissions" env:"PERMISSIONS"`
	MaxBytes    int64            `yaml:"max_bytes" env:"MAX_BYTES"`
	Compress    bool             `yaml:"compress" env:"COMPRESS"`
	Index       bool             `yaml:"index" env:"INDEX"`
	S3          storage.S3Config `yaml:"s3" envPrefix:"S3_"`
}

// ProgressiveConfig controls intermediate results of network downloads.
type ProgressiveConfig struct {
	// Enabled is the default progressive flag of new requests.
	Enabled   bool          `yaml:"enabled" env:"ENABLED"`
	Interval  time.Duration `yaml:"interval" env:"INTERVAL"`
	ChunkSize int           `yaml:"chunk_size" env:"CHUNK_SIZE"`
}

// DecodeConfig selects and bounds the decoders.
type DecodeConfig struct {
	UseVips         bool `yaml:"use_vips" env:"USE_VIPS"`
	VipsCacheSize   int  `yaml:"vips_cache_size" env:"VIPS_CACHE_SIZE"`
	MaxBitmapPixels int  `yaml:"max_bitmap_pixels" env:"MAX_BITMAP_PIXELS"` // 0 = no limit
}

// Default returns a Config populated with sensible production defaults.
func Default() Config {
	return Config{
		Executors: ExecutorConfig{
			IOWorkers:         2,
			DecodeWorkers:     0, // resolved at runtime to NumCPU
			BackgroundWorkers: 1,
			QueueSize:         256,
		},
		Network: NetworkConfig{
			Workers:      3,
			MaxRedirects: 5,
			Timeout:      30 * time.Second,
			MaxRetries:   2,
			RetryDelay:   200 * time.Millisecond,
		},
		MemoryCache: MemoryCacheConfig{
			BitmapEntries:  256,
			BitmapBytes:    64 << 20,
			EncodedEntries: 256,
			EncodedBytes:   16 << 20,
		},
		DiskCache: DiskCacheConfig{
			Storage:     StorageLocal,
			Permissions: 0o644,
			MaxBytes:    256 << 20,
			Compress:    true,
			Index:       true,
		},
		Progressive: ProgressiveConfig{
			Interval:  100 * time.Millisecond,
			ChunkSize: 16 * 1024,
		},
		Logging: logging.Config{Level: "info"},
	}
}

// Validate returns an error if the configuration is inconsistent.
func Validate(c Config) error {
	var errs []error
	e := c.Executors
	if e.IOWorkers < 0 || e.DecodeWorkers < 0 || e.BackgroundWorkers < 0 {
		errs = append(errs, errors.New("config: executor worker counts must not be negative"))
	}
	if e.QueueSize < 0 {
		errs = append(errs, errors.New("config: Executors.QueueSize must not be negative"))
	}
	if c.Network.Workers < 0 || c.Network.MaxRedirects < 0 || c.Network.MaxRetries < 0 {
		errs = append(errs, errors.New("config: network counts must not be negative"))
	}
	m := c.MemoryCache
	if m.BitmapEntries <= 0 || m.EncodedEntries <= 0 {
		errs = append(errs, errors.New("config: memory cache entry limits must be positive"))
	}
	if m.BitmapBytes <= 0 || m.EncodedBytes <= 0 {
		errs = append(errs, errors.New("config: memory cache byte limits must be positive"))
	}
	if d := c.DiskCache; d.Enabled {
		switch d.Storage {
		case StorageLocal:
			if d.Dir == "" {
				errs = append(errs, errors.New("config: DiskCache.Dir is required for local storage"))
			}
		case StorageS3:
			if d.S3.Bucket == "" {
				errs = append(errs, errors.New("config: DiskCache.S3.Bucket is required for s3 storage"))
			}
			if d.Index && d.Dir == "" {
				errs = append(errs, errors.New("config: DiskCache.Dir is required for the index"))
			}
		default:
			errs = append(errs, fmt.Errorf("config: unknown DiskCache.Storage %q", d.Storage))
		}
	}
	if c.Progressive.Interval < 0 || c.Progressive.ChunkSize < 0 {
		errs = append(errs, errors.New("config: progressive interval and chunk size must not be negative"))
	}
	if c.Decode.MaxBitmapPixels < 0 {
		errs = append(errs, errors.New("config: Decode.MaxBitmapPixels must not be negative"))
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	return apperrors.Join(errs...)
}

// Load builds a Config from Default(), the YAML file at path (skipped when
// empty), a .env file in the working directory if present, and the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, apperrors.New(apperrors.CategoryConfig, "config.read", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, apperrors.New(apperrors.CategoryConfig, "config.yaml", err)
		}
	}

	// A missing .env file is not an error.
	_ = godotenv.Load()
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, "config.env", err)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, apperrors.New(apperrors.CategoryConfig, "config.validate", err)
	}
	return cfg, nil
}
