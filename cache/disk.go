package cache

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// zstdMagic starts every zstd frame. No supported image format starts with it,
// so compressed and raw objects can share a store.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// DiskCacheConfig configures a DiskCache.
type DiskCacheConfig struct {
	Bucket   string
	Prefix   string
	Compress bool  // zstd-compress stored payloads
	MaxBytes int64 // trim target; <= 0 disables trimming
}

// DiskCache stores encoded images in a StorageAdapter, keyed by the SHA-1 of
// the cache key. An optional Index tracks sizes and access times for trimming.
type DiskCache struct {
	store   core.StorageAdapter
	factory core.PooledByteBufferFactory
	index   *Index
	cfg     DiskCacheConfig
	clock   core.Clock
	logger  core.Logger

	enc *zstd.Encoder
	dec *zstd.Decoder

	trimMu sync.Mutex
}

// NewDiskCache creates a cache over store. index may be nil.
func NewDiskCache(store core.StorageAdapter, factory core.PooledByteBufferFactory, index *Index, cfg DiskCacheConfig, logger core.Logger) (*DiskCache, error) {
	if logger == nil {
		logger = core.NopLogger{}
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryConfig, "disk.zstd", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryConfig, "disk.zstd", err)
	}
	return &DiskCache{
		store:   store,
		factory: factory,
		index:   index,
		cfg:     cfg,
		clock:   core.SystemClock{},
		logger:  logger,
		enc:     enc,
		dec:     dec,
	}, nil
}

// ResourceID returns the hex SHA-1 of key, the object name used in the store.
func ResourceID(key core.CacheKey) string {
	sum := sha1.Sum([]byte(key.String()))
	return hex.EncodeToString(sum[:])
}

func (d *DiskCache) storageKey(id string) core.StorageKey {
	// Two-character fan-out keeps directories small on filesystems.
	return core.StorageKey{Bucket: d.cfg.Bucket, Path: d.cfg.Prefix + id[:2] + "/" + id}
}

// Get returns the cached bytes for key. A miss returns apperrors.ErrNotFound.
func (d *DiskCache) Get(ctx context.Context, key core.CacheKey) (*core.Ref[core.PooledByteBuffer], error) {
	id := ResourceID(key)
	rc, err := d.store.Get(ctx, d.storageKey(id))
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	raw, err := io.ReadAll(rc)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCache, "disk.get.read", err)
	}
	if bytes.HasPrefix(raw, zstdMagic) {
		if raw, err = d.dec.DecodeAll(raw, nil); err != nil {
			return nil, apperrors.Wrap(apperrors.CategoryCache, "disk.get.decompress", err)
		}
	}
	if len(raw) == 0 {
		return nil, apperrors.New(apperrors.CategoryCache, "disk.get", apperrors.ErrEmptyInput)
	}
	if d.index != nil {
		if err := d.index.Touch(ctx, id, d.clock.Now()); err != nil {
			d.logger.Warn("disk cache index touch failed", "key", key.String(), "error", err)
		}
	}
	return core.NewByteBufferRef(d.factory.NewByteBufferFromBytes(raw)), nil
}

// Put stores data under key.
func (d *DiskCache) Put(ctx context.Context, key core.CacheKey, data []byte) error {
	if len(data) == 0 {
		return apperrors.New(apperrors.CategoryCache, "disk.put", apperrors.ErrEmptyInput)
	}
	id := ResourceID(key)
	payload := data
	meta := map[string]string{"cache_key": key.String()}
	if d.cfg.Compress {
		payload = d.enc.EncodeAll(data, make([]byte, 0, len(data)/2))
		meta["encoding"] = "zstd"
	}
	if err := d.store.Put(ctx, d.storageKey(id), bytes.NewReader(payload), meta); err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.put", err)
	}
	if d.index == nil {
		return nil
	}
	err := d.index.Record(ctx, IndexEntry{
		ResourceID: id,
		CacheKey:   key.String(),
		SizeBytes:  int64(len(payload)),
		LastAccess: d.clock.Now(),
	})
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.put.index", err)
	}
	if d.cfg.MaxBytes > 0 {
		if err := d.Trim(ctx); err != nil {
			d.logger.Warn("disk cache trim failed", "error", err)
		}
	}
	return nil
}

// Contains reports whether key is stored.
func (d *DiskCache) Contains(ctx context.Context, key core.CacheKey) (bool, error) {
	return d.store.Exists(ctx, d.storageKey(ResourceID(key)))
}

// Remove deletes key.
func (d *DiskCache) Remove(ctx context.Context, key core.CacheKey) error {
	return d.remove(ctx, ResourceID(key))
}

func (d *DiskCache) remove(ctx context.Context, id string) error {
	if err := d.store.Delete(ctx, d.storageKey(id)); err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.remove", err)
	}
	if d.index != nil {
		if err := d.index.Delete(ctx, id); err != nil {
			return apperrors.Wrap(apperrors.CategoryCache, "disk.remove.index", err)
		}
	}
	return nil
}

// Clear deletes every indexed entry. Without an index there is nothing to
// enumerate and Clear does nothing.
func (d *DiskCache) Clear(ctx context.Context) error {
	if d.index == nil {
		return nil
	}
	entries, err := d.index.Oldest(ctx, 0)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.clear", err)
	}
	var errs []error
	for _, e := range entries {
		if err := d.remove(ctx, e.ResourceID); err != nil {
			errs = append(errs, err)
		}
	}
	return apperrors.Join(errs...)
}

// Trim removes least recently used entries until the indexed size is at most
// MaxBytes.
func (d *DiskCache) Trim(ctx context.Context) error {
	if d.index == nil || d.cfg.MaxBytes <= 0 {
		return nil
	}
	d.trimMu.Lock()
	defer d.trimMu.Unlock()

	total, err := d.index.TotalSize(ctx)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.trim", err)
	}
	if total <= d.cfg.MaxBytes {
		return nil
	}
	entries, err := d.index.Oldest(ctx, 0)
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryCache, "disk.trim", err)
	}
	for _, e := range entries {
		if total <= d.cfg.MaxBytes {
			break
		}
		if err := d.remove(ctx, e.ResourceID); err != nil {
			return err
		}
		total -= e.SizeBytes
		d.logger.Debug("disk cache evicted", "key", e.CacheKey, "bytes", e.SizeBytes)
	}
	return nil
}

// Size returns the indexed size in bytes, or 0 without an index.
func (d *DiskCache) Size(ctx context.Context) (int64, error) {
	if d.index == nil {
		return 0, nil
	}
	return d.index.TotalSize(ctx)
}

// SetClock replaces the clock used for access times.
func (d *DiskCache) SetClock(c core.Clock) { d.clock = c }

// Close releases the codec and the index.
func (d *DiskCache) Close() error {
	d.dec.Close()
	_ = d.enc.Close()
	if d.index != nil {
		return d.index.Close()
	}
	return nil
}
