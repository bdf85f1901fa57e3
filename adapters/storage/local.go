// Package storage provides the byte stores behind the disk cache.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
)

// Local stores objects as files under a root directory. Writes go to a
// temporary file that is renamed into place, so readers never observe a
// partially written object.
type Local struct {
	rootDir     string
	permissions os.FileMode
}

var _ core.StorageAdapter = (*Local)(nil)

// NewLocal creates a Local storage adapter rooted at dir.
func NewLocal(dir string, perm os.FileMode) (*Local, error) {
	if perm == 0 {
		perm = 0o644
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("local storage: mkdir %s: %w", dir, err)
	}
	return &Local{rootDir: dir, permissions: perm}, nil
}

// Root returns the directory objects are stored under.
func (l *Local) Root() string { return l.rootDir }

func (l *Local) absPath(key core.StorageKey) (string, error) {
	// Bucket maps to a subdirectory; Path is the file name below it.
	p := filepath.Join(l.rootDir, filepath.Clean("/"+key.Bucket), filepath.Clean("/"+key.Path))
	if !strings.HasPrefix(p, filepath.Clean(l.rootDir)+string(os.PathSeparator)) {
		return "", apperrors.New(apperrors.CategoryInput, "local.path", fmt.Errorf("key escapes root: %v", key))
	}
	return p, nil
}

func (l *Local) Put(ctx context.Context, key core.StorageKey, r io.Reader, meta map[string]string) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put", err)
	}
	path, err := l.absPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.mkdir", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.create", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := io.Copy(tmp, r); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.copy", err)
	}
	if err := tmp.Chmod(l.permissions); err != nil {
		tmp.Close()
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.close", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.put.rename", err)
	}

	// Metadata lives in a side-car JSON file.
	if len(meta) > 0 {
		if b, err := json.Marshal(meta); err == nil {
			_ = os.WriteFile(path+".meta.json", b, l.permissions)
		}
	}
	return nil
}

func (l *Local) Get(ctx context.Context, key core.StorageKey) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.get", err)
	}
	path, err := l.absPath(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, apperrors.New(apperrors.CategoryStorage, "local.get", apperrors.ErrNotFound)
		}
		return nil, apperrors.Wrap(apperrors.CategoryStorage, "local.get.open", err)
	}
	return f, nil
}

// Metadata returns the side-car metadata stored with key, or nil.
func (l *Local) Metadata(key core.StorageKey) map[string]string {
	path, err := l.absPath(key)
	if err != nil {
		return nil
	}
	b, err := os.ReadFile(path + ".meta.json")
	if err != nil {
		return nil
	}
	var meta map[string]string
	if json.Unmarshal(b, &meta) != nil {
		return nil
	}
	return meta
}

func (l *Local) Delete(ctx context.Context, key core.StorageKey) error {
	if err := ctx.Err(); err != nil {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	path, err := l.absPath(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return apperrors.Wrap(apperrors.CategoryStorage, "local.delete", err)
	}
	_ = os.Remove(path + ".meta.json")
	return nil
}

func (l *Local) Exists(ctx context.Context, key core.StorageKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists", err)
	}
	path, err := l.absPath(key)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, apperrors.Wrap(apperrors.CategoryStorage, "local.exists.stat", err)
}
