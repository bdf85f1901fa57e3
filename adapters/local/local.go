// Package local provides the non-network sources of encoded images: files,
// embedded assets, content providers and data: URIs.
package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path"
	"strings"

	"github.com/Skryldev/image-pipeline/core"
	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// ── File ──────────────────────────────────────────────────────────────────────

// File reads file:// URIs and plain paths from the local filesystem.
type File struct{}

var _ pipeline.LocalSource = File{}

func (File) Open(ctx context.Context, uri *url.URL) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "file.open", err)
	}
	f, err := os.Open(uri.Path)
	if err != nil {
		return nil, notFound("file.open", err)
	}
	return f, nil
}

func (File) Length(uri *url.URL) int64 {
	fi, err := os.Stat(uri.Path)
	if err != nil || !fi.Mode().IsRegular() {
		return -1
	}
	return fi.Size()
}

// ── Asset ─────────────────────────────────────────────────────────────────────

// Asset reads asset:///path URIs from a filesystem bundled with the program,
// typically an embed.FS.
type Asset struct {
	FS fs.FS
}

var _ pipeline.LocalSource = (*Asset)(nil)

func assetPath(uri *url.URL) string {
	return strings.TrimPrefix(path.Clean("/"+uri.Host+uri.Path), "/")
}

func (a *Asset) Open(ctx context.Context, uri *url.URL) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "asset.open", err)
	}
	f, err := a.FS.Open(assetPath(uri))
	if err != nil {
		return nil, notFound("asset.open", err)
	}
	return f, nil
}

func (a *Asset) Length(uri *url.URL) int64 {
	fi, err := fs.Stat(a.FS, assetPath(uri))
	if err != nil || fi.IsDir() {
		return -1
	}
	return fi.Size()
}

// ── Content ───────────────────────────────────────────────────────────────────

// Content resolves content://authority/path URIs against the storage adapter
// registered for the authority.
type Content struct {
	Providers map[string]core.StorageAdapter
}

var _ pipeline.LocalSource = (*Content)(nil)

func (c *Content) Open(ctx context.Context, uri *url.URL) (io.ReadCloser, error) {
	provider, ok := c.Providers[uri.Host]
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, "content.open", errors.New("no provider for authority "+uri.Host))
	}
	rc, err := provider.Get(ctx, core.StorageKey{Bucket: uri.Host, Path: strings.TrimPrefix(uri.Path, "/")})
	if err != nil {
		return nil, notFound("content.open", err)
	}
	return rc, nil
}

// Length is unknown for content URIs.
func (c *Content) Length(*url.URL) int64 { return -1 }

// ── helpers ───────────────────────────────────────────────────────────────────

func notFound(op string, err error) error {
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, apperrors.ErrNotFound) {
		return apperrors.New(apperrors.CategoryInput, op, errors.Join(apperrors.ErrNotFound, err))
	}
	return apperrors.Wrap(apperrors.CategoryStorage, op, err)
}

// Sources returns the local sources keyed by URI scheme, ready for
// pipeline.SequenceConfig.LocalSources. A nil assets or empty providers map
// leaves the scheme unsupported.
func Sources(assets fs.FS, providers map[string]core.StorageAdapter) map[string]pipeline.LocalSource {
	sources := map[string]pipeline.LocalSource{
		"file": File{},
		"data": Data{},
	}
	if assets != nil {
		sources["asset"] = &Asset{FS: assets}
	}
	if len(providers) > 0 {
		sources["content"] = &Content{Providers: providers}
	}
	return sources
}
