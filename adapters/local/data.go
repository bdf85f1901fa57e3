package local

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/url"
	"strings"

	apperrors "github.com/Skryldev/image-pipeline/errors"
	"github.com/Skryldev/image-pipeline/pipeline"
)

// Data decodes RFC 2397 data: URIs. The payload is decoded on every call;
// data URIs are expected to be small.
type Data struct{}

var _ pipeline.LocalSource = Data{}

func (Data) Open(ctx context.Context, uri *url.URL) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.CategoryCancellation, "data.open", err)
	}
	payload, err := DecodeDataURI(uri)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(payload)), nil
}

func (Data) Length(uri *url.URL) int64 {
	payload, err := DecodeDataURI(uri)
	if err != nil {
		return -1
	}
	return int64(len(payload))
}

// DecodeDataURI returns the payload of a data: URI.
func DecodeDataURI(uri *url.URL) ([]byte, error) {
	raw := uri.Opaque
	if raw == "" {
		raw = strings.TrimPrefix(uri.String(), "data:")
	}
	header, payload, ok := strings.Cut(raw, ",")
	if !ok {
		return nil, apperrors.New(apperrors.CategoryInput, "data.decode", fmt.Errorf("data uri has no payload"))
	}
	if strings.HasSuffix(header, ";base64") {
		payload = strings.TrimRight(payload, "=")
		b, err := base64.RawStdEncoding.DecodeString(payload)
		if err != nil {
			b, err = base64.RawURLEncoding.DecodeString(payload)
		}
		if err != nil {
			return nil, apperrors.New(apperrors.CategoryInput, "data.decode", err)
		}
		return b, nil
	}
	s, err := url.PathUnescape(payload)
	if err != nil {
		return nil, apperrors.New(apperrors.CategoryInput, "data.decode", err)
	}
	return []byte(s), nil
}
