package utils

import (
	"context"
	"io"
)

// DefaultChunkSize is the read size used when callers do not supply one.
const DefaultChunkSize = 16 * 1024

// ReadChunks reads r in chunks of chunkSize and hands every non-empty chunk to
// fn. It stops at EOF, on the first read or callback error, or when ctx is done.
// The slice passed to fn is reused between calls.
func ReadChunks(ctx context.Context, r io.Reader, chunk []byte, fn func([]byte) error) error {
	if len(chunk) == 0 {
		chunk = make([]byte, DefaultChunkSize)
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if cbErr := fn(chunk[:n]); cbErr != nil {
				return cbErr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
