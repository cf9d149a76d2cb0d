package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/models"
)

// openChunkFunc opens length bytes of chunk starting at offset. The returned
// reader must yield exactly length bytes and then io.EOF.
type openChunkFunc func(ctx context.Context, chunk *models.Chunk, offset, length int64) (io.ReadCloser, error)

var errStreamClosed = errors.New("read stream closed")

// chunkReader pulls chunks one at a time in sequence order. The next chunk
// is only opened once the consumer has drained the current one.
type chunkReader struct {
	ctx       context.Context
	chunks    []*models.Chunk
	open      openChunkFunc
	idx       int
	skip      int64
	remaining int64

	cur     io.ReadCloser
	curWant int64
	curRead int64
	err     error
}

func newChunkReader(ctx context.Context, chunks []*models.Chunk, open openChunkFunc, start, length int64) *chunkReader {
	r := &chunkReader{
		ctx:       ctx,
		chunks:    chunks,
		open:      open,
		remaining: length,
	}
	var pos int64
	for r.idx < len(chunks) && pos+chunks[r.idx].Size <= start {
		pos += chunks[r.idx].Size
		r.idx++
	}
	r.skip = start - pos
	return r
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	for {
		if r.cur == nil {
			if r.remaining == 0 {
				return 0, io.EOF
			}
			if err := r.next(); err != nil {
				r.err = err
				return 0, err
			}
		}
		if len(p) == 0 {
			return 0, nil
		}

		n, err := r.cur.Read(p)
		r.curRead += int64(n)
		r.remaining -= int64(n)
		if r.curRead > r.curWant {
			r.err = fmt.Errorf("chunk %d: object longer than recorded size", r.idx-1)
			return n, r.err
		}
		if err == io.EOF {
			closeErr := r.cur.Close()
			r.cur = nil
			if r.curRead != r.curWant {
				r.err = fmt.Errorf("chunk %d: %w", r.idx-1, io.ErrUnexpectedEOF)
				return n, r.err
			}
			if closeErr != nil {
				r.err = closeErr
				return n, r.err
			}
			if n > 0 {
				return n, nil
			}
			continue
		}
		if err != nil {
			r.err = err
		}
		return n, err
	}
}

func (r *chunkReader) next() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}
	if r.idx >= len(r.chunks) {
		return fmt.Errorf("missing chunk %d: %w", r.idx, io.ErrUnexpectedEOF)
	}
	chunk := r.chunks[r.idx]
	if chunk.N != r.idx {
		return fmt.Errorf("chunk sequence gap: want n=%d, found n=%d", r.idx, chunk.N)
	}
	want := chunk.Size - r.skip
	if want > r.remaining {
		want = r.remaining
	}
	rc, err := r.open(r.ctx, chunk, r.skip, want)
	if err != nil {
		return fmt.Errorf("open chunk %d: %w", chunk.N, err)
	}
	if r.skip == 0 && want == chunk.Size {
		rc = &verifiedChunk{Reader: chunker.NewVerifyingReader(rc, chunk.Hash), closer: rc}
	}
	r.cur = rc
	r.curWant = want
	r.curRead = 0
	r.skip = 0
	r.idx++
	return nil
}

// Close releases the chunk currently open, if any.
func (r *chunkReader) Close() error {
	var err error
	if r.cur != nil {
		err = r.cur.Close()
		r.cur = nil
	}
	if r.err == nil {
		r.err = errStreamClosed
	}
	return err
}

type verifiedChunk struct {
	io.Reader
	closer io.Closer
}

func (v *verifiedChunk) Close() error {
	return v.closer.Close()
}
