package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"

	"github.com/maneesh/gridbox/internal/models"
)

// DefaultChunkSize matches the GridFS default of 255 KiB.
const DefaultChunkSize = 255 * 1024

// ErrChecksumMismatch is returned when chunk bytes read back do not hash to
// the value recorded at write time.
var ErrChecksumMismatch = errors.New("chunk checksum mismatch")

// FlushFunc receives each completed chunk in order. The Data slice is only
// valid for the duration of the call.
type FlushFunc func(chunk *models.ChunkData) error

// Writer splits a byte stream into fixed-size chunks. At most one chunk is
// held in memory at a time.
type Writer struct {
	chunkSize int64
	buf       []byte
	n         int
	total     int64
	flush     FlushFunc
	err       error
}

// NewWriter creates a chunking writer with the specified chunk size
func NewWriter(chunkSize int64, flush FlushFunc) *Writer {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{
		chunkSize: chunkSize,
		buf:       make([]byte, 0, chunkSize),
		flush:     flush,
	}
}

// Write implements io.Writer. A flush error is sticky.
func (w *Writer) Write(p []byte) (int, error) {
	if w.err != nil {
		return 0, w.err
	}
	written := 0
	for len(p) > 0 {
		room := int(w.chunkSize) - len(w.buf)
		take := len(p)
		if take > room {
			take = room
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		written += take
		if int64(len(w.buf)) == w.chunkSize {
			if err := w.emit(); err != nil {
				return written, err
			}
		}
	}
	return written, nil
}

// Close flushes the trailing partial chunk. An empty stream produces no
// chunks at all.
func (w *Writer) Close() error {
	if w.err != nil {
		return w.err
	}
	if len(w.buf) == 0 {
		return nil
	}
	return w.emit()
}

// Total returns the number of bytes accepted so far.
func (w *Writer) Total() int64 {
	return w.total
}

// Chunks returns the number of chunks flushed so far.
func (w *Writer) Chunks() int {
	return w.n
}

// ChunkSize returns the configured chunk size.
func (w *Writer) ChunkSize() int64 {
	return w.chunkSize
}

func (w *Writer) emit() error {
	chunk := &models.ChunkData{
		Data: w.buf,
		N:    w.n,
		Hash: ComputeHash(w.buf),
		Size: int64(len(w.buf)),
	}
	if err := w.flush(chunk); err != nil {
		w.err = fmt.Errorf("flush chunk %d: %w", w.n, err)
		return w.err
	}
	w.total += chunk.Size
	w.n++
	w.buf = w.buf[:0]
	return nil
}

// ComputeHash computes SHA256 hash of data
func ComputeHash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

type verifyingReader struct {
	r        io.Reader
	h        hash.Hash
	expected string
}

// NewVerifyingReader hashes r as it is read and fails with
// ErrChecksumMismatch at EOF when the digest differs from expected.
func NewVerifyingReader(r io.Reader, expected string) io.Reader {
	return &verifyingReader{r: r, h: sha256.New(), expected: expected}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.r.Read(p)
	if n > 0 {
		v.h.Write(p[:n])
	}
	if err == io.EOF && v.expected != "" {
		if hex.EncodeToString(v.h.Sum(nil)) != v.expected {
			return n, ErrChecksumMismatch
		}
	}
	return n, err
}
