package storage

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("gridbox-storage")

// ErrInvalidRange is returned by OpenReadStream when the requested range does
// not lie within the file.
var ErrInvalidRange = errors.New("range not satisfiable")

// ByteRange is an inclusive [Start, End] byte range.
type ByteRange struct {
	Start int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r ByteRange) Len() int64 {
	return r.End - r.Start + 1
}

// Backend is the chunk store adapter: metadata records plus ordered binary
// chunks keyed by the owning file id.
type Backend interface {
	// FindMetadata returns every record matching sel, sorted by filename.
	FindMetadata(ctx context.Context, sel models.Selector) ([]*models.File, error)
	// FindOneMetadata returns the first record matching sel, or nil when none does.
	FindOneMetadata(ctx context.Context, sel models.Selector) (*models.File, error)
	// ListContainers returns the distinct container names in use.
	ListContainers(ctx context.Context) ([]string, error)
	// DeleteManyChunks removes every chunk whose file id is in ids.
	DeleteManyChunks(ctx context.Context, ids []string) error
	// DeleteManyMetadata removes the metadata records with the given ids.
	DeleteManyMetadata(ctx context.Context, ids []string) error
	// OpenWriteStream starts writing a new file. Nothing becomes visible
	// through the Find methods until Commit succeeds.
	OpenWriteStream(ctx context.Context, id string, meta models.Metadata) (WriteStream, error)
	// OpenReadStream streams the content of file, or only rng when non-nil.
	OpenReadStream(ctx context.Context, file *models.File, rng *ByteRange) (io.ReadCloser, error)
}

// WriteStream receives file content and finalizes it atomically.
type WriteStream interface {
	io.Writer
	// Commit flushes the trailing chunk and publishes the metadata record.
	Commit(ctx context.Context) (*models.File, error)
	// Abort discards everything written so far.
	Abort(ctx context.Context) error
}

// PendingSet records files whose deletion has started but not completed.
type PendingSet interface {
	MarkPending(ctx context.Context, ids []string) error
	ClearPending(ctx context.Context, ids []string) error
	// Pending reports which of ids are currently marked.
	Pending(ctx context.Context, ids []string) (map[string]bool, error)
	// Members returns every marked id.
	Members(ctx context.Context) ([]string, error)
}

func checkRange(file *models.File, rng *ByteRange) (start, length int64, err error) {
	if rng == nil {
		return 0, file.Length, nil
	}
	if rng.Start < 0 || rng.End < rng.Start || rng.End >= file.Length {
		return 0, 0, fmt.Errorf("%w: bytes %d-%d/%d", ErrInvalidRange, rng.Start, rng.End, file.Length)
	}
	return rng.Start, rng.Len(), nil
}
