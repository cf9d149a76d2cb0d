package filestore

import (
	"context"
	"io"

	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
)

// flakyBackend wraps the memory store and fails chosen operations.
type flakyBackend struct {
	*storage.MemoryStore
	chunksErr   error
	metadataErr error

	// failReadAt makes the n-th OpenReadStream call (1-based) return readErr.
	failReadAt int
	readErr    error
	reads      int

	writeErr  error
	commitErr error
}

func (b *flakyBackend) DeleteManyChunks(ctx context.Context, ids []string) error {
	if b.chunksErr != nil {
		return b.chunksErr
	}
	return b.MemoryStore.DeleteManyChunks(ctx, ids)
}

func (b *flakyBackend) DeleteManyMetadata(ctx context.Context, ids []string) error {
	if b.metadataErr != nil {
		return b.metadataErr
	}
	return b.MemoryStore.DeleteManyMetadata(ctx, ids)
}

func (b *flakyBackend) OpenReadStream(ctx context.Context, file *models.File, rng *storage.ByteRange) (io.ReadCloser, error) {
	b.reads++
	if b.failReadAt > 0 && b.reads == b.failReadAt {
		return nil, b.readErr
	}
	return b.MemoryStore.OpenReadStream(ctx, file, rng)
}

func (b *flakyBackend) OpenWriteStream(ctx context.Context, id string, meta models.Metadata) (storage.WriteStream, error) {
	ws, err := b.MemoryStore.OpenWriteStream(ctx, id, meta)
	if err != nil {
		return nil, err
	}
	return &flakyWriteStream{WriteStream: ws, writeErr: b.writeErr, commitErr: b.commitErr}, nil
}

type flakyWriteStream struct {
	storage.WriteStream
	writeErr  error
	commitErr error
}

func (ws *flakyWriteStream) Write(p []byte) (int, error) {
	if ws.writeErr != nil {
		return 0, ws.writeErr
	}
	return ws.WriteStream.Write(p)
}

func (ws *flakyWriteStream) Commit(ctx context.Context) (*models.File, error) {
	if ws.commitErr != nil {
		ws.WriteStream.Abort(ctx)
		return nil, ws.commitErr
	}
	return ws.WriteStream.Commit(ctx)
}
