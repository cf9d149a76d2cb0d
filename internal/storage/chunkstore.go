package storage

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ChunkStore is the production Backend: metadata and chunk index rows in
// TiDB, chunk payloads in MinIO.
type ChunkStore struct {
	tidb      *TiDBClient
	minio     *MinioClient
	chunkSize int64
	log       *zap.Logger
}

// NewChunkStore wires the metadata database and the object store together.
func NewChunkStore(tidb *TiDBClient, minio *MinioClient, chunkSize int64, log *zap.Logger) *ChunkStore {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	return &ChunkStore{tidb: tidb, minio: minio, chunkSize: chunkSize, log: log}
}

func (s *ChunkStore) FindMetadata(ctx context.Context, sel models.Selector) ([]*models.File, error) {
	return s.tidb.FindFiles(ctx, sel, 0)
}

func (s *ChunkStore) FindOneMetadata(ctx context.Context, sel models.Selector) (*models.File, error) {
	files, err := s.tidb.FindFiles(ctx, sel, 1)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return files[0], nil
}

func (s *ChunkStore) ListContainers(ctx context.Context) ([]string, error) {
	return s.tidb.Containers(ctx)
}

// DeleteManyChunks removes chunk objects before their index rows: an index
// row without an object is detectable, an object without a row is not.
func (s *ChunkStore) DeleteManyChunks(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "chunkstore.delete_chunks",
		trace.WithAttributes(attribute.Int("file_count", len(ids))),
	)
	defer span.End()

	keys, err := s.tidb.ChunkObjectKeys(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.minio.DeleteChunks(ctx, keys); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.tidb.DeleteChunks(ctx, ids); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

func (s *ChunkStore) DeleteManyMetadata(ctx context.Context, ids []string) error {
	return s.tidb.DeleteFiles(ctx, ids)
}

func (s *ChunkStore) OpenWriteStream(ctx context.Context, id string, meta models.Metadata) (WriteStream, error) {
	ws := &chunkWriteStream{store: s, ctx: ctx, id: id, meta: meta}
	ws.w = chunker.NewWriter(s.chunkSize, ws.flush)
	return ws, nil
}

func (s *ChunkStore) OpenReadStream(ctx context.Context, file *models.File, rng *ByteRange) (io.ReadCloser, error) {
	start, length, err := checkRange(file, rng)
	if err != nil {
		return nil, err
	}
	chunks, err := s.tidb.GetChunks(ctx, file.ID)
	if err != nil {
		return nil, err
	}
	open := func(ctx context.Context, chunk *models.Chunk, offset, n int64) (io.ReadCloser, error) {
		return s.minio.OpenChunk(ctx, chunk.ObjectKey, offset, n, chunk.Size)
	}
	return newChunkReader(ctx, chunks, open, start, length), nil
}

type chunkWriteStream struct {
	store  *ChunkStore
	ctx    context.Context
	id     string
	meta   models.Metadata
	w      *chunker.Writer
	chunks []*models.Chunk
	done   bool
}

func (ws *chunkWriteStream) Write(p []byte) (int, error) {
	if ws.done {
		return 0, fmt.Errorf("write to finished stream %s", ws.id)
	}
	return ws.w.Write(p)
}

func (ws *chunkWriteStream) flush(data *models.ChunkData) error {
	key := chunkObjectKey(ws.id, data.N)
	if err := ws.store.minio.UploadChunk(ws.ctx, key, data.Data); err != nil {
		return err
	}
	ws.chunks = append(ws.chunks, &models.Chunk{
		ID:        uuid.New().String(),
		FileID:    ws.id,
		N:         data.N,
		Hash:      data.Hash,
		ObjectKey: key,
		Size:      data.Size,
	})
	return nil
}

func (ws *chunkWriteStream) Commit(ctx context.Context) (*models.File, error) {
	if ws.done {
		return nil, fmt.Errorf("commit of finished stream %s", ws.id)
	}
	if err := ws.w.Close(); err != nil {
		ws.abort(ctx)
		return nil, err
	}
	if got := len(ws.chunks); got != ws.w.Chunks() {
		ws.abort(ctx)
		return nil, fmt.Errorf("file %s: recorded %d of %d chunks", ws.id, got, ws.w.Chunks())
	}
	file := &models.File{
		ID:         ws.id,
		Filename:   ws.meta.Filename,
		Length:     ws.w.Total(),
		ChunkSize:  ws.w.ChunkSize(),
		UploadDate: time.Now().UTC(),
		Metadata:   ws.meta,
	}
	if err := ws.store.tidb.CreateFile(ctx, file, ws.chunks); err != nil {
		ws.abort(ctx)
		return nil, err
	}
	ws.done = true
	ws.store.log.Debug("file committed",
		zap.String("file_id", ws.id),
		zap.Int("chunks", ws.w.Chunks()),
		zap.Int64("length", file.Length))
	return file, nil
}

func (ws *chunkWriteStream) Abort(ctx context.Context) error {
	if ws.done {
		return nil
	}
	return ws.abort(ctx)
}

func (ws *chunkWriteStream) abort(ctx context.Context) error {
	ws.done = true
	keys := make([]string, len(ws.chunks))
	for i, c := range ws.chunks {
		keys[i] = c.ObjectKey
	}
	// The request context may already be cancelled; cleanup gets its own.
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if err := ws.store.minio.DeleteChunks(cleanupCtx, keys); err != nil {
		ws.store.log.Warn("orphaned chunk objects after aborted upload",
			zap.String("file_id", ws.id), zap.Int("chunks", len(keys)), zap.Error(err))
		return err
	}
	return nil
}
