package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/models"
)

// MemoryStore is an in-process Backend and PendingSet used for local
// development and tests. It stores real chunk records and serves reads
// through the same chunk reader as ChunkStore.
type MemoryStore struct {
	mu        sync.RWMutex
	chunkSize int64
	files     map[string]*models.File
	chunks    map[string][]*memChunk
	pending   map[string]struct{}
}

type memChunk struct {
	models.Chunk
	data []byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(chunkSize int64) *MemoryStore {
	if chunkSize <= 0 {
		chunkSize = chunker.DefaultChunkSize
	}
	return &MemoryStore{
		chunkSize: chunkSize,
		files:     make(map[string]*models.File),
		chunks:    make(map[string][]*memChunk),
		pending:   make(map[string]struct{}),
	}
}

func (m *MemoryStore) FindMetadata(ctx context.Context, sel models.Selector) ([]*models.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.File
	for _, f := range m.files {
		if sel.Matches(f) {
			cp := *f
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Filename != out[j].Filename {
			return out[i].Filename < out[j].Filename
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) FindOneMetadata(ctx context.Context, sel models.Selector) (*models.File, error) {
	files, err := m.FindMetadata(ctx, sel)
	if err != nil || len(files) == 0 {
		return nil, err
	}
	return files[0], nil
}

func (m *MemoryStore) ListContainers(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{})
	var names []string
	for _, f := range m.files {
		c := f.Metadata.Container
		if c == "" {
			continue
		}
		if _, ok := seen[c]; !ok {
			seen[c] = struct{}{}
			names = append(names, c)
		}
	}
	return names, nil
}

func (m *MemoryStore) DeleteManyChunks(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.chunks, id)
	}
	return nil
}

func (m *MemoryStore) DeleteManyMetadata(ctx context.Context, ids []string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.files, id)
	}
	return nil
}

// ChunkCount returns the number of chunk records held for a file id.
func (m *MemoryStore) ChunkCount(id string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[id])
}

func (m *MemoryStore) OpenWriteStream(ctx context.Context, id string, meta models.Metadata) (WriteStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ws := &memWriteStream{store: m, id: id, meta: meta}
	ws.w = chunker.NewWriter(m.chunkSize, ws.flush)
	return ws, nil
}

func (m *MemoryStore) OpenReadStream(ctx context.Context, file *models.File, rng *ByteRange) (io.ReadCloser, error) {
	start, length, err := checkRange(file, rng)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	stored := m.chunks[file.ID]
	chunks := make([]*models.Chunk, len(stored))
	data := make(map[int][]byte, len(stored))
	for i, c := range stored {
		cp := c.Chunk
		chunks[i] = &cp
		data[c.N] = c.data
	}
	m.mu.RUnlock()

	open := func(_ context.Context, chunk *models.Chunk, offset, n int64) (io.ReadCloser, error) {
		payload, ok := data[chunk.N]
		if !ok || offset+n > int64(len(payload)) {
			return nil, fmt.Errorf("chunk %d of %s: %w", chunk.N, file.ID, io.ErrUnexpectedEOF)
		}
		return io.NopCloser(bytes.NewReader(payload[offset : offset+n])), nil
	}
	return newChunkReader(ctx, chunks, open, start, length), nil
}

func (m *MemoryStore) MarkPending(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		m.pending[id] = struct{}{}
	}
	return nil
}

func (m *MemoryStore) ClearPending(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.pending, id)
	}
	return nil
}

func (m *MemoryStore) Pending(ctx context.Context, ids []string) (map[string]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool)
	for _, id := range ids {
		if _, ok := m.pending[id]; ok {
			out[id] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) Members(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

type memWriteStream struct {
	store  *MemoryStore
	id     string
	meta   models.Metadata
	w      *chunker.Writer
	staged []*memChunk
	done   bool
}

func (ws *memWriteStream) Write(p []byte) (int, error) {
	if ws.done {
		return 0, fmt.Errorf("write to finished stream %s", ws.id)
	}
	return ws.w.Write(p)
}

func (ws *memWriteStream) flush(data *models.ChunkData) error {
	ws.staged = append(ws.staged, &memChunk{
		Chunk: models.Chunk{
			ID:        uuid.New().String(),
			FileID:    ws.id,
			N:         data.N,
			Hash:      data.Hash,
			ObjectKey: chunkObjectKey(ws.id, data.N),
			Size:      data.Size,
		},
		data: append([]byte(nil), data.Data...),
	})
	return nil
}

func (ws *memWriteStream) Commit(ctx context.Context) (*models.File, error) {
	if ws.done {
		return nil, fmt.Errorf("commit of finished stream %s", ws.id)
	}
	ws.done = true
	if err := ws.w.Close(); err != nil {
		return nil, err
	}
	if got := len(ws.staged); got != ws.w.Chunks() {
		return nil, fmt.Errorf("file %s: staged %d of %d chunks", ws.id, got, ws.w.Chunks())
	}
	file := &models.File{
		ID:         ws.id,
		Filename:   ws.meta.Filename,
		Length:     ws.w.Total(),
		ChunkSize:  ws.w.ChunkSize(),
		UploadDate: time.Now().UTC(),
		Metadata:   ws.meta,
	}

	ws.store.mu.Lock()
	defer ws.store.mu.Unlock()
	if _, exists := ws.store.files[ws.id]; exists {
		return nil, fmt.Errorf("duplicate file id %s", ws.id)
	}
	ws.store.chunks[ws.id] = ws.staged
	stored := *file
	ws.store.files[ws.id] = &stored
	return file, nil
}

func (ws *memWriteStream) Abort(ctx context.Context) error {
	ws.done = true
	ws.staged = nil
	return nil
}
