package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/maneesh/gridbox/internal/chunker"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, store *MemoryStore, id, container, name string, payload []byte) *models.File {
	t.Helper()
	ctx := context.Background()
	ws, err := store.OpenWriteStream(ctx, id, models.Metadata{Container: container, Filename: name, Mimetype: "text/plain"})
	require.NoError(t, err)
	_, err = io.Copy(ws, bytes.NewReader(payload))
	require.NoError(t, err)
	file, err := ws.Commit(ctx)
	require.NoError(t, err)
	return file
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore(16)
	payload := bytes.Repeat([]byte("abcdefghij"), 10)

	file := writeFile(t, store, "f1", "docs", "a.txt", payload)
	assert.Equal(t, int64(len(payload)), file.Length)
	assert.Equal(t, int64(16), file.ChunkSize)
	assert.Equal(t, 7, store.ChunkCount("f1"))

	rc, err := store.OpenReadStream(context.Background(), file, nil)
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestMemoryStoreRanges(t *testing.T) {
	store := NewMemoryStore(16)
	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	file := writeFile(t, store, "f1", "docs", "bin", payload)

	ranges := []ByteRange{
		{Start: 0, End: 0},
		{Start: 10, End: 19},
		{Start: 15, End: 16},
		{Start: 16, End: 31},
		{Start: 0, End: 99},
		{Start: 99, End: 99},
		{Start: 33, End: 80},
	}
	for _, rng := range ranges {
		rng := rng
		rc, err := store.OpenReadStream(context.Background(), file, &rng)
		require.NoError(t, err)
		got, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, payload[rng.Start:rng.End+1], got, "range %d-%d", rng.Start, rng.End)
		assert.Equal(t, rng.Len(), int64(len(got)))
		rc.Close()
	}
}

func TestMemoryStoreInvalidRange(t *testing.T) {
	store := NewMemoryStore(16)
	file := writeFile(t, store, "f1", "docs", "bin", make([]byte, 10))

	for _, rng := range []ByteRange{{Start: 5, End: 10}, {Start: 6, End: 5}, {Start: -1, End: 3}} {
		rng := rng
		_, err := store.OpenReadStream(context.Background(), file, &rng)
		assert.ErrorIs(t, err, ErrInvalidRange)
	}
}

func TestMemoryStoreUncommittedIsInvisible(t *testing.T) {
	store := NewMemoryStore(4)
	ctx := context.Background()

	ws, err := store.OpenWriteStream(ctx, "f1", models.Metadata{Container: "docs", Filename: "a"})
	require.NoError(t, err)
	_, err = ws.Write([]byte("partial content"))
	require.NoError(t, err)

	files, err := store.FindMetadata(ctx, models.Selector{Container: "docs"})
	require.NoError(t, err)
	assert.Empty(t, files)

	require.NoError(t, ws.Abort(ctx))
	files, err = store.FindMetadata(ctx, models.Selector{})
	require.NoError(t, err)
	assert.Empty(t, files)
	assert.Equal(t, 0, store.ChunkCount("f1"))
}

func TestMemoryStoreEmptyFile(t *testing.T) {
	store := NewMemoryStore(4)
	file := writeFile(t, store, "f1", "docs", "empty", nil)
	assert.Equal(t, int64(0), file.Length)

	rc, err := store.OpenReadStream(context.Background(), file, nil)
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryStorePendingSet(t *testing.T) {
	store := NewMemoryStore(4)
	ctx := context.Background()

	require.NoError(t, store.MarkPending(ctx, []string{"a", "b"}))
	pending, err := store.Pending(ctx, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true}, pending)

	require.NoError(t, store.ClearPending(ctx, []string{"a"}))
	pending, err = store.Pending(ctx, []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"b": true}, pending)

	require.NoError(t, store.MarkPending(ctx, []string{"c"}))
	members, err := store.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, members)
}

func TestMemoryStoreListContainersDistinct(t *testing.T) {
	store := NewMemoryStore(4)
	for i := 0; i < 50; i++ {
		writeFile(t, store, string(rune('A'+i%26))+string(rune('a'+i/26)), "shared", "f", []byte("x"))
	}
	writeFile(t, store, "other", "second", "f", []byte("x"))

	names, err := store.ListContainers(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"shared", "second"}, names)
}

func TestChunkReaderDetectsCorruption(t *testing.T) {
	data := []byte("0123456789")
	chunks := []*models.Chunk{{N: 0, Size: 10, Hash: chunker.ComputeHash([]byte("something else"))}}
	open := func(context.Context, *models.Chunk, int64, int64) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	_, err := io.ReadAll(newChunkReader(context.Background(), chunks, open, 0, 10))
	assert.ErrorIs(t, err, chunker.ErrChecksumMismatch)
}

func TestChunkReaderShortChunk(t *testing.T) {
	chunks := []*models.Chunk{{N: 0, Size: 10}}
	open := func(context.Context, *models.Chunk, int64, int64) (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader([]byte("short"))), nil
	}

	_, err := io.ReadAll(newChunkReader(context.Background(), chunks, open, 0, 10))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestChunkReaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	opened := 0
	chunks := []*models.Chunk{
		{N: 0, Size: 4, Hash: chunker.ComputeHash([]byte("abcd"))},
		{N: 1, Size: 4, Hash: chunker.ComputeHash([]byte("efgh"))},
	}
	payloads := [][]byte{[]byte("abcd"), []byte("efgh")}
	open := func(_ context.Context, c *models.Chunk, _, _ int64) (io.ReadCloser, error) {
		opened++
		return io.NopCloser(bytes.NewReader(payloads[c.N])), nil
	}

	r := newChunkReader(ctx, chunks, open, 0, 8)
	buf := make([]byte, 4)
	_, err := io.ReadFull(r, buf)
	require.NoError(t, err)
	cancel()

	_, err = io.ReadAll(r)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, opened)
	assert.NoError(t, r.Close())
}

func TestMemoryStoreOrdersByFilenameBytes(t *testing.T) {
	store := NewMemoryStore(16)
	for i, name := range []string{"b.txt", "B.txt", "a.txt", "é.txt", "A.txt"} {
		writeFile(t, store, string(rune('1'+i)), "docs", name, []byte("x"))
	}

	files, err := store.FindMetadata(context.Background(), models.Selector{Container: "docs"})
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.Filename)
	}
	assert.Equal(t, []string{"A.txt", "B.txt", "a.txt", "b.txt", "é.txt"}, names)
}
