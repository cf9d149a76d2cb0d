package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS files (
		id          CHAR(36)      NOT NULL PRIMARY KEY,
		filename    VARCHAR(1024) COLLATE utf8mb4_bin NOT NULL,
		length      BIGINT        NOT NULL,
		chunk_size  BIGINT        NOT NULL,
		upload_date DATETIME(6)   NOT NULL,
		container   VARCHAR(255)  COLLATE utf8mb4_bin NOT NULL,
		mimetype    VARCHAR(255)  COLLATE utf8mb4_bin NOT NULL DEFAULT '',
		file_type   VARCHAR(255)  COLLATE utf8mb4_bin NOT NULL DEFAULT '',
		metadata    JSON          NULL,
		KEY idx_files_container_filename (container, filename(191)),
		KEY idx_files_container_type (container, file_type)
	)`,
	`CREATE TABLE IF NOT EXISTS chunks (
		id         CHAR(36)     NOT NULL PRIMARY KEY,
		files_id   CHAR(36)     NOT NULL,
		n          INT          NOT NULL,
		hash       CHAR(64)     NOT NULL,
		object_key VARCHAR(512) NOT NULL,
		size       BIGINT       NOT NULL,
		UNIQUE KEY uniq_chunks_file_n (files_id, n)
	)`,
}

const fileColumns = `id, filename, length, chunk_size, upload_date, container, mimetype, metadata`

// TiDBClient holds the two record classes: file metadata rows and the chunk
// index rows that point at chunk objects.
type TiDBClient struct {
	db *sql.DB
}

// NewTiDBClient initializes a new TiDB client
func NewTiDBClient(ctx context.Context, dsn string) (*TiDBClient, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &TiDBClient{db: db}, nil
}

// Close closes the database connection
func (tc *TiDBClient) Close() error {
	return tc.db.Close()
}

// EnsureSchema creates the tables when they do not exist yet.
func (tc *TiDBClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := tc.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// CreateFile inserts the chunk index rows and then the file row in one
// transaction, so the file becomes visible only with all its chunks.
func (tc *TiDBClient) CreateFile(ctx context.Context, file *models.File, chunks []*models.Chunk) error {
	ctx, span := tracer.Start(ctx, "tidb.create_file",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("file_name", file.Filename),
			attribute.Int64("file_size", file.Length),
			attribute.Int("chunk_count", len(chunks)),
		),
	)
	defer span.End()

	extra, err := encodeExtra(file.Metadata.Extra)
	if err != nil {
		span.RecordError(err)
		return err
	}

	tx, err := tc.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, chunk := range chunks {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (id, files_id, n, hash, object_key, size) VALUES (?, ?, ?, ?, ?, ?)`,
			chunk.ID, chunk.FileID, chunk.N, chunk.Hash, chunk.ObjectKey, chunk.Size)
		if err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to insert chunk %d: %w", chunk.N, err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO files (`+fileColumns+`, file_type) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		file.ID, file.Filename, file.Length, file.ChunkSize, file.UploadDate,
		file.Metadata.Container, file.Metadata.Mimetype, extra, file.Metadata.Type())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to insert file: %w", err)
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit file: %w", err)
	}
	return nil
}

// FindFiles returns file rows matching sel ordered by filename. A positive
// limit caps the number of rows.
func (tc *TiDBClient) FindFiles(ctx context.Context, sel models.Selector, limit int) ([]*models.File, error) {
	ctx, span := tracer.Start(ctx, "tidb.find_files",
		trace.WithAttributes(
			attribute.String("container", sel.Container),
			attribute.Int("id_count", len(sel.IDs)),
		),
	)
	defer span.End()

	where, args, err := buildWhere(sel)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	query := selectFiles(where, limit)

	rows, err := tc.db.QueryContext(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var files []*models.File
	for rows.Next() {
		file, err := scanFile(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		files = append(files, file)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating files: %w", err)
	}

	span.SetAttributes(attribute.Int("result_count", len(files)))
	return files, nil
}

// Containers returns the distinct container names.
func (tc *TiDBClient) Containers(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.containers")
	defer span.End()

	rows, err := tc.db.QueryContext(ctx, `SELECT DISTINCT container FROM files WHERE container <> ''`)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query containers: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan container: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating containers: %w", err)
	}
	return names, nil
}

// GetChunks retrieves all chunks for a file ordered by n with tracing
func (tc *TiDBClient) GetChunks(ctx context.Context, fileID string) ([]*models.Chunk, error) {
	ctx, span := tracer.Start(ctx, "tidb.get_chunks",
		trace.WithAttributes(
			attribute.String("file_id", fileID),
		),
	)
	defer span.End()

	rows, err := tc.db.QueryContext(ctx,
		`SELECT id, files_id, n, hash, object_key, size FROM chunks WHERE files_id = ? ORDER BY n ASC`, fileID)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	chunks, err := scanChunks(rows)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("chunk_count", len(chunks)))
	return chunks, nil
}

// ChunkObjectKeys lists the chunk object keys of every given file.
func (tc *TiDBClient) ChunkObjectKeys(ctx context.Context, fileIDs []string) ([]string, error) {
	ctx, span := tracer.Start(ctx, "tidb.chunk_object_keys",
		trace.WithAttributes(attribute.Int("file_count", len(fileIDs))),
	)
	defer span.End()

	if len(fileIDs) == 0 {
		return nil, nil
	}
	rows, err := tc.db.QueryContext(ctx,
		`SELECT object_key FROM chunks WHERE files_id IN (`+placeholders(len(fileIDs))+`)`, stringArgs(fileIDs)...)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query chunk keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("failed to scan chunk key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("error iterating chunk keys: %w", err)
	}
	return keys, nil
}

// DeleteChunks removes chunk index rows of the given files.
func (tc *TiDBClient) DeleteChunks(ctx context.Context, fileIDs []string) error {
	return tc.deleteIn(ctx, "tidb.delete_chunks", `DELETE FROM chunks WHERE files_id IN `, fileIDs)
}

// DeleteFiles removes file rows.
func (tc *TiDBClient) DeleteFiles(ctx context.Context, fileIDs []string) error {
	return tc.deleteIn(ctx, "tidb.delete_files", `DELETE FROM files WHERE id IN `, fileIDs)
}

func (tc *TiDBClient) deleteIn(ctx context.Context, spanName, stmt string, ids []string) error {
	ctx, span := tracer.Start(ctx, spanName,
		trace.WithAttributes(attribute.Int("file_count", len(ids))),
	)
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	res, err := tc.db.ExecContext(ctx, stmt+"("+placeholders(len(ids))+")", stringArgs(ids)...)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%s: %w", spanName, err)
	}
	if n, err := res.RowsAffected(); err == nil {
		span.SetAttributes(attribute.Int64("rows_affected", n))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*models.File, error) {
	var (
		file  models.File
		extra sql.NullString
	)
	err := row.Scan(
		&file.ID,
		&file.Filename,
		&file.Length,
		&file.ChunkSize,
		&file.UploadDate,
		&file.Metadata.Container,
		&file.Metadata.Mimetype,
		&extra,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan file: %w", err)
	}
	file.Metadata.Filename = file.Filename
	if extra.Valid && extra.String != "" && extra.String != "null" {
		if err := json.Unmarshal([]byte(extra.String), &file.Metadata.Extra); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", file.ID, err)
		}
	}
	return &file, nil
}

func scanChunks(rows *sql.Rows) ([]*models.Chunk, error) {
	var chunks []*models.Chunk
	for rows.Next() {
		var chunk models.Chunk
		err := rows.Scan(
			&chunk.ID,
			&chunk.FileID,
			&chunk.N,
			&chunk.Hash,
			&chunk.ObjectKey,
			&chunk.Size,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, &chunk)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating chunks: %w", err)
	}
	return chunks, nil
}

func encodeExtra(extra map[string]string) (any, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("failed to encode metadata: %w", err)
	}
	return string(data), nil
}
