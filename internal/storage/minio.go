package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// MinioClient stores chunk payloads as individual objects.
type MinioClient struct {
	client     *minio.Client
	bucketName string
	log        *zap.Logger
}

// NewMinioClient initializes a new MinIO client and makes sure the bucket exists.
func NewMinioClient(ctx context.Context, endpoint, accessKey, secretKey, bucketName string, useSSL bool, log *zap.Logger) (*MinioClient, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	mc := &MinioClient{
		client:     client,
		bucketName: bucketName,
		log:        log,
	}

	exists, err := client.BucketExists(ctx, bucketName)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("failed to create bucket: %w", err)
		}
		log.Info("bucket created", zap.String("bucket", bucketName))
	}

	return mc, nil
}

// chunkObjectKey is the object name of chunk n of a file.
func chunkObjectKey(fileID string, n int) string {
	return fmt.Sprintf("chunks/%s/%d", fileID, n)
}

// UploadChunk uploads a chunk to MinIO with tracing
func (mc *MinioClient) UploadChunk(ctx context.Context, objectKey string, data []byte) error {
	ctx, span := tracer.Start(ctx, "minio.upload_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int("size_bytes", len(data)),
		),
	)
	defer span.End()

	_, err := mc.client.PutObject(ctx, mc.bucketName, objectKey, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to upload chunk: %w", err)
	}
	return nil
}

// OpenChunk opens length bytes of a chunk object starting at offset. The
// whole object is requested when the range covers it entirely.
func (mc *MinioClient) OpenChunk(ctx context.Context, objectKey string, offset, length, size int64) (io.ReadCloser, error) {
	_, span := tracer.Start(ctx, "minio.open_chunk",
		trace.WithAttributes(
			attribute.String("object_key", objectKey),
			attribute.Int64("offset", offset),
			attribute.Int64("length", length),
		),
	)
	defer span.End()

	opts := minio.GetObjectOptions{}
	if offset != 0 || length != size {
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("set range: %w", err)
		}
	}
	object, err := mc.client.GetObject(ctx, mc.bucketName, objectKey, opts)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get object: %w", err)
	}
	return object, nil
}

// DeleteChunks removes chunk objects. Missing objects are not an error.
func (mc *MinioClient) DeleteChunks(ctx context.Context, objectKeys []string) error {
	ctx, span := tracer.Start(ctx, "minio.delete_chunks",
		trace.WithAttributes(
			attribute.Int("object_count", len(objectKeys)),
		),
	)
	defer span.End()

	if len(objectKeys) == 0 {
		return nil
	}

	objects := make(chan minio.ObjectInfo, len(objectKeys))
	for _, key := range objectKeys {
		objects <- minio.ObjectInfo{Key: key}
	}
	close(objects)

	var firstErr error
	failed := 0
	for rerr := range mc.client.RemoveObjects(ctx, mc.bucketName, objects, minio.RemoveObjectsOptions{}) {
		if rerr.Err == nil {
			continue
		}
		if minio.ToErrorResponse(rerr.Err).Code == "NoSuchKey" {
			continue
		}
		failed++
		if firstErr == nil {
			firstErr = fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err)
		}
	}
	if firstErr != nil {
		span.RecordError(firstErr)
		mc.log.Error("chunk removal failed", zap.Int("failed", failed), zap.Error(firstErr))
		return fmt.Errorf("failed to delete %d chunk objects: %w", failed, firstErr)
	}
	return nil
}
