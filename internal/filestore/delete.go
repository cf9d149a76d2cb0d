package filestore

import (
	"context"

	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DeleteBySelector removes every file matching sel and returns how many were
// removed. An unconstrained selector is rejected rather than wiping the store.
func (s *Service) DeleteBySelector(ctx context.Context, sel models.Selector) (int, error) {
	if sel.IsZero() {
		return 0, validationf("refusing to delete with an empty selector")
	}
	return s.deleteMatching(ctx, "delete by selector", sel)
}

// DeleteContainer removes every file of a container, and with it the container.
func (s *Service) DeleteContainer(ctx context.Context, container string) (int, error) {
	if container == "" {
		return 0, validationf("container is required")
	}
	return s.deleteMatching(ctx, "delete container", models.Selector{Container: container})
}

// DeleteFilesByContainerAndType removes the files of a container with the
// given metadata.type.
func (s *Service) DeleteFilesByContainerAndType(ctx context.Context, container, fileType string) (int, error) {
	if container == "" || fileType == "" {
		return 0, validationf("container and type are required")
	}
	return s.deleteMatching(ctx, "delete by type", models.Selector{Container: container, Type: fileType})
}

// DeleteFile removes one file if it belongs to container.
func (s *Service) DeleteFile(ctx context.Context, container, id string) (int, error) {
	if container == "" {
		return 0, validationf("container is required")
	}
	canonical, err := ParseID(id)
	if err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, "delete file", models.Selector{IDs: []string{canonical}, Container: container})
}

// DeleteFileByID removes one file regardless of its container.
func (s *Service) DeleteFileByID(ctx context.Context, id string) (int, error) {
	canonical, err := ParseID(id)
	if err != nil {
		return 0, err
	}
	return s.deleteMatching(ctx, "delete file by id", models.Selector{IDs: []string{canonical}})
}

// DeleteFileByName removes every file of container named filename.
func (s *Service) DeleteFileByName(ctx context.Context, container, filename string) (int, error) {
	if container == "" || filename == "" {
		return 0, validationf("container and filename are required")
	}
	return s.deleteMatching(ctx, "delete file by name", models.Selector{Container: container, Filenames: []string{filename}})
}

// deleteMatching runs the deletion protocol: mark the id set pending, remove
// all chunks, then remove the metadata records. Metadata is never removed
// while chunk removal has failed. Files already pending are included so an
// interrupted deletion can be completed.
func (s *Service) deleteMatching(ctx context.Context, op string, sel models.Selector) (int, error) {
	ctx, span := tracer.Start(ctx, "filestore.delete",
		trace.WithAttributes(
			attribute.String("op", op),
			attribute.String("container", sel.Container),
		),
	)
	defer span.End()

	files, err := s.backend.FindMetadata(ctx, sel)
	if err != nil {
		span.RecordError(err)
		return 0, backendError("find metadata", sel.IDs, err)
	}
	if len(files) == 0 {
		return 0, nil
	}
	ids := fileIDs(files)
	span.SetAttributes(attribute.Int("file_count", len(ids)))
	log := s.log.With(zap.String("op", op), zap.Strings("file_ids", ids))

	if err := s.pending.MarkPending(ctx, ids); err != nil {
		span.RecordError(err)
		return 0, backendError("mark pending", ids, err)
	}

	if err := s.backend.DeleteManyChunks(ctx, ids); err != nil {
		span.RecordError(err)
		log.Error("chunk deletion failed, files left pending", zap.Error(err))
		return 0, backendError("delete chunks", ids, err)
	}

	if err := s.backend.DeleteManyMetadata(ctx, ids); err != nil {
		span.RecordError(err)
		log.Error("metadata deletion failed after chunks were removed, files left pending", zap.Error(err))
		return 0, backendError("delete metadata", ids, err)
	}

	if err := s.pending.ClearPending(ctx, ids); err != nil {
		// The records are gone; a stale pending entry hides nothing.
		log.Warn("clear pending failed", zap.Error(err))
	}

	log.Info("files deleted", zap.Int("count", len(ids)))
	return len(ids), nil
}
