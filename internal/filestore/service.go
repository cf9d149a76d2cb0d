// Package filestore implements container-scoped file storage on top of a
// chunk store: addressing, streaming upload and download, zip bundling and
// the deletion protocol.
//
// A container is not stored anywhere. It is the metadata.container value of
// the files that reference it and disappears with its last file.
//
// Concurrent calls are not coordinated. An upload and a delete racing on the
// same (container, filename) resolve as last-writer-wins: the delete removes
// whatever records match when it resolves its id set, and an upload that
// commits afterwards survives.
package filestore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("gridbox-filestore")

// Service is the container-scoped file store.
type Service struct {
	backend storage.Backend
	pending storage.PendingSet
	log     *zap.Logger
	now     func() time.Time
}

// New creates a Service. The backend and pending set are shared by every
// request for the lifetime of the process.
func New(backend storage.Backend, pending storage.PendingSet, log *zap.Logger) *Service {
	if pending == nil {
		pending = noPending{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		backend: backend,
		pending: pending,
		log:     log.Named("filestore"),
		now:     time.Now,
	}
}

// ListContainers returns every container name exactly once, in no
// particular order. A container whose only files are pending deletion is
// not listed.
func (s *Service) ListContainers(ctx context.Context) ([]string, error) {
	names, err := s.backend.ListContainers(ctx)
	if err != nil {
		return nil, backendError("list containers", nil, err)
	}
	suspect, err := s.pendingContainers(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, name := range names {
		if _, dup := seen[name]; dup || name == "" {
			continue
		}
		seen[name] = struct{}{}
		if _, ok := suspect[name]; ok {
			files, err := s.FindFiles(ctx, models.Selector{Container: name})
			if err != nil {
				return nil, err
			}
			if len(files) == 0 {
				continue
			}
		}
		out = append(out, name)
	}
	return out, nil
}

// pendingContainers returns the containers holding at least one file whose
// deletion is in progress.
func (s *Service) pendingContainers(ctx context.Context) (map[string]struct{}, error) {
	ids, err := s.pending.Members(ctx)
	if err != nil {
		return nil, backendError("pending lookup", nil, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	files, err := s.backend.FindMetadata(ctx, models.Selector{IDs: ids})
	if err != nil {
		return nil, backendError("find metadata", ids, err)
	}
	containers := make(map[string]struct{}, len(files))
	for _, f := range files {
		containers[f.Container()] = struct{}{}
	}
	return containers, nil
}

// ListFiles returns the files of a container sorted by filename.
func (s *Service) ListFiles(ctx context.Context, container string) ([]*models.File, error) {
	if container == "" {
		return nil, validationf("container is required")
	}
	return s.FindFiles(ctx, models.Selector{Container: container})
}

// ListFilesByType returns the files of a container whose metadata.type
// equals fileType, sorted by filename.
func (s *Service) ListFilesByType(ctx context.Context, container, fileType string) ([]*models.File, error) {
	if container == "" {
		return nil, validationf("container is required")
	}
	if fileType == "" {
		return nil, validationf("type is required")
	}
	return s.FindFiles(ctx, models.Selector{Container: container, Type: fileType})
}

// FindFiles returns the visible files matching sel, sorted by filename.
// Files whose deletion is in progress are not visible.
func (s *Service) FindFiles(ctx context.Context, sel models.Selector) ([]*models.File, error) {
	files, err := s.backend.FindMetadata(ctx, sel)
	if err != nil {
		return nil, backendError("find metadata", sel.IDs, err)
	}
	return s.visible(ctx, files)
}

// ResolveByID returns the file with the given id if it belongs to container.
func (s *Service) ResolveByID(ctx context.Context, container, id string) (*models.File, error) {
	if container == "" {
		return nil, validationf("container is required")
	}
	return s.resolveID(ctx, container, id)
}

// ResolveByName returns a file named filename in container. Filenames are not
// unique; when several files share the name the one with the lowest id wins.
func (s *Service) ResolveByName(ctx context.Context, container, filename string) (*models.File, error) {
	if container == "" || filename == "" {
		return nil, validationf("container and filename are required")
	}
	files, err := s.FindFiles(ctx, models.Selector{Container: container, Filenames: []string{filename}})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, notFoundf("file %q in container %q", filename, container)
	}
	return files[0], nil
}

// resolveID looks a file up by id, scoped to container unless it is empty.
func (s *Service) resolveID(ctx context.Context, container, rawID string) (*models.File, error) {
	id, err := ParseID(rawID)
	if err != nil {
		return nil, err
	}
	sel := models.Selector{IDs: []string{id}, Container: container}
	file, err := s.backend.FindOneMetadata(ctx, sel)
	if err != nil {
		return nil, backendError("find metadata", sel.IDs, err)
	}
	if file == nil {
		return nil, notFoundf("file %s", id)
	}
	visible, err := s.visible(ctx, []*models.File{file})
	if err != nil {
		return nil, err
	}
	if len(visible) == 0 {
		return nil, notFoundf("file %s", id)
	}
	return file, nil
}

func (s *Service) visible(ctx context.Context, files []*models.File) ([]*models.File, error) {
	if len(files) == 0 {
		return files, nil
	}
	pending, err := s.pending.Pending(ctx, fileIDs(files))
	if err != nil {
		return nil, backendError("pending lookup", nil, err)
	}
	if len(pending) == 0 {
		return files, nil
	}
	out := files[:0:0]
	for _, f := range files {
		if !pending[f.ID] {
			out = append(out, f)
		}
	}
	return out, nil
}

// ParseID validates a file identifier and returns its canonical form.
func ParseID(raw string) (string, error) {
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", validationf("invalid file id %q", raw)
	}
	return id.String(), nil
}

func fileIDs(files []*models.File) []string {
	ids := make([]string, len(files))
	for i, f := range files {
		ids[i] = f.ID
	}
	return ids
}

type noPending struct{}

func (noPending) MarkPending(context.Context, []string) error  { return nil }
func (noPending) ClearPending(context.Context, []string) error { return nil }
func (noPending) Pending(context.Context, []string) (map[string]bool, error) {
	return nil, nil
}
func (noPending) Members(context.Context) ([]string, error) { return nil, nil }
