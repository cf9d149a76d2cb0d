package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/google/uuid"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	maxFieldBytes   = 64 << 10
	defaultMimetype = "application/octet-stream"
	metadataField   = "metadata"
	uploadUserIDKey = "uploadUserId"
)

// Upload decodes a multipart/form-data body and stores its first file part in
// container. Plain form fields that precede the file part become extra
// metadata; a field named "metadata" holding a JSON object is merged key by
// key. Parts after the first file are not read.
func (s *Service) Upload(ctx context.Context, container, contentType string, body io.Reader, extra map[string]string) (*models.File, error) {
	if container == "" {
		return nil, validationf("container is required")
	}
	mediaType, params, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, validationf("expected a multipart body, got %q", contentType)
	}

	meta := make(map[string]string, len(extra))
	for k, v := range extra {
		meta[k] = v
	}

	mr := multipart.NewReader(body, params["boundary"])
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, validationf("multipart body has no file part")
		}
		if err != nil {
			return nil, fmt.Errorf("%w: read multipart: %w", ErrUploadFailed, err)
		}

		if part.FileName() == "" {
			if err := readField(part, meta); err != nil {
				part.Close()
				return nil, err
			}
			part.Close()
			continue
		}

		mimetype := part.Header.Get("Content-Type")
		if mimetype == "" {
			mimetype = defaultMimetype
		}
		file, err := s.Store(ctx, container, part.FileName(), mimetype, part, meta)
		part.Close()
		return file, err
	}
}

// Store writes one decoded file stream into container. The metadata record
// becomes visible only after every chunk has been written.
func (s *Service) Store(ctx context.Context, container, filename, mimetype string, r io.Reader, extra map[string]string) (*models.File, error) {
	if container == "" {
		return nil, validationf("container is required")
	}
	if filename == "" {
		return nil, validationf("filename is required")
	}
	meta, err := buildMetadata(container, filename, mimetype, extra)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	ctx, span := tracer.Start(ctx, "filestore.store",
		trace.WithAttributes(
			attribute.String("file_id", id),
			attribute.String("container", container),
			attribute.String("file_name", filename),
		),
	)
	defer span.End()

	ws, err := s.backend.OpenWriteStream(ctx, id, meta)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, backendError("open write stream", []string{id}, err))
	}

	src := &sourceReader{r: r}
	if _, err := io.Copy(ws, src); err != nil {
		span.RecordError(err)
		if abortErr := ws.Abort(ctx); abortErr != nil {
			s.log.Warn("abort after failed upload", zap.String("file_id", id), zap.Error(abortErr))
		}
		if src.err != nil {
			return nil, fmt.Errorf("%w: read body: %w", ErrUploadFailed, src.err)
		}
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, backendError("write chunks", []string{id}, err))
	}

	file, err := ws.Commit(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %w", ErrUploadFailed, backendError("commit", []string{id}, err))
	}

	span.SetAttributes(attribute.Int64("file_size", file.Length))
	s.log.Info("file stored",
		zap.String("file_id", file.ID),
		zap.String("container", container),
		zap.String("file_name", filename),
		zap.Int64("length", file.Length))
	return file, nil
}

// buildMetadata merges caller-supplied fields with the derived ones. The
// derived container, filename and mimetype always win.
func buildMetadata(container, filename, mimetype string, extra map[string]string) (models.Metadata, error) {
	meta := models.Metadata{
		Container: container,
		Filename:  filename,
		Mimetype:  mimetype,
	}
	for k, v := range extra {
		switch k {
		case models.MetaContainer, models.MetaFilename, models.MetaMimetype:
			continue
		}
		if !storage.ValidMetadataKey(k) {
			return meta, validationf("invalid metadata key %q", k)
		}
		if meta.Extra == nil {
			meta.Extra = make(map[string]string, len(extra))
		}
		meta.Extra[k] = v
	}
	return meta, nil
}

func readField(part *multipart.Part, meta map[string]string) error {
	value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes+1))
	if err != nil {
		return fmt.Errorf("%w: read field %q: %w", ErrUploadFailed, part.FormName(), err)
	}
	if len(value) > maxFieldBytes {
		return validationf("form field %q is too large", part.FormName())
	}
	if part.FormName() != metadataField {
		meta[part.FormName()] = string(value)
		return nil
	}
	return MergeMetadataJSON(meta, value)
}

// MergeMetadataJSON merges the fields of a JSON object into meta. Scalar
// values are stored in their string form, so a numeric uploadUserId becomes
// "42".
func MergeMetadataJSON(meta map[string]string, data []byte) error {
	if !gjson.ValidBytes(data) {
		return validationf("metadata is not valid JSON")
	}
	doc := gjson.ParseBytes(data)
	if !doc.IsObject() {
		return validationf("metadata must be a JSON object")
	}
	var err error
	doc.ForEach(func(key, value gjson.Result) bool {
		switch {
		case value.Type == gjson.Null:
			return true
		case value.IsObject() || value.IsArray():
			if key.String() == uploadUserIDKey {
				err = validationf("%s must be a scalar", uploadUserIDKey)
				return false
			}
			meta[key.String()] = value.Raw
		default:
			meta[key.String()] = value.String()
		}
		return true
	})
	return err
}

// sourceReader remembers read errors so they can be told apart from errors of
// the destination stream.
type sourceReader struct {
	r   io.Reader
	err error
}

func (s *sourceReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		s.err = err
	}
	return n, err
}
