package filestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Disposition tells the client whether to render content or save it.
type Disposition string

const (
	Attachment Disposition = "attachment"
	Inline     Disposition = "inline"
)

// Download is a resolved file ready to be streamed. The caller must close
// Body.
type Download struct {
	File   *models.File
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// Download serves a file as an attachment. A valid Range header yields a
// partial response; a missing or malformed one yields the full content.
func (s *Service) Download(ctx context.Context, id, rangeHeader string) (*Download, error) {
	return s.serve(ctx, id, rangeHeader, Attachment)
}

// DownloadFull serves the complete content as an attachment.
func (s *Service) DownloadFull(ctx context.Context, id string) (*Download, error) {
	return s.serve(ctx, id, "", Attachment)
}

// DownloadRanged serves the inclusive byte range [start, end]. An invalid
// range falls back to the full content.
func (s *Service) DownloadRanged(ctx context.Context, id string, start, end int64) (*Download, error) {
	file, err := s.resolveID(ctx, "", id)
	if err != nil {
		return nil, err
	}
	var rng *storage.ByteRange
	if start >= 0 && start <= end && start < file.Length {
		if end >= file.Length {
			end = file.Length - 1
		}
		rng = &storage.ByteRange{Start: start, End: end}
	}
	return s.open(ctx, file, rng, Attachment)
}

// DownloadInline serves a file for in-place rendering. Range requests are
// honoured the same way as for Download.
func (s *Service) DownloadInline(ctx context.Context, id, rangeHeader string) (*Download, error) {
	return s.serve(ctx, id, rangeHeader, Inline)
}

// DownloadInlineByName resolves a file by name within container and serves
// it inline.
func (s *Service) DownloadInlineByName(ctx context.Context, container, filename string) (*Download, error) {
	file, err := s.ResolveByName(ctx, container, filename)
	if err != nil {
		return nil, err
	}
	return s.open(ctx, file, nil, Inline)
}

// OpenRawStream returns the content of a file without any HTTP framing.
func (s *Service) OpenRawStream(ctx context.Context, id string) (io.ReadCloser, *models.File, error) {
	file, err := s.resolveID(ctx, "", id)
	if err != nil {
		return nil, nil, err
	}
	rc, err := s.backend.OpenReadStream(ctx, file, nil)
	if err != nil {
		return nil, nil, backendError("open read stream", []string{file.ID}, err)
	}
	return rc, file, nil
}

func (s *Service) serve(ctx context.Context, id, rangeHeader string, disp Disposition) (*Download, error) {
	file, err := s.resolveID(ctx, "", id)
	if err != nil {
		return nil, err
	}
	rng, _ := ParseRange(rangeHeader, file.Length)
	return s.open(ctx, file, rng, disp)
}

func (s *Service) open(ctx context.Context, file *models.File, rng *storage.ByteRange, disp Disposition) (*Download, error) {
	ctx, span := tracer.Start(ctx, "filestore.open",
		trace.WithAttributes(
			attribute.String("file_id", file.ID),
			attribute.String("disposition", string(disp)),
			attribute.Bool("ranged", rng != nil),
		),
	)
	defer span.End()

	body, err := s.backend.OpenReadStream(ctx, file, rng)
	if errors.Is(err, storage.ErrInvalidRange) {
		rng = nil
		body, err = s.backend.OpenReadStream(ctx, file, nil)
	}
	if err != nil {
		span.RecordError(err)
		return nil, backendError("open read stream", []string{file.ID}, err)
	}

	h := make(http.Header)
	mimetype := file.Metadata.Mimetype
	if mimetype == "" {
		mimetype = defaultMimetype
	}
	h.Set("Content-Type", mimetype)
	h.Set("Content-Disposition", ContentDisposition(disp, file.Filename))
	h.Set("Accept-Ranges", "bytes")

	d := &Download{File: file, Header: h, Body: body, Status: http.StatusOK}
	if rng == nil {
		h.Set("Content-Length", strconv.FormatInt(file.Length, 10))
		return d, nil
	}
	d.Status = http.StatusPartialContent
	h.Set("Content-Length", strconv.FormatInt(rng.Len(), 10))
	h.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rng.Start, rng.End, file.Length))
	return d, nil
}

// ContentDisposition renders a Content-Disposition value, encoding the
// filename when it is not plain ASCII.
func ContentDisposition(disp Disposition, filename string) string {
	if filename == "" {
		return string(disp)
	}
	if v := mime.FormatMediaType(string(disp), map[string]string{"filename": filename}); v != "" {
		return v
	}
	return string(disp)
}

// ParseRange parses a single "bytes=start-end" range against a content of
// the given length. An open end runs to the last byte, an end past the
// content is clamped, and "bytes=-n" selects the last n bytes. Anything else,
// including multiple ranges, reports ok=false so the caller serves the full
// content.
func ParseRange(header string, length int64) (rng *storage.ByteRange, ok bool) {
	header = strings.TrimSpace(header)
	if header == "" || length <= 0 {
		return nil, false
	}
	unit, byteSpec, found := strings.Cut(header, "=")
	if !found || strings.TrimSpace(unit) != "bytes" || strings.Contains(byteSpec, ",") {
		return nil, false
	}
	startStr, endStr, found := strings.Cut(strings.TrimSpace(byteSpec), "-")
	if !found {
		return nil, false
	}
	startStr, endStr = strings.TrimSpace(startStr), strings.TrimSpace(endStr)

	if startStr == "" {
		n, err := strconv.ParseInt(endStr, 10, 64)
		if err != nil || n <= 0 {
			return nil, false
		}
		if n > length {
			n = length
		}
		return &storage.ByteRange{Start: length - n, End: length - 1}, true
	}

	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil || start < 0 || start >= length {
		return nil, false
	}
	end := length - 1
	if endStr != "" {
		end, err = strconv.ParseInt(endStr, 10, 64)
		if err != nil || end < start {
			return nil, false
		}
		if end >= length {
			end = length - 1
		}
	}
	return &storage.ByteRange{Start: start, End: end}, true
}
