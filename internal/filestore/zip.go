package filestore

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ZipStream is a resolved set of files to be bundled into one archive. No
// content stream is opened until WriteArchive is called.
type ZipStream struct {
	svc      *Service
	files    []*models.File
	Filename string
}

// Files returns the files in archive order.
func (z *ZipStream) Files() []*models.File {
	return z.files
}

// ZipContainer resolves every file of a container for zipping. The archive
// name defaults to the container name.
func (s *Service) ZipContainer(ctx context.Context, container, filename string) (*ZipStream, error) {
	files, err := s.ListFiles(ctx, container)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, notFoundf("container %q has no files", container)
	}
	if filename == "" {
		filename = container
	}
	return &ZipStream{svc: s, files: files, Filename: zipName(filename)}, nil
}

// ZipFiles resolves a comma-separated list of file ids for zipping. Unknown
// ids are skipped; at least one must resolve. The archive name defaults to a
// date-stamped one.
func (s *Service) ZipFiles(ctx context.Context, idList, filename string) (*ZipStream, error) {
	ids, err := ParseIDList(idList)
	if err != nil {
		return nil, err
	}
	files, err := s.FindFiles(ctx, models.Selector{IDs: ids})
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, notFoundf("none of the requested files exist")
	}
	if filename == "" {
		filename = "documents-" + s.now().Format("20060102")
	}
	return &ZipStream{svc: s, files: files, Filename: zipName(filename)}, nil
}

// ParseIDList splits a comma-separated id list into a set of canonical ids,
// keeping first-seen order.
func ParseIDList(idList string) ([]string, error) {
	seen := make(map[string]struct{})
	var ids []string
	for _, raw := range strings.Split(idList, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		id, err := ParseID(raw)
		if err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, validationf("no file ids given")
	}
	return ids, nil
}

// WriteArchive writes the archive to w. Entries are written strictly one after
// another; the first failure aborts the archive and is returned.
func (z *ZipStream) WriteArchive(ctx context.Context, w io.Writer) (int64, error) {
	ctx, span := tracer.Start(ctx, "filestore.zip",
		trace.WithAttributes(attribute.Int("entry_count", len(z.files))),
	)
	defer span.End()

	cw := &countingWriter{w: w}
	zw := zip.NewWriter(cw)
	for _, file := range z.files {
		if err := z.writeEntry(ctx, zw, file); err != nil {
			span.RecordError(err)
			z.svc.log.Error("zip aborted",
				zap.String("archive", z.Filename),
				zap.String("file_id", file.ID),
				zap.Error(err))
			return cw.n, err
		}
	}
	if err := zw.Close(); err != nil {
		span.RecordError(err)
		return cw.n, fmt.Errorf("finish archive: %w", err)
	}
	return cw.n, nil
}

func (z *ZipStream) writeEntry(ctx context.Context, zw *zip.Writer, file *models.File) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	entry, err := zw.CreateHeader(&zip.FileHeader{
		Name:     entryName(file),
		Method:   zip.Deflate,
		Modified: file.UploadDate,
	})
	if err != nil {
		return fmt.Errorf("create entry %q: %w", file.Filename, err)
	}
	rc, err := z.svc.backend.OpenReadStream(ctx, file, nil)
	if err != nil {
		return backendError("open read stream", []string{file.ID}, err)
	}
	defer rc.Close()
	if _, err := io.Copy(entry, rc); err != nil {
		return fmt.Errorf("write entry %q: %w", file.Filename, err)
	}
	return nil
}

// entryName turns a stored filename into a relative archive path that cannot
// escape the extraction directory.
func entryName(file *models.File) string {
	name := strings.ReplaceAll(file.Filename, "\\", "/")
	name = strings.TrimLeft(path.Clean("/"+name), "/")
	if name == "" || name == "." {
		return file.ID
	}
	return name
}

func zipName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".zip") {
		return name
	}
	return name + ".zip"
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
