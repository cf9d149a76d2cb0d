package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/filestore"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// download handles GET /download?fileId=. A Range header, or explicit
// ?start=&end= parameters, select part of the content.
func (h *Handler) download(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("fileId")
	if id == "" {
		writeErrorStatus(w, http.StatusBadRequest, "missing fileId")
		return
	}

	var (
		d   *filestore.Download
		err error
	)
	if q.Has("start") || q.Has("end") {
		start, end, ok := parseBounds(q.Get("start"), q.Get("end"))
		if !ok {
			writeErrorStatus(w, http.StatusBadRequest, "start and end must be integers")
			return
		}
		d, err = h.svc.DownloadRanged(r.Context(), id, start, end)
	} else {
		d, err = h.svc.Download(r.Context(), id, r.Header.Get("Range"))
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.stream(w, d)
}

// downloadInline handles GET /downloadInline/{fileId}
func (h *Handler) downloadInline(w http.ResponseWriter, r *http.Request) {
	d, err := h.svc.DownloadInline(r.Context(), mux.Vars(r)["fileId"], r.Header.Get("Range"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.stream(w, d)
}

// downloadInlineByName handles GET /{container}/downloadInlineByName/{filename}
func (h *Handler) downloadInlineByName(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	d, err := h.svc.DownloadInlineByName(r.Context(), vars["container"], vars["filename"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.stream(w, d)
}

// rawStream handles GET /getStreamFileId/{fileId}
func (h *Handler) rawStream(w http.ResponseWriter, r *http.Request) {
	rc, file, err := h.svc.OpenRawStream(r.Context(), mux.Vars(r)["fileId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	mimetype := file.Metadata.Mimetype
	if mimetype == "" {
		mimetype = "application/octet-stream"
	}
	w.Header().Set("Content-Type", mimetype)
	w.Header().Set("Content-Length", strconv.FormatInt(file.Length, 10))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.log.Warn("raw stream interrupted", zap.String("file_id", file.ID), zap.Error(err))
	}
}

// downloadContainerZip handles GET /{container}/zip?filename=
func (h *Handler) downloadContainerZip(w http.ResponseWriter, r *http.Request) {
	zs, err := h.svc.ZipContainer(r.Context(), mux.Vars(r)["container"], r.URL.Query().Get("filename"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.streamZip(w, r, zs)
}

// downloadZipFiles handles GET /downloadZipFiles?filesId=id1,id2&filename=
func (h *Handler) downloadZipFiles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	zs, err := h.svc.ZipFiles(r.Context(), q.Get("filesId"), q.Get("filename"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.streamZip(w, r, zs)
}

func (h *Handler) stream(w http.ResponseWriter, d *filestore.Download) {
	defer d.Body.Close()
	for k, v := range d.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(d.Status)
	if _, err := io.Copy(w, d.Body); err != nil {
		// Headers are already sent; the client sees a truncated body.
		h.log.Warn("download interrupted", zap.String("file_id", d.File.ID), zap.Error(err))
	}
}

func (h *Handler) streamZip(w http.ResponseWriter, r *http.Request, zs *filestore.ZipStream) {
	ctx, span := tracer.Start(r.Context(), "zip_download",
		trace.WithAttributes(
			attribute.String("archive", zs.Filename),
			attribute.Int("entry_count", len(zs.Files())),
		),
	)
	defer span.End()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", filestore.ContentDisposition(filestore.Attachment, zs.Filename))
	w.WriteHeader(http.StatusOK)
	n, err := zs.WriteArchive(ctx, w)
	if err != nil {
		span.RecordError(err)
		h.log.Warn("zip download interrupted",
			zap.String("archive", zs.Filename),
			zap.Int64("bytes", n),
			zap.Error(err))
	}
}

func parseBounds(startStr, endStr string) (int64, int64, bool) {
	start, err := strconv.ParseInt(startStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	end, err := strconv.ParseInt(endStr, 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return start, end, true
}
