package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/filestore"
	"github.com/maneesh/gridbox/internal/models"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// listContainers handles GET /
func (h *Handler) listContainers(w http.ResponseWriter, r *http.Request) {
	names, err := h.svc.ListContainers(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, names)
}

// listFiles handles GET /{container}/files, optionally filtered by ?type=
func (h *Handler) listFiles(w http.ResponseWriter, r *http.Request) {
	container := mux.Vars(r)["container"]
	var (
		files []*models.File
		err   error
	)
	if fileType := r.URL.Query().Get("type"); fileType != "" {
		files, err = h.svc.ListFilesByType(r.Context(), container, fileType)
	} else {
		files, err = h.svc.ListFiles(r.Context(), container)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if files == nil {
		files = []*models.File{}
	}
	writeJSON(w, http.StatusOK, files)
}

// getFile handles GET /{container}/files/{fileId}
func (h *Handler) getFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file, err := h.svc.ResolveByID(r.Context(), vars["container"], vars["fileId"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// getFileByName handles GET /{container}/getFileByName/{filename}
func (h *Handler) getFileByName(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	file, err := h.svc.ResolveByName(r.Context(), vars["container"], vars["filename"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// upload handles POST /{container}/upload with a multipart/form-data body.
func (h *Handler) upload(w http.ResponseWriter, r *http.Request) {
	container := mux.Vars(r)["container"]
	ctx, span := tracer.Start(r.Context(), "upload_file",
		trace.WithAttributes(attribute.String("container", container)),
	)
	defer span.End()

	file, err := h.svc.Upload(ctx, container, r.Header.Get("Content-Type"), r.Body, nil)
	if err != nil {
		span.RecordError(err)
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("file_id", file.ID))
	h.log.Info("upload completed",
		zap.String("file_id", file.ID),
		zap.String("container", container),
		zap.String("file_name", file.Filename),
		zap.Int64("length", file.Length))
	writeJSON(w, http.StatusOK, file)
}

// deleteContainer handles DELETE /{container}
func (h *Handler) deleteContainer(w http.ResponseWriter, r *http.Request) {
	h.writeDeleted(w, r)(h.svc.DeleteContainer(r.Context(), mux.Vars(r)["container"]))
}

// deleteFile handles DELETE /{container}/files/{fileId}
func (h *Handler) deleteFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.writeDeleted(w, r)(h.svc.DeleteFile(r.Context(), vars["container"], vars["fileId"]))
}

// deleteFileByID handles DELETE /files/{fileId}
func (h *Handler) deleteFileByID(w http.ResponseWriter, r *http.Request) {
	h.writeDeleted(w, r)(h.svc.DeleteFileByID(r.Context(), mux.Vars(r)["fileId"]))
}

// deleteFileByName handles DELETE /{container}/deleteFileByName/{filename}
func (h *Handler) deleteFileByName(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.writeDeleted(w, r)(h.svc.DeleteFileByName(r.Context(), vars["container"], vars["filename"]))
}

// deleteByType handles DELETE /{container}/type/{type}
func (h *Handler) deleteByType(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.writeDeleted(w, r)(h.svc.DeleteFilesByContainerAndType(r.Context(), vars["container"], vars["type"]))
}

// deleteByWhere handles DELETE /deleteFileByWhere/{where}, where is a JSON
// filter object.
func (h *Handler) deleteByWhere(w http.ResponseWriter, r *http.Request) {
	sel, err := filestore.ParseWhere(mux.Vars(r)["where"])
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeDeleted(w, r)(h.svc.DeleteBySelector(r.Context(), sel))
}

func (h *Handler) writeDeleted(w http.ResponseWriter, r *http.Request) func(int, error) {
	return func(n int, err error) {
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, deleteResult{Deleted: n})
	}
}
