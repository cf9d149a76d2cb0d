package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/maneesh/gridbox/internal/filestore"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("gridbox-handlers")

// Handler serves the container-scoped file API.
type Handler struct {
	svc *filestore.Service
	log *zap.Logger
}

// New creates a Handler
func New(svc *filestore.Service, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{svc: svc, log: log.Named("http")}
}

// Router builds the route table. Fixed-prefix routes are registered before
// the ones that start with a container name so a container can never shadow
// them.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()

	// Health check endpoint (no tracing needed)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	h.route(r, http.MethodGet, "/", h.listContainers)
	h.route(r, http.MethodGet, "/download", h.download)
	h.route(r, http.MethodGet, "/downloadZipFiles", h.downloadZipFiles)
	h.route(r, http.MethodGet, "/downloadInline/{fileId}", h.downloadInline)
	h.route(r, http.MethodGet, "/getStreamFileId/{fileId}", h.rawStream)
	h.route(r, http.MethodDelete, "/files/{fileId}", h.deleteFileByID)
	h.route(r, http.MethodDelete, "/deleteFileByWhere/{where:.+}", h.deleteByWhere)

	h.route(r, http.MethodDelete, "/{container}", h.deleteContainer)
	h.route(r, http.MethodGet, "/{container}/files", h.listFiles)
	h.route(r, http.MethodGet, "/{container}/files/{fileId}", h.getFile)
	h.route(r, http.MethodDelete, "/{container}/files/{fileId}", h.deleteFile)
	h.route(r, http.MethodGet, "/{container}/getFileByName/{filename}", h.getFileByName)
	h.route(r, http.MethodDelete, "/{container}/deleteFileByName/{filename}", h.deleteFileByName)
	h.route(r, http.MethodDelete, "/{container}/type/{type}", h.deleteByType)
	h.route(r, http.MethodPost, "/{container}/upload", h.upload)
	h.route(r, http.MethodGet, "/{container}/zip", h.downloadContainerZip)
	h.route(r, http.MethodGet, "/{container}/downloadInlineByName/{filename}", h.downloadInlineByName)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusNotFound, "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeErrorStatus(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return h.logging(r)
}

func (h *Handler) route(r *mux.Router, method, path string, fn http.HandlerFunc) {
	r.Handle(path, otelhttp.NewHandler(fn, method+" "+path)).Methods(method)
}

// logging records one line per request once the response is complete.
func (h *Handler) logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		status := sw.status
		if status == 0 {
			status = http.StatusOK
		}
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int64("bytes", sw.size),
			zap.Duration("duration", time.Since(start)),
		}
		if status >= http.StatusInternalServerError {
			h.log.Error("request failed", fields...)
			return
		}
		h.log.Info("request", fields...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
