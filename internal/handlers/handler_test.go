package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"
	"github.com/maneesh/gridbox/internal/filestore"
	"github.com/maneesh/gridbox/internal/models"
	"github.com/maneesh/gridbox/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	store := storage.NewMemoryStore(8)
	svc := filestore.New(store, store, zaptest.NewLogger(t))
	srv := httptest.NewServer(New(svc, zaptest.NewLogger(t)).Router())
	t.Cleanup(srv.Close)
	return srv
}

func uploadFile(t *testing.T, srv *httptest.Server, container, filename, content string) models.File {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("type", "doc"))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(srv.URL+"/"+container+"/upload", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var file models.File
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&file))
	return file
}

func do(t *testing.T, method, target string, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, target, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestUploadListDownloadDelete(t *testing.T) {
	srv := newTestServer(t)
	file := uploadFile(t, srv, "docs", "a.pdf", "pdf bytes that span several chunks")
	assert.Equal(t, "a.pdf", file.Filename)
	assert.Equal(t, "docs", file.Metadata.Container)
	assert.Equal(t, "doc", file.Metadata.Type())

	resp, body := do(t, http.MethodGet, srv.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `["docs"]`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/docs/files", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var files []models.File
	require.NoError(t, json.Unmarshal(body, &files))
	require.Len(t, files, 1)
	assert.Equal(t, file.ID, files[0].ID)

	resp, body = do(t, http.MethodGet, srv.URL+"/docs/files?type=other", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/download?fileId="+file.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "pdf bytes that span several chunks", string(body))
	assert.Equal(t, "attachment; filename=a.pdf", resp.Header.Get("Content-Disposition"))

	resp, body = do(t, http.MethodGet, srv.URL+"/docs/getFileByName/a.pdf", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"_id":"`+file.ID+`"`)

	resp, body = do(t, http.MethodDelete, srv.URL+"/docs/files/"+file.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":1}`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/docs/files", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))

	resp, _ = do(t, http.MethodGet, srv.URL+"/docs/files/"+file.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRangeRequest(t *testing.T) {
	srv := newTestServer(t)
	content := make([]byte, 100)
	for i := range content {
		content[i] = 'a' + byte(i%26)
	}
	file := uploadFile(t, srv, "docs", "bin.dat", string(content))

	resp, body := do(t, http.MethodGet, srv.URL+"/download?fileId="+file.ID,
		http.Header{"Range": []string{"bytes=10-19"}})
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, "10", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes 10-19/100", resp.Header.Get("Content-Range"))
	assert.Equal(t, content[10:20], body)

	resp, body = do(t, http.MethodGet, srv.URL+"/download?fileId="+file.ID+"&start=95&end=99", nil)
	assert.Equal(t, http.StatusPartialContent, resp.StatusCode)
	assert.Equal(t, content[95:], body)

	resp, body = do(t, http.MethodGet, srv.URL+"/download?fileId="+file.ID,
		http.Header{"Range": []string{"bytes=oops"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, content, body)
}

func TestInlineAndRawStream(t *testing.T) {
	srv := newTestServer(t)
	file := uploadFile(t, srv, "site", "page.html", "<h1>hi</h1>")

	resp, body := do(t, http.MethodGet, srv.URL+"/downloadInline/"+file.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "inline; filename=page.html", resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "<h1>hi</h1>", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/site/downloadInlineByName/page.html", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	assert.Equal(t, "<h1>hi</h1>", string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/getStreamFileId/"+file.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "<h1>hi</h1>", string(body))
}

func TestZipDownloads(t *testing.T) {
	srv := newTestServer(t)
	x := uploadFile(t, srv, "c1", "x.txt", "contents of x")
	y := uploadFile(t, srv, "c1", "y.txt", "contents of y")

	resp, body := do(t, http.MethodGet, srv.URL+"/c1/zip", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/zip", resp.Header.Get("Content-Type"))
	assert.Equal(t, "attachment; filename=c1.zip", resp.Header.Get("Content-Disposition"))

	zr, err := zip.NewReader(bytes.NewReader(body), int64(len(body)))
	require.NoError(t, err)
	require.Len(t, zr.File, 2)
	got := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		got[f.Name] = string(data)
	}
	assert.Equal(t, map[string]string{"x.txt": "contents of x", "y.txt": "contents of y"}, got)

	resp, _ = do(t, http.MethodGet, srv.URL+"/downloadZipFiles?filename=pair&filesId="+x.ID+","+y.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "attachment; filename=pair.zip", resp.Header.Get("Content-Disposition"))

	resp, _ = do(t, http.MethodGet, srv.URL+"/downloadZipFiles", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/downloadZipFiles?filesId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/empty/zip", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDeleteRoutes(t *testing.T) {
	srv := newTestServer(t)
	a := uploadFile(t, srv, "docs", "a.txt", "a")
	uploadFile(t, srv, "docs", "b.txt", "b")
	uploadFile(t, srv, "docs", "b.txt", "b again")
	uploadFile(t, srv, "photos", "p.jpg", "p")
	uploadFile(t, srv, "scans", "s.pdf", "s")

	resp, body := do(t, http.MethodDelete, srv.URL+"/docs/deleteFileByName/b.txt", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":2}`, string(body))

	resp, body = do(t, http.MethodDelete, srv.URL+"/files/"+a.ID, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":1}`, string(body))

	resp, body = do(t, http.MethodDelete, srv.URL+"/photos/type/doc", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":1}`, string(body))

	where := url.PathEscape(`{"metadata.container":"scans"}`)
	resp, body = do(t, http.MethodDelete, srv.URL+"/deleteFileByWhere/"+where, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":1}`, string(body))

	resp, body = do(t, http.MethodDelete, srv.URL+"/missing", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"deleted":0}`, string(body))

	resp, body = do(t, http.MethodGet, srv.URL+"/", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestErrorMapping(t *testing.T) {
	srv := newTestServer(t)

	resp, body := do(t, http.MethodGet, srv.URL+"/docs/files/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var e errorBody
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, http.StatusBadRequest, e.Error.StatusCode)
	assert.NotEmpty(t, e.Error.Message)

	resp, _ = do(t, http.MethodGet, srv.URL+"/download?fileId="+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = do(t, http.MethodGet, srv.URL+"/download", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/deleteFileByWhere/"+url.PathEscape(`{}`), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/docs/upload", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = do(t, http.MethodGet, srv.URL+"/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{filestore.ErrNotFound, http.StatusNotFound},
		{filestore.ErrValidation, http.StatusBadRequest},
		{filestore.ErrUploadFailed, http.StatusInternalServerError},
		{&filestore.BackendError{Op: "delete chunks", Err: io.ErrUnexpectedEOF}, http.StatusInternalServerError},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}
