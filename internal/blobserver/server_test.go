package blobserver

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	s, err := New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func do(t *testing.T, method, url string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, body)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestHealthz(t *testing.T) {
	ts := setupServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPutGetListDelete(t *testing.T) {
	ts := setupServer(t)
	blobURL := ts.URL + "/containers/cp/blobs/checkpoints-1/abc/000001.sst"

	resp := do(t, http.MethodPut, blobURL, strings.NewReader("sst-bytes"))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	resp = do(t, http.MethodGet, blobURL, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "sst-bytes", string(data))

	resp = do(t, http.MethodGet, ts.URL+"/containers/cp/blobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []blobInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	require.Len(t, listed, 1)
	assert.Equal(t, "checkpoints-1/abc/000001.sst", listed[0].Name)
	assert.Equal(t, int64(9), listed[0].Size)

	resp = do(t, http.MethodDelete, blobURL, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = do(t, http.MethodGet, blobURL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = do(t, http.MethodDelete, blobURL, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestListEmptyContainer(t *testing.T) {
	ts := setupServer(t)
	resp := do(t, http.MethodGet, ts.URL+"/containers/none/blobs", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed []blobInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&listed))
	assert.Empty(t, listed)
}

func TestRejectsEscapingNames(t *testing.T) {
	ts := setupServer(t)
	resp := do(t, http.MethodPut, ts.URL+"/containers/cp/blobs/..%2F..%2Fescape", strings.NewReader("x"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
