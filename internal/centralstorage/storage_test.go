package centralstorage

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/locsync/internal/blobserver"
)

func newBlobService(t *testing.T) *httptest.Server {
	t.Helper()
	srv, err := blobserver.New(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	local, err := NewLocalDisk(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)

	ts := newBlobService(t)
	blob, err := NewBlob(BlobConfig{
		ConnectionStrings: []string{ts.URL},
		Container:         "checkpoints",
		OperationTimeout:  time.Minute,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)

	return map[string]Storage{"local": local, "blob": blob}
}

func TestUploadDownload(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ref, err := s.Upload(ctx, "checkpoints-1/cp-1/000001.sst", strings.NewReader("table"))
			require.NoError(t, err)

			var buf bytes.Buffer
			n, err := s.Download(ctx, ref, &buf)
			require.NoError(t, err)
			assert.Equal(t, int64(5), n)
			assert.Equal(t, "table", buf.String())
		})
	}
}

func TestDownloadMissing(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Download(ctx, "checkpoints-1/nothing", &bytes.Buffer{})
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestLocalDiskPrune(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocalDisk(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = l.Upload(ctx, "old/a", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = l.Upload(ctx, "new/b", strings.NewReader("b"))
	require.NoError(t, err)

	past := time.Now().Add(-10 * time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "old", "a"), past, past))

	removed, err := l.Prune(ctx, 5*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = l.Download(ctx, "old/a", &bytes.Buffer{})
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = l.Download(ctx, "new/b", &bytes.Buffer{})
	assert.NoError(t, err)
}

func TestLocalDiskRejectsEscapingKeys(t *testing.T) {
	l, err := NewLocalDisk(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	_, err = l.Upload(context.Background(), "../escape", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestBlobPrune(t *testing.T) {
	ts := newBlobService(t)
	b, err := NewBlob(BlobConfig{ConnectionStrings: []string{ts.URL}, Container: "c"}, zaptest.NewLogger(t))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = b.Upload(ctx, "x/1", strings.NewReader("1"))
	require.NoError(t, err)
	_, err = b.Upload(ctx, "x/2", strings.NewReader("2"))
	require.NoError(t, err)

	// nothing is older than an hour yet
	removed, err := b.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)

	b.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	removed, err = b.Prune(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	blobs, err := b.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, blobs)
}

func TestBlobFirstReachableEndpointWins(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()
	up := newBlobService(t)

	b, err := NewBlob(BlobConfig{ConnectionStrings: []string{down.URL, up.URL}, Container: "c"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	ref, err := b.Upload(context.Background(), "k", strings.NewReader("v"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.active)

	var buf bytes.Buffer
	_, err = b.Download(context.Background(), ref, &buf)
	require.NoError(t, err)
	assert.Equal(t, "v", buf.String())
}

func TestBlobFailsOverAfterTransportError(t *testing.T) {
	first := newBlobService(t)
	second := newBlobService(t)

	b, err := NewBlob(BlobConfig{ConnectionStrings: []string{first.URL, second.URL}, Container: "c"}, zaptest.NewLogger(t))
	require.NoError(t, err)

	_, err = b.Upload(context.Background(), "k", strings.NewReader("v1"))
	require.NoError(t, err)
	assert.Equal(t, 0, b.active)

	first.Close()
	_, err = b.Upload(context.Background(), "k", strings.NewReader("v2"))
	require.NoError(t, err)
	assert.Equal(t, 1, b.active)
}

func TestBlobConfigValidation(t *testing.T) {
	_, err := NewBlob(BlobConfig{Container: "c"}, nil)
	assert.Error(t, err)
	_, err = NewBlob(BlobConfig{ConnectionStrings: []string{"http://x"}}, nil)
	assert.Error(t, err)
}
