package cli

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/locsync/internal/address"
	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/internal/node"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	configFile = ""
	cmd := BuildCLI()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBuildCLI(t *testing.T) {
	cmd := BuildCLI()

	assert.Equal(t, "locsyncd", cmd.Use)
	assert.Equal(t, Version, cmd.Version)

	names := make(map[string]bool)
	for _, c := range cmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "status", "config", "copy", "address", "blobserver"} {
		assert.True(t, names[want], "missing %q command", want)
	}

	configFlag := cmd.PersistentFlags().Lookup("config")
	require.NotNil(t, configFlag)
	assert.Equal(t, "c", configFlag.Shorthand)
}

func TestConfigShow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("machine:\n  id: m7\n  dataDir: /srv/locsync\n"), 0o644))

	out, err := execute(t, "config", "show", "-c", path)
	require.NoError(t, err)
	assert.Contains(t, out, "id: m7")
	assert.Contains(t, out, "root: /srv/locsync/content")
	assert.Contains(t, out, "keyBase: checkpoints-")
}

func TestConfigShowMissingFile(t *testing.T) {
	_, err := execute(t, "config", "show", "-c", filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestAddressEncodeDecode(t *testing.T) {
	sum := sha256.Sum256([]byte("blob"))
	h, err := types.NewContentHash(types.HashTypeSHA256, sum[:])
	require.NoError(t, err)

	out, err := execute(t, "address", "encode", "--host", "cache-01", "--hash", h.String())
	require.NoError(t, err)
	encoded := strings.TrimSpace(out)
	assert.Equal(t, address.Encode(address.Address{Host: "cache-01", Hash: h}), encoded)

	out, err = execute(t, "address", "decode", encoded)
	require.NoError(t, err)
	assert.Contains(t, out, "host: cache-01")
	assert.Contains(t, out, "hash: "+h.String())
}

func TestAddressDecodeInvalid(t *testing.T) {
	_, err := execute(t, "address", "decode", "not-an-address")
	assert.ErrorIs(t, err, address.ErrInvalidAddress)
}

func TestStatusCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status", r.URL.Path)
		_ = json.NewEncoder(w).Encode(node.Status{
			Machine:         "m1",
			Role:            "master",
			Checkpointing:   true,
			Prefix:          "checkpoints-1",
			Epoch:           "1",
			LastCreated:     4,
			PointerSequence: 4,
			LocationEntries: 12,
		})
	}))
	defer srv.Close()

	out, err := execute(t, "status", "--addr", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "master")
	assert.Contains(t, out, "checkpoints-1")
	assert.Contains(t, out, "12")
}

func TestStatusCommandServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "shared state unreachable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	_, err := execute(t, "status", "--addr", srv.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared state unreachable")
}

func TestAdminURL(t *testing.T) {
	assert.Equal(t, "http://localhost:9090", adminURL(":9090"))
	assert.Equal(t, "http://10.0.0.5:9090", adminURL("10.0.0.5:9090"))
	assert.Equal(t, "https://admin.example", adminURL("https://admin.example/"))
}

func TestCopyCommand(t *testing.T) {
	store, err := contentstore.New(t.TempDir())
	require.NoError(t, err)
	payload := []byte("blob served by a peer")
	sum := sha256.Sum256(payload)
	h, err := types.NewContentHash(types.HashTypeSHA256, sum[:])
	require.NoError(t, err)
	_, err = store.Put(context.Background(), h, bytes.NewReader(payload))
	require.NoError(t, err)

	server := copier.NewServer(store, 0, zaptest.NewLogger(t))
	_, err = server.Serve("127.0.0.1:0")
	require.NoError(t, err)
	defer server.Stop()
	port := strconv.Itoa(server.Addr().(*net.TCPAddr).Port)

	addr := address.Encode(address.Address{Host: "127.0.0.1", Hash: h})
	dest := filepath.Join(t.TempDir(), "out.blob")

	out, err := execute(t, "copy", "--port", port, addr, dest)
	require.NoError(t, err)
	assert.Contains(t, out, "copied 21 bytes")
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	out, err = execute(t, "copy", "--port", port, "--exists", addr)
	require.NoError(t, err)
	assert.Equal(t, "exists", strings.TrimSpace(out))
}
