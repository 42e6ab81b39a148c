package propagation

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ChuLiYu/locsync/internal/address"
	"github.com/ChuLiYu/locsync/internal/centralstorage"
	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/internal/copier"
	"github.com/ChuLiYu/locsync/internal/reputation"
	"github.com/ChuLiYu/locsync/internal/sharedstate"
	"github.com/ChuLiYu/locsync/pkg/types"
)

const testPrefix = "checkpoints-1"

// fakeCopier copies straight out of the peers' private stores.
type fakeCopier struct {
	mu      sync.Mutex
	peers   map[types.MachineID]*contentstore.Store
	corrupt map[types.MachineID]bool
	delay   time.Duration
	calls   atomic.Int32
}

func newFakeCopier() *fakeCopier {
	return &fakeCopier{peers: map[types.MachineID]*contentstore.Store{}, corrupt: map[types.MachineID]bool{}}
}

func (f *fakeCopier) CopyTo(ctx context.Context, path, destPath string, expectedSize int64) copier.Outcome {
	f.calls.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	a, err := address.Decode(path)
	if err != nil {
		return copier.Outcome{Status: copier.InvalidAddress, Err: err}
	}
	host := types.MachineID(a.Host)

	f.mu.Lock()
	store, ok := f.peers[host]
	corrupt := f.corrupt[host]
	f.mu.Unlock()
	if !ok {
		return copier.Outcome{Status: copier.ConnectionFailed, Err: errors.New("unreachable")}
	}

	r, _, err := store.Open(a.Hash)
	if err != nil {
		return copier.Outcome{Status: copier.SourceNotFound, Err: err}
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return copier.Outcome{Status: copier.ConnectionFailed, Err: err}
	}
	if corrupt {
		data = []byte("not what you asked for")
	}
	if err := os.WriteFile(destPath, data, 0o644); err != nil {
		return copier.Outcome{Status: copier.ConnectionFailed, Err: err}
	}
	return copier.Outcome{Status: copier.Success, BytesCopied: int64(len(data))}
}

// countingStorage counts fallback downloads.
type countingStorage struct {
	centralstorage.Storage
	downloads atomic.Int32
}

func (c *countingStorage) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	c.downloads.Add(1)
	return c.Storage.Download(ctx, ref, w)
}

type env struct {
	shared   sharedstate.Store
	fallback *countingStorage
	copier   *fakeCopier
}

func newEnv(t *testing.T) *env {
	t.Helper()
	local, err := centralstorage.NewLocalDisk(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	return &env{
		shared:   sharedstate.NewMemoryStore(),
		fallback: &countingStorage{Storage: local},
		copier:   newFakeCopier(),
	}
}

func (e *env) machine(t *testing.T, name string, tweak ...func(*Config)) *Propagator {
	t.Helper()
	store, err := contentstore.New(t.TempDir())
	require.NoError(t, err)

	cfg := Config{
		Self:                  types.MachineID(name),
		Prefix:                testPrefix,
		PropagationIterations: 3,
		MaxSimultaneousCopies: 2,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}
	p, err := New(cfg, e.fallback, store, e.shared, e.copier, reputation.NewTracker(time.Hour), nil, zaptest.NewLogger(t).Named(name))
	require.NoError(t, err)
	p.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	t.Cleanup(p.Close)

	e.copier.mu.Lock()
	e.copier.peers[cfg.Self] = store
	e.copier.mu.Unlock()
	return p
}

func download(t *testing.T, p *Propagator, ref string) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := p.Download(context.Background(), ref, &buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestUploadStoresAdvertisesAndUploads(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.machine(t, "a")

	payload := []byte("sst file contents")
	ref, err := a.Upload(ctx, "checkpoints-1/cp/000001.sst", bytes.NewReader(payload))
	require.NoError(t, err)

	h := hashOf(t, payload)
	assert.Equal(t, h.String()+"|checkpoints-1/cp/000001.sst", ref)
	assert.True(t, a.Store().Contains(h))

	holders, err := a.registry.Holders(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, []types.MachineID{"a"}, holders)

	var central bytes.Buffer
	_, err = e.fallback.Storage.Download(ctx, "checkpoints-1/cp/000001.sst", &central)
	require.NoError(t, err)
	assert.Equal(t, payload, central.Bytes())

	// the uploader serves itself
	assert.Equal(t, payload, download(t, a, ref))
	assert.Zero(t, e.fallback.downloads.Load())
	assert.Zero(t, e.copier.calls.Load())
}

func TestDownloadCopiesFromPeer(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.machine(t, "a"), e.machine(t, "b")

	payload := []byte("manifest")
	ref, err := a.Upload(ctx, "k/MANIFEST", bytes.NewReader(payload))
	require.NoError(t, err)

	assert.Equal(t, payload, download(t, b, ref))
	assert.Equal(t, int32(1), e.copier.calls.Load())
	assert.Zero(t, e.fallback.downloads.Load())

	h := hashOf(t, payload)
	assert.True(t, b.Store().Contains(h))
	holders, err := b.registry.Holders(ctx, h)
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.MachineID{"a", "b"}, holders)
	assert.Equal(t, reputation.Good, b.reputation.Score("a"))
}

func TestDownloadFallsBackAfterRounds(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.machine(t, "a"), e.machine(t, "b")

	payload := []byte("options")
	ref, err := a.Upload(ctx, "k/OPTIONS", bytes.NewReader(payload))
	require.NoError(t, err)

	// a disappears, but its advertisement remains
	e.copier.mu.Lock()
	delete(e.copier.peers, "a")
	e.copier.mu.Unlock()

	var sleeps atomic.Int32
	b.sleep = func(ctx context.Context, d time.Duration) error {
		sleeps.Add(1)
		return nil
	}

	assert.Equal(t, payload, download(t, b, ref))
	assert.Equal(t, int32(3), e.copier.calls.Load(), "one attempt per round")
	assert.Equal(t, int32(2), sleeps.Load(), "delay only between rounds")
	assert.Equal(t, int32(1), e.fallback.downloads.Load())
	assert.Equal(t, reputation.Bad, b.reputation.Score("a"))
	assert.True(t, b.Store().Contains(hashOf(t, payload)))
}

func TestCorruptPeerCopyIsRejected(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.machine(t, "a"), e.machine(t, "b", func(c *Config) { c.PropagationIterations = 1 })

	payload := []byte("log file")
	ref, err := a.Upload(ctx, "k/000002.log", bytes.NewReader(payload))
	require.NoError(t, err)

	e.copier.mu.Lock()
	e.copier.corrupt["a"] = true
	e.copier.mu.Unlock()

	assert.Equal(t, payload, download(t, b, ref))
	assert.Equal(t, int32(1), e.fallback.downloads.Load())
	assert.Equal(t, reputation.Bad, b.reputation.Score("a"))
}

func TestMissingPeerFallsThroughToNext(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b, c := e.machine(t, "a"), e.machine(t, "b"), e.machine(t, "c")

	payload := []byte("sst")
	ref, err := a.Upload(ctx, "k/000003.sst", bytes.NewReader(payload))
	require.NoError(t, err)
	assert.Equal(t, payload, download(t, b, ref))

	// b evicted the blob without withdrawing it
	require.NoError(t, b.Store().Delete(hashOf(t, payload)))

	assert.Equal(t, payload, download(t, c, ref))
	assert.Zero(t, e.fallback.downloads.Load())
	assert.Equal(t, reputation.Missing, c.reputation.Score("b"))
	assert.Equal(t, reputation.Good, c.reputation.Score("a"))
}

func TestConcurrentDownloadsCoalesce(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.machine(t, "a"), e.machine(t, "b")

	payload := bytes.Repeat([]byte("x"), 4096)
	ref, err := a.Upload(ctx, "k/big.sst", bytes.NewReader(payload))
	require.NoError(t, err)
	e.copier.delay = 50 * time.Millisecond

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			_, err := b.Download(ctx, ref, &buf)
			assert.NoError(t, err)
			assert.Equal(t, payload, buf.Bytes())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), e.copier.calls.Load())
}

func TestPlainReferenceUsesFallback(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	b := e.machine(t, "b")

	ref, err := e.fallback.Storage.Upload(ctx, "k/legacy", strings.NewReader("legacy"))
	require.NoError(t, err)
	assert.Equal(t, []byte("legacy"), download(t, b, ref))
	assert.Equal(t, int32(1), e.fallback.downloads.Load())
}

func TestMalformedReference(t *testing.T) {
	e := newEnv(t)
	b := e.machine(t, "b")
	_, err := b.Download(context.Background(), "SHA256:nothex|k/x", io.Discard)
	assert.Error(t, err)
}

func TestRetentionEvictsOldestAndWithdraws(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.machine(t, "a", func(c *Config) { c.MaxRetentionBytes = 25 })

	blobs := [][]byte{[]byte("oldest-10b"), []byte("middle-10b"), []byte("newest-10b")}
	now := time.Now()
	for i, b := range blobs {
		_, err := a.Upload(ctx, filepath.Join("k", string(rune('a'+i))), bytes.NewReader(b))
		require.NoError(t, err)
		if i < 2 {
			require.NoError(t, a.Store().Touch(hashOf(t, b), now.Add(time.Duration(i-2)*time.Hour)))
		}
	}

	oldest := hashOf(t, blobs[0])
	assert.False(t, a.Store().Contains(oldest))
	assert.True(t, a.Store().Contains(hashOf(t, blobs[1])))
	assert.True(t, a.Store().Contains(hashOf(t, blobs[2])))

	holders, err := a.registry.Holders(ctx, oldest)
	require.NoError(t, err)
	assert.Empty(t, holders)

	// still downloadable through central storage
	b := e.machine(t, "b")
	ref := oldest.String() + "|" + filepath.Join("k", "a")
	assert.Equal(t, blobs[0], download(t, b, ref))
}

func TestPruneDelegates(t *testing.T) {
	e := newEnv(t)
	a := e.machine(t, "a")
	n, err := a.Prune(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRetentionSparesBlobsBeingRead(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.machine(t, "a")
	b := e.machine(t, "b", func(c *Config) { c.MaxRetentionBytes = 15 })

	first, second := []byte("first-11b!!"), []byte("second-11b!")
	ref1, err := a.Upload(ctx, "k/1", bytes.NewReader(first))
	require.NoError(t, err)
	ref2, err := a.Upload(ctx, "k/2", bytes.NewReader(second))
	require.NoError(t, err)

	h1, h2 := hashOf(t, first), hashOf(t, second)
	assert.Equal(t, first, download(t, b, ref1))

	// a reader of first is between fetch and open
	b.pin(h1)
	assert.Equal(t, second, download(t, b, ref2))
	assert.True(t, b.Store().Contains(h1))
	b.unpin(h1)

	b.enforceRetention(ctx, h2)
	assert.False(t, b.Store().Contains(h1))
	assert.True(t, b.Store().Contains(h2))
}

func TestConcurrentDownloadsUnderRetentionPressure(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a := e.machine(t, "a")
	b := e.machine(t, "b", func(c *Config) {
		c.MaxRetentionBytes = 15
		c.MaxSimultaneousCopies = 4
	})

	payloads := [][]byte{[]byte("first-11b!!"), []byte("second-11b!")}
	refs := make([]string, len(payloads))
	for i, p := range payloads {
		ref, err := a.Upload(ctx, filepath.Join("k", string(rune('a'+i))), bytes.NewReader(p))
		require.NoError(t, err)
		refs[i] = ref
	}

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		i := i % len(payloads)
		wg.Add(1)
		go func() {
			defer wg.Done()
			var buf bytes.Buffer
			_, err := b.Download(ctx, refs[i], &buf)
			assert.NoError(t, err)
			assert.Equal(t, payloads[i], buf.Bytes())
		}()
	}
	wg.Wait()
}

func TestFetchOutlivesCanceledCaller(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	a, b := e.machine(t, "a"), e.machine(t, "b")

	payload := []byte("slow peer payload")
	ref, err := a.Upload(ctx, "k/slow", bytes.NewReader(payload))
	require.NoError(t, err)
	e.copier.delay = 200 * time.Millisecond

	short, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = b.Download(short, ref, io.Discard)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// joins the fetch the canceled caller started
	assert.Equal(t, payload, download(t, b, ref))
	assert.Equal(t, int32(1), e.copier.calls.Load())
	assert.Zero(t, e.fallback.downloads.Load())

	running, queued := b.Backlog()
	assert.Zero(t, running)
	assert.Zero(t, queued)
}
