package centralstorage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// BlobConfig configures the remote blob service client.
type BlobConfig struct {
	// ConnectionStrings are base URLs of equivalent blob service endpoints.
	// The first reachable one is used until it fails.
	ConnectionStrings []string
	Container         string
	OperationTimeout  time.Duration
}

// BlobInfo is one entry of a container listing.
type BlobInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// Blob talks to a blob service over HTTP. References are blob names.
type Blob struct {
	cfg    BlobConfig
	client *http.Client
	logger *zap.Logger
	now    func() time.Time

	mu     sync.Mutex
	active int // index into ConnectionStrings, -1 = unknown
}

func NewBlob(cfg BlobConfig, logger *zap.Logger) (*Blob, error) {
	if len(cfg.ConnectionStrings) == 0 {
		return nil, errors.New("blob storage needs at least one connection string")
	}
	if cfg.Container == "" {
		return nil, errors.New("blob storage needs a container name")
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Blob{
		cfg:    cfg,
		client: &http.Client{},
		logger: logger.Named("central.blob"),
		now:    time.Now,
		active: -1,
	}, nil
}

// endpoint returns the active base URL, probing in order when unknown.
func (b *Blob) endpoint(ctx context.Context) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active >= 0 {
		return b.cfg.ConnectionStrings[b.active], nil
	}

	var errs []error
	for i, base := range b.cfg.ConnectionStrings {
		if err := b.ping(ctx, base); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", base, err))
			continue
		}
		b.active = i
		b.logger.Info("Using blob endpoint", zap.String("endpoint", base))
		return base, nil
	}
	return "", fmt.Errorf("no reachable blob endpoint: %w", errors.Join(errs...))
}

func (b *Blob) ping(ctx context.Context, base string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

// markFailed forgets base so the next call pings it again.
func (b *Blob) markFailed(base string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active >= 0 && b.cfg.ConnectionStrings[b.active] == base {
		b.logger.Warn("Blob endpoint failed, re-probing", zap.String("endpoint", base))
		b.active = -1
	}
}

func (b *Blob) blobURL(base, name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return fmt.Sprintf("%s/containers/%s/blobs/%s", strings.TrimRight(base, "/"), url.PathEscape(b.cfg.Container), strings.Join(parts, "/"))
}

// transportError marks failures that should switch endpoints.
type transportError struct{ err error }

func (e transportError) Error() string { return e.err.Error() }
func (e transportError) Unwrap() error { return e.err }

// do runs one request, switching endpoints on transport failures.
// body is re-created per attempt; fn consumes the response.
func (b *Blob) do(ctx context.Context, op string, build func(base string) (*http.Request, error), fn func(*http.Response) error) error {
	return retry.Do(
		func() error {
			base, err := b.endpoint(ctx)
			if err != nil {
				return transportError{err}
			}
			req, err := build(base)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			resp, err := b.client.Do(req)
			if err != nil {
				b.markFailed(base)
				return transportError{err}
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 500 {
				b.markFailed(base)
				return transportError{fmt.Errorf("%s: server returned %d", op, resp.StatusCode)}
			}
			return fn(resp)
		},
		retry.Context(ctx),
		retry.Attempts(uint(len(b.cfg.ConnectionStrings))),
		retry.Delay(0),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var te transportError
			return errors.As(err, &te)
		}),
	)
}

func (b *Blob) Upload(ctx context.Context, key string, r io.Reader) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	// a non-seekable body can only be sent once
	seeker, seekable := r.(io.Seeker)
	sent := false
	err := b.do(ctx, "upload",
		func(base string) (*http.Request, error) {
			if sent {
				if !seekable {
					return nil, fmt.Errorf("upload %s: endpoint failed after body was sent", key)
				}
				if _, err := seeker.Seek(0, io.SeekStart); err != nil {
					return nil, fmt.Errorf("upload %s: rewind: %w", key, err)
				}
			}
			sent = true
			// the caller owns r; keep the transport from closing it
			return http.NewRequestWithContext(ctx, http.MethodPut, b.blobURL(base, key), io.NopCloser(r))
		},
		func(resp *http.Response) error {
			if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
				return fmt.Errorf("upload %s: status %d", key, resp.StatusCode)
			}
			return nil
		},
	)
	if err != nil {
		return "", err
	}
	return key, nil
}

func (b *Blob) Download(ctx context.Context, ref string, w io.Writer) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	var n int64
	err := b.do(ctx, "download",
		func(base string) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodGet, b.blobURL(base, ref), nil)
		},
		func(resp *http.Response) error {
			switch resp.StatusCode {
			case http.StatusOK:
			case http.StatusNotFound:
				return fmt.Errorf("%w: %s", ErrNotFound, ref)
			default:
				return fmt.Errorf("download %s: status %d", ref, resp.StatusCode)
			}
			var err error
			n, err = io.Copy(w, resp.Body)
			if err != nil {
				return fmt.Errorf("download %s: %w", ref, err)
			}
			return nil
		},
	)
	return n, err
}

// List returns every blob of the container.
func (b *Blob) List(ctx context.Context) ([]BlobInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	var out []BlobInfo
	err := b.do(ctx, "list",
		func(base string) (*http.Request, error) {
			u := fmt.Sprintf("%s/containers/%s/blobs", strings.TrimRight(base, "/"), url.PathEscape(b.cfg.Container))
			return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		},
		func(resp *http.Response) error {
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("list: status %d", resp.StatusCode)
			}
			return json.NewDecoder(resp.Body).Decode(&out)
		},
	)
	return out, err
}

// Delete removes a blob; a missing blob is not an error.
func (b *Blob) Delete(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.OperationTimeout)
	defer cancel()

	return b.do(ctx, "delete",
		func(base string) (*http.Request, error) {
			return http.NewRequestWithContext(ctx, http.MethodDelete, b.blobURL(base, name), nil)
		},
		func(resp *http.Response) error {
			if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
				return fmt.Errorf("delete %s: status %d", name, resp.StatusCode)
			}
			return nil
		},
	)
}

func (b *Blob) Prune(ctx context.Context, retention time.Duration) (int, error) {
	blobs, err := b.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("prune: %w", err)
	}
	cutoff := b.now().Add(-retention)
	removed := 0
	for _, blob := range blobs {
		if !blob.Modified.Before(cutoff) {
			continue
		}
		if err := b.Delete(ctx, blob.Name); err != nil {
			b.logger.Warn("Failed to prune blob", zap.String("name", blob.Name), zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		b.logger.Info("Pruned blob container", zap.Int("count", removed), zap.String("container", b.cfg.Container))
	}
	return removed, nil
}
