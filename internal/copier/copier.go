// ============================================================================
// locsync Copier - 以 hash 在機器間複製內容
// ============================================================================
//
// Package: internal/copier
// 文件: copier.go
// 功能: 透過專用的 gRPC copy listener 取得遠端內容
//
// 呼叫端以 advertised path 指定內容（見 package address）：
//   - CopyToWriter : 串流寫入 io.Writer
//   - CopyTo       : 寫入暫存檔，完成後才 rename 到目的地
//   - CheckExists  : 詢問遠端是否持有
//
// 每次 copy 開一條連線；失敗以 Outcome.Status 分類回傳，不拋出 error。
//
// ============================================================================

package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/locsync/internal/address"
)

// Status is the result kind of a copy.
type Status int

const (
	Success Status = iota
	SourceNotFound
	Timeout
	Canceled
	ConnectionFailed
	InvalidAddress
	SizeMismatch
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case SourceNotFound:
		return "source_not_found"
	case Timeout:
		return "timeout"
	case Canceled:
		return "canceled"
	case ConnectionFailed:
		return "connection_failed"
	case InvalidAddress:
		return "invalid_address"
	case SizeMismatch:
		return "size_mismatch"
	default:
		return "unknown"
	}
}

// Outcome describes a finished copy. Err is set for every non-Success status.
type Outcome struct {
	Status      Status
	BytesCopied int64
	Err         error
}

func (o Outcome) OK() bool { return o.Status == Success }

// ExistenceStatus is the result kind of an existence check.
type ExistenceStatus int

const (
	Exists ExistenceStatus = iota
	NotFound
	// Unsupported means the remote cannot answer; it says nothing about
	// whether the content exists.
	Unsupported
	CheckFailed
)

func (s ExistenceStatus) String() string {
	switch s {
	case Exists:
		return "exists"
	case NotFound:
		return "not_found"
	case Unsupported:
		return "unsupported"
	case CheckFailed:
		return "error"
	default:
		return "unknown"
	}
}

type ExistenceResult struct {
	Status ExistenceStatus
	Err    error
}

// UnknownSize disables the size check of a copy.
const UnknownSize int64 = -1

// Config of the copy client.
type Config struct {
	// Port of the copy listener on every machine. 0 means DefaultPort.
	Port  int
	Codec address.Codec
	// Timeout bounds a single call when the context has no deadline.
	Timeout time.Duration
}

// Copier is the client side of the copy protocol.
type Copier struct {
	port    int
	codec   address.Codec
	timeout time.Duration
	logger  *zap.Logger

	// dial is replaced in tests to observe connection attempts.
	dial func(target string) (*grpc.ClientConn, error)
}

func New(cfg Config, logger *zap.Logger) *Copier {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Codec.Extension == "" && len(cfg.Codec.Root) == 0 {
		cfg.Codec = address.DefaultCodec
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Copier{
		port:    cfg.Port,
		codec:   cfg.Codec,
		timeout: cfg.Timeout,
		logger:  logger.Named("copier"),
		dial: func(target string) (*grpc.ClientConn, error) {
			return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
		},
	}
}

func (c *Copier) target(host string) string {
	return net.JoinHostPort(host, strconv.Itoa(c.port))
}

func (c *Copier) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// CopyToWriter streams the content named by path into w.
// expectedSize < 0 skips the size check.
func (c *Copier) CopyToWriter(ctx context.Context, path string, w io.Writer, expectedSize int64) Outcome {
	addr, err := c.codec.Decode(path)
	if err != nil {
		return Outcome{Status: InvalidAddress, Err: err}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conn, err := c.dial(c.target(addr.Host))
	if err != nil {
		return Outcome{Status: ConnectionFailed, Err: fmt.Errorf("dial %s: %w", addr.Host, err)}
	}
	defer conn.Close()

	stream, err := conn.NewStream(ctx, &copyFileStreamDesc, copyFileMethod)
	if err != nil {
		return c.failure(ctx, 0, err)
	}
	if err := stream.SendMsg(wrapperspb.String(addr.Hash.String())); err != nil {
		return c.failure(ctx, 0, err)
	}
	if err := stream.CloseSend(); err != nil {
		return c.failure(ctx, 0, err)
	}

	advertised := UnknownSize
	header, err := stream.Header()
	if err != nil {
		return c.failure(ctx, 0, err)
	}
	if v := header.Get(contentSizeKey); len(v) > 0 {
		if n, perr := strconv.ParseInt(v[0], 10, 64); perr == nil {
			advertised = n
		}
	}

	var copied int64
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return c.failure(ctx, copied, err)
		}
		n, werr := w.Write(chunk.GetValue())
		copied += int64(n)
		if werr != nil {
			return Outcome{Status: ConnectionFailed, BytesCopied: copied, Err: fmt.Errorf("write destination: %w", werr)}
		}
	}

	if advertised >= 0 && copied != advertised {
		return Outcome{Status: SizeMismatch, BytesCopied: copied, Err: fmt.Errorf("received %d bytes, source advertised %d", copied, advertised)}
	}
	if expectedSize >= 0 && copied != expectedSize {
		return Outcome{Status: SizeMismatch, BytesCopied: copied, Err: fmt.Errorf("received %d bytes, expected %d", copied, expectedSize)}
	}
	return Outcome{Status: Success, BytesCopied: copied}
}

// CopyTo copies the content named by path into destPath. The destination
// only appears once the copy completed; on any failure it is left as it was.
func (c *Copier) CopyTo(ctx context.Context, path, destPath string, expectedSize int64) Outcome {
	if _, err := c.codec.Decode(path); err != nil {
		return Outcome{Status: InvalidAddress, Err: err}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return Outcome{Status: ConnectionFailed, Err: fmt.Errorf("prepare destination: %w", err)}
	}
	tmp, err := os.CreateTemp(filepath.Dir(destPath), ".copy-*")
	if err != nil {
		return Outcome{Status: ConnectionFailed, Err: fmt.Errorf("prepare destination: %w", err)}
	}
	tmpPath := tmp.Name()

	out := c.CopyToWriter(ctx, path, tmp, expectedSize)
	closeErr := tmp.Close()
	if out.OK() && closeErr != nil {
		out = Outcome{Status: ConnectionFailed, BytesCopied: out.BytesCopied, Err: fmt.Errorf("close destination: %w", closeErr)}
	}
	if !out.OK() {
		os.Remove(tmpPath)
		return out
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return Outcome{Status: ConnectionFailed, BytesCopied: out.BytesCopied, Err: fmt.Errorf("publish destination: %w", err)}
	}
	return out
}

// CheckExists asks the remote machine whether it holds the content.
func (c *Copier) CheckExists(ctx context.Context, path string) ExistenceResult {
	addr, err := c.codec.Decode(path)
	if err != nil {
		return ExistenceResult{Status: CheckFailed, Err: err}
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	conn, err := c.dial(c.target(addr.Host))
	if err != nil {
		return ExistenceResult{Status: CheckFailed, Err: err}
	}
	defer conn.Close()

	out := new(wrapperspb.BoolValue)
	if err := conn.Invoke(ctx, existsMethod, wrapperspb.String(addr.Hash.String()), out); err != nil {
		if status.Code(err) == codes.Unimplemented {
			return ExistenceResult{Status: Unsupported, Err: err}
		}
		return ExistenceResult{Status: CheckFailed, Err: err}
	}
	if out.GetValue() {
		return ExistenceResult{Status: Exists}
	}
	return ExistenceResult{Status: NotFound}
}

// failure maps a transport error to an outcome.
func (c *Copier) failure(ctx context.Context, copied int64, err error) Outcome {
	st := ConnectionFailed
	switch {
	case errors.Is(ctx.Err(), context.Canceled):
		st = Canceled
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		st = Timeout
	default:
		switch status.Code(err) {
		case codes.NotFound:
			st = SourceNotFound
		case codes.DeadlineExceeded:
			st = Timeout
		case codes.Canceled:
			st = Canceled
		}
	}
	c.logger.Debug("Copy failed", zap.String("status", st.String()), zap.Int64("bytes", copied), zap.Error(err))
	return Outcome{Status: st, BytesCopied: copied, Err: err}
}
