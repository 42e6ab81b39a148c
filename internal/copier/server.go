package copier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"strconv"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/locsync/internal/contentstore"
	"github.com/ChuLiYu/locsync/pkg/types"
)

// ContentSource is what the copy service serves from.
type ContentSource interface {
	Open(hash types.ContentHash) (io.ReadCloser, int64, error)
}

// Exister is the optional existence-check capability of a source.
type Exister interface {
	Contains(hash types.ContentHash) bool
}

// Server implements the copy service for one ContentSource.
type Server struct {
	source    ContentSource
	chunkSize int
	logger    *zap.Logger

	mu   sync.Mutex
	grpc *grpc.Server
	lis  net.Listener
}

// NewServer creates a copy server. chunkSize <= 0 uses DefaultChunkSize.
func NewServer(source ContentSource, chunkSize int, logger *zap.Logger) *Server {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{source: source, chunkSize: chunkSize, logger: logger.Named("copy.server")}
}

// Register attaches the service to an existing gRPC server.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Serve listens on addr and serves in the background.
func (s *Server) Serve(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("copy server listen %s: %w", addr, err)
	}

	gs := grpc.NewServer()
	s.Register(gs)

	s.mu.Lock()
	s.grpc = gs
	s.lis = lis
	s.mu.Unlock()

	go func() {
		if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.logger.Error("Copy server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Copy server listening", zap.String("addr", lis.Addr().String()))
	return gs, nil
}

// Addr returns the listening address once Serve succeeded.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lis == nil {
		return nil
	}
	return s.lis.Addr()
}

// Stop drains in-flight copies and stops the listener.
func (s *Server) Stop() {
	s.mu.Lock()
	gs := s.grpc
	s.grpc = nil
	s.mu.Unlock()
	if gs != nil {
		gs.GracefulStop()
	}
}

func (s *Server) CopyFile(req *wrapperspb.StringValue, stream grpc.ServerStream) error {
	hash, err := types.ParseContentHash(req.GetValue())
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "bad hash %q: %v", req.GetValue(), err)
	}

	r, size, err := s.source.Open(hash)
	if err != nil {
		if errors.Is(err, contentstore.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
			return status.Errorf(codes.NotFound, "%s not found", hash)
		}
		s.logger.Warn("Failed to open content", zap.String("hash", hash.String()), zap.Error(err))
		return status.Errorf(codes.Internal, "open %s: %v", hash, err)
	}
	defer r.Close()

	if err := stream.SendHeader(metadata.Pairs(contentSizeKey, strconv.FormatInt(size, 10))); err != nil {
		return err
	}

	buf := make([]byte, s.chunkSize)
	for {
		if err := stream.Context().Err(); err != nil {
			return status.FromContextError(err).Err()
		}
		n, rerr := r.Read(buf)
		if n > 0 {
			if err := stream.SendMsg(&wrapperspb.BytesValue{Value: buf[:n]}); err != nil {
				return err
			}
		}
		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			return status.Errorf(codes.Internal, "read %s: %v", hash, rerr)
		}
	}
}

func (s *Server) Exists(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BoolValue, error) {
	ex, ok := s.source.(Exister)
	if !ok {
		return nil, status.Error(codes.Unimplemented, "existence check not supported")
	}
	hash, err := types.ParseContentHash(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "bad hash %q: %v", req.GetValue(), err)
	}
	return wrapperspb.Bool(ex.Contains(hash)), nil
}
