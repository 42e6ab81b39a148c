// Package blobserver is a small HTTP blob service storing containers of
// named blobs on disk. It backs the "blob" central storage kind.
package blobserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Server is the blob service.
type Server struct {
	engine *gin.Engine
	root   string
	logger *zap.Logger
	http   *http.Server
}

type blobInfo struct {
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified"`
}

// New creates a Server storing containers below root.
func New(root string, logger *zap.Logger) (*Server, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{engine: engine, root: root, logger: logger.Named("blobserver")}
	s.registerRoutes()
	return s, nil
}

// Handler exposes the router, e.g. for httptest.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{Addr: addr, Handler: s.engine}
	s.logger.Info("Blob service listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	blobs := s.engine.Group("/containers/:container/blobs")
	{
		blobs.GET("", s.list)
		blobs.PUT("/*name", s.put)
		blobs.GET("/*name", s.get)
		blobs.DELETE("/*name", s.delete)
	}
}

// blobPath resolves a container and blob name below root, rejecting escapes.
func (s *Server) blobPath(container, name string) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if container == "" || name == "" || strings.ContainsAny(container, `/\`) || container == ".." {
		return "", errors.New("invalid container or blob name")
	}
	clean := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", errors.New("invalid blob name")
	}
	return filepath.Join(s.root, container, clean), nil
}

func (s *Server) put(c *gin.Context) {
	dest, err := s.blobPath(c.Param("container"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".blob-*")
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	n, err := io.Copy(tmp, c.Request.Body)
	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmp.Name(), dest)
	}
	if err != nil {
		os.Remove(tmp.Name())
		s.logger.Warn("Blob upload failed", zap.String("path", dest), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"name": strings.TrimPrefix(c.Param("name"), "/"), "size": n})
}

func (s *Server) get(c *gin.Context) {
	src, err := s.blobPath(c.Param("container"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st, err := os.Stat(src)
	if err != nil || st.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
		return
	}
	c.File(src)
}

func (s *Server) delete(c *gin.Context) {
	path, err := s.blobPath(c.Param("container"), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			c.JSON(http.StatusNotFound, gin.H{"error": "blob not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) list(c *gin.Context) {
	container := c.Param("container")
	if container == "" || strings.ContainsAny(container, `/\`) || container == ".." {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid container"})
		return
	}
	dir := filepath.Join(s.root, container)

	out := []blobInfo{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".blob-") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		out = append(out, blobInfo{Name: filepath.ToSlash(rel), Size: info.Size(), Modified: info.ModTime().UTC()})
		return nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	c.JSON(http.StatusOK, out)
}
