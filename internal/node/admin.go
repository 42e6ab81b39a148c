package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultEvictionLimit = 100

// adminServer exposes health, status and metrics over HTTP.
type adminServer struct {
	svc    *Service
	engine *gin.Engine
	logger *zap.Logger

	mu   sync.Mutex
	http *http.Server
	lis  net.Listener
}

func newAdminServer(svc *Service, logger *zap.Logger) *adminServer {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	a := &adminServer{svc: svc, engine: engine, logger: logger.Named("admin")}
	engine.GET("/healthz", a.healthz)
	engine.GET("/status", a.status)
	engine.GET("/eviction", a.eviction)
	engine.GET("/metrics", gin.WrapH(svc.metrics.Handler()))
	return a
}

func (a *adminServer) start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("admin listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: a.engine}

	a.mu.Lock()
	a.http, a.lis = srv, lis
	a.mu.Unlock()

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Admin server stopped", zap.Error(err))
		}
	}()
	a.logger.Info("Admin server listening", zap.String("addr", lis.Addr().String()))
	return nil
}

func (a *adminServer) addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lis == nil {
		return nil
	}
	return a.lis.Addr()
}

func (a *adminServer) shutdown(ctx context.Context) error {
	a.mu.Lock()
	srv := a.http
	a.http = nil
	a.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (a *adminServer) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (a *adminServer) status(c *gin.Context) {
	st, err := a.svc.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "status": st})
		return
	}
	c.JSON(http.StatusOK, st)
}

type evictionEntry struct {
	Hash       string `json:"hash"`
	Size       int64  `json:"size"`
	Replicas   int    `json:"replicas"`
	LastAccess string `json:"last_access"`
	Effective  string `json:"effective"`
}

func (a *adminServer) eviction(c *gin.Context) {
	limit := defaultEvictionLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}

	cands, err := a.svc.EvictionCandidates(limit)
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	out := make([]evictionEntry, 0, len(cands))
	for _, cand := range cands {
		out = append(out, evictionEntry{
			Hash:       cand.Hash.String(),
			Size:       cand.Size,
			Replicas:   cand.Replicas,
			LastAccess: cand.LastAccess.UTC().Format(time.RFC3339),
			Effective:  cand.Effective.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, out)
}

// AdminHandler exposes the admin router without listening, e.g. for
// httptest. It is nil when the admin server is disabled.
func (s *Service) AdminHandler() http.Handler {
	if s.admin == nil {
		return nil
	}
	return s.admin.engine
}

// AdminAddr is the bound admin address, nil before Start or when disabled.
func (s *Service) AdminAddr() net.Addr {
	if s.admin == nil {
		return nil
	}
	return s.admin.addr()
}
