// Package api exposes the HTTP surface: account management, scan triggering,
// findings queries and the per-scan SSE event stream.
package api

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mandadapu/neuralwarden/pkg/events"
	"github.com/mandadapu/neuralwarden/pkg/queue"
	"github.com/mandadapu/neuralwarden/pkg/storage"
)

// ScanCanceller cancels a running scan on this replica.
type ScanCanceller interface {
	CancelScan(scanID string) bool
}

// HealthReporter reports worker pool health.
type HealthReporter interface {
	Health() *queue.PoolHealth
}

// EventCatchup reads persisted scan events so reconnecting stream clients
// can resume from a Last-Event-ID watermark.
type EventCatchup interface {
	EventsSince(ctx context.Context, scanID string, afterID int64) ([]events.StoredEvent, error)
}

// EventStreamer provides catchup reads plus live NOTIFY delivery for the
// SSE endpoint. A nil EventStreamer disables streaming (dry-run mode).
type EventStreamer struct {
	Catchup     EventCatchup
	Broadcaster *events.Broadcaster
	Listener    *events.NotifyListener
}

// Server is the HTTP API server.
type Server struct {
	store    storage.Store
	db       *sql.DB // nil when backed by the in-memory store
	pool     HealthReporter
	cancel   ScanCanceller
	streamer *EventStreamer
	logger   *slog.Logger
}

// NewServer wires the API server. db, pool, cancel and streamer may each be
// nil; the corresponding endpoints degrade gracefully.
func NewServer(store storage.Store, db *sql.DB, pool HealthReporter, cancel ScanCanceller, streamer *EventStreamer, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		store:    store,
		db:       db,
		pool:     pool,
		cancel:   cancel,
		streamer: streamer,
		logger:   logger,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", s.health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.POST("/accounts", s.createAccount)
		v1.GET("/accounts", s.listAccounts)
		v1.GET("/accounts/:id", s.getAccount)
		v1.PATCH("/accounts/:id", s.updateAccount)
		v1.DELETE("/accounts/:id", s.deleteAccount)
		v1.GET("/accounts/:id/findings", s.listFindings)
		v1.POST("/accounts/:id/scans", s.triggerScan)

		v1.GET("/scans/:id", s.getScan)
		v1.DELETE("/scans/:id", s.cancelScan)
		v1.GET("/scans/:id/events", s.streamScanEvents)
	}

	return router
}

// health handles GET /healthz.
func (s *Server) health(c *gin.Context) {
	resp := gin.H{"status": "healthy"}
	healthy := true

	if s.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()
		if err := s.db.PingContext(ctx); err != nil {
			resp["database"] = "unreachable: " + err.Error()
			healthy = false
		} else {
			resp["database"] = "ok"
		}
	}

	if s.pool != nil {
		poolHealth := s.pool.Health()
		resp["pool"] = poolHealth
		if !poolHealth.IsHealthy {
			healthy = false
		}
	}

	if !healthy {
		resp["status"] = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// abortWithStoreError maps storage errors to HTTP responses.
func (s *Server) abortWithStoreError(c *gin.Context, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "resource not found"})
		return
	}
	s.logger.Error("unexpected storage error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
}
