// Package api exposes scans, inventory, findings and the vulnerability feed
// over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/orchestrator"
	"github.com/yourorg/netscan-engine/internal/vulnfeed"
)

// Scans is the orchestrator surface the API drives.
type Scans interface {
	Trigger(ctx context.Context, req orchestrator.Request) (string, error)
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*model.ScanRecord, error)
}

// Store is the read side of the database plus manual finding dismissal.
type Store interface {
	Ping(ctx context.Context) error
	ListScans(ctx context.Context, org string, from, to time.Time, limit int) ([]model.ScanRecord, error)
	ListHosts(ctx context.Context, org string, from, to time.Time, limit int) ([]model.Host, error)
	ListClassifications(ctx context.Context, org string, from, to time.Time, latestOnly bool, limit int) ([]model.Classification, error)
	QueryFindings(ctx context.Context, f model.FindingFilter) ([]model.Finding, error)
	ActiveFindings(ctx context.Context, org string) ([]model.Finding, error)
	FindingsOpenAt(ctx context.Context, org string, t time.Time) ([]model.Finding, error)
	ResolveFinding(ctx context.Context, org, id string) error
}

type Feed interface {
	ApplyRecords(ctx context.Context, records []model.VulnRecord) error
	Status() vulnfeed.Status
}

type Config struct {
	RiskTopN int
	// MaxFeedBytes bounds POST /v1/feed/snapshot bodies.
	MaxFeedBytes int64
}

type Server struct {
	cfg    Config
	scans  Scans
	store  Store
	feed   Feed
	log    *logrus.Entry
	router *gin.Engine
}

func New(cfg Config, scans Scans, store Store, feed Feed, log *logrus.Entry) *Server {
	if cfg.MaxFeedBytes <= 0 {
		cfg.MaxFeedBytes = 256 << 20
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{cfg: cfg, scans: scans, store: store, feed: feed, log: log, router: gin.New()}
	s.router.Use(gin.Recovery(), s.requestLogger())
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", s.handleHealth)

	v1 := s.router.Group("/v1")
	{
		v1.POST("/scans", s.handleTriggerScan)
		v1.GET("/scans", s.handleListScans)
		v1.GET("/scans/:id", s.handleGetScan)
		v1.POST("/scans/:id/cancel", s.handleCancelScan)

		v1.GET("/hosts", s.handleListHosts)
		v1.GET("/classifications", s.handleListClassifications)

		v1.GET("/findings", s.handleListFindings)
		v1.POST("/findings/:id/resolve", s.handleResolveFinding)
		v1.GET("/risk", s.handleRisk)

		v1.POST("/feed/snapshot", s.handleApplySnapshot)
		v1.GET("/feed/status", s.handleFeedStatus)
	}
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shctx)
	}()
	s.log.Infof("api listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.FullPath(),
			"status":  c.Writer.Status(),
			"latency": time.Since(start).Round(time.Microsecond),
		})
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Warn("request failed")
			return
		}
		entry.Debug("request")
	}
}
