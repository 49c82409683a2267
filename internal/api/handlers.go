package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/yourorg/netscan-engine/internal/enumerate"
	"github.com/yourorg/netscan-engine/internal/lockmgr"
	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/orchestrator"
	"github.com/yourorg/netscan-engine/internal/risk"
	"github.com/yourorg/netscan-engine/internal/vulnfeed"
)

type triggerRequest struct {
	OrgID       string   `json:"org_id"`
	Ranges      []string `json:"ranges"`
	Exclude     []string `json:"exclude"`
	Type        string   `json:"scan_type"`
	Timeout     string   `json:"timeout"`
	Concurrency int      `json:"concurrency"`
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		s.log.WithError(err).Warn("healthz: db ping failed")
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "reason": "db unreachable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "feed": s.feed.Status().Snapshot})
}

func (s *Server) handleTriggerScan(c *gin.Context) {
	var body triggerRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	req := orchestrator.Request{
		OrgID:       body.OrgID,
		Ranges:      body.Ranges,
		Exclude:     body.Exclude,
		Type:        model.ScanType(body.Type),
		Concurrency: body.Concurrency,
	}
	if body.Timeout != "" {
		d, err := time.ParseDuration(body.Timeout)
		if err != nil || d < 0 {
			badRequest(c, "invalid timeout "+strconv.Quote(body.Timeout))
			return
		}
		req.Timeout = d
	}
	id, err := s.scans.Trigger(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": id})
}

func (s *Server) handleGetScan(c *gin.Context) {
	rec, err := s.scans.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleCancelScan(c *gin.Context) {
	id := c.Param("id")
	if err := s.scans.Cancel(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": id, "status": "cancelling"})
}

func (s *Server) handleListScans(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	out, err := s.store.ListScans(c.Request.Context(), q.org, q.from, q.to, q.limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"scans": nonNil(out)})
}

func (s *Server) handleListHosts(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	out, err := s.store.ListHosts(c.Request.Context(), q.org, q.from, q.to, q.limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"hosts": nonNil(out)})
}

func (s *Server) handleListClassifications(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	latest := c.Query("latest") == "true"
	out, err := s.store.ListClassifications(c.Request.Context(), q.org, q.from, q.to, latest, q.limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"classifications": nonNil(out)})
}

func (s *Server) handleListFindings(c *gin.Context) {
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	f := model.FindingFilter{
		OrgID:   q.org,
		HostIP:  c.Query("ip"),
		Keyword: c.Query("q"),
		From:    q.from,
		To:      q.to,
		Limit:   q.limit,
	}
	if f.HostIP != "" && !validIP(f.HostIP) {
		badRequest(c, "invalid ip "+strconv.Quote(f.HostIP))
		return
	}
	if raw := c.Query("severity"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			sev, err := model.ParseSeverity(part)
			if err != nil {
				badRequest(c, err.Error())
				return
			}
			f.Severities = append(f.Severities, sev)
		}
	}
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "days must be a positive integer")
			return
		}
		f.RecentDays = n
	}
	switch st := model.FindingStatus(c.Query("status")); st {
	case "", model.FindingOpen, model.FindingResolved:
		f.Status = st
	default:
		badRequest(c, "status must be open or resolved")
		return
	}
	out, err := s.store.QueryFindings(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"findings": nonNil(out)})
}

func (s *Server) handleResolveFinding(c *gin.Context) {
	org := c.Query("org")
	if org == "" {
		badRequest(c, "org is required")
		return
	}
	id := c.Param("id")
	if err := s.store.ResolveFinding(c.Request.Context(), org, id); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "status": model.FindingResolved})
}

// handleRisk rolls up the organization's open findings. With since, the
// delta compares against the findings that were open at that time.
func (s *Server) handleRisk(c *gin.Context) {
	org := c.Query("org")
	if org == "" {
		badRequest(c, "org is required")
		return
	}
	top := s.cfg.RiskTopN
	if raw := c.Query("top"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			badRequest(c, "top must be a positive integer")
			return
		}
		top = n
	}
	ctx := c.Request.Context()
	current, err := s.store.ActiveFindings(ctx, org)
	if err != nil {
		s.fail(c, err)
		return
	}
	previous := current
	if raw := c.Query("since"); raw != "" {
		since, err := parseTime(raw)
		if err != nil {
			badRequest(c, "invalid since: "+err.Error())
			return
		}
		before, err := s.store.FindingsOpenAt(ctx, org, since)
		if err != nil {
			s.fail(c, err)
			return
		}
		// They were open at since, whatever they are now.
		for i := range before {
			before[i].Status = model.FindingOpen
		}
		previous = before
	}
	c.JSON(http.StatusOK, risk.Aggregate(current, previous, top))
}

func (s *Server) handleApplySnapshot(c *gin.Context) {
	body, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, s.cfg.MaxFeedBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": err.Error()})
		return
	}
	records, skipped, err := vulnfeed.ParseFeed(body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := s.feed.ApplyRecords(c.Request.Context(), records); err != nil {
		s.fail(c, err)
		return
	}
	st := s.feed.Status()
	c.JSON(http.StatusOK, gin.H{"records": len(records), "skipped": skipped, "snapshot": st.Snapshot})
}

func (s *Server) handleFeedStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.feed.Status())
}

// fail maps domain errors onto status codes.
func (s *Server) fail(c *gin.Context, err error) {
	var (
		invalid *enumerate.InvalidRangeError
		busy    *lockmgr.ScanInProgressError
		feedErr *vulnfeed.FeedSyncError
	)
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "reason": model.ReasonInvalidRange})
	case errors.Is(err, orchestrator.ErrBadRequest):
		badRequest(c, err.Error())
	case errors.As(err, &busy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error(), "reason": model.ReasonLock, "scan_id": busy.ScanID})
	case errors.Is(err, orchestrator.ErrNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.As(err, &feedErr):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	default:
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{"error": msg})
}

func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
