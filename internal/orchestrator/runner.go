package orchestrator

import (
	"context"
	"fmt"
	"net/netip"
	"runtime"
	"slices"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/netscan-engine/internal/correlate"
	"github.com/yourorg/netscan-engine/internal/enumerate"
	"github.com/yourorg/netscan-engine/internal/lockmgr"
	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/probe"
	"github.com/yourorg/netscan-engine/internal/risk"
)

const (
	commitTimeout = 30 * time.Second
	storeTimeout  = 5 * time.Second
)

func (o *Orchestrator) execute(r *run, targets *enumerate.Targets, lease *lockmgr.Lease, req Request) {
	defer o.wg.Done()
	defer close(r.done)
	defer lease.Release()
	defer o.forget(r)
	defer r.cancel()

	log := o.log.WithFields(logrus.Fields{"scan": r.rec.ID, "org": r.rec.OrgID})

	select {
	case o.sem <- struct{}{}:
		defer func() { <-o.sem }()
	case <-r.stopped:
	}
	if f := r.failure(); f != nil {
		o.fail(log, r, f)
		return
	}

	if err := o.store.MarkRunning(r.ctx, r.rec.ID); err != nil {
		o.fail(log, r, &ScanFailedError{ScanID: r.rec.ID, Reason: model.ReasonPersistence, Message: "mark running: " + err.Error()})
		return
	}
	started := o.now()
	o.update(r, func(rec *model.ScanRecord) {
		rec.Status = model.ScanRunning
		rec.StartedAt = &started
		rec.ProgressMsg = "starting"
	})
	log.Info("scan running")

	// The time limit closes the gate like Cancel does: dispatch stops and
	// hosts already being probed keep their own per-host deadline.
	ctx := r.ctx
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.Timeout
	}
	if timeout > 0 {
		limit := time.AfterFunc(timeout, func() {
			log.Warnf("scan time limit of %v reached, draining in-flight probes", timeout)
			r.stop(model.ReasonTimeout, fmt.Sprintf("scan exceeded its %v time limit", timeout))
		})
		defer limit.Stop()
	}

	prog := startProgress(context.WithoutCancel(ctx), o.store, r.rec.ID, lease, log, func(pct int, msg string) {
		o.update(r, func(rec *model.ScanRecord) {
			rec.ProgressPct = max(rec.ProgressPct, pct)
			rec.ProgressMsg = msg
		})
	})
	rep, err := o.scan(ctx, r, targets, req, prog, log)
	if err == nil {
		if f := r.failure(); f != nil {
			err = f
		} else {
			prog.report(stageCommit, fmt.Sprintf("%d hosts, %d findings", len(rep.Hosts), len(rep.Findings)), 0, 0)
			err = o.commit(ctx, rep)
		}
	}
	if err != nil {
		prog.stop()
		o.fail(log, r, err)
		return
	}
	prog.report(stageDone, "completed", 0, 0)
	prog.stop()
	o.finish(ctx, log, r, rep)
}

// scan runs the pipeline up to, but not including, the commit. Nothing it
// produces is persisted if it returns an error.
func (o *Orchestrator) scan(ctx context.Context, r *run, targets *enumerate.Targets, req Request, prog *progress, log *logrus.Entry) (*model.ScanReport, error) {
	scanID, org := r.rec.ID, r.rec.OrgID
	snap := o.index.Current()
	total := targets.Count()
	prog.report(stageStart, fmt.Sprintf("%d targets, feed %s", total, snap.Version()), 0, total)

	pcfg := o.cfg.Probe
	if req.Concurrency > 0 {
		pcfg.Concurrency = req.Concurrency
	}
	prober := probe.New(pcfg, append([]probe.Option{probe.WithLogger(log)}, o.probeOpts...)...)

	var results []probe.HostResult
	done := 0
	for res := range prober.Run(ctx, targets.All(), r) {
		done++
		if res.Err != nil {
			log.WithField("host", res.IP).WithError(res.Err).Error("probe worker failed")
			r.stop(model.ReasonProbeError, res.Err.Error())
			continue
		}
		results = append(results, res)
		prog.report(stageProbe, fmt.Sprintf("%d/%d hosts", done, total), done, total)
	}
	if f := r.failure(); f != nil {
		return nil, f
	}
	if err := ctx.Err(); err != nil {
		return nil, o.interrupted(r, err)
	}

	slices.SortFunc(results, func(a, b probe.HostResult) int { return a.IP.Compare(b.IP) })
	now := o.now()
	rep := &model.ScanReport{
		Correlated:   r.rec.Type == model.ScanNetworkVuln,
		FeedSnapshot: snap.Version(),
	}
	var alive []probe.HostResult
	for _, res := range results {
		if !res.Alive() {
			rep.Unreachable = append(rep.Unreachable, res.IP.String())
			continue
		}
		alive = append(alive, res)
		rep.Hosts = append(rep.Hosts, model.Host{
			OrgID:      org,
			IP:         res.IP,
			MAC:        res.MAC,
			FirstSeen:  now,
			LastSeen:   now,
			Ports:      res.Ports,
			Liveness:   model.LivenessAlive,
			LastScanID: scanID,
		})
	}

	prog.report(stageClassify, fmt.Sprintf("%d alive hosts", len(alive)), 0, 0)
	rep.Classifications = make([]model.Classification, len(alive))
	perHost := make([][]model.Finding, len(alive))
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, res := range alive {
		g.Go(func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("analysis of %s panicked: %v", res.IP, p)
				}
			}()
			c := o.classifier.Classify(res)
			c.ScanID = scanID
			c.ComputedAt = now
			rep.Classifications[i] = c
			if rep.Correlated {
				perHost[i] = correlate.Correlate(rep.Hosts[i], c, snap, now)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &ScanFailedError{ScanID: scanID, Reason: model.ReasonProbeError, Message: err.Error()}
	}
	if rep.Correlated {
		prog.report(stageCorrelate, fmt.Sprintf("feed %s", snap.Version()), 0, 0)
	}
	for _, fs := range perHost {
		for _, f := range fs {
			f.FirstScanID = scanID
			f.LastScanID = scanID
			rep.Findings = append(rep.Findings, f)
		}
	}
	correlate.Rank(rep.Findings)

	prog.report(stageAggregate, fmt.Sprintf("%d findings", len(rep.Findings)), 0, 0)
	previous, err := o.store.ActiveFindings(ctx, org)
	if err != nil {
		if ctx.Err() != nil {
			return nil, o.interrupted(r, ctx.Err())
		}
		return nil, &ScanFailedError{ScanID: scanID, Reason: model.ReasonPersistence, Message: "load active findings: " + err.Error()}
	}
	rep.Risk = risk.Aggregate(postScanFindings(rep, previous), previous, 0)

	summary := &model.Summary{
		Targets:          total,
		HostsAlive:       len(rep.Hosts),
		HostsUnreachable: len(rep.Unreachable),
		Total:            len(rep.Findings),
	}
	for _, c := range rep.Classifications {
		if c.Type != model.DeviceUnknown {
			summary.Classified++
		}
	}
	for _, f := range rep.Findings {
		switch f.Severity {
		case model.SeverityCritical:
			summary.Critical++
		case model.SeverityHigh:
			summary.High++
		case model.SeverityMedium:
			summary.Medium++
		case model.SeverityLow:
			summary.Low++
		}
		if f.KnownExploited {
			summary.KnownExploited++
		}
	}

	finished := o.now()
	o.mu.Lock()
	rep.Scan = r.rec
	o.mu.Unlock()
	rep.Scan.Status = model.ScanCompleted
	rep.Scan.FinishedAt = &finished
	rep.Scan.ProgressPct = 100
	rep.Scan.ProgressMsg = "completed"
	rep.Scan.Summary = summary
	return rep, nil
}

// postScanFindings is the open set the organization will have after rep is
// committed. Network-only scans change nothing. Correlated scans replace the
// findings of every host they reached; other hosts keep theirs.
func postScanFindings(rep *model.ScanReport, previous []model.Finding) []model.Finding {
	if !rep.Correlated {
		return previous
	}
	reached := make(map[netip.Addr]bool, len(rep.Hosts))
	for _, h := range rep.Hosts {
		reached[h.IP] = true
	}
	out := slices.Clone(rep.Findings)
	for _, f := range previous {
		if !reached[f.HostIP] {
			out = append(out, f)
		}
	}
	return out
}

func (o *Orchestrator) interrupted(r *run, err error) *ScanFailedError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ScanFailedError{ScanID: r.rec.ID, Reason: model.ReasonTimeout, Message: "scan exceeded its time limit"}
	}
	return &ScanFailedError{ScanID: r.rec.ID, Reason: model.ReasonInterrupted, Message: err.Error()}
}

func (o *Orchestrator) commit(ctx context.Context, rep *model.ScanReport) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := o.store.CommitScan(cctx, rep, o.cfg.HistoryLimit); err != nil {
		return &ScanFailedError{ScanID: rep.Scan.ID, Reason: model.ReasonPersistence, Message: "commit: " + err.Error()}
	}
	return nil
}

// finish runs the best-effort steps that follow a successful commit.
func (o *Orchestrator) finish(ctx context.Context, log *logrus.Entry, r *run, rep *model.ScanReport) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()

	if o.cfg.StaleAfter > 0 {
		n, err := o.store.MarkStaleHosts(bctx, rep.Scan.OrgID, o.now().Add(-o.cfg.StaleAfter))
		if err != nil {
			log.WithError(err).Warn("mark stale hosts failed")
		}
		rep.Scan.Summary.StaleHosts = n
	}
	o.update(r, func(rec *model.ScanRecord) { *rec = rep.Scan })

	if o.archive != nil && o.cfg.ReportsBucket != "" {
		key := fmt.Sprintf("reports/%s/%s.json", rep.Scan.OrgID, rep.Scan.ID)
		if err := o.archive.UploadJSON(bctx, o.cfg.ReportsBucket, key, rep); err != nil {
			log.WithError(err).Warn("archive report failed")
		} else if err := o.store.SetReportKey(bctx, rep.Scan.ID, o.cfg.ReportsBucket, key); err != nil {
			log.WithError(err).Warn("record report key failed")
		}
	}

	s := rep.Scan.Summary
	log.WithFields(logrus.Fields{
		"alive":    s.HostsAlive,
		"findings": s.Total,
		"new":      s.NewFindings,
		"resolved": s.Resolved,
	}).Info("scan completed")
}

func (o *Orchestrator) fail(log *logrus.Entry, r *run, err error) {
	var sf *ScanFailedError
	if !errors.As(err, &sf) {
		sf = &ScanFailedError{ScanID: r.rec.ID, Reason: model.ReasonPersistence, Message: err.Error()}
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := o.store.MarkFailed(ctx, r.rec.ID, sf.Reason, sf.Message); err != nil {
		log.WithError(err).Error("mark failed")
	}
	finished := o.now()
	o.update(r, func(rec *model.ScanRecord) {
		rec.Status = model.ScanFailed
		rec.FailureReason = sf.Reason
		rec.FailureMsg = sf.Message
		rec.ProgressMsg = sf.Message
		rec.FinishedAt = &finished
	})
	log.WithField("reason", sf.Reason).Warnf("scan failed: %s", sf.Message)
}
