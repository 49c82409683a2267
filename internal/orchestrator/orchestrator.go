// Package orchestrator runs scans end to end: validation, locking, probing,
// classification, correlation, risk aggregation and the final commit.
package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/classify"
	"github.com/yourorg/netscan-engine/internal/enumerate"
	"github.com/yourorg/netscan-engine/internal/lockmgr"
	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/probe"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

var (
	ErrBadRequest = errors.New("invalid scan request")
	// ErrNotActive is returned when cancelling a scan that already finished.
	ErrNotActive = errors.New("scan is not active")
)

// ScanFailedError carries the reason code stored on a failed scan.
type ScanFailedError struct {
	ScanID  string
	Reason  model.FailureReason
	Message string
}

func (e *ScanFailedError) Error() string {
	return fmt.Sprintf("scan %s failed (%s): %s", e.ScanID, e.Reason, e.Message)
}

// Store is the persistence the orchestrator needs. *db.Store satisfies it.
type Store interface {
	CreateScan(ctx context.Context, rec model.ScanRecord) error
	MarkRunning(ctx context.Context, id string) error
	UpdateProgress(ctx context.Context, id string, pct int, msg string) error
	InsertEvent(ctx context.Context, scanID string, ev model.ProgressEvent) error
	MarkFailed(ctx context.Context, id string, reason model.FailureReason, msg string) error
	CommitScan(ctx context.Context, rep *model.ScanReport, historyLimit int) error
	GetScan(ctx context.Context, id string) (*model.ScanRecord, error)
	ActiveFindings(ctx context.Context, org string) ([]model.Finding, error)
	MarkStaleHosts(ctx context.Context, org string, cutoff time.Time) (int, error)
	FailInterrupted(ctx context.Context) ([]string, error)
	SetReportKey(ctx context.Context, id, bucket, key string) error
}

// Archiver keeps a copy of completed reports. *s3.Client satisfies it.
type Archiver interface {
	UploadJSON(ctx context.Context, bucket, key string, v any) error
}

type Config struct {
	Probe probe.Config
	// Timeout bounds a whole scan once it starts running. Zero disables it.
	Timeout         time.Duration
	MaxConcurrent   int
	HistoryLimit    int
	StaleAfter      time.Duration
	LockTTL         time.Duration
	ReportsBucket   string
	StatusCacheSize int
	StatusCacheTTL  time.Duration
}

type Request struct {
	OrgID       string
	Ranges      []string
	Exclude     []string
	Type        model.ScanType
	Timeout     time.Duration
	Concurrency int
}

type Orchestrator struct {
	cfg        Config
	store      Store
	classifier *classify.Classifier
	index      *vulnindex.Index
	locks      *lockmgr.Manager
	archive    Archiver
	probeOpts  []probe.Option
	log        *logrus.Entry
	now        func() time.Time

	cache *expirable.LRU[string, model.ScanRecord]
	sem   chan struct{}
	base  context.Context
	halt  context.CancelFunc
	wg    sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

type Option func(*Orchestrator)

func WithArchive(a Archiver) Option {
	return func(o *Orchestrator) { o.archive = a }
}

func WithLogger(l *logrus.Entry) Option {
	return func(o *Orchestrator) { o.log = l }
}

// WithProbeOptions is applied to the prober built for every scan.
func WithProbeOptions(opts ...probe.Option) Option {
	return func(o *Orchestrator) { o.probeOpts = append(o.probeOpts, opts...) }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

func New(cfg Config, store Store, classifier *classify.Classifier, index *vulnindex.Index, opts ...Option) *Orchestrator {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.StatusCacheSize <= 0 {
		cfg.StatusCacheSize = 256
	}
	if cfg.StatusCacheTTL <= 0 {
		cfg.StatusCacheTTL = 10 * time.Minute
	}
	if classifier == nil {
		classifier = classify.New(nil)
	}
	if index == nil {
		index = vulnindex.NewIndex()
	}
	base, halt := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		store:      store,
		classifier: classifier,
		index:      index,
		locks:      lockmgr.New(cfg.LockTTL),
		log:        logrus.NewEntry(logrus.StandardLogger()),
		now:        func() time.Time { return time.Now().UTC() },
		cache:      expirable.NewLRU[string, model.ScanRecord](cfg.StatusCacheSize, nil, cfg.StatusCacheTTL),
		sem:        make(chan struct{}, cfg.MaxConcurrent),
		base:       base,
		halt:       halt,
		runs:       map[string]*run{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Trigger validates and locks the request, persists a pending scan and
// starts it in the background. It returns as soon as the scan is recorded.
func (o *Orchestrator) Trigger(ctx context.Context, req Request) (string, error) {
	if strings.TrimSpace(req.OrgID) == "" {
		return "", errors.Wrap(ErrBadRequest, "org is required")
	}
	if req.Type == "" {
		req.Type = model.ScanNetworkVuln
	}
	if !req.Type.Valid() {
		return "", errors.Wrapf(ErrBadRequest, "unknown scan type %q", req.Type)
	}
	targets, err := enumerate.Parse(req.Ranges, req.Exclude)
	if err != nil {
		return "", err
	}

	id := uuid.NewString()
	lease, err := o.locks.Acquire(req.OrgID, targets.Prefixes(), id)
	if err != nil {
		return "", err
	}

	rec := model.ScanRecord{
		ID:          id,
		OrgID:       req.OrgID,
		Type:        req.Type,
		Status:      model.ScanPending,
		CreatedAt:   o.now(),
		ProgressMsg: "queued",
	}
	for _, c := range req.Ranges {
		rec.Ranges = append(rec.Ranges, model.TargetRange{
			CIDR:   c,
			Params: model.ScanParams{Timeout: req.Timeout, Concurrency: req.Concurrency, Exclude: req.Exclude},
		})
	}
	if err := o.store.CreateScan(ctx, rec); err != nil {
		lease.Release()
		return "", errors.Wrap(err, "persist scan")
	}

	r := newRun(o.base, rec)
	o.mu.Lock()
	o.runs[id] = r
	o.mu.Unlock()

	o.wg.Add(1)
	go o.execute(r, targets, lease, req)

	o.log.WithFields(logrus.Fields{"scan": id, "org": req.OrgID, "targets": targets.Count()}).
		Infof("scan queued (ranges=%s type=%s)", targets.Key(), req.Type)
	return id, nil
}

// Cancel asks a pending or running scan to stop. Hosts already being probed
// finish first; the scan then fails with reason cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		r.stop(model.ReasonCancelled, "cancelled by request")
		return nil
	}
	if _, err := o.Status(ctx, id); err != nil {
		return err
	}
	return ErrNotActive
}

// Status returns the latest known state of a scan.
func (o *Orchestrator) Status(ctx context.Context, id string) (*model.ScanRecord, error) {
	o.mu.Lock()
	if r, ok := o.runs[id]; ok {
		rec := r.rec
		o.mu.Unlock()
		return &rec, nil
	}
	o.mu.Unlock()

	if rec, ok := o.cache.Get(id); ok {
		return &rec, nil
	}
	rec, err := o.store.GetScan(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Status.Terminal() {
		o.cache.Add(id, *rec)
	}
	return rec, nil
}

// Wait blocks until a scan started by this process finishes, then returns
// its final state.
func (o *Orchestrator) Wait(ctx context.Context, id string) (*model.ScanRecord, error) {
	o.mu.Lock()
	r, ok := o.runs[id]
	o.mu.Unlock()
	if ok {
		select {
		case <-r.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return o.Status(ctx, id)
}

// Recover fails scans a previous process left pending or running.
func (o *Orchestrator) Recover(ctx context.Context) error {
	ids, err := o.store.FailInterrupted(ctx)
	if err != nil {
		return errors.Wrap(err, "fail interrupted scans")
	}
	for _, id := range ids {
		o.log.WithField("scan", id).Warn("scan interrupted by restart, marked failed")
	}
	return nil
}

// Shutdown stops every active scan with reason interrupted and waits for
// them to record their failure.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	for _, r := range o.runs {
		r.stop(model.ReasonInterrupted, "engine shutting down")
	}
	o.mu.Unlock()
	o.halt()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) update(r *run, fn func(*model.ScanRecord)) {
	o.mu.Lock()
	fn(&r.rec)
	o.mu.Unlock()
}

func (o *Orchestrator) forget(r *run) {
	o.mu.Lock()
	o.cache.Add(r.rec.ID, r.rec)
	delete(o.runs, r.rec.ID)
	o.mu.Unlock()
}

// run is the in-process state of one scan. It is the probe gate.
type run struct {
	rec    model.ScanRecord
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	reason   model.FailureReason
	msg      string
}

func newRun(base context.Context, rec model.ScanRecord) *run {
	ctx, cancel := context.WithCancel(base)
	return &run{rec: rec, ctx: ctx, cancel: cancel, done: make(chan struct{}), stopped: make(chan struct{})}
}

// stop records the first reason only.
func (r *run) stop(reason model.FailureReason, msg string) {
	r.stopOnce.Do(func() {
		r.reason, r.msg = reason, msg
		close(r.stopped)
	})
}

func (r *run) Stopped() bool {
	select {
	case <-r.stopped:
		return true
	default:
		return false
	}
}

// Done is closed when the run is stopped; the prober selects on it so a
// dispatch blocked on busy workers is abandoned.
func (r *run) Done() <-chan struct{} {
	return r.stopped
}

func (r *run) failure() *ScanFailedError {
	if !r.Stopped() {
		return nil
	}
	return &ScanFailedError{ScanID: r.rec.ID, Reason: r.reason, Message: r.msg}
}
