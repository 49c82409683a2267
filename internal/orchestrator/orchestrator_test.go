package orchestrator

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/netscan-engine/internal/enumerate"
	"github.com/yourorg/netscan-engine/internal/lockmgr"
	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/probe"
	"github.com/yourorg/netscan-engine/internal/vulnfeed"
	"github.com/yourorg/netscan-engine/internal/vulnindex"
)

const sshBanner = "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.8\r\n"

// memStore mirrors the status guards and finding lifecycle of the
// Postgres store.
type memStore struct {
	mu         sync.Mutex
	scans      map[string]*model.ScanRecord
	events     map[string][]model.ProgressEvent
	hosts      map[netip.Addr]model.Host
	cls        []model.Classification
	findings   map[model.FindingKey]*model.Finding
	reports    []*model.ScanReport
	reportKeys map[string]string
	commitErr  error
}

func newMemStore() *memStore {
	return &memStore{
		scans:      map[string]*model.ScanRecord{},
		events:     map[string][]model.ProgressEvent{},
		hosts:      map[netip.Addr]model.Host{},
		findings:   map[model.FindingKey]*model.Finding{},
		reportKeys: map[string]string{},
	}
}

func (s *memStore) CreateScan(_ context.Context, rec model.ScanRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scans[rec.ID] = &rec
	return nil
}

func (s *memStore) MarkRunning(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok || rec.Status != model.ScanPending {
		return errors.New("not pending")
	}
	rec.Status = model.ScanRunning
	return nil
}

func (s *memStore) UpdateProgress(_ context.Context, id string, pct int, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.scans[id]; ok && rec.Status == model.ScanRunning {
		rec.ProgressPct = max(rec.ProgressPct, pct)
		rec.ProgressMsg = msg
	}
	return nil
}

func (s *memStore) InsertEvent(_ context.Context, id string, ev model.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[id] = append(s.events[id], ev)
	return nil
}

func (s *memStore) MarkFailed(_ context.Context, id string, reason model.FailureReason, msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.scans[id]; ok && !rec.Status.Terminal() {
		rec.Status = model.ScanFailed
		rec.FailureReason = reason
		rec.FailureMsg = msg
	}
	return nil
}

func (s *memStore) CommitScan(_ context.Context, rep *model.ScanReport, _ int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return s.commitErr
	}
	id := rep.Scan.ID
	rec, ok := s.scans[id]
	if !ok || rec.Status != model.ScanRunning {
		return errors.New("scan is not running")
	}
	for _, h := range rep.Hosts {
		if old, ok := s.hosts[h.IP]; ok {
			h.FirstSeen = old.FirstSeen
		}
		s.hosts[h.IP] = h
	}
	s.cls = append(s.cls, rep.Classifications...)

	created := 0
	for _, f := range rep.Findings {
		cur, ok := s.findings[f.Key()]
		if !ok {
			nf := f
			nf.ID = fmt.Sprintf("f-%d", len(s.findings)+1)
			s.findings[f.Key()] = &nf
			created++
			continue
		}
		if cur.Status == model.FindingResolved {
			created++
			cur.DetectedAt = f.DetectedAt
		}
		cur.Status = model.FindingOpen
		cur.ResolvedAt = nil
		cur.Rank = f.Rank
		cur.LastConfirmed = f.LastConfirmed
		cur.LastScanID = id
	}
	resolved := 0
	if rep.Correlated {
		reached := map[netip.Addr]bool{}
		for _, h := range rep.Hosts {
			reached[h.IP] = true
		}
		for k, f := range s.findings {
			if f.Status == model.FindingOpen && reached[k.HostIP] && f.LastScanID != id {
				at := *rep.Scan.FinishedAt
				f.Status = model.FindingResolved
				f.ResolvedAt = &at
				resolved++
			}
		}
	}
	rep.Scan.Summary.NewFindings = created
	rep.Scan.Summary.Resolved = resolved
	done := rep.Scan
	s.scans[id] = &done
	s.reports = append(s.reports, rep)
	return nil
}

func (s *memStore) GetScan(_ context.Context, id string) (*model.ScanRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.scans[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *memStore) ActiveFindings(_ context.Context, org string) ([]model.Finding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Finding
	for _, f := range s.findings {
		if f.OrgID == org && f.Status == model.FindingOpen {
			out = append(out, *f)
		}
	}
	return out, nil
}

func (s *memStore) MarkStaleHosts(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

func (s *memStore) FailInterrupted(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, rec := range s.scans {
		if !rec.Status.Terminal() {
			rec.Status = model.ScanFailed
			rec.FailureReason = model.ReasonInterrupted
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) SetReportKey(_ context.Context, id, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reportKeys[id] = bucket + "/" + key
	return nil
}

func (s *memStore) lastReport() *model.ScanReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reports) == 0 {
		return nil
	}
	return s.reports[len(s.reports)-1]
}

func (s *memStore) finding(ip, cve string) model.Finding {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := s.findings[model.FindingKey{HostIP: netip.MustParseAddr(ip), CVEID: cve}]
	if f == nil {
		return model.Finding{}
	}
	return *f
}

// fakeNet answers dials from a table of banners. When hold is set every
// dial waits for it to close.
type fakeNet struct {
	banners map[string]string
	hold    chan struct{}
	entered chan struct{}
	once    sync.Once
	panics  bool
	// aborted counts held dials whose context ended before release.
	aborted atomic.Int32
}

func (n *fakeNet) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	if n.panics {
		panic("boom")
	}
	if n.hold != nil {
		n.once.Do(func() { close(n.entered) })
		select {
		case <-n.hold:
		case <-ctx.Done():
			n.aborted.Add(1)
			return nil, ctx.Err()
		}
	}
	banner, ok := n.banners[address]
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.EHOSTUNREACH}
	}
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte(banner))
		server.Close()
	}()
	return client, nil
}

func held() *fakeNet {
	return &fakeNet{hold: make(chan struct{}), entered: make(chan struct{})}
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchive) UploadJSON(_ context.Context, bucket, key string, _ any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.keys = append(a.keys, bucket+"/"+key)
	return nil
}

func feed(t *testing.T, records ...model.VulnRecord) *vulnindex.Index {
	t.Helper()
	ix := vulnindex.NewIndex()
	snap, err := vulnindex.NewSnapshot(records, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	ix.Apply(snap)
	return ix
}

func opensshCVE(id string, score float64, end string) model.VulnRecord {
	return model.VulnRecord{
		CVEID:     id,
		CVSS:      score,
		Published: time.Date(2017, 1, 5, 0, 0, 0, 0, time.UTC),
		Affected:  []model.Affected{{Vendor: "openbsd", Product: "openssh", VersionEnd: end}},
	}
}

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func newTestOrchestrator(store Store, ix *vulnindex.Index, dialer probe.Dialer, opts ...Option) *Orchestrator {
	cfg := Config{
		Probe: probe.Config{
			Ports:         []int{22},
			Concurrency:   4,
			HostTimeout:   2 * time.Second,
			DialTimeout:   time.Second,
			BannerTimeout: time.Second,
			PortWorkers:   1,
		},
		HistoryLimit:  5,
		LockTTL:       time.Hour,
		ReportsBucket: "reports",
	}
	opts = append([]Option{
		WithLogger(testLogger()),
		WithProbeOptions(probe.WithDialer(dialer), probe.WithNeighbors(func(netip.Addr) string { return "" })),
	}, opts...)
	return New(cfg, store, nil, ix, opts...)
}

func waitScan(t *testing.T, o *Orchestrator, id string) *model.ScanRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rec, err := o.Wait(ctx, id)
	require.NoError(t, err)
	require.True(t, rec.Status.Terminal(), "scan still %s", rec.Status)
	return rec
}

func TestScanDiscoversClassifiesAndCorrelates(t *testing.T) {
	store := newMemStore()
	archive := &memArchive{}
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw, WithArchive(archive))

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)

	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status, rec.FailureMsg)
	require.NotNil(t, rec.Summary)
	assert.Equal(t, 2, rec.Summary.Targets)
	assert.Equal(t, 1, rec.Summary.HostsAlive)
	assert.Equal(t, 1, rec.Summary.HostsUnreachable)
	assert.Equal(t, 1, rec.Summary.Classified)
	assert.Equal(t, 1, rec.Summary.Total)
	assert.Equal(t, 1, rec.Summary.High)
	assert.Equal(t, 1, rec.Summary.NewFindings)
	assert.Equal(t, 100, rec.ProgressPct)

	rep := store.lastReport()
	require.NotNil(t, rep)
	assert.True(t, rep.Correlated)
	assert.Equal(t, []string{"10.0.0.2"}, rep.Unreachable)
	require.Len(t, rep.Classifications, 1)
	assert.Equal(t, model.DeviceServer, rep.Classifications[0].Type)
	assert.Equal(t, id, rep.Classifications[0].ScanID)

	f := store.finding("10.0.0.1", "CVE-2016-10012")
	assert.Equal(t, model.FindingOpen, f.Status)
	assert.Equal(t, 1, f.Rank)
	assert.Equal(t, model.MatchVersioned, f.MatchType)
	assert.Equal(t, id, f.FirstScanID)
	assert.Equal(t, 1, rep.Risk.Histogram[model.SeverityHigh])

	assert.Equal(t, []string{"reports/reports/org-1/" + id + ".json"}, archive.keys)
	assert.Equal(t, "reports/reports/org-1/"+id+".json", store.reportKeys[id])
	assert.NotEmpty(t, store.events[id])
}

func TestPlainOpenSSHBannerYieldsOneFinding(t *testing.T) {
	store := newMemStore()
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": "OpenSSH 7.2\r\n"}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw)

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)

	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status, rec.FailureMsg)
	assert.Equal(t, 2, rec.Summary.Targets)
	assert.Equal(t, 1, rec.Summary.Total)
	assert.Equal(t, 1, rec.Summary.High)

	rep := store.lastReport()
	require.NotNil(t, rep)
	require.Len(t, rep.Findings, 1)
	f := rep.Findings[0]
	assert.Equal(t, "10.0.0.1", f.HostIP.String())
	assert.Equal(t, "CVE-2016-10012", f.CVEID)
	assert.Equal(t, model.SeverityHigh, f.Severity)
	assert.Equal(t, model.MatchVersioned, f.MatchType)
}

func TestNetworkOnlyScanSkipsCorrelation(t *testing.T) {
	store := newMemStore()
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw)

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}, Type: model.ScanNetwork})
	require.NoError(t, err)
	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status)
	assert.Zero(t, rec.Summary.Total)
	assert.False(t, store.lastReport().Correlated)
	assert.Len(t, store.lastReport().Classifications, 1)
}

func TestInvalidRangePersistsNothing(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, nil, &fakeNet{})

	_, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/33"}})
	var ire *enumerate.InvalidRangeError
	require.ErrorAs(t, err, &ire)
	assert.Empty(t, store.scans)

	_, err = o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}, Type: "full"})
	assert.ErrorIs(t, err, ErrBadRequest)
	assert.Empty(t, store.scans)
}

func TestOverlappingScanIsRejected(t *testing.T) {
	store := newMemStore()
	nw := held()
	o := newTestOrchestrator(store, nil, nw)
	ctx := context.Background()

	first, err := o.Trigger(ctx, Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/24"}})
	require.NoError(t, err)

	_, err = o.Trigger(ctx, Request{OrgID: "org-1", Ranges: []string{"10.0.0.128/25"}})
	var busy *lockmgr.ScanInProgressError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, first, busy.ScanID)
	assert.Len(t, store.scans, 1)

	other, err := o.Trigger(ctx, Request{OrgID: "org-2", Ranges: []string{"10.0.0.0/24"}})
	require.NoError(t, err)
	disjoint, err := o.Trigger(ctx, Request{OrgID: "org-1", Ranges: []string{"10.0.1.0/30"}})
	require.NoError(t, err)

	close(nw.hold)
	for _, id := range []string{first, other, disjoint} {
		assert.Equal(t, model.ScanCompleted, waitScan(t, o, id).Status)
	}

	again, err := o.Trigger(ctx, Request{OrgID: "org-1", Ranges: []string{"10.0.0.128/25"}})
	require.NoError(t, err)
	waitScan(t, o, again)
}

func TestCancelLetsInFlightProbesDrain(t *testing.T) {
	store := newMemStore()
	nw := held()
	o := newTestOrchestrator(store, nil, nw)
	o.cfg.Probe.Concurrency = 1

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/24"}})
	require.NoError(t, err)
	<-nw.entered

	require.NoError(t, o.Cancel(context.Background(), id))
	close(nw.hold)

	rec := waitScan(t, o, id)
	assert.Equal(t, model.ScanFailed, rec.Status)
	assert.Equal(t, model.ReasonCancelled, rec.FailureReason)
	assert.Nil(t, store.lastReport())
	stored, err := store.GetScan(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonCancelled, stored.FailureReason)

	assert.ErrorIs(t, o.Cancel(context.Background(), id), ErrNotActive)
	assert.ErrorIs(t, o.Cancel(context.Background(), "missing"), model.ErrNotFound)
}

func TestScanTimeoutDrainsInFlightProbes(t *testing.T) {
	store := newMemStore()
	nw := held()
	o := newTestOrchestrator(store, nil, nw)
	o.cfg.Probe.HostTimeout = 5 * time.Second
	o.cfg.Probe.DialTimeout = 5 * time.Second

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}, Timeout: 200 * time.Millisecond})
	require.NoError(t, err)
	<-nw.entered

	o.mu.Lock()
	r := o.runs[id]
	o.mu.Unlock()
	require.NotNil(t, r)
	require.Eventually(t, r.Stopped, 2*time.Second, 10*time.Millisecond)

	// The gate is closed but the dials are still waiting on the network.
	time.Sleep(50 * time.Millisecond)
	rec, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ScanRunning, rec.Status)
	assert.Zero(t, nw.aborted.Load())

	close(nw.hold)
	rec = waitScan(t, o, id)
	assert.Equal(t, model.ScanFailed, rec.Status)
	assert.Equal(t, model.ReasonTimeout, rec.FailureReason)
	assert.Contains(t, rec.FailureMsg, "time limit")
	assert.Zero(t, nw.aborted.Load())
	assert.Nil(t, store.lastReport())
}

func TestProbePanicFailsScan(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, nil, &fakeNet{panics: true})

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	rec := waitScan(t, o, id)
	assert.Equal(t, model.ScanFailed, rec.Status)
	assert.Equal(t, model.ReasonProbeError, rec.FailureReason)
	assert.Contains(t, rec.FailureMsg, "boom")
	assert.Nil(t, store.lastReport())
}

func TestCommitFailureIsPersistenceError(t *testing.T) {
	store := newMemStore()
	store.commitErr = errors.New("connection reset")
	o := newTestOrchestrator(store, nil, &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}})

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	rec := waitScan(t, o, id)
	assert.Equal(t, model.ScanFailed, rec.Status)
	assert.Equal(t, model.ReasonPersistence, rec.FailureReason)
	assert.Contains(t, rec.FailureMsg, "connection reset")
	assert.Empty(t, store.findings)
}

func TestRescanIsIdempotentAndResolvesFixedFindings(t *testing.T) {
	store := newMemStore()
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw)
	req := Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}}

	first, err := o.Trigger(context.Background(), req)
	require.NoError(t, err)
	waitScan(t, o, first)
	before := store.finding("10.0.0.1", "CVE-2016-10012")

	second, err := o.Trigger(context.Background(), req)
	require.NoError(t, err)
	rec := waitScan(t, o, second)
	require.Equal(t, model.ScanCompleted, rec.Status)
	assert.Zero(t, rec.Summary.NewFindings)
	assert.Zero(t, rec.Summary.Resolved)
	assert.Len(t, store.findings, 1)
	after := store.finding("10.0.0.1", "CVE-2016-10012")
	assert.Equal(t, before.FirstDetected, after.FirstDetected)
	assert.Equal(t, second, after.LastScanID)
	assert.Empty(t, store.lastReport().Risk.Delta.New)

	nw.banners["10.0.0.1:22"] = "SSH-2.0-OpenSSH_7.4p1 Debian-10\r\n"
	third, err := o.Trigger(context.Background(), req)
	require.NoError(t, err)
	rec = waitScan(t, o, third)
	require.Equal(t, model.ScanCompleted, rec.Status)
	assert.Equal(t, 1, rec.Summary.Resolved)
	assert.Equal(t, model.FindingResolved, store.finding("10.0.0.1", "CVE-2016-10012").Status)
	assert.Len(t, store.lastReport().Risk.Delta.Resolved, 1)
}

func TestUnreachableHostKeepsFindings(t *testing.T) {
	store := newMemStore()
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw)
	req := Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}}

	id, err := o.Trigger(context.Background(), req)
	require.NoError(t, err)
	waitScan(t, o, id)

	delete(nw.banners, "10.0.0.1:22")
	id, err = o.Trigger(context.Background(), req)
	require.NoError(t, err)
	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status)
	assert.Zero(t, rec.Summary.Resolved)
	assert.Equal(t, model.FindingOpen, store.finding("10.0.0.1", "CVE-2016-10012").Status)
	assert.Equal(t, 1, store.lastReport().Risk.Total)
}

func TestRunningScanKeepsItsFeedSnapshot(t *testing.T) {
	store := newMemStore()
	nw := held()
	nw.banners = map[string]string{"10.0.0.1:22": sshBanner}
	ix := feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4"))
	startVersion := ix.Current().Version()
	o := newTestOrchestrator(store, ix, nw)

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	<-nw.entered

	next, err := vulnindex.NewSnapshot([]model.VulnRecord{
		opensshCVE("CVE-2016-10012", 7.8, "7.4"),
		opensshCVE("CVE-2018-15473", 5.3, "7.7"),
	}, time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	ix.Apply(next)
	close(nw.hold)

	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status)
	assert.Equal(t, 1, rec.Summary.Total)
	assert.Equal(t, startVersion, store.lastReport().FeedSnapshot)
}

type brokenFeed struct{}

func (brokenFeed) Fetch(context.Context) ([]byte, error) {
	return nil, errors.New("connection refused")
}

func (brokenFeed) String() string { return "https://feeds.example/nvd.json" }

func TestFeedSyncFailureMidScanLeavesScanCompleted(t *testing.T) {
	store := newMemStore()
	nw := held()
	nw.banners = map[string]string{"10.0.0.1:22": sshBanner}
	ix := feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4"))
	before := ix.Current().Version()
	o := newTestOrchestrator(store, ix, nw)
	syncer := &vulnfeed.Syncer{Feed: brokenFeed{}, Index: ix, Log: testLogger(), Attempts: 1}

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	<-nw.entered

	err = syncer.Sync(context.Background())
	var syncErr *vulnfeed.FeedSyncError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, "fetch", syncErr.Stage)
	assert.NotEmpty(t, syncer.Status().LastError)
	assert.Equal(t, before, ix.Current().Version())
	close(nw.hold)

	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status, rec.FailureMsg)
	assert.Equal(t, 1, rec.Summary.Total)
	assert.Equal(t, before, store.lastReport().FeedSnapshot)
	assert.Equal(t, model.FindingOpen, store.finding("10.0.0.1", "CVE-2016-10012").Status)
}

func TestRiskCoversLargeOpenSet(t *testing.T) {
	store := newMemStore()
	const n = 6000
	for i := range n {
		ip := netip.AddrFrom4([4]byte{10, 1, byte(i / 256), byte(i % 256)})
		f := model.Finding{
			ID:       fmt.Sprintf("f-%d", i),
			OrgID:    "org-1",
			HostIP:   ip,
			CVEID:    "CVE-2019-0001",
			CVSS:     2.0,
			Severity: model.SeverityLow,
			Status:   model.FindingOpen,
		}
		store.findings[f.Key()] = &f
	}
	nw := &fakeNet{banners: map[string]string{"10.0.0.1:22": sshBanner}}
	o := newTestOrchestrator(store, feed(t, opensshCVE("CVE-2016-10012", 7.8, "7.4")), nw)

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	rec := waitScan(t, o, id)
	require.Equal(t, model.ScanCompleted, rec.Status, rec.FailureMsg)
	assert.Zero(t, rec.Summary.Resolved)

	rsk := store.lastReport().Risk
	assert.Equal(t, n+1, rsk.Total)
	assert.Equal(t, n, rsk.Histogram[model.SeverityLow])
	assert.Equal(t, 1, rsk.Histogram[model.SeverityHigh])
	assert.Len(t, rsk.Delta.New, 1)
	assert.Empty(t, rsk.Delta.Resolved)
}

func TestStatusFallsBackToStore(t *testing.T) {
	store := newMemStore()
	finished := time.Now()
	store.scans["old"] = &model.ScanRecord{ID: "old", OrgID: "org-1", Status: model.ScanCompleted, FinishedAt: &finished}
	o := newTestOrchestrator(store, nil, &fakeNet{})

	rec, err := o.Status(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, model.ScanCompleted, rec.Status)

	delete(store.scans, "old")
	rec, err = o.Status(context.Background(), "old")
	require.NoError(t, err, "terminal records are served from cache")
	assert.Equal(t, "org-1", rec.OrgID)

	_, err = o.Status(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRecoverFailsInterruptedScans(t *testing.T) {
	store := newMemStore()
	store.scans["a"] = &model.ScanRecord{ID: "a", Status: model.ScanRunning}
	store.scans["b"] = &model.ScanRecord{ID: "b", Status: model.ScanCompleted}
	o := newTestOrchestrator(store, nil, &fakeNet{})

	require.NoError(t, o.Recover(context.Background()))
	assert.Equal(t, model.ReasonInterrupted, store.scans["a"].FailureReason)
	assert.Equal(t, model.ScanCompleted, store.scans["b"].Status)
}

func TestShutdownInterruptsActiveScans(t *testing.T) {
	store := newMemStore()
	nw := held()
	o := newTestOrchestrator(store, nil, nw)

	id, err := o.Trigger(context.Background(), Request{OrgID: "org-1", Ranges: []string{"10.0.0.0/30"}})
	require.NoError(t, err)
	<-nw.entered

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Shutdown(ctx))
	rec, err := o.Status(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.ReasonInterrupted, rec.FailureReason)
}

func TestDerivePct(t *testing.T) {
	assert.Equal(t, 5, derivePct(stageProbe, 0, 10))
	assert.Equal(t, 80, derivePct(stageProbe, 10, 10))
	assert.Equal(t, 80, derivePct(stageProbe, 0, 0))
	assert.Equal(t, 100, derivePct(stageDone, 0, 0))
	assert.Equal(t, 50, derivePct("other", 0, 0))
}
