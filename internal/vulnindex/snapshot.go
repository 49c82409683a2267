// Package vulnindex holds the live vulnerability snapshot that scans
// correlate against.
package vulnindex

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/yourorg/netscan-engine/internal/model"
)

// Snapshot is an immutable, indexed set of vulnerability records. Callers
// must not modify the records it returns.
type Snapshot struct {
	records   []model.VulnRecord
	byID      map[string]int
	byProduct map[string][]int
	keyword   []int
	updatedAt time.Time
}

// NewSnapshot validates records and builds the lookup tables. CVE IDs must be
// unique and scores must lie in [0,10]; severity is always derived from the
// score.
func NewSnapshot(records []model.VulnRecord, updatedAt time.Time) (*Snapshot, error) {
	s := &Snapshot{
		records:   make([]model.VulnRecord, 0, len(records)),
		byID:      make(map[string]int, len(records)),
		byProduct: map[string][]int{},
		updatedAt: updatedAt.UTC(),
	}
	for _, r := range records {
		r.CVEID = strings.ToUpper(strings.TrimSpace(r.CVEID))
		if r.CVEID == "" {
			return nil, errors.New("record without CVE ID")
		}
		if _, dup := s.byID[r.CVEID]; dup {
			return nil, errors.Errorf("duplicate record %s", r.CVEID)
		}
		if !model.ValidScore(r.CVSS) {
			return nil, errors.Errorf("%s: CVSS %.1f outside [0,10]", r.CVEID, r.CVSS)
		}
		r.Severity = model.SeverityFromScore(r.CVSS)

		affected := make([]model.Affected, len(r.Affected))
		for i, a := range r.Affected {
			a.Vendor = model.NormalizeName(a.Vendor)
			a.Product = model.NormalizeName(a.Product)
			a.Keyword = strings.ToLower(strings.TrimSpace(a.Keyword))
			affected[i] = a
		}
		r.Affected = affected

		idx := len(s.records)
		s.records = append(s.records, r)
		s.byID[r.CVEID] = idx

		seen := map[string]bool{}
		hasKeyword := false
		for _, a := range affected {
			if a.Structured() && !seen[a.Product] {
				seen[a.Product] = true
				s.byProduct[a.Product] = append(s.byProduct[a.Product], idx)
			}
			if a.Keyword != "" {
				hasKeyword = true
			}
		}
		if hasKeyword {
			s.keyword = append(s.keyword, idx)
		}
	}
	return s, nil
}

func (s *Snapshot) Len() int { return len(s.records) }

func (s *Snapshot) UpdatedAt() time.Time { return s.updatedAt }

// Version labels the snapshot in reports.
func (s *Snapshot) Version() string {
	if s.updatedAt.IsZero() {
		return fmt.Sprintf("empty/%d", len(s.records))
	}
	return fmt.Sprintf("%s/%d", s.updatedAt.Format(time.RFC3339), len(s.records))
}

func (s *Snapshot) Get(cveID string) (model.VulnRecord, bool) {
	i, ok := s.byID[strings.ToUpper(cveID)]
	if !ok {
		return model.VulnRecord{}, false
	}
	return s.records[i], true
}

// ForProduct returns the records with a structured pattern for product.
func (s *Snapshot) ForProduct(product string) []model.VulnRecord {
	return s.pick(s.byProduct[model.NormalizeName(product)])
}

// WithKeywords returns the records carrying a keyword pattern.
func (s *Snapshot) WithKeywords() []model.VulnRecord {
	return s.pick(s.keyword)
}

// Records returns every record ordered by CVE ID.
func (s *Snapshot) Records() []model.VulnRecord {
	out := make([]model.VulnRecord, len(s.records))
	copy(out, s.records)
	sort.Slice(out, func(i, j int) bool { return out[i].CVEID < out[j].CVEID })
	return out
}

func (s *Snapshot) pick(idx []int) []model.VulnRecord {
	out := make([]model.VulnRecord, len(idx))
	for i, j := range idx {
		out[i] = s.records[j]
	}
	return out
}

// Index publishes the current snapshot. Readers always see a complete
// snapshot: Apply swaps the pointer and never touches records in place.
type Index struct {
	cur atomic.Pointer[Snapshot]
}

func NewIndex() *Index {
	ix := &Index{}
	empty, _ := NewSnapshot(nil, time.Time{})
	ix.cur.Store(empty)
	return ix
}

func (ix *Index) Current() *Snapshot {
	return ix.cur.Load()
}

// Apply makes s the live snapshot and returns the one it replaced.
func (ix *Index) Apply(s *Snapshot) *Snapshot {
	if s == nil {
		return ix.cur.Load()
	}
	return ix.cur.Swap(s)
}
