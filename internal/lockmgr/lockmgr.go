// Package lockmgr prevents two scans of the same organization from probing
// overlapping address space at the same time.
package lockmgr

import (
	"fmt"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// ScanInProgressError is returned when an overlapping scan holds the lock.
type ScanInProgressError struct {
	OrgID   string
	ScanID  string
	Overlap string
}

func (e *ScanInProgressError) Error() string {
	return fmt.Sprintf("scan %s already in progress for org %s (overlaps %s)", e.ScanID, e.OrgID, e.Overlap)
}

type Lease struct {
	OrgID    string
	Owner    string
	Prefixes []netip.Prefix
	Expires  time.Time

	m *Manager
}

// Release is idempotent and safe after expiry.
func (l *Lease) Release() {
	if l == nil || l.m == nil {
		return
	}
	l.m.release(l)
}

// Extend pushes the expiry out by the manager's TTL.
func (l *Lease) Extend() {
	if l == nil || l.m == nil {
		return
	}
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	if l.m.held(l) {
		l.Expires = l.m.now().Add(l.m.ttl)
	}
}

type Manager struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	leases map[string][]*Lease // by org
}

func New(ttl time.Duration) *Manager {
	return &Manager{ttl: ttl, now: time.Now, leases: map[string][]*Lease{}}
}

// Acquire takes the lock on prefixes for org on behalf of owner.
func (m *Manager) Acquire(org string, prefixes []netip.Prefix, owner string) (*Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	live := m.leases[org][:0]
	for _, l := range m.leases[org] {
		if m.ttl <= 0 || l.Expires.After(now) {
			live = append(live, l)
		}
	}
	m.leases[org] = live

	for _, l := range live {
		if p, q, ok := overlap(prefixes, l.Prefixes); ok {
			return nil, &ScanInProgressError{OrgID: org, ScanID: l.Owner, Overlap: p.String() + " with " + q.String()}
		}
	}

	l := &Lease{OrgID: org, Owner: owner, Prefixes: prefixes, m: m}
	if m.ttl > 0 {
		l.Expires = now.Add(m.ttl)
	}
	m.leases[org] = append(m.leases[org], l)
	return l, nil
}

// Holder returns the owner of a live lease overlapping prefixes, if any.
func (m *Manager) Holder(org string, prefixes []netip.Prefix) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, l := range m.leases[org] {
		if m.ttl > 0 && !l.Expires.After(now) {
			continue
		}
		if _, _, ok := overlap(prefixes, l.Prefixes); ok {
			return l.Owner, true
		}
	}
	return "", false
}

func (m *Manager) release(l *Lease) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.leases[l.OrgID]
	for i, cur := range list {
		if cur == l {
			m.leases[l.OrgID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.leases[l.OrgID]) == 0 {
		delete(m.leases, l.OrgID)
	}
}

func (m *Manager) held(l *Lease) bool {
	for _, cur := range m.leases[l.OrgID] {
		if cur == l {
			return true
		}
	}
	return false
}

func overlap(a, b []netip.Prefix) (netip.Prefix, netip.Prefix, bool) {
	for _, p := range a {
		for _, q := range b {
			if p.Overlaps(q) {
				return p, q, true
			}
		}
	}
	return netip.Prefix{}, netip.Prefix{}, false
}

// Key renders a prefix set for logs.
func Key(prefixes []netip.Prefix) string {
	parts := make([]string, len(prefixes))
	for i, p := range prefixes {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}
