// Package enumerate expands CIDR ranges into the host addresses a scan
// probes. Addresses are produced lazily so a /16 never sits in memory.
package enumerate

import (
	"fmt"
	"iter"
	"net/netip"
	"slices"
	"strings"
)

// IPv6 ranges wider than this are rejected; anything larger cannot be swept
// by connection probing in a useful time.
const minIPv6Bits = 112

// InvalidRangeError is returned for malformed range or exclusion syntax. It
// is always raised before any network activity.
type InvalidRangeError struct {
	Input  string
	Reason string
}

func (e *InvalidRangeError) Error() string {
	return fmt.Sprintf("invalid range %q: %s", e.Input, e.Reason)
}

// Targets is a parsed, immutable set of ranges minus exclusions.
type Targets struct {
	prefixes []netip.Prefix
	exclude  []netip.Prefix
}

// Parse validates every CIDR and exclusion. A bare address is treated as a
// single-host prefix.
func Parse(cidrs, exclude []string) (*Targets, error) {
	if len(cidrs) == 0 {
		return nil, &InvalidRangeError{Reason: "no ranges given"}
	}
	t := &Targets{}
	for _, c := range cidrs {
		p, err := parsePrefix(c)
		if err != nil {
			return nil, err
		}
		if p.Addr().Is6() && p.Bits() < minIPv6Bits {
			return nil, &InvalidRangeError{Input: c, Reason: fmt.Sprintf("IPv6 ranges must be /%d or narrower", minIPv6Bits)}
		}
		t.prefixes = append(t.prefixes, p)
	}
	for _, e := range exclude {
		p, err := parsePrefix(e)
		if err != nil {
			return nil, err
		}
		t.exclude = append(t.exclude, p)
	}
	return t, nil
}

func parsePrefix(s string) (netip.Prefix, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, &InvalidRangeError{Input: s, Reason: "empty"}
	}
	if !strings.Contains(s, "/") {
		a, err := netip.ParseAddr(s)
		if err != nil {
			return netip.Prefix{}, &InvalidRangeError{Input: s, Reason: err.Error()}
		}
		a = a.Unmap()
		return netip.PrefixFrom(a, a.BitLen()), nil
	}
	p, err := netip.ParsePrefix(s)
	if err != nil {
		return netip.Prefix{}, &InvalidRangeError{Input: s, Reason: err.Error()}
	}
	if p.Addr().Zone() != "" {
		return netip.Prefix{}, &InvalidRangeError{Input: s, Reason: "zoned addresses are not scannable"}
	}
	return p.Masked(), nil
}

// All yields every target address once, in range order then address order.
// An address already produced by an earlier range is skipped.
func (t *Targets) All() iter.Seq[netip.Addr] {
	return func(yield func(netip.Addr) bool) {
		for i, p := range t.prefixes {
			for a := p.Addr(); p.Contains(a); a = a.Next() {
				if !t.keep(i, a) {
					continue
				}
				if !yield(a) {
					return
				}
			}
		}
	}
}

func (t *Targets) keep(i int, a netip.Addr) bool {
	if !usable(t.prefixes[i], a) || t.excluded(a) {
		return false
	}
	for _, q := range t.prefixes[:i] {
		if usable(q, a) {
			return false
		}
	}
	return true
}

func (t *Targets) excluded(a netip.Addr) bool {
	for _, e := range t.exclude {
		if e.Contains(a) {
			return true
		}
	}
	return false
}

// Count is the exact number of addresses All yields. Ranges that neither
// overlap another range nor contain an exclusion are counted arithmetically.
func (t *Targets) Count() int {
	n := 0
	for i, p := range t.prefixes {
		if !t.entangled(i) {
			n += usableSize(p)
			continue
		}
		for a := p.Addr(); p.Contains(a); a = a.Next() {
			if t.keep(i, a) {
				n++
			}
		}
	}
	return n
}

func (t *Targets) entangled(i int) bool {
	p := t.prefixes[i]
	for j, q := range t.prefixes {
		if j != i && p.Overlaps(q) {
			return true
		}
	}
	for _, e := range t.exclude {
		if p.Overlaps(e) {
			return true
		}
	}
	return false
}

// Prefixes returns the distinct masked prefixes in canonical order. Two
// requests naming the same networks in a different order normalize equally.
func (t *Targets) Prefixes() []netip.Prefix {
	out := slices.Clone(t.prefixes)
	slices.SortFunc(out, func(a, b netip.Prefix) int {
		if c := a.Addr().Compare(b.Addr()); c != 0 {
			return c
		}
		return a.Bits() - b.Bits()
	})
	return slices.Compact(out)
}

// Key is the normalized textual form of Prefixes.
func (t *Targets) Key() string {
	ps := t.Prefixes()
	parts := make([]string, len(ps))
	for i, p := range ps {
		parts[i] = p.String()
	}
	return strings.Join(parts, ",")
}

// usable reports whether a is a host address of p: IPv4 networks of /30 and
// wider lose their network and broadcast addresses.
func usable(p netip.Prefix, a netip.Addr) bool {
	if !p.Contains(a) {
		return false
	}
	if p.Addr().Is4() && p.Bits() <= 30 {
		return a != p.Addr() && a != lastAddr(p)
	}
	return true
}

func usableSize(p netip.Prefix) int {
	host := p.Addr().BitLen() - p.Bits()
	size := 1 << host
	if p.Addr().Is4() && p.Bits() <= 30 {
		size -= 2
	}
	return size
}

func lastAddr(p netip.Prefix) netip.Addr {
	if p.Addr().Is4() {
		b := p.Addr().As4()
		hostBits := 32 - p.Bits()
		for i := 3; i >= 0 && hostBits > 0; i-- {
			n := min(hostBits, 8)
			b[i] |= byte(1<<n - 1)
			hostBits -= n
		}
		return netip.AddrFrom4(b)
	}
	b := p.Addr().As16()
	hostBits := 128 - p.Bits()
	for i := 15; i >= 0 && hostBits > 0; i-- {
		n := min(hostBits, 8)
		b[i] |= byte(1<<n - 1)
		hostBits -= n
	}
	return netip.AddrFrom16(b)
}
