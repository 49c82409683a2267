// Package classify assigns a device type, vendor and OS to probed hosts and
// extracts software products from their banners.
package classify

import (
	"net"
	"sort"

	"github.com/google/gopacket/macs"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/probe"
)

type Classifier struct {
	sigs []Signature
}

// New returns a classifier over sigs. A nil slice selects the built-in
// signature table.
func New(sigs []Signature) *Classifier {
	if sigs == nil {
		sigs = Defaults()
	}
	return &Classifier{sigs: sigs}
}

func (c *Classifier) Signatures() []Signature {
	return c.sigs
}

// Classify never fails: hosts nothing matches come back as Unknown with zero
// confidence.
func (c *Classifier) Classify(h probe.HostResult) model.Classification {
	out := model.UnknownClassification(h.IP)

	var hits []hit
	for _, s := range c.sigs {
		if m, ok := s.match(h); ok {
			hits = append(hits, m)
			out.Products = append(out.Products, m.products...)
		}
	}
	out.Products = dedupProducts(out.Products)

	var typed []hit
	for _, m := range hits {
		if m.sig.Meta().Type != "" {
			typed = append(typed, m)
		}
	}
	if len(typed) > 0 {
		sort.SliceStable(typed, func(i, j int) bool { return better(typed[i].sig, typed[j].sig) })
		win := typed[0].sig.Meta()
		out.Type = win.Type
		out.Rule = win.Name
		out.Vendor = win.Vendor
		out.OS = win.OS

		miss := 1.0
		for _, m := range typed {
			r := m.sig.Meta()
			if r.Type != win.Type {
				continue
			}
			miss *= 1 - clamp(m.sig.Kind().weight()*r.Specificity)
			if out.Vendor == "" {
				out.Vendor = r.Vendor
			}
			if out.OS == "" {
				out.OS = r.OS
			}
		}
		out.Confidence = clamp(1 - miss)
	}

	if out.Vendor == "" {
		out.Vendor = VendorForMAC(h.MAC)
	}
	return out
}

// better reports whether a outranks b: stronger kind first, then the more
// specific rule, then the more recently updated one.
func better(a, b Signature) bool {
	if a.Kind() != b.Kind() {
		return a.Kind() < b.Kind()
	}
	ra, rb := a.Meta(), b.Meta()
	if ra.Specificity != rb.Specificity {
		return ra.Specificity > rb.Specificity
	}
	return ra.Updated.After(rb.Updated)
}

func dedupProducts(in []model.Product) []model.Product {
	if len(in) < 2 {
		return in
	}
	type key struct {
		vendor, product, version string
	}
	best := map[key]int{}
	var out []model.Product
	for _, p := range in {
		k := key{p.Vendor, p.Product, p.Version}
		if i, ok := best[k]; ok {
			if p.Confidence > out[i].Confidence {
				out[i] = p
			}
			continue
		}
		best[k] = len(out)
		out = append(out, p)
	}
	return out
}

// VendorForMAC resolves the IEEE OUI of mac, or "" when unknown.
func VendorForMAC(mac string) string {
	if mac == "" {
		return ""
	}
	hw, err := net.ParseMAC(mac)
	if err != nil || len(hw) < 3 {
		return ""
	}
	return macs.ValidMACPrefixMap[[3]byte{hw[0], hw[1], hw[2]}]
}
