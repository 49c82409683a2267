package classify

import (
	"regexp"
	"slices"
	"time"

	"github.com/yourorg/netscan-engine/internal/model"
	"github.com/yourorg/netscan-engine/internal/probe"
)

// Kind orders signature families from strongest to weakest evidence.
type Kind int

const (
	KindBanner Kind = iota + 1
	KindPortSet
	KindTiming
)

func (k Kind) String() string {
	switch k {
	case KindBanner:
		return "banner"
	case KindPortSet:
		return "portset"
	case KindTiming:
		return "timing"
	}
	return "unknown"
}

// weight is the evidence strength of one fully specific match of this kind.
func (k Kind) weight() float64 {
	switch k {
	case KindBanner:
		return 0.9
	case KindPortSet:
		return 0.6
	case KindTiming:
		return 0.3
	}
	return 0
}

// Rule carries the attributes every signature assigns on a match. An empty
// Type means the signature only detects software and does not vote on the
// device type.
type Rule struct {
	Name        string
	Type        model.DeviceType
	Vendor      string
	OS          string
	Specificity float64
	Updated     time.Time
}

// Signature is implemented by BannerSignature, PortSetSignature and
// TimingSignature only.
type Signature interface {
	Kind() Kind
	Meta() Rule
	match(h probe.HostResult) (hit, bool)
}

type hit struct {
	sig      Signature
	products []model.Product
}

// BannerSignature matches a regular expression against service banners.
// When Product is set the first capture group, if any, is the version.
type BannerSignature struct {
	Rule
	Port          int // 0 matches any port
	Pattern       *regexp.Regexp
	Product       string
	ProductVendor string
}

func (s *BannerSignature) Kind() Kind { return KindBanner }
func (s *BannerSignature) Meta() Rule { return s.Rule }

func (s *BannerSignature) match(h probe.HostResult) (hit, bool) {
	out := hit{sig: s}
	matched := false
	for _, p := range h.Ports {
		if p.Banner == "" || (s.Port != 0 && s.Port != p.Number) {
			continue
		}
		m := s.Pattern.FindStringSubmatch(p.Banner)
		if m == nil {
			continue
		}
		matched = true
		if s.Product == "" {
			continue
		}
		prod := model.Product{
			Vendor:     s.ProductVendor,
			Product:    s.Product,
			Port:       p.Number,
			Confidence: clamp(KindBanner.weight() * s.Specificity),
		}
		if len(m) > 1 {
			prod.Version = m[1]
		}
		out.products = append(out.products, prod)
	}
	return out, matched
}

// PortSetSignature matches when every listed port is open.
type PortSetSignature struct {
	Rule
	Ports []int
}

func (s *PortSetSignature) Kind() Kind { return KindPortSet }
func (s *PortSetSignature) Meta() Rule { return s.Rule }

func (s *PortSetSignature) match(h probe.HostResult) (hit, bool) {
	if len(s.Ports) == 0 {
		return hit{}, false
	}
	for _, want := range s.Ports {
		if !slices.ContainsFunc(h.Ports, func(p model.Port) bool { return p.Number == want }) {
			return hit{}, false
		}
	}
	return hit{sig: s}, true
}

// TimingSignature matches on connect round-trip time, optionally restricted
// to hosts exposing one of AnyPort.
type TimingSignature struct {
	Rule
	MinRTT  time.Duration
	MaxRTT  time.Duration // 0 means unbounded
	AnyPort []int
}

func (s *TimingSignature) Kind() Kind { return KindTiming }
func (s *TimingSignature) Meta() Rule { return s.Rule }

func (s *TimingSignature) match(h probe.HostResult) (hit, bool) {
	if h.RTT <= 0 || h.RTT < s.MinRTT || (s.MaxRTT > 0 && h.RTT >= s.MaxRTT) {
		return hit{}, false
	}
	if len(s.AnyPort) > 0 && !slices.ContainsFunc(h.Ports, func(p model.Port) bool {
		return slices.Contains(s.AnyPort, p.Number)
	}) {
		return hit{}, false
	}
	return hit{sig: s}, true
}

func clamp(v float64) float64 {
	return min(max(v, 0), 1)
}
