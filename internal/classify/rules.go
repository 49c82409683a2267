package classify

import (
	_ "embed"
	"os"
	"regexp"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/yourorg/netscan-engine/internal/model"
)

//go:embed signatures.yaml
var defaultRules []byte

type ruleFile struct {
	Signatures []ruleEntry `yaml:"signatures"`
}

type ruleEntry struct {
	Name          string  `yaml:"name"`
	Kind          string  `yaml:"kind"`
	Type          string  `yaml:"type"`
	Vendor        string  `yaml:"vendor"`
	OS            string  `yaml:"os"`
	Specificity   float64 `yaml:"specificity"`
	Updated       string  `yaml:"updated"`
	Port          int     `yaml:"port"`
	Pattern       string  `yaml:"pattern"`
	Product       string  `yaml:"product"`
	ProductVendor string  `yaml:"product_vendor"`
	Ports         []int   `yaml:"ports"`
	MinRTT        string  `yaml:"min_rtt"`
	MaxRTT        string  `yaml:"max_rtt"`
}

// Defaults returns the built-in signature table.
func Defaults() []Signature {
	sigs, err := ParseRules(defaultRules)
	if err != nil {
		panic(errors.Wrap(err, "built-in signatures"))
	}
	return sigs
}

// LoadRules reads a signature table from a YAML file.
func LoadRules(path string) ([]Signature, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read signatures")
	}
	sigs, err := ParseRules(b)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", path)
	}
	return sigs, nil
}

func ParseRules(b []byte) ([]Signature, error) {
	var f ruleFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, errors.Wrap(err, "decode yaml")
	}
	out := make([]Signature, 0, len(f.Signatures))
	for i, e := range f.Signatures {
		s, err := e.signature()
		if err != nil {
			return nil, errors.Wrapf(err, "signature %d (%s)", i, e.Name)
		}
		out = append(out, s)
	}
	return out, nil
}

func (e ruleEntry) signature() (Signature, error) {
	r := Rule{
		Name:        e.Name,
		Type:        model.DeviceType(e.Type),
		Vendor:      e.Vendor,
		OS:          e.OS,
		Specificity: e.Specificity,
	}
	if r.Name == "" {
		return nil, errors.New("missing name")
	}
	if r.Type != "" && !r.Type.Valid() {
		return nil, errors.Errorf("unknown device type %q", e.Type)
	}
	if r.Specificity <= 0 || r.Specificity > 1 {
		return nil, errors.Errorf("specificity %v outside (0,1]", e.Specificity)
	}
	if e.Updated != "" {
		t, err := time.Parse(time.DateOnly, e.Updated)
		if err != nil {
			return nil, errors.Wrap(err, "updated")
		}
		r.Updated = t
	}

	switch e.Kind {
	case "banner":
		if e.Pattern == "" {
			return nil, errors.New("banner signature without pattern")
		}
		re, err := regexp.Compile(e.Pattern)
		if err != nil {
			return nil, errors.Wrap(err, "pattern")
		}
		return &BannerSignature{
			Rule:          r,
			Port:          e.Port,
			Pattern:       re,
			Product:       model.NormalizeName(e.Product),
			ProductVendor: model.NormalizeName(e.ProductVendor),
		}, nil
	case "portset":
		if len(e.Ports) == 0 {
			return nil, errors.New("portset signature without ports")
		}
		if r.Type == "" {
			return nil, errors.New("portset signature without type")
		}
		return &PortSetSignature{Rule: r, Ports: e.Ports}, nil
	case "timing":
		if r.Type == "" {
			return nil, errors.New("timing signature without type")
		}
		s := &TimingSignature{Rule: r, AnyPort: e.Ports}
		var err error
		if s.MinRTT, err = parseDuration(e.MinRTT); err != nil {
			return nil, errors.Wrap(err, "min_rtt")
		}
		if s.MaxRTT, err = parseDuration(e.MaxRTT); err != nil {
			return nil, errors.Wrap(err, "max_rtt")
		}
		return s, nil
	}
	return nil, errors.Errorf("unknown kind %q", e.Kind)
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
