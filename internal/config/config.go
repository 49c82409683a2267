package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string

	S3Endpoint    string
	S3AccessKey   string
	S3SecretKey   string
	S3UseSSL      bool
	S3Region      string
	ReportsBucket string
	ScratchDir    string

	FeedURL          string
	KEVURL           string
	FeedSyncInterval time.Duration
	SignaturesFile   string

	ScanPorts          []int
	ProbeConcurrency   int
	HostTimeout        time.Duration
	DialTimeout        time.Duration
	BannerTimeout      time.Duration
	ScanTimeout        time.Duration
	MaxConcurrentScans int
	ScanLockTTL        time.Duration

	HostStaleAfter        time.Duration
	ClassificationHistory int
	RiskTopN              int
}

func getBool(key, def string) bool {
	v := os.Getenv(key)
	if v == "" {
		v = def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func getInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errors.Wrapf(err, "%s", key)
	}
	return d, nil
}

// getPorts parses a comma separated port list.
func getPorts(key string) ([]int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil, nil
	}
	var out []int
	for _, f := range strings.Split(v, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil || n < 1 || n > 65535 {
			return nil, errors.Errorf("%s: invalid port %q", key, f)
		}
		out = append(out, n)
	}
	return out, nil
}

// Load reads the environment. DATABASE_URL is the only required setting;
// an empty ScanPorts means the prober defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		HTTPAddr:              getString("HTTP_ADDR", ":8080"),
		LogLevel:              getString("LOG_LEVEL", "info"),
		S3Endpoint:            os.Getenv("S3_ENDPOINT"),
		S3AccessKey:           os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:           os.Getenv("S3_SECRET_KEY"),
		S3UseSSL:              getBool("S3_USE_SSL", "false"),
		S3Region:              os.Getenv("S3_REGION"),
		ReportsBucket:         os.Getenv("REPORTS_BUCKET"),
		ScratchDir:            getString("SCRATCH_DIR", os.TempDir()),
		FeedURL:               os.Getenv("FEED_URL"),
		KEVURL:                os.Getenv("KEV_URL"),
		SignaturesFile:        os.Getenv("SIGNATURES_FILE"),
		ProbeConcurrency:      getInt("PROBE_CONCURRENCY", 64),
		MaxConcurrentScans:    getInt("MAX_CONCURRENT_SCANS", 2),
		ClassificationHistory: getInt("CLASSIFICATION_HISTORY", 5),
		RiskTopN:              getInt("RISK_TOP_N", 10),
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
		def time.Duration
	}{
		{"FEED_SYNC_INTERVAL", &cfg.FeedSyncInterval, 6 * time.Hour},
		{"HOST_TIMEOUT", &cfg.HostTimeout, 5 * time.Second},
		{"DIAL_TIMEOUT", &cfg.DialTimeout, 1500 * time.Millisecond},
		{"BANNER_TIMEOUT", &cfg.BannerTimeout, 2 * time.Second},
		{"SCAN_TIMEOUT", &cfg.ScanTimeout, 0},
		{"SCAN_LOCK_TTL", &cfg.ScanLockTTL, 2 * time.Hour},
		{"HOST_STALE_AFTER", &cfg.HostStaleAfter, 7 * 24 * time.Hour},
	}
	for _, d := range durations {
		if *d.dst, err = getDuration(d.key, d.def); err != nil {
			return Config{}, err
		}
	}
	if cfg.ScanPorts, err = getPorts("SCAN_PORTS"); err != nil {
		return Config{}, err
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}
	if cfg.ProbeConcurrency <= 0 {
		return Config{}, errors.New("PROBE_CONCURRENCY must be positive")
	}
	if cfg.S3Endpoint != "" && cfg.ReportsBucket == "" {
		return Config{}, errors.New("REPORTS_BUCKET is required when S3_ENDPOINT is set")
	}
	return cfg, nil
}
