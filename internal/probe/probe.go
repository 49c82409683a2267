// Package probe checks host reachability and exposed TCP services.
package probe

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/netip"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yourorg/netscan-engine/internal/model"
)

// Dialer is satisfied by *net.Dialer.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Gate is the cancellation flag checked before each host is dispatched.
type Gate interface {
	Stopped() bool
}

// doneGate is implemented by gates that can also be waited on.
type doneGate interface {
	Done() <-chan struct{}
}

type Config struct {
	Ports         []int
	HTTPPorts     []int
	TLSPorts      []int
	Concurrency   int
	HostTimeout   time.Duration
	DialTimeout   time.Duration
	BannerTimeout time.Duration
	// PortWorkers bounds concurrent port checks within one host.
	PortWorkers int
}

func DefaultConfig() Config {
	return Config{
		Ports: []int{
			21,    // FTP
			22,    // SSH
			23,    // Telnet
			25,    // SMTP
			53,    // DNS
			80,    // HTTP
			139,   // NetBIOS
			443,   // HTTPS
			445,   // SMB
			515,   // LPD
			554,   // RTSP
			631,   // IPP
			1883,  // MQTT
			3389,  // RDP
			5683,  // CoAP
			8080,  // HTTP Alt
			8443,  // HTTPS Alt
			9100,  // JetDirect
			62078, // iOS lockdown
		},
		HTTPPorts:     []int{80, 631, 8080},
		TLSPorts:      []int{443, 8443},
		Concurrency:   64,
		HostTimeout:   5 * time.Second,
		DialTimeout:   1500 * time.Millisecond,
		BannerTimeout: 2 * time.Second,
		PortWorkers:   8,
	}
}

// HostResult is one host's probe outcome. Unreachable hosts are data, not
// errors; Err is set only when the worker itself failed.
type HostResult struct {
	IP       netip.Addr
	Liveness model.Liveness
	MAC      string
	Ports    []model.Port
	RTT      time.Duration
	Reason   string
	Started  time.Time
	Finished time.Time
	Err      error
}

func (r HostResult) Alive() bool {
	return r.Liveness == model.LivenessAlive
}

type Prober struct {
	cfg       Config
	dialer    Dialer
	neighbors func(netip.Addr) string
	log       *logrus.Entry
}

type Option func(*Prober)

func WithDialer(d Dialer) Option {
	return func(p *Prober) { p.dialer = d }
}

// WithNeighbors overrides the MAC address lookup.
func WithNeighbors(fn func(netip.Addr) string) Option {
	return func(p *Prober) { p.neighbors = fn }
}

func WithLogger(l *logrus.Entry) Option {
	return func(p *Prober) { p.log = l }
}

func New(cfg Config, opts ...Option) *Prober {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.HostTimeout <= 0 {
		cfg.HostTimeout = def.HostTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.BannerTimeout <= 0 {
		cfg.BannerTimeout = def.BannerTimeout
	}
	if cfg.PortWorkers <= 0 {
		cfg.PortWorkers = def.PortWorkers
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = def.Ports
		cfg.HTTPPorts = def.HTTPPorts
		cfg.TLSPorts = def.TLSPorts
	}
	p := &Prober{
		cfg:       cfg,
		dialer:    &net.Dialer{},
		neighbors: LookupMAC,
		log:       logrus.NewEntry(logrus.StandardLogger()),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Prober) Config() Config {
	return p.cfg
}

// Run probes addrs with a fixed pool of workers and streams each result as
// soon as its host finishes. The gate is consulted before every dispatch;
// hosts already being probed are allowed to finish. The channel is closed
// once all dispatched hosts have reported.
func (p *Prober) Run(ctx context.Context, addrs iter.Seq[netip.Addr], gate Gate) <-chan HostResult {
	out := make(chan HostResult, p.cfg.Concurrency)
	jobs := make(chan netip.Addr)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ip := range jobs {
				out <- p.safeProbe(ctx, ip)
			}
		}()
	}

	var stop <-chan struct{}
	if dg, ok := gate.(doneGate); ok {
		stop = dg.Done()
	}
	go func() {
		defer func() {
			close(jobs)
			wg.Wait()
			close(out)
		}()
		for ip := range addrs {
			if (gate != nil && gate.Stopped()) || ctx.Err() != nil {
				return
			}
			select {
			case jobs <- ip:
			case <-stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *Prober) safeProbe(ctx context.Context, ip netip.Addr) (res HostResult) {
	defer func() {
		if r := recover(); r != nil {
			res = HostResult{IP: ip, Err: fmt.Errorf("probe worker panic on %s: %v", ip, r)}
		}
	}()
	return p.ProbeHost(ctx, ip)
}

type portOutcome struct {
	port    int
	open    bool
	refused bool
	rtt     time.Duration
	banner  string
	err     error
}

// ProbeHost checks one host within the per-host timeout. It is attempted
// exactly once per scan.
func (p *Prober) ProbeHost(ctx context.Context, ip netip.Addr) HostResult {
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HostTimeout)
	defer cancel()

	res := HostResult{IP: ip, Started: time.Now()}
	outcomes := make([]portOutcome, len(p.cfg.Ports))
	sem := make(chan struct{}, p.cfg.PortWorkers)

	var wg sync.WaitGroup
	for i, port := range p.cfg.Ports {
		wg.Add(1)
		go func(i, port int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					outcomes[i] = portOutcome{port: port, err: fmt.Errorf("port %d: %v", port, r)}
				}
			}()
			select {
			case sem <- struct{}{}:
			case <-hctx.Done():
				outcomes[i] = portOutcome{port: port}
				return
			}
			defer func() { <-sem }()
			outcomes[i] = p.checkPort(hctx, ip, port)
		}(i, port)
	}
	wg.Wait()
	res.Finished = time.Now()

	reachable := false
	for _, o := range outcomes {
		if o.err != nil {
			res.Err = fmt.Errorf("probe worker panic on %s: %w", ip, o.err)
			return res
		}
		if o.refused {
			reachable = true
		}
		if !o.open {
			continue
		}
		reachable = true
		if res.RTT == 0 || o.rtt < res.RTT {
			res.RTT = o.rtt
		}
		res.Ports = append(res.Ports, model.Port{
			Number:   o.port,
			Protocol: "tcp",
			Service:  ServiceName(o.port),
			Banner:   o.banner,
		})
	}
	sort.Slice(res.Ports, func(i, j int) bool { return res.Ports[i].Number < res.Ports[j].Number })

	if !reachable {
		res.Liveness = model.LivenessUnreachable
		res.Reason = "no response"
		if errors.Is(hctx.Err(), context.DeadlineExceeded) {
			res.Reason = "timeout"
		}
		p.log.WithField("host", ip).Debugf("host unreachable (%s)", res.Reason)
		return res
	}

	res.Liveness = model.LivenessAlive
	if p.neighbors != nil {
		res.MAC = p.neighbors(ip)
	}
	p.log.WithField("host", ip).Debugf("host alive, %d open ports, rtt=%v", len(res.Ports), res.RTT)
	return res
}

func (p *Prober) checkPort(ctx context.Context, ip netip.Addr, port int) portOutcome {
	out := portOutcome{port: port}
	dctx, cancel := context.WithTimeout(ctx, p.cfg.DialTimeout)
	defer cancel()

	addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	start := time.Now()
	conn, err := p.dialer.DialContext(dctx, "tcp", addr)
	if err != nil {
		out.refused = errors.Is(err, syscall.ECONNREFUSED)
		return out
	}
	defer conn.Close()

	out.open = true
	out.rtt = time.Since(start)
	out.banner = p.grabBanner(ctx, conn, ip, port)
	return out
}

// ServiceName maps well-known ports onto a service label.
func ServiceName(port int) string {
	if s, ok := services[port]; ok {
		return s
	}
	return "unknown"
}

var services = map[int]string{
	21:    "ftp",
	22:    "ssh",
	23:    "telnet",
	25:    "smtp",
	53:    "dns",
	80:    "http",
	110:   "pop3",
	139:   "netbios",
	143:   "imap",
	443:   "https",
	445:   "smb",
	515:   "lpd",
	554:   "rtsp",
	631:   "ipp",
	1883:  "mqtt",
	3389:  "rdp",
	5683:  "coap",
	8080:  "http-alt",
	8443:  "https-alt",
	8883:  "mqtt-tls",
	9100:  "jetdirect",
	62078: "iphone-sync",
}
