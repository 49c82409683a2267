package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/netscan-engine/internal/model"
)

var loopback = netip.MustParseAddr("127.0.0.1")

func listenBanner(t *testing.T, banner string) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			_, _ = c.Write([]byte(banner))
			c.Close()
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func fastConfig(ports ...int) Config {
	return Config{
		Ports:         ports,
		Concurrency:   4,
		HostTimeout:   2 * time.Second,
		DialTimeout:   500 * time.Millisecond,
		BannerTimeout: 500 * time.Millisecond,
	}
}

func noMAC(netip.Addr) string { return "" }

func TestProbeHostGrabsRawBanner(t *testing.T) {
	port := listenBanner(t, "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.8\r\n")
	p := New(fastConfig(port), WithNeighbors(noMAC))

	res := p.ProbeHost(context.Background(), loopback)
	require.NoError(t, res.Err)
	assert.True(t, res.Alive())
	require.Len(t, res.Ports, 1)
	assert.Equal(t, port, res.Ports[0].Number)
	assert.Equal(t, "tcp", res.Ports[0].Protocol)
	assert.Equal(t, "SSH-2.0-OpenSSH_7.2p2 Ubuntu-4ubuntu2.8", res.Ports[0].Banner)
	assert.False(t, res.Finished.Before(res.Started))
}

func TestProbeHostHTTPBanner(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "lighttpd/1.4.35")
		fmt.Fprint(w, "<html><head><title> Router Login </title></head><body></body></html>")
	}))
	defer srv.Close()
	_, portStr, err := net.SplitHostPort(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	cfg := fastConfig(port)
	cfg.HTTPPorts = []int{port}
	p := New(cfg, WithNeighbors(noMAC))

	res := p.ProbeHost(context.Background(), loopback)
	require.True(t, res.Alive())
	require.Len(t, res.Ports, 1)
	assert.Equal(t, `lighttpd/1.4.35 title="Router Login"`, res.Ports[0].Banner)
}

func TestProbeHostRefusedIsReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	p := New(fastConfig(port), WithNeighbors(func(netip.Addr) string { return "00:11:22:33:44:55" }))
	res := p.ProbeHost(context.Background(), loopback)
	assert.True(t, res.Alive())
	assert.Empty(t, res.Ports)
	assert.Equal(t, "00:11:22:33:44:55", res.MAC)
}

type blockingDialer struct{}

func (blockingDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProbeHostTimeoutIsUnreachable(t *testing.T) {
	cfg := fastConfig(22, 80)
	cfg.HostTimeout = 50 * time.Millisecond
	cfg.DialTimeout = time.Second
	p := New(cfg, WithDialer(blockingDialer{}), WithNeighbors(noMAC))

	res := p.ProbeHost(context.Background(), netip.MustParseAddr("10.0.0.9"))
	require.NoError(t, res.Err)
	assert.Equal(t, model.LivenessUnreachable, res.Liveness)
	assert.Equal(t, "timeout", res.Reason)
	assert.Empty(t, res.MAC)
}

type pipeDialer struct {
	open  map[string]bool
	dials atomic.Int32
}

func (d *pipeDialer) DialContext(_ context.Context, _, address string) (net.Conn, error) {
	d.dials.Add(1)
	host, _, _ := net.SplitHostPort(address)
	if !d.open[host] {
		return nil, &net.OpError{Op: "dial", Err: fmt.Errorf("no route")}
	}
	client, server := net.Pipe()
	go func() {
		_, _ = server.Write([]byte("220 ready\r\n"))
		server.Close()
	}()
	return client, nil
}

func TestRunStreamsEveryHost(t *testing.T) {
	d := &pipeDialer{open: map[string]bool{"10.0.0.1": true}}
	p := New(fastConfig(21), WithDialer(d), WithNeighbors(noMAC))

	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	var got []HostResult
	for r := range p.Run(context.Background(), slices.Values(addrs), nil) {
		got = append(got, r)
	}
	require.Len(t, got, 2)
	byIP := map[string]HostResult{}
	for _, r := range got {
		byIP[r.IP.String()] = r
	}
	assert.True(t, byIP["10.0.0.1"].Alive())
	assert.Equal(t, "220 ready", byIP["10.0.0.1"].Ports[0].Banner)
	assert.Equal(t, model.LivenessUnreachable, byIP["10.0.0.2"].Liveness)
	assert.Equal(t, "no response", byIP["10.0.0.2"].Reason)
}

type stopped bool

func (s stopped) Stopped() bool { return bool(s) }

func TestRunStopsDispatchWhenGateCloses(t *testing.T) {
	d := &pipeDialer{}
	p := New(fastConfig(21), WithDialer(d), WithNeighbors(noMAC))

	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2")}
	n := 0
	for range p.Run(context.Background(), slices.Values(addrs), stopped(true)) {
		n++
	}
	assert.Zero(t, n)
	assert.Zero(t, d.dials.Load())
}

type chanGate chan struct{}

func (g chanGate) Stopped() bool {
	select {
	case <-g:
		return true
	default:
		return false
	}
}

func (g chanGate) Done() <-chan struct{} { return g }

type releaseDialer struct {
	release chan struct{}
	entered chan struct{}
	dials   atomic.Int32
}

func (d *releaseDialer) DialContext(ctx context.Context, _, _ string) (net.Conn, error) {
	if d.dials.Add(1) == 1 {
		close(d.entered)
	}
	select {
	case <-d.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
}

func TestRunAbandonsBlockedDispatchWhenGateCloses(t *testing.T) {
	cfg := fastConfig(21)
	cfg.Concurrency = 1
	d := &releaseDialer{release: make(chan struct{}), entered: make(chan struct{})}
	p := New(cfg, WithDialer(d), WithNeighbors(noMAC))

	gate := make(chanGate)
	addrs := []netip.Addr{netip.MustParseAddr("10.0.0.1"), netip.MustParseAddr("10.0.0.2"), netip.MustParseAddr("10.0.0.3")}
	out := p.Run(context.Background(), slices.Values(addrs), gate)

	<-d.entered
	close(gate)
	close(d.release)

	var got []HostResult
	for r := range out {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	assert.Equal(t, "10.0.0.1", got[0].IP.String())
	assert.True(t, got[0].Alive(), "refused connection proves reachability")
	assert.EqualValues(t, 1, d.dials.Load())
}

type panicDialer struct{}

func (panicDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	panic("boom")
}

func TestRunConvertsPanicToError(t *testing.T) {
	p := New(fastConfig(21, 22), WithDialer(panicDialer{}), WithNeighbors(noMAC))
	var got []HostResult
	for r := range p.Run(context.Background(), slices.Values([]netip.Addr{loopback}), nil) {
		got = append(got, r)
	}
	require.Len(t, got, 1)
	require.Error(t, got[0].Err)
	assert.Contains(t, got[0].Err.Error(), "boom")
}

func TestParseARPTable(t *testing.T) {
	table := `IP address       HW type     Flags       HW address            Mask     Device
192.168.1.1      0x1         0x2         b8:27:eb:12:34:56     *        eth0
192.168.1.7      0x1         0x0         00:00:00:00:00:00     *        eth0
192.168.1.9      0x1         0x2         00:1b:63:aa:bb:cc     *        eth0
`
	got := ParseARPTable(strings.NewReader(table))
	assert.Equal(t, map[netip.Addr]string{
		netip.MustParseAddr("192.168.1.1"): "B8:27:EB:12:34:56",
		netip.MustParseAddr("192.168.1.9"): "00:1B:63:AA:BB:CC",
	}, got)
}

func TestClean(t *testing.T) {
	assert.Equal(t, "a b c", clean("a\r\nb\x00\x01 \tc"))
	assert.Len(t, []rune(clean(strings.Repeat("x", 1000))), maxBanner)
}

func TestServiceName(t *testing.T) {
	assert.Equal(t, "ssh", ServiceName(22))
	assert.Equal(t, "unknown", ServiceName(31337))
}
