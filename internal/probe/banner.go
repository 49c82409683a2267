package probe

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"
	"unicode"

	"github.com/PuerkitoBio/goquery"
)

const (
	maxBanner   = 256
	maxHTTPBody = 64 << 10
)

func (p *Prober) grabBanner(ctx context.Context, conn net.Conn, ip netip.Addr, port int) string {
	deadline := time.Now().Add(p.cfg.BannerTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)

	switch {
	case slices.Contains(p.cfg.TLSPorts, port):
		tc := tls.Client(conn, &tls.Config{InsecureSkipVerify: true}) //nolint:gosec // fingerprinting only
		if err := tc.HandshakeContext(ctx); err != nil {
			return ""
		}
		banner := httpBanner(tc, ip)
		if cn := peerName(tc); cn != "" {
			banner = strings.TrimSpace(banner + " cert=" + cn)
		}
		return clean(banner)
	case slices.Contains(p.cfg.HTTPPorts, port):
		return clean(httpBanner(conn, ip))
	default:
		buf := make([]byte, 1024)
		n, _ := conn.Read(buf)
		return clean(string(buf[:n]))
	}
}

// httpBanner issues a plain GET / and condenses the Server header and page
// title into one line.
func httpBanner(conn net.Conn, ip netip.Addr) string {
	req, err := http.NewRequest(http.MethodGet, "http://"+ip.String()+"/", nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "netscan-engine/1.0")
	req.Header.Set("Connection", "close")
	if err := req.Write(conn); err != nil {
		return ""
	}
	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var parts []string
	if s := resp.Header.Get("Server"); s != "" {
		parts = append(parts, s)
	}
	if s := resp.Header.Get("WWW-Authenticate"); s != "" {
		parts = append(parts, s)
	}
	if title := pageTitle(io.LimitReader(resp.Body, maxHTTPBody)); title != "" {
		parts = append(parts, fmt.Sprintf("title=%q", title))
	}
	return strings.Join(parts, " ")
}

func pageTitle(r io.Reader) string {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(doc.Find("title").First().Text())
}

func peerName(tc *tls.Conn) string {
	certs := tc.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return ""
	}
	if cn := certs[0].Subject.CommonName; cn != "" {
		return cn
	}
	if len(certs[0].Subject.Organization) > 0 {
		return certs[0].Subject.Organization[0]
	}
	return ""
}

// clean keeps a printable single-line snippet of at most maxBanner runes.
func clean(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			return ' '
		case unicode.IsPrint(r):
			return r
		}
		return -1
	}, s)
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > maxBanner {
		s = string(r[:maxBanner])
	}
	return s
}
