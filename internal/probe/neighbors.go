package probe

import (
	"bufio"
	"io"
	"net/netip"
	"os"
	"strings"
)

const arpTablePath = "/proc/net/arp"

// LookupMAC returns the hardware address the kernel learned for ip, or "" when
// the host is off-link or the table is unavailable.
func LookupMAC(ip netip.Addr) string {
	f, err := os.Open(arpTablePath)
	if err != nil {
		return ""
	}
	defer f.Close()
	return ParseARPTable(f)[ip]
}

// ParseARPTable reads the Linux /proc/net/arp format. Incomplete entries are
// skipped.
func ParseARPTable(r io.Reader) map[netip.Addr]string {
	out := map[netip.Addr]string{}
	sc := bufio.NewScanner(r)
	first := true
	for sc.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		ip, err := netip.ParseAddr(fields[0])
		if err != nil {
			continue
		}
		mac := strings.ToUpper(fields[3])
		if mac == "00:00:00:00:00:00" || fields[2] == "0x0" {
			continue
		}
		out[ip] = mac
	}
	return out
}
