package netorigin

import (
	"context"
	"net/netip"
	"strings"
)

// Whitelist matches CIDR blocks, exact addresses and dotted string
// prefixes such as "192.168.1.".
type Whitelist struct {
	prefixes []netip.Prefix
	addrs    map[netip.Addr]struct{}
	textual  []string
}

// NewWhitelist parses entries; anything that is neither a CIDR nor an
// address is kept as a textual prefix.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{addrs: make(map[netip.Addr]struct{})}
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if p, err := netip.ParsePrefix(e); err == nil {
			w.prefixes = append(w.prefixes, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			w.addrs[a.Unmap()] = struct{}{}
			continue
		}
		w.textual = append(w.textual, e)
	}
	return w
}

func (w *Whitelist) Source() Source { return SourceWhitelist }

func (w *Whitelist) Contains(_ context.Context, ip netip.Addr) (bool, string, error) {
	if _, ok := w.addrs[ip]; ok {
		return true, "exact address " + ip.String(), nil
	}
	for _, p := range w.prefixes {
		if p.Contains(ip) {
			return true, "range " + p.String(), nil
		}
	}
	s := ip.String()
	for _, t := range w.textual {
		if strings.HasPrefix(s, t) {
			return true, "prefix " + t, nil
		}
	}
	return false, "address not in authorized ranges", nil
}
