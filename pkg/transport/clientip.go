package transport

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// TrustedProxies are the networks whose X-Forwarded-For and X-Real-IP
// headers are believed. The zero value trusts nobody, so the source is
// always the peer address.
type TrustedProxies []netip.Prefix

// ParseTrustedProxies parses CIDR blocks or bare addresses.
func ParseTrustedProxies(entries []string) (TrustedProxies, error) {
	out := make(TrustedProxies, 0, len(entries))
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if e == "" {
			continue
		}
		if strings.Contains(e, "/") {
			p, err := netip.ParsePrefix(e)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
			}
			out = append(out, p.Masked())
			continue
		}
		a, err := netip.ParseAddr(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		a = a.Unmap()
		out = append(out, netip.PrefixFrom(a, a.BitLen()))
	}
	return out, nil
}

// Contains reports whether addr, with or without a port, is inside a
// trusted network. Anything that does not parse as an address is untrusted.
func (p TrustedProxies) Contains(addr string) bool {
	a, err := netip.ParseAddr(peerHost(strings.TrimSpace(addr)))
	if err != nil {
		return false
	}
	a = a.Unmap()
	for _, prefix := range p {
		if prefix.Contains(a) {
			return true
		}
	}
	return false
}

// ClientIP returns the source address of r. See SourceAddress.
func (p TrustedProxies) ClientIP(r *http.Request) string {
	return p.SourceAddress(r.Header.Get("X-Forwarded-For"), r.Header.Get("X-Real-IP"), r.RemoteAddr)
}

// SourceAddress picks the address counters and lockouts are keyed on.
// Forwarding headers count only when the peer is a trusted proxy. Then the
// right-most X-Forwarded-For hop outside the trusted networks wins, since
// everything left of it was written by the client. With no such hop,
// X-Real-IP and finally the left-most hop are used.
func (p TrustedProxies) SourceAddress(forwardedFor, realIP, peer string) string {
	host := peerHost(peer)
	if !p.Contains(host) {
		return host
	}

	leftmost := ""
	hops := strings.Split(forwardedFor, ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if !p.Contains(hop) {
			return peerHost(hop)
		}
		leftmost = peerHost(hop)
	}
	if ip := strings.TrimSpace(realIP); ip != "" {
		return ip
	}
	if leftmost != "" {
		return leftmost
	}
	return host
}

func peerHost(peer string) string {
	if host, _, err := net.SplitHostPort(peer); err == nil {
		return host
	}
	return peer
}
