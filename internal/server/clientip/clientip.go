// Package clientip resolves the address a request came from. Forwarding headers are honoured
// only when the direct peer is a configured trusted proxy.
package clientip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// Unknown is returned when no address can be determined.
const Unknown = "unknown"

// Resolver picks the client address from the peer address and forwarding headers.
// A nil Resolver trusts no proxies.
type Resolver struct {
	trusted []netip.Prefix
}

// NewResolver parses proxies, each either a CIDR ("10.0.0.0/8") or a single address.
// Empty entries are ignored.
func NewResolver(proxies []string) (*Resolver, error) {
	r := &Resolver{}
	for _, p := range proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
			}
			r.trusted = append(r.trusted, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", p, err)
		}
		addr = addr.Unmap()
		r.trusted = append(r.trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return r, nil
}

// Resolve returns the client address. When remoteAddr is not a trusted proxy it is returned as is
// and the headers are ignored. Otherwise forwardedFor is walked right to left and the first hop
// that is not itself a trusted proxy wins; realIP is used when forwardedFor is empty.
func (r *Resolver) Resolve(remoteAddr, forwardedFor, realIP string) string {
	peer, ok := parse(remoteAddr)
	if !ok {
		if h := host(remoteAddr); h != "" {
			return h
		}
		return Unknown
	}
	if !r.isTrusted(peer) {
		return peer.String()
	}
	if forwardedFor != "" {
		hops := strings.Split(forwardedFor, ",")
		var leftmost string
		for i := len(hops) - 1; i >= 0; i-- {
			addr, ok := parse(hops[i])
			if !ok {
				break
			}
			if !r.isTrusted(addr) {
				return addr.String()
			}
			leftmost = addr.String()
		}
		if leftmost != "" {
			return leftmost
		}
		return peer.String()
	}
	if addr, ok := parse(realIP); ok {
		return addr.String()
	}
	return peer.String()
}

func (r *Resolver) isTrusted(addr netip.Addr) bool {
	if r == nil {
		return false
	}
	for _, p := range r.trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func host(s string) string {
	s = strings.TrimSpace(s)
	if h, _, err := net.SplitHostPort(s); err == nil {
		return h
	}
	return strings.Trim(s, "[]")
}

func parse(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(host(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

type ctxKey struct{}

// WithIP returns a copy of ctx carrying the resolved client address.
func WithIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, ctxKey{}, ip)
}

// FromContext returns the address stored by WithIP.
func FromContext(ctx context.Context) (string, bool) {
	ip, ok := ctx.Value(ctxKey{}).(string)
	return ip, ok && ip != ""
}
