package ddos

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ForwardedForHeader carries the original client address when the server sits
// behind a load balancer.
const ForwardedForHeader = "X-Forwarded-For"

// ErrInvalidForwardedFor is returned when X-Forwarded-For is present but does
// not hold a parseable address.
var ErrInvalidForwardedFor = errors.New("invalid X-Forwarded-For address")

// ClientResolver derives the client identifier for a request.
type ClientResolver struct {
	trusted []netip.Prefix
}

// NewClientResolver creates a resolver. With no trusted prefixes the
// forwarded-for header is always honored; otherwise only when the transport
// peer falls inside one of them.
func NewClientResolver(trusted []netip.Prefix) *ClientResolver {
	return &ClientResolver{trusted: trusted}
}

// Resolve returns the client identifier: the leftmost X-Forwarded-For entry
// when the header is present and honored, else the transport peer address.
// Both are reduced to IPv4 form.
func (c *ClientResolver) Resolve(r *http.Request) (string, error) {
	peer, peerOK := parseHostAddr(r.RemoteAddr)

	values := r.Header.Values(ForwardedForHeader)
	if len(values) > 0 && c.honorForwarded(peer, peerOK) {
		first, _, _ := strings.Cut(values[0], ",")
		addr, ok := parseHostAddr(strings.TrimSpace(first))
		if !ok {
			return "", fmt.Errorf("%w: %q", ErrInvalidForwardedFor, values[0])
		}
		return MapToIPv4(addr).String(), nil
	}

	if !peerOK {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return r.RemoteAddr, nil
		}
		return host, nil
	}
	return MapToIPv4(peer).String(), nil
}

func (c *ClientResolver) honorForwarded(peer netip.Addr, peerOK bool) bool {
	if len(c.trusted) == 0 {
		return true
	}
	if !peerOK {
		return false
	}
	peer = peer.Unmap()
	for _, p := range c.trusted {
		if p.Contains(peer) {
			return true
		}
	}
	return false
}

// parseHostAddr accepts "ip", "ip:port" and "[ipv6]:port".
func parseHostAddr(s string) (netip.Addr, bool) {
	if s == "" {
		return netip.Addr{}, false
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr(), true
	}
	addr, err := netip.ParseAddr(strings.Trim(s, "[]"))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

// MapToIPv4 reduces an address to IPv4. IPv4-mapped IPv6 addresses are
// unmapped; any other IPv6 address keeps only its low 32 bits.
func MapToIPv4(addr netip.Addr) netip.Addr {
	if addr.Is4() {
		return addr
	}
	if addr.Is4In6() {
		return addr.Unmap()
	}
	b := addr.As16()
	return netip.AddrFrom4([4]byte{b[12], b[13], b[14], b[15]})
}
