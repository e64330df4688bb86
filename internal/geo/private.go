package geo

import "net/netip"

// Ranges that are not globally routable but not covered by the netip
// convenience predicates.
var (
	cgnatRange = netip.MustParsePrefix("100.64.0.0/10")
)

// IsPrivate reports whether an address must be exempt from geolocation:
// RFC1918 blocks, loopback, link-local (v4 and v6), IPv6 unique-local,
// carrier-grade NAT and the unspecified address.
func IsPrivate(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsPrivate(): // RFC1918 and fc00::/7
		return true
	case addr.IsLoopback(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified():
		return true
	case addr.Is4() && cgnatRange.Contains(addr):
		return true
	}
	return false
}
