package engine

import "net/netip"

// networkIDForString computes the admission-layer networkId: the full
// address for IPv4 (and unix, where ipStr is typically empty or a path),
// or the first 7 bytes (/56) of the packed IPv6 address.
//
// net/netip is used rather than the older net.IP because its
// Prefix/Masked API is exactly the "first N bits" operation this needs,
// without manual byte slicing.
func networkIDForString(ipStr string) string {
	if ipStr == "" {
		return "" // unix-domain socket: no IP to bucket
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ipStr
	}
	if addr.Is4() || addr.Is4In6() {
		return addr.Unmap().String()
	}
	prefix := netip.PrefixFrom(addr, 56)
	masked := prefix.Masked()
	return masked.Addr().String()
}

// ipv4MappedLoopbackPrefix is ::ffff:127.0.0.0/104, the correct prefix
// for an IPv4-mapped IPv6 loopback address.
var ipv4MappedLoopbackPrefix = netip.MustParsePrefix("::ffff:127.0.0.0/104")

// isLoopbackIP reports whether ipStr names a loopback address: ::1,
// 127.0.0.0/8, or an IPv4-mapped IPv6 loopback (::ffff:127.0.0.0/104).
func isLoopbackIP(ipStr string) bool {
	if ipStr == "" {
		return false
	}
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	if addr.Is4In6() {
		if ipv4MappedLoopbackPrefix.Contains(addr) {
			return true
		}
		addr = addr.Unmap()
	}
	return addr.IsLoopback()
}
