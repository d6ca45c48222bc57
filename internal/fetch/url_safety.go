package fetch

import (
	"net/netip"
	"net/url"
	"strconv"
	"strings"
)

const maxURLLength = 2048

// Validate rejects URLs that are malformed or could be used to reach
// internal network addresses. It is a pure function: hostnames are checked
// by literal parsing only, never by DNS resolution (DNS-based SSRF is
// mitigated separately by the resolver's address-family policy).
//
// Attackers encode IPv4 addresses in decimal, hex, octal and mixed forms,
// so every hostname is run through an inet_aton-style parse before range
// checking: "0x7f000001" and "2130706433" are rejected exactly like
// "127.0.0.1".
func Validate(rawURL string) error {
	if len(rawURL) > maxURLLength {
		return Invalid("url exceeds %d characters", maxURLLength)
	}
	for _, r := range rawURL {
		if r < 0x20 || r == 0x7f {
			return Invalid("url contains control characters")
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return Invalid("malformed url: %v", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return Invalid("unsupported scheme %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return Invalid("url has an empty hostname")
	}

	if strings.Contains(host, ":") {
		return validateIPv6Host(host)
	}
	if octets, ok := parseIPv4Literal(host); ok {
		return checkIPv4(octets)
	}
	return nil
}

// validateIPv6Host rejects loopback, unique-local, link-local and
// IPv4-mapped internal addresses. netip normalizes both the dotted
// (::ffff:127.0.0.1) and hex-grouped (::ffff:7f00:1) mapped variants.
func validateIPv6Host(host string) error {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return Invalid("malformed ipv6 literal %q", host)
	}
	if addr.Is4() || addr.Is4In6() {
		v4 := addr.As4()
		return checkIPv4(v4)
	}
	switch {
	case addr.IsLoopback():
		return Invalid("ipv6 loopback address is not allowed")
	case addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast():
		return Invalid("ipv6 link-local address is not allowed")
	case isUniqueLocal(addr):
		return Invalid("ipv6 unique-local address is not allowed")
	}
	return nil
}

func isUniqueLocal(addr netip.Addr) bool {
	b := addr.As16()
	return b[0]&0xfe == 0xfc // fc00::/7
}

// checkIPv4 range-checks four octets against internal network ranges.
func checkIPv4(o [4]byte) error {
	switch {
	case o[0] == 127:
		return Invalid("loopback address is not allowed")
	case o[0] == 10:
		return Invalid("private address is not allowed")
	case o[0] == 172 && o[1] >= 16 && o[1] <= 31:
		return Invalid("private address is not allowed")
	case o[0] == 192 && o[1] == 168:
		return Invalid("private address is not allowed")
	case o[0] == 169 && o[1] == 254:
		return Invalid("link-local address is not allowed")
	case o[0] == 0:
		return Invalid("\"this network\" address is not allowed")
	case o[0] == 255 && o[1] == 255 && o[2] == 255 && o[3] == 255:
		return Invalid("broadcast address is not allowed")
	}
	return nil
}

// parseIPv4Literal parses a hostname as an IPv4 literal with classic
// inet_aton semantics: one to four dot-separated parts, each in decimal,
// hex (0x) or octal (leading 0), with the final part filling the remaining
// bytes. Returns false for hostnames that are not IPv4 literals.
func parseIPv4Literal(host string) ([4]byte, bool) {
	var out [4]byte
	if host == "" {
		return out, false
	}
	parts := strings.Split(host, ".")
	if len(parts) > 4 {
		return out, false
	}
	vals := make([]uint64, len(parts))
	for i, p := range parts {
		v, ok := parseIPv4Part(p)
		if !ok {
			return out, false
		}
		vals[i] = v
	}

	// The last part covers the remaining bytes; earlier parts are single
	// octets. "127.1" means 127.0.0.1, "0x7f000001" means 127.0.0.1.
	n := len(vals)
	last := vals[n-1]
	maxLast := uint64(1)<<(8*(4-(n-1))) - 1
	if last > maxLast {
		return out, false
	}
	for i := 0; i < n-1; i++ {
		if vals[i] > 0xff {
			return out, false
		}
		out[i] = byte(vals[i])
	}
	for i := 0; i < 4-(n-1); i++ {
		shift := uint(8 * (4 - (n - 1) - 1 - i))
		out[n-1+i] = byte(last >> shift)
	}
	return out, true
}

func parseIPv4Part(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	base := 10
	switch {
	case strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X"):
		s = s[2:]
		base = 16
		if s == "" {
			return 0, false
		}
	case len(s) > 1 && s[0] == '0':
		s = s[1:]
		base = 8
	}
	v, err := strconv.ParseUint(s, base, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
