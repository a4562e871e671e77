package script

import (
	"context"
	"fmt"
	"net"
	"strings"
)

// privateRanges are CIDRs that a globally-routable address must never fall
// within, beyond what net.IP's own IsLoopback/IsMulticast/etc. report.
var privateRanges []*net.IPNet

func init() {
	for _, cidr := range []string{
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16", // link-local / cloud metadata endpoint
		"fc00::/7",       // unique local
	} {
		_, n, _ := net.ParseCIDR(cidr)
		privateRanges = append(privateRanges, n)
	}
}

// IsGloballyRoutable reports whether ip may be reached by a fetch issued
// from user script code: not loopback, private, link-local, multicast, or
// (v4) broadcast.
func IsGloballyRoutable(ip net.IP) bool {
	if ip.IsUnspecified() || ip.IsLoopback() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if v4 := ip.To4(); v4 != nil && v4.Equal(net.IPv4bcast) {
		return false
	}
	for _, n := range privateRanges {
		if n.Contains(ip) {
			return false
		}
	}
	return true
}

// PermissionError is returned by RequestFetchPermission when a URL may
// not be fetched.
type PermissionError struct {
	msg string
}

func (e *PermissionError) Error() string { return e.msg }

func denyf(format string, args ...any) error {
	return &PermissionError{msg: fmt.Sprintf(format, args...)}
}

// OnDirectIPAccess is called with the literal IP when a script targets one
// directly (bypassing DNS), so the caller can surface a warning through
// the live console log, per the permission hook's step 2.
type OnDirectIPAccess func(ip string)

// RequestFetchPermission implements the fetch permission hook (§4.1):
// scheme allowlist, global-routability for literal IPs and every
// DNS-resolved address, all re-checked on every redirect hop by the
// caller re-invoking this function per hop.
func RequestFetchPermission(ctx context.Context, rawURL string, onDirectIP OnDirectIPAccess) error {
	scheme, host, ok := splitSchemeHost(rawURL)
	if !ok {
		return denyf("malformed url")
	}
	if scheme != "http" && scheme != "https" {
		return denyf("scheme %q is not permitted", scheme)
	}

	host = stripPort(host)
	if host == "" {
		return denyf("missing host")
	}

	if ip := net.ParseIP(strings.Trim(host, "[]")); ip != nil {
		if !IsGloballyRoutable(ip) {
			return denyf("address %s is not globally routable", ip)
		}
		if onDirectIP != nil {
			onDirectIP(ip.String())
		}
		return nil
	}

	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return denyf("dns lookup failed for %q: %v", host, err)
	}
	if len(addrs) == 0 {
		return denyf("dns lookup returned no addresses for %q", host)
	}
	for _, a := range addrs {
		if !IsGloballyRoutable(a.IP) {
			return denyf("address %s (resolved from %q) is not globally routable", a.IP, host)
		}
	}
	return nil
}

func splitSchemeHost(rawURL string) (scheme, host string, ok bool) {
	idx := strings.Index(rawURL, "://")
	if idx <= 0 {
		return "", "", false
	}
	scheme = strings.ToLower(rawURL[:idx])
	rest := rawURL[idx+3:]
	end := strings.IndexAny(rest, "/?#")
	if end >= 0 {
		rest = rest[:end]
	}
	return scheme, rest, rest != ""
}

func stripPort(host string) string {
	if strings.HasPrefix(host, "[") {
		if i := strings.Index(host, "]"); i >= 0 {
			return host[1:i]
		}
		return host
	}
	if i := strings.LastIndex(host, ":"); i >= 0 && !strings.Contains(host, "[") {
		// Only strip if what follows looks like a port (all digits).
		allDigits := true
		for _, c := range host[i+1:] {
			if c < '0' || c > '9' {
				allDigits = false
				break
			}
		}
		if allDigits {
			return host[:i]
		}
	}
	return host
}
