package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP extracts the client IP for rate limiting and audit attribution.
// Proxy headers are only consulted when trustProxy is set; otherwise the
// direct connection address is used, since X-Forwarded-For is trivially
// spoofable without a trusted proxy in front.
//
// X-Forwarded-For is "client, proxy1, proxy2, ..."; the rightmost
// trustedProxyCount entries are the proxies we control, so the client sits
// at len(ips)-trustedProxyCount-1.
func ClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip := clientIPFromXFF(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ip != "" {
			return ip
		}
		if ip := r.Header.Get("X-Real-IP"); net.ParseIP(ip) != nil {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientIPFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}

	ips := strings.Split(xff, ",")
	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}

	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
