// Package metadata extracts the client network address and user agent into
// the request context. The audit writer reads both when it stamps origin
// fields, so the extraction rules here decide what the immutable log says
// about where a request came from.
package metadata

import (
	"net/http"
	"net/netip"
	"strings"

	"bastion/pkg/requestcontext"
)

// MaxForwardedHeaderLength caps X-Forwarded-For and X-Real-IP to keep header
// injection out of audit records.
const MaxForwardedHeaderLength = 500

// Middleware resolves the client IP with trusted-proxy validation. Forwarded
// headers are believed only when the direct peer is a configured proxy;
// otherwise the socket address wins.
type Middleware struct {
	trustedProxies []netip.Prefix
}

// New creates the metadata middleware. With no trusted proxies, forwarded
// headers are never trusted.
func New(trustedProxies []netip.Prefix) *Middleware {
	return &Middleware{trustedProxies: trustedProxies}
}

// Handler stores client IP and user agent in the request context.
func (m *Middleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := requestcontext.WithClientMetadata(r.Context(),
			m.clientIP(r), r.Header.Get("User-Agent"))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *Middleware) clientIP(r *http.Request) string {
	remoteIP := stripPort(r.RemoteAddr)
	if remoteIP == "" {
		return "unknown"
	}
	if !m.isTrustedProxy(remoteIP) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" && len(xff) <= MaxForwardedHeaderLength {
		first := xff
		if i := strings.IndexByte(xff, ','); i >= 0 {
			first = xff[:i]
		}
		first = strings.TrimSpace(first)
		if _, err := netip.ParseAddr(first); err == nil {
			return first
		}
		return remoteIP
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" && len(xri) <= MaxForwardedHeaderLength {
		xri = strings.TrimSpace(xri)
		if _, err := netip.ParseAddr(xri); err == nil {
			return xri
		}
	}
	return remoteIP
}

func (m *Middleware) isTrustedProxy(ip string) bool {
	if len(m.trustedProxies) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	for _, prefix := range m.trustedProxies {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

// stripPort drops the port from a RemoteAddr, handling bracketed IPv6.
func stripPort(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	if strings.HasPrefix(remoteAddr, "[") {
		if idx := strings.LastIndex(remoteAddr, "]:"); idx != -1 {
			return remoteAddr[1:idx]
		}
		return strings.Trim(remoteAddr, "[]")
	}
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		return remoteAddr[:idx]
	}
	return remoteAddr
}
