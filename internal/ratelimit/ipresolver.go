package ratelimit

import (
	"net"
	"net/http"
	"strings"

	"github.com/nexagate/apigw/internal/netx"
)

// IPResolver derives the client IP: X-Forwarded-For's first entry, then
// X-Real-IP, then the transport remote address — XFF/X-Real-IP only
// trusted when the immediate peer is in the trusted-proxy CIDR set. Lives
// here, rather than in internal/mw, since IP resolution only exists to
// feed the {ip} rule template.
type IPResolver struct {
	Trusted *netx.CIDRSet
}

func (ipr IPResolver) ClientIP(r *http.Request) string {
	remoteIP := parseRemoteIP(r.RemoteAddr)

	trusted := ipr.Trusted != nil && remoteIP != nil && ipr.Trusted.Contains(remoteIP)
	if trusted {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if first != "" {
				return first
			}
		}
		if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
			return xrip
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return r.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	return net.ParseIP(host)
}
