package ratelimit

import (
	"net/http"
	"testing"

	"github.com/nexagate/apigw/internal/netx"
)

func TestIPResolverTrustedProxyUsesXFF(t *testing.T) {
	trusted, err := netx.ParseCIDRSet([]string{"127.0.0.1/32"})
	if err != nil {
		t.Fatalf("ParseCIDRSet: %v", err)
	}
	ipr := IPResolver{Trusted: trusted}

	r := &http.Request{Header: http.Header{}, RemoteAddr: "127.0.0.1:5555"}
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	got := ipr.ClientIP(r)
	if got != "203.0.113.9" {
		t.Fatalf("ClientIP = %q, want 203.0.113.9", got)
	}
}

func TestIPResolverUntrustedIgnoresXFF(t *testing.T) {
	trusted, err := netx.ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatalf("ParseCIDRSet: %v", err)
	}
	ipr := IPResolver{Trusted: trusted}

	r := &http.Request{Header: http.Header{}, RemoteAddr: "198.51.100.2:5555"}
	r.Header.Set("X-Forwarded-For", "203.0.113.9")

	got := ipr.ClientIP(r)
	if got != "198.51.100.2" {
		t.Fatalf("ClientIP = %q, want 198.51.100.2", got)
	}
}
