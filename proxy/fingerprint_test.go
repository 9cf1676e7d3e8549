package proxy_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sentinel-proxy/sentinel/proxy"
)

func TestFingerprintCompositeIDStableAndIPPrefixed(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "curl/8.0")
	r.Header.Set("Accept-Language", "en-US")

	fp1 := proxy.NewFingerprint(r, "203.0.113.9", "")
	fp2 := proxy.NewFingerprint(r, "203.0.113.9", "")
	if fp1.CompositeID() != fp2.CompositeID() {
		t.Fatal("expected identical requests to produce identical composite ids")
	}
	if got := fp1.CompositeID(); got[:len("203.0.113.9")] != "203.0.113.9" {
		t.Fatalf("expected composite id prefixed by client ip, got %q", got)
	}
}

func TestFingerprintDiffersByIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	fp1 := proxy.NewFingerprint(r, "203.0.113.9", "")
	fp2 := proxy.NewFingerprint(r, "198.51.100.2", "")
	if fp1.CompositeID() == fp2.CompositeID() {
		t.Fatal("expected different client IPs to produce different composite ids")
	}
}
