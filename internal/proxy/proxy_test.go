package proxy

import (
	"net/http/httptest"
	"testing"
)

func TestShouldRedirectPublicHost(t *testing.T) {
	p := &Proxy{}
	req := httptest.NewRequest("GET", "http://example.com/", nil)
	if !p.shouldRedirect(req) {
		t.Fatal("expected public host over plain HTTP to redirect")
	}
}

func TestShouldRedirectPrivateHostNoForwardedProto(t *testing.T) {
	p := &Proxy{}
	req := httptest.NewRequest("GET", "http://localhost/", nil)
	if p.shouldRedirect(req) {
		t.Fatal("expected private host with no forwarded-proto to be treated as already-HTTPS")
	}
}

func TestShouldRedirectForwardedProtoAlwaysRedirects(t *testing.T) {
	p := &Proxy{}
	req := httptest.NewRequest("GET", "http://localhost/", nil)
	req.Header.Set("X-Forwarded-Proto", "http")
	if !p.shouldRedirect(req) {
		t.Fatal("expected forwarded-proto metadata present to still redirect")
	}
}

func TestHandleInternalStatusHealthy(t *testing.T) {
	p := &Proxy{Healthy: func() bool { return true }}
	req := httptest.NewRequest("GET", "http://tako.internal/status", nil)
	rec := httptest.NewRecorder()

	if !p.handleInternal(rec, req) {
		t.Fatal("expected internal status to be handled")
	}
	if rec.Code != 200 {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestHandleInternalStatusUnhealthy(t *testing.T) {
	p := &Proxy{Healthy: func() bool { return false }}
	req := httptest.NewRequest("GET", "http://tako.internal/status", nil)
	rec := httptest.NewRecorder()

	p.handleInternal(rec, req)
	if rec.Code != 503 {
		t.Fatalf("got status %d, want 503", rec.Code)
	}
}

func TestHandleInternalIgnoresOtherHosts(t *testing.T) {
	p := &Proxy{}
	req := httptest.NewRequest("GET", "http://example.com/status", nil)
	rec := httptest.NewRecorder()

	if p.handleInternal(rec, req) {
		t.Fatal("expected non-internal host to fall through to routing")
	}
}

func TestHandleACMEChallengeNoIssuerConfigured(t *testing.T) {
	p := &Proxy{}
	req := httptest.NewRequest("GET", "http://example.com/.well-known/acme-challenge/abc", nil)
	rec := httptest.NewRecorder()

	if !p.handleACMEChallenge(rec, req) {
		t.Fatal("expected ACME challenge path to be claimed even without an issuer")
	}
	if rec.Code != 404 {
		t.Fatalf("got status %d, want 404 with no issuer configured", rec.Code)
	}
}
