package routes

import "testing"

func TestMatchExactHost(t *testing.T) {
	m := New()
	m.Register("blog", []string{"blog.example.com/*"})

	r, ok := m.Match("blog.example.com", "/posts/1")
	if !ok {
		t.Fatal("expected match")
	}
	if r.App != "blog" {
		t.Fatalf("got app %q, want blog", r.App)
	}
}

func TestMatchWildcardFallback(t *testing.T) {
	m := New()
	m.Register("wild", []string{"*.example.com/*"})

	r, ok := m.Match("api.example.com", "/v1")
	if !ok || r.App != "wild" {
		t.Fatalf("expected wildcard match, got %+v ok=%v", r, ok)
	}

	if _, ok := m.Match("example.com", "/v1"); ok {
		t.Fatal("bare parent domain should not match *.example.com")
	}
}

func TestExactBeatsWildcard(t *testing.T) {
	m := New()
	m.Register("wild", []string{"*.example.com/*"})
	m.Register("specific", []string{"api.example.com/*"})

	r, ok := m.Match("api.example.com", "/v1")
	if !ok || r.App != "specific" {
		t.Fatalf("expected exact host to win, got %+v ok=%v", r, ok)
	}
}

func TestExactPathBeatsPrefix(t *testing.T) {
	m := New()
	m.Register("app", []string{"example.com/*", "example.com/health"})

	r, ok := m.Match("example.com", "/health")
	if !ok || r.PathPattern != "/health" {
		t.Fatalf("expected exact path to win, got %+v ok=%v", r, ok)
	}
}

func TestSingleLabelHost(t *testing.T) {
	m := New()
	m.Register("internal", []string{"dashboard/*"})

	r, ok := m.Match("dashboard", "/")
	if !ok || r.App != "internal" {
		t.Fatalf("expected single-label match, got %+v ok=%v", r, ok)
	}
}

func TestUnregisterRemovesRoutes(t *testing.T) {
	m := New()
	m.Register("app", []string{"example.com/*"})
	m.Unregister("app")

	if _, ok := m.Match("example.com", "/"); ok {
		t.Fatal("expected no match after unregister")
	}
}

func TestCheckConflictsDetectsSameHostPath(t *testing.T) {
	m := New()
	m.Register("app1", []string{"example.com/*"})

	err := m.CheckConflicts("app2", []string{"example.com/*"})
	if err == nil {
		t.Fatal("expected conflict error")
	}
}

func TestCheckConflictsAllowsSameAppRedeploy(t *testing.T) {
	m := New()
	m.Register("app1", []string{"example.com/*"})

	if err := m.CheckConflicts("app1", []string{"example.com/*"}); err != nil {
		t.Fatalf("redeploying the same app's own routes should not conflict: %v", err)
	}
}

func TestNoMatchReturnsFalse(t *testing.T) {
	m := New()
	if _, ok := m.Match("nowhere.example.com", "/"); ok {
		t.Fatal("expected no match on empty table")
	}
}
